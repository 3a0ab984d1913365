// Package realtime talks to the speech-model provider: accepting and hanging up
// SIP calls over REST and streaming session events over a websocket.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voice-bridge/internal/resilience"

	"github.com/gorilla/websocket"
)

// Tool is a function the model may call during the session.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// HandoffTool describes the function the model calls to request a human.
func HandoffTool(name string) Tool {
	return Tool{
		Type:        "function",
		Name:        name,
		Description: "Transfer the caller to a human agent when they ask for a person or the request cannot be handled.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{"type": "string", "description": "Why the caller needs a human."},
			},
		},
	}
}

// SessionConfig is sent when accepting a call.
type SessionConfig struct {
	Model        string
	Voice        string
	Instructions string
	Tools        []Tool
}

type acceptBody struct {
	Type         string `json:"type"`
	Model        string `json:"model,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Audio        *struct {
		Output struct {
			Voice string `json:"voice"`
		} `json:"output"`
	} `json:"audio,omitempty"`
	Tools []Tool `json:"tools,omitempty"`
}

type ClientConfig struct {
	APIKey string
	// BaseURL is the REST root, e.g. https://api.openai.com/v1.
	BaseURL string
	// RealtimeURL is the websocket endpoint sessions attach to.
	RealtimeURL string
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
}

// Client is the model provider's call-control API. Every request passes through
// the model policy.
type Client struct {
	apiKey      string
	baseURL     string
	realtimeURL string
	http        *http.Client
	dialer      *websocket.Dialer
	policy      *resilience.Policy
	log         *slog.Logger
}

func NewClient(cfg ClientConfig, policy *resilience.Policy, log *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("realtime: api key is required")
	}
	if cfg.BaseURL == "" || cfg.RealtimeURL == "" {
		return nil, errors.New("realtime: base url and realtime url are required")
	}
	if log == nil {
		log = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		realtimeURL: cfg.RealtimeURL,
		http:        hc,
		dialer:      dialer,
		policy:      policy,
		log:         log,
	}, nil
}

// Accept answers an incoming SIP call with the given session configuration.
func (c *Client) Accept(ctx context.Context, callID string, cfg SessionConfig) error {
	body := acceptBody{Type: "realtime", Model: cfg.Model, Instructions: cfg.Instructions, Tools: cfg.Tools}
	if cfg.Voice != "" {
		body.Audio = &struct {
			Output struct {
				Voice string `json:"voice"`
			} `json:"output"`
		}{}
		body.Audio.Output.Voice = cfg.Voice
	}
	res := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/realtime/calls/"+url.PathEscape(callID)+"/accept", body)
	})
	if !res.Success {
		return fmt.Errorf("realtime: accept call %s: %w", callID, res.Err)
	}
	return nil
}

// Hangup ends the model's leg. A call the provider no longer knows is treated as ended.
func (c *Client) Hangup(ctx context.Context, callID string) error {
	res := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/realtime/calls/"+url.PathEscape(callID)+"/hangup", nil)
	})
	var se *resilience.StatusError
	if !res.Success && !(errors.As(res.Err, &se) && se.StatusCode == http.StatusNotFound) {
		return fmt.Errorf("realtime: hangup call %s: %w", callID, res.Err)
	}
	return nil
}

// Session returns an unconnected session for callID. handoffTool names the function
// call surfaced as an agent_handoff event.
func (c *Client) Session(callID, handoffTool string) *Session {
	u := c.realtimeURL
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	return newSession(u+sep+"call_id="+url.QueryEscape(callID), header, c.dialer, handoffTool, c.log.With("call_id", callID))
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return resilience.Permanent(err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return resilience.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(raw)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &resilience.StatusError{Service: resilience.Model, StatusCode: resp.StatusCode, Body: msg}
	}
	return nil
}

package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"voice-bridge/internal/resilience"
)

// TwilioClient implements Carrier against the Twilio REST API (2010-04-01).
// It is safe for concurrent use. It does not retry; callers wrap it in the
// telephony policy.
type TwilioClient struct {
	accountSID string
	authToken  string
	baseURL    string
	client     *http.Client
}

type TwilioClientConfig struct {
	AccountSID string
	AuthToken  string
	// APIBaseURL overrides https://api.twilio.com (tests).
	APIBaseURL string
	HTTPClient *http.Client
}

func NewTwilioClient(cfg TwilioClientConfig) (*TwilioClient, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio: auth token is required")
	}
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = "https://api.twilio.com"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &TwilioClient{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    fmt.Sprintf("%s/2010-04-01/Accounts/%s", base, cfg.AccountSID),
		client:     hc,
	}, nil
}

func (c *TwilioClient) AddParticipant(ctx context.Context, conferenceName string, p ParticipantParams) (Participant, error) {
	params := url.Values{
		"From":                   {p.From},
		"To":                     {p.To},
		"StartConferenceOnEnter": {"true"},
		"EndConferenceOnExit":    {strconv.FormatBool(p.EndConferenceOnExit)},
	}
	if p.Label != "" {
		params.Set("Label", p.Label)
	}
	if p.CallToken != "" {
		params.Set("CallToken", p.CallToken)
	}
	if p.Coaching {
		params.Set("Coaching", "true")
		params.Set("CallSidToCoach", p.CallSidToCoach)
	} else if p.Muted {
		params.Set("Muted", "true")
	}
	if p.StatusCallback != "" {
		params.Set("StatusCallback", p.StatusCallback)
	}

	var out Participant
	endpoint := fmt.Sprintf("/Conferences/%s/Participants.json", url.PathEscape(conferenceName))
	if err := c.do(ctx, http.MethodPost, endpoint, params, &out); err != nil {
		return Participant{}, fmt.Errorf("twilio: add participant: %w", err)
	}
	return out, nil
}

func (c *TwilioClient) GetParticipant(ctx context.Context, conferenceSid, labelOrCallSid string) (Participant, error) {
	if conferenceSid == "" {
		return Participant{}, fmt.Errorf("%w: conference sid unknown", ErrNotFound)
	}
	var out Participant
	endpoint := fmt.Sprintf("/Conferences/%s/Participants/%s.json", url.PathEscape(conferenceSid), url.PathEscape(labelOrCallSid))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return Participant{}, fmt.Errorf("twilio: get participant: %w", err)
	}
	return out, nil
}

func (c *TwilioClient) FindConferenceSid(ctx context.Context, conferenceName string) (string, error) {
	q := url.Values{"FriendlyName": {conferenceName}, "Status": {"in-progress"}}
	var out struct {
		Conferences []struct {
			Sid string `json:"sid"`
		} `json:"conferences"`
	}
	if err := c.do(ctx, http.MethodGet, "/Conferences.json?"+q.Encode(), nil, &out); err != nil {
		return "", fmt.Errorf("twilio: list conferences: %w", err)
	}
	if len(out.Conferences) == 0 {
		return "", fmt.Errorf("%w: conference %s", ErrNotFound, conferenceName)
	}
	return out.Conferences[0].Sid, nil
}

func (c *TwilioClient) CreateCall(ctx context.Context, p CallParams) (string, error) {
	params := url.Values{
		"To":    {p.To},
		"From":  {p.From},
		"Twiml": {p.Twiml},
	}
	if p.StatusCallback != "" {
		params.Set("StatusCallback", p.StatusCallback)
		params["StatusCallbackEvent"] = []string{"initiated", "ringing", "answered", "completed"}
	}
	var out struct {
		Sid string `json:"sid"`
	}
	if err := c.do(ctx, http.MethodPost, "/Calls.json", params, &out); err != nil {
		return "", fmt.Errorf("twilio: create call: %w", err)
	}
	return out.Sid, nil
}

func (c *TwilioClient) UpdateCall(ctx context.Context, callSid string, u CallUpdate) error {
	params := url.Values{}
	if u.Status != "" {
		params.Set("Status", u.Status)
	}
	if u.Twiml != "" {
		params.Set("Twiml", u.Twiml)
	}
	endpoint := fmt.Sprintf("/Calls/%s.json", url.PathEscape(callSid))
	if err := c.do(ctx, http.MethodPost, endpoint, params, nil); err != nil {
		return fmt.Errorf("twilio: update call: %w", err)
	}
	return nil
}

// do makes an authenticated request to the Twilio API and decodes the JSON body into out.
func (c *TwilioClient) do(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	var body io.Reader
	if params != nil {
		body = bytes.NewBufferString(params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return resilience.Permanent(err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")
	if params != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, (1<<20)+1))
	if err != nil {
		return err
	}
	if len(raw) > 1<<20 {
		return resilience.Permanent(fmt.Errorf("API response too large (%d bytes)", len(raw)))
	}

	if resp.StatusCode >= 400 {
		se := &resilience.StatusError{Service: resilience.Telephony, StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrNotFound, se)
		}
		return se
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resilience.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// sipTarget appends the conference name as a custom SIP header so the model
// provider can hand it back with the incoming-call webhook.
func sipTarget(uri, conferenceName string) string {
	if uri == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + "X-Conference-Name=" + url.QueryEscape(conferenceName)
}

package tickets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"voice-bridge/internal/resilience"

	"golang.org/x/time/rate"
)

// Client creates tickets in the external ticketing system.
type Client interface {
	CreateTicket(ctx context.Context, req TicketRequest, idempotencyKey string) (TicketResult, error)
}

// TicketResult is the ticketing API response. MissingFields is populated when the
// API accepted the request shape but refused to open a ticket.
type TicketResult struct {
	TicketNumber  string   `json:"ticket_number"`
	MissingFields []string `json:"missing_fields,omitempty"`
}

// HTTPClientConfig configures HTTPClient.
type HTTPClientConfig struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// HTTPClient talks to the ticketing REST API with a client-side rate limit.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *HTTPClient) CreateTicket(ctx context.Context, req TicketRequest, idempotencyKey string) (TicketResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return TicketResult{}, ctx.Err()
		}
		// The local limiter cannot admit us before the attempt deadline.
		return TicketResult{}, &resilience.StatusError{Service: resilience.Ticketing, StatusCode: http.StatusTooManyRequests, Body: err.Error()}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return TicketResult{}, resilience.Permanent(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tickets", bytes.NewReader(body))
	if err != nil {
		return TicketResult{}, resilience.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return TicketResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TicketResult{}, err
	}

	var out TicketResult
	if resp.StatusCode == http.StatusUnprocessableEntity {
		if json.Unmarshal(raw, &out) == nil && len(out.MissingFields) > 0 {
			return out, resilience.Permanent(fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(out.MissingFields, ", ")))
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TicketResult{}, &resilience.StatusError{Service: resilience.Ticketing, StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return TicketResult{}, fmt.Errorf("ticketing: decode response: %w", err)
	}
	if len(out.MissingFields) > 0 {
		return out, resilience.Permanent(fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(out.MissingFields, ", ")))
	}
	if out.TicketNumber == "" {
		return out, fmt.Errorf("ticketing: response without ticket number")
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

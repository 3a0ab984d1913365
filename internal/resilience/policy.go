package resilience

import (
	"context"
	"net/http"
	"time"
)

// Dependency names used for breakers, metrics and logs.
const (
	Telephony = "telephony"
	Model     = "model"
	Ticketing = "ticketing"
)

// Policy composes retry(breaker(timeout(op))) for one dependency.
// Each attempt passes through the breaker, so a tripped breaker stops the retry loop.
type Policy struct {
	Name           string
	Retry          RetryConfig
	Breaker        *Breaker
	AttemptTimeout time.Duration

	// OnResult observes every finished Do call.
	OnResult func(name string, res Result)
}

// Do executes op under the policy.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) Result {
	res := Retry(ctx, p.Retry, func(ctx context.Context) error {
		attempt := func(ctx context.Context) error {
			if p.AttemptTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
				defer cancel()
			}
			return op(ctx)
		}
		if p.Breaker == nil {
			return attempt(ctx)
		}
		return p.Breaker.Execute(ctx, attempt)
	})
	if p.OnResult != nil {
		p.OnResult(p.Name, res)
	}
	return res
}

// Do is Policy.Do for operations that produce a value.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, Result) {
	var value T
	res := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, res
}

// Hooks lets observability plug into every policy without this package importing it.
type Hooks struct {
	OnRetry       func(policy string, attempt int, err error, delay time.Duration)
	OnStateChange func(name string, from, to State)
	OnResult      func(policy string, res Result)
}

// Policies holds the per-integration policies.
type Policies struct {
	Breakers  *Breakers
	Telephony *Policy
	Model     *Policy
	Ticketing *Policy
}

// TelephonyRetry retries rate limits, carrier 5xx and transport failures; a 4xx from
// the carrier (bad participant, unknown conference) is permanent.
func TelephonyRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     4 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
		Classify: HTTPClassifier(
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		),
	}
}

// ModelRetry covers the model provider's accept/hangup REST calls.
func ModelRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
		Classify: HTTPClassifier(
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		),
	}
}

// TicketingRetry also retries 409 and 425, which the ticketing API returns while
// a request with the same idempotency key is still being processed.
func TicketingRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  6,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.25,
		Classify: HTTPClassifier(
			http.StatusRequestTimeout,
			http.StatusConflict,
			http.StatusTooEarly,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		),
	}
}

// NewPolicies builds the three integration policies over a shared breaker registry.
func NewPolicies(hooks Hooks) Policies {
	breakers := NewBreakers(BreakerConfig{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxAttempts: 1,
		OnStateChange:       hooks.OnStateChange,
	})

	build := func(name string, retry RetryConfig, timeout time.Duration, breaker BreakerConfig) *Policy {
		if hooks.OnRetry != nil {
			retry.OnRetry = func(attempt int, err error, delay time.Duration) {
				hooks.OnRetry(name, attempt, err, delay)
			}
		}
		return &Policy{
			Name:           name,
			Retry:          retry,
			Breaker:        breakers.GetWithConfig(name, breaker),
			AttemptTimeout: timeout,
			OnResult:       hooks.OnResult,
		}
	}

	return Policies{
		Breakers:  breakers,
		Telephony: build(Telephony, TelephonyRetry(), 10*time.Second, BreakerConfig{FailureThreshold: 5, ResetTimeout: 20 * time.Second, HalfOpenMaxAttempts: 1}),
		Model:     build(Model, ModelRetry(), 15*time.Second, BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenMaxAttempts: 1}),
		Ticketing: build(Ticketing, TicketingRetry(), 30*time.Second, BreakerConfig{FailureThreshold: 3, ResetTimeout: 60 * time.Second, HalfOpenMaxAttempts: 1}),
	}
}

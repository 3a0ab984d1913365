package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func fastRetry(maxAttempts int) RetryConfig {
	cfg := TicketingRetry()
	cfg.MaxAttempts = maxAttempts
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.Jitter = 0
	return cfg
}

func TestRetry_PermanentErrorStopsAfterOneAttempt(t *testing.T) {
	calls := 0
	res := Retry(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return &StatusError{Service: "ticketing", StatusCode: http.StatusUnprocessableEntity}
	})
	if calls != 1 || res.Attempts != 1 {
		t.Fatalf("expected exactly one attempt, got calls=%d attempts=%d", calls, res.Attempts)
	}
	if res.Success || res.Class != ClassPermanent {
		t.Fatalf("expected permanent failure, got %+v", res)
	}
}

func TestRetry_RetryableErrorExhaustsAttempts(t *testing.T) {
	calls := 0
	res := Retry(context.Background(), fastRetry(4), func(context.Context) error {
		calls++
		return &StatusError{Service: "ticketing", StatusCode: http.StatusServiceUnavailable}
	})
	if calls != 4 || res.Attempts != 4 {
		t.Fatalf("expected 4 attempts, got calls=%d attempts=%d", calls, res.Attempts)
	}
	var se *StatusError
	if !errors.As(res.Err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected final 503 surfaced, got %v", res.Err)
	}
	if res.Class != ClassRetryable {
		t.Fatalf("expected retryable class on final error, got %v", res.Class)
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, res := RetryValue(context.Background(), fastRetry(5), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("send: %w", context.DeadlineExceeded)
		}
		return "T-1", nil
	})
	if !res.Success || v != "T-1" || res.Attempts != 3 {
		t.Fatalf("expected success on third attempt, got v=%q res=%+v", v, res)
	}
}

func TestRetry_CircuitRejectionIsNotRetried(t *testing.T) {
	calls := 0
	res := Retry(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return &CircuitOpenError{Name: "ticketing", Remaining: time.Second}
	})
	if calls != 1 {
		t.Fatalf("expected one attempt, got %d", calls)
	}
	if res.Class != ClassCircuitRejected || !errors.Is(res.Err, ErrCircuitOpen) {
		t.Fatalf("expected circuit rejection, got %+v", res)
	}
}

func TestRetry_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(10)
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	done := make(chan Result, 1)
	go func() {
		done <- Retry(ctx, cfg, func(context.Context) error {
			return &StatusError{StatusCode: http.StatusBadGateway}
		})
	}()
	cancel()

	select {
	case res := <-done:
		if res.Success || res.Attempts != 1 {
			t.Fatalf("expected single failed attempt, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("retry did not observe cancellation")
	}
}

func TestRetryConfig_DelayIsBounded(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 200 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := cfg.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
	if got := cfg.Delay(500); got != time.Second {
		t.Fatalf("expected cap on huge attempt, got %v", got)
	}
}

func TestRetryConfig_JitterStaysInBand(t *testing.T) {
	cfg := RetryConfig{Jitter: 0.25}.withDefaults()
	for i := 0; i < 200; i++ {
		got := cfg.jittered(time.Second)
		if got < 750*time.Millisecond || got > 1250*time.Millisecond {
			t.Fatalf("jitter out of band: %v", got)
		}
	}
}

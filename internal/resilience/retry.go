package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures the retry executor.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay before jitter.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor.
	Multiplier float64
	// Jitter is the fraction of the delay added or removed at random (0 disables).
	Jitter float64
	// Classify decides whether a failed attempt is retried. Nil retries transient errors only.
	Classify Classifier
	// OnRetry is called before each sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (c RetryConfig) withDefaults() RetryConfig {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 1
	}
	if out.InitialDelay <= 0 {
		out.InitialDelay = 100 * time.Millisecond
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 10 * time.Second
	}
	if out.Multiplier < 1 {
		out.Multiplier = 2
	}
	if out.Jitter < 0 {
		out.Jitter = 0
	}
	if out.Jitter > 1 {
		out.Jitter = 1
	}
	if out.Classify == nil {
		out.Classify = HTTPClassifier()
	}
	return out
}

// Delay returns the un-jittered wait after the given failed attempt (1-based):
// min(InitialDelay * Multiplier^(attempt-1), MaxDelay).
func (c RetryConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

func (c RetryConfig) jittered(d time.Duration) time.Duration {
	if c.Jitter == 0 || d <= 0 {
		return d
	}
	spread := float64(d) * c.Jitter
	// #nosec G404 -- jitter does not need cryptographic randomness
	out := float64(d) + (rand.Float64()*2-1)*spread
	if out < 0 {
		return 0
	}
	return time.Duration(out)
}

// Result contains the outcome of a retried operation.
type Result struct {
	Success  bool
	Attempts int
	// Err is the last error (nil on success).
	Err error
	// Class is the classification of Err (zero on success).
	Class   Class
	Elapsed time.Duration
}

// Retry runs op until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or ctx is done. It never blocks past ctx.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) Result {
	cfg = cfg.withDefaults()
	start := time.Now()
	res := Result{}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		if err := ctx.Err(); err != nil {
			res.Err, res.Class = err, ClassPermanent
			break
		}

		err := op(ctx)
		if err == nil {
			res.Success, res.Err, res.Class = true, nil, 0
			break
		}

		res.Err = err
		res.Class = cfg.Classify(err)
		if res.Class != ClassRetryable || attempt >= cfg.MaxAttempts {
			break
		}

		delay := cfg.jittered(cfg.Delay(attempt))
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			res.Elapsed = time.Since(start)
			return res
		case <-t.C:
		}
	}

	res.Elapsed = time.Since(start)
	return res
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, Result) {
	var value T
	res := Retry(ctx, cfg, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, res
}

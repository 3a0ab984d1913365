package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	Name string

	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before allowing a probe.
	ResetTimeout time.Duration

	// HalfOpenMaxAttempts caps concurrent probes while half-open.
	HalfOpenMaxAttempts int

	// OnStateChange is called synchronously, outside the breaker lock.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock (tests).
	Now func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	out := c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.ResetTimeout <= 0 {
		out.ResetTimeout = 30 * time.Second
	}
	if out.HalfOpenMaxAttempts <= 0 {
		out.HalfOpenMaxAttempts = 1
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Breaker is a per-dependency circuit breaker.
//
// Invariants:
//   - closed -> open once FailureThreshold consecutive failures are recorded.
//   - open -> half_open on the first call after ResetTimeout; that call is the probe.
//   - half_open -> closed on probe success, -> open on probe failure.
//   - half_open -> open when a caller arrives with HalfOpenMaxAttempts probes already
//     in flight; the caller fails fast and the cooldown restarts.
//   - Rejections and caller cancellations are never counted as failures or successes.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	inFlight    int
	generation  uint64 // bumped on every transition; probes from an older one are ignored
	lastFailure time.Time
	openedAt    time.Time
	changedAt   time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{cfg: cfg, state: StateClosed, changedAt: cfg.Now()}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Execute runs fn under breaker protection. A rejected call returns *CircuitOpenError
// without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, gen, err := b.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(probe, gen, err)
	return err
}

// ExecuteValue is Execute for operations that produce a value.
func ExecuteValue[T any](b *Breaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var value T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		value = v
		return err
	})
	return value, err
}

func (b *Breaker) allow() (probe bool, gen uint64, err error) {
	var change *stateChange
	defer func() { b.notify(change) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	switch b.state {
	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.ResetTimeout {
			return false, 0, &CircuitOpenError{Name: b.cfg.Name, Remaining: b.cfg.ResetTimeout - elapsed}
		}
		change = b.transition(StateHalfOpen, now)
		b.inFlight = 1
		return true, b.generation, nil
	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenMaxAttempts {
			change = b.transition(StateOpen, now)
			return false, 0, &CircuitOpenError{Name: b.cfg.Name, Remaining: b.cfg.ResetTimeout}
		}
		b.inFlight++
		return true, b.generation, nil
	default:
		return false, b.generation, nil
	}
}

func (b *Breaker) record(probe bool, gen uint64, err error) {
	var change *stateChange
	defer func() { b.notify(change) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	if probe && gen != b.generation {
		return
	}
	if probe && b.inFlight > 0 {
		b.inFlight--
	}
	if errors.Is(err, context.Canceled) {
		// The dependency never answered; a cancelled probe frees its slot and nothing else.
		return
	}
	failed := err != nil

	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		b.lastFailure = now
		if b.failures >= b.cfg.FailureThreshold {
			change = b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if !probe {
			return
		}
		if failed {
			b.lastFailure = now
			change = b.transition(StateOpen, now)
			return
		}
		change = b.transition(StateClosed, now)
	}
	// Results arriving while open belong to calls admitted before the trip.
}

type stateChange struct{ from, to State }

// transition must be called with mu held.
func (b *Breaker) transition(to State, now time.Time) *stateChange {
	from := b.state
	b.state = to
	b.changedAt = now
	b.generation++
	switch to {
	case StateOpen:
		b.openedAt = now
		b.inFlight = 0
	case StateClosed:
		b.failures = 0
		b.inFlight = 0
	}
	if from == to {
		return nil
	}
	return &stateChange{from: from, to: to}
}

func (b *Breaker) notify(c *stateChange) {
	if c != nil && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, c.from, c.to)
	}
}

// State returns the current state. An open breaker past its cooldown still
// reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats is a point-in-time snapshot.
type BreakerStats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	InFlight    int       `json:"in_flight"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}

func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Name:        b.cfg.Name,
		State:       b.state.String(),
		Failures:    b.failures,
		InFlight:    b.inFlight,
		LastFailure: b.lastFailure,
		ChangedAt:   b.changedAt,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	var change *stateChange
	b.mu.Lock()
	change = b.transition(StateClosed, b.cfg.Now())
	b.mu.Unlock()
	b.notify(change)
}

// Breakers is a registry of breakers keyed by dependency name.
// Each breaker owns its lock; the registry lock only guards the map.
type Breakers struct {
	defaults BreakerConfig

	mu sync.Mutex
	m  map[string]*Breaker
}

func NewBreakers(defaults BreakerConfig) *Breakers {
	return &Breakers{defaults: defaults, m: make(map[string]*Breaker)}
}

// Get returns the named breaker, creating it from the registry defaults.
func (r *Breakers) Get(name string) *Breaker {
	cfg := r.defaults
	cfg.Name = name
	return r.GetWithConfig(name, cfg)
}

// GetWithConfig returns the named breaker, creating it from cfg on first use.
func (r *Breakers) GetWithConfig(name string, cfg BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.m[name]; ok {
		return b
	}
	cfg.Name = name
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.defaults.OnStateChange
	}
	if cfg.Now == nil {
		cfg.Now = r.defaults.Now
	}
	b := NewBreaker(cfg)
	r.m[name] = b
	return b
}

// Stats returns a snapshot of every registered breaker.
func (r *Breakers) Stats() []BreakerStats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.m))
	for _, b := range r.m {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]BreakerStats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	return out
}

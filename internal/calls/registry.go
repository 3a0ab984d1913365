package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("calls: session not found")
	ErrConflict        = errors.New("calls: identifier already bound to another session")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)

// LookupKind tags the outcome of a registry lookup.
type LookupKind int

const (
	LookupNotFound LookupKind = iota
	LookupFound
	// LookupStale means the session existed but was evicted recently; late
	// carrier or model events for it are expected and should be dropped quietly.
	LookupStale
)

func (k LookupKind) String() string {
	switch k {
	case LookupFound:
		return "found"
	case LookupStale:
		return "stale"
	default:
		return "not_found"
	}
}

// Lookup is the tagged result of a registry lookup. Session is populated for
// Found (live copy) and Stale (last known copy).
type Lookup struct {
	Kind    LookupKind
	Session CallSession
}

func (l Lookup) Found() bool { return l.Kind == LookupFound }

// SnapshotStore durably mirrors live sessions so a restarted process can resume them.
type SnapshotStore interface {
	Save(ctx context.Context, s CallSession) error
	Delete(ctx context.Context, conferenceName string) error
	LoadAll(ctx context.Context) ([]CallSession, error)
}

// StatusUpdate reports what MarkStatus did.
type StatusUpdate struct {
	Previous Status
	Current  Status
	Applied  bool
}

type row struct {
	mu      sync.Mutex
	s       CallSession
	evicted bool
}

type tombstone struct {
	s         CallSession
	evictedAt time.Time
}

// Registry is the process-wide owner of live call sessions.
//
// Invariants:
//   - Every mutation of a session happens under that session's row lock.
//   - The index lock only guards map membership; it is taken after a row lock, never before.
//   - A model call id and a carrier call sid map to at most one live session.
//   - Evicted sessions leave a tombstone so late lookups resolve to Stale, not NotFound,
//     until PruneTombstones drops them.
type Registry struct {
	store SnapshotStore
	log   *slog.Logger
	now   func() time.Time

	mu         sync.RWMutex
	rows       map[string]*row
	byCallID   map[string]string
	byCarrier  map[string]string
	tombstones map[string]tombstone
	staleCall  map[string]string
	staleSid   map[string]string
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithSnapshotStore mirrors every write to store.
func WithSnapshotStore(store SnapshotStore) RegistryOption {
	return func(r *Registry) { r.store = store }
}

// WithClock overrides the registry clock (tests).
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(log *slog.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:        log,
		now:        time.Now,
		rows:       make(map[string]*row),
		byCallID:   make(map[string]string),
		byCarrier:  make(map[string]string),
		tombstones: make(map[string]tombstone),
		staleCall:  make(map[string]string),
		staleSid:   make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// InboundCall describes a caller-initiated leg at webhook time.
type InboundCall struct {
	ConferenceName string
	CallerNumber   string
	CarrierNumber  string
	CarrierCallSid string
	CallToken      string
}

// OutboundCall describes a leg we placed.
type OutboundCall struct {
	ConferenceName string
	CalleeNumber   string
	CarrierNumber  string
	CarrierCallSid string
}

// RegisterInboundCall creates the session for an inbound call. Calling it again for
// the same conference returns the existing session with created=false.
func (r *Registry) RegisterInboundCall(ctx context.Context, in InboundCall) (CallSession, bool, error) {
	if strings.TrimSpace(in.ConferenceName) == "" {
		return CallSession{}, false, fmt.Errorf("%w: conference name required", ErrInvalidArgument)
	}
	return r.register(ctx, CallSession{
		ConferenceName: in.ConferenceName,
		Direction:      DirectionInbound,
		CallerNumber:   in.CallerNumber,
		CarrierNumber:  in.CarrierNumber,
		CarrierCallSid: in.CarrierCallSid,
		CallToken:      in.CallToken,
	})
}

// RegisterOutboundCall creates the session for a leg we placed. CallerNumber holds
// the callee so hand-off logic can treat both directions alike.
func (r *Registry) RegisterOutboundCall(ctx context.Context, out OutboundCall) (CallSession, bool, error) {
	if strings.TrimSpace(out.ConferenceName) == "" {
		return CallSession{}, false, fmt.Errorf("%w: conference name required", ErrInvalidArgument)
	}
	return r.register(ctx, CallSession{
		ConferenceName: out.ConferenceName,
		Direction:      DirectionOutbound,
		CallerNumber:   out.CalleeNumber,
		CarrierNumber:  out.CarrierNumber,
		CarrierCallSid: out.CarrierCallSid,
	})
}

func (r *Registry) register(ctx context.Context, s CallSession) (CallSession, bool, error) {
	now := r.now().UTC()
	s.Status = StatusInitiated
	s.Bridge = BridgeAccepting
	s.CreatedAt = now
	s.UpdatedAt = now

	r.mu.Lock()
	if existing, ok := r.rows[s.ConferenceName]; ok {
		r.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.s, false, nil
	}
	if s.CarrierCallSid != "" {
		if owner, ok := r.byCarrier[s.CarrierCallSid]; ok && owner != s.ConferenceName {
			r.mu.Unlock()
			return CallSession{}, false, fmt.Errorf("%w: carrier call %s", ErrConflict, s.CarrierCallSid)
		}
	}
	nr := &row{s: s}
	nr.mu.Lock()
	r.rows[s.ConferenceName] = nr
	if s.CarrierCallSid != "" {
		r.byCarrier[s.CarrierCallSid] = s.ConferenceName
	}
	delete(r.tombstones, s.ConferenceName)
	r.mu.Unlock()

	defer nr.mu.Unlock()
	r.persist(ctx, s)
	return s, true, nil
}

// BindModelCallID links the model provider's call id to a live conference.
// Rebinding the same pair is a no-op.
func (r *Registry) BindModelCallID(ctx context.Context, conferenceName, callID string) (CallSession, error) {
	if strings.TrimSpace(callID) == "" {
		return CallSession{}, fmt.Errorf("%w: call id required", ErrInvalidArgument)
	}
	return r.mutate(ctx, conferenceName, func(s *CallSession) (bool, error) {
		if s.ModelCallID == callID {
			return false, nil
		}
		if s.ModelCallID != "" {
			return false, fmt.Errorf("%w: conference %s already bound to %s", ErrConflict, conferenceName, s.ModelCallID)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if owner, ok := r.byCallID[callID]; ok && owner != conferenceName {
			return false, fmt.Errorf("%w: call id %s bound to %s", ErrConflict, callID, owner)
		}
		r.byCallID[callID] = conferenceName
		s.ModelCallID = callID
		return true, nil
	})
}

// BindCarrierCallSid links a carrier call sid learned after registration (outbound legs).
func (r *Registry) BindCarrierCallSid(ctx context.Context, conferenceName, callSid string) (CallSession, error) {
	if strings.TrimSpace(callSid) == "" {
		return CallSession{}, fmt.Errorf("%w: call sid required", ErrInvalidArgument)
	}
	return r.mutate(ctx, conferenceName, func(s *CallSession) (bool, error) {
		if s.CarrierCallSid == callSid {
			return false, nil
		}
		if s.CarrierCallSid != "" {
			return false, fmt.Errorf("%w: conference %s already bound to carrier call %s", ErrConflict, conferenceName, s.CarrierCallSid)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if owner, ok := r.byCarrier[callSid]; ok && owner != conferenceName {
			return false, fmt.Errorf("%w: carrier call %s bound to %s", ErrConflict, callSid, owner)
		}
		r.byCarrier[callSid] = conferenceName
		s.CarrierCallSid = callSid
		return true, nil
	})
}

// BindRecordID stores the durable call record id on the session.
func (r *Registry) BindRecordID(ctx context.Context, conferenceName, recordID string) (CallSession, error) {
	return r.mutate(ctx, conferenceName, func(s *CallSession) (bool, error) {
		if s.CallRecordID == recordID {
			return false, nil
		}
		s.CallRecordID = recordID
		return true, nil
	})
}

// BindConferenceSid stores the carrier's conference sid once a conference webhook reveals it.
func (r *Registry) BindConferenceSid(ctx context.Context, conferenceName, conferenceSid string) (CallSession, error) {
	return r.mutate(ctx, conferenceName, func(s *CallSession) (bool, error) {
		if conferenceSid == "" || s.ConferenceSid == conferenceSid {
			return false, nil
		}
		s.ConferenceSid = conferenceSid
		return true, nil
	})
}

// MarkStatus applies a status write if it does not regress the session.
// Lower-rank writes are ignored and reported with Applied=false.
func (r *Registry) MarkStatus(ctx context.Context, conferenceName string, status Status) (StatusUpdate, error) {
	if !status.Valid() {
		return StatusUpdate{}, fmt.Errorf("%w: status %q", ErrInvalidArgument, status)
	}
	var upd StatusUpdate
	_, err := r.mutate(ctx, conferenceName, func(s *CallSession) (bool, error) {
		upd.Previous = s.Status
		upd.Current = s.Status
		if status == s.Status || status.Rank() < s.Status.Rank() {
			return false, nil
		}
		s.Status = status
		upd.Current = status
		upd.Applied = true
		return true, nil
	})
	return upd, err
}

// Transition runs fn against a copy of the session under its row lock and stores
// the result. fn may not change identifiers that back the lookup indexes.
func (r *Registry) Transition(ctx context.Context, conferenceName string, fn func(s *CallSession) error) (CallSession, error) {
	return r.mutate(ctx, conferenceName, func(s *CallSession) (bool, error) {
		before := *s
		if err := fn(s); err != nil {
			return false, err
		}
		if s.ConferenceName != before.ConferenceName || s.ModelCallID != before.ModelCallID ||
			s.CarrierCallSid != before.CarrierCallSid || s.Status != before.Status {
			*s = before
			return false, fmt.Errorf("%w: transition may not change identifiers or status", ErrInvalidArgument)
		}
		return *s != before, nil
	})
}

func (r *Registry) mutate(ctx context.Context, conferenceName string, fn func(s *CallSession) (bool, error)) (CallSession, error) {
	r.mu.RLock()
	rw, ok := r.rows[conferenceName]
	r.mu.RUnlock()
	if !ok {
		return CallSession{}, fmt.Errorf("%w: %s", ErrNotFound, conferenceName)
	}

	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.evicted {
		return CallSession{}, fmt.Errorf("%w: %s", ErrNotFound, conferenceName)
	}

	next := rw.s
	changed, err := fn(&next)
	if err != nil {
		return rw.s, err
	}
	if !changed {
		return rw.s, nil
	}
	next.UpdatedAt = r.now().UTC()
	rw.s = next
	r.persist(ctx, next)
	return next, nil
}

// persist mirrors a session; called under the row lock so mirror writes stay ordered.
// Mirror failures never fail the in-memory write.
func (r *Registry) persist(ctx context.Context, s CallSession) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, s); err != nil {
		r.log.Error("call session mirror write failed", "conference", s.ConferenceName, "err", err)
	}
}

// LookupByConference resolves a conference name.
func (r *Registry) LookupByConference(conferenceName string) Lookup {
	r.mu.RLock()
	rw, ok := r.rows[conferenceName]
	ts, stale := r.tombstones[conferenceName]
	r.mu.RUnlock()
	return r.resolve(rw, ok, ts, stale)
}

// LookupByCallID resolves a model provider call id.
func (r *Registry) LookupByCallID(callID string) Lookup {
	r.mu.RLock()
	conf, ok := r.byCallID[callID]
	rw := r.rows[conf]
	if !ok {
		conf = r.staleCall[callID]
	}
	ts, stale := r.tombstones[conf]
	r.mu.RUnlock()
	return r.resolve(rw, ok && rw != nil, ts, stale)
}

// LookupByCarrierSid resolves a carrier call sid.
func (r *Registry) LookupByCarrierSid(callSid string) Lookup {
	r.mu.RLock()
	conf, ok := r.byCarrier[callSid]
	rw := r.rows[conf]
	if !ok {
		conf = r.staleSid[callSid]
	}
	ts, stale := r.tombstones[conf]
	r.mu.RUnlock()
	return r.resolve(rw, ok && rw != nil, ts, stale)
}

func (r *Registry) resolve(rw *row, ok bool, ts tombstone, stale bool) Lookup {
	if ok {
		rw.mu.Lock()
		s, evicted := rw.s, rw.evicted
		rw.mu.Unlock()
		if !evicted {
			return Lookup{Kind: LookupFound, Session: s}
		}
		return Lookup{Kind: LookupStale, Session: s}
	}
	if stale {
		return Lookup{Kind: LookupStale, Session: ts.s}
	}
	return Lookup{Kind: LookupNotFound}
}

// Evict removes a session after its final persistence write and leaves a tombstone.
func (r *Registry) Evict(ctx context.Context, conferenceName string) (CallSession, error) {
	r.mu.RLock()
	rw, ok := r.rows[conferenceName]
	r.mu.RUnlock()
	if !ok {
		return CallSession{}, fmt.Errorf("%w: %s", ErrNotFound, conferenceName)
	}

	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.evicted {
		return rw.s, nil
	}
	rw.evicted = true
	s := rw.s

	r.mu.Lock()
	delete(r.rows, conferenceName)
	if s.ModelCallID != "" {
		delete(r.byCallID, s.ModelCallID)
		r.staleCall[s.ModelCallID] = conferenceName
	}
	if s.CarrierCallSid != "" {
		delete(r.byCarrier, s.CarrierCallSid)
		r.staleSid[s.CarrierCallSid] = conferenceName
	}
	r.tombstones[conferenceName] = tombstone{s: s, evictedAt: r.now().UTC()}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Delete(ctx, conferenceName); err != nil {
			r.log.Error("call session mirror delete failed", "conference", conferenceName, "err", err)
		}
	}
	return s, nil
}

// PruneTombstones drops tombstones older than ttl and returns how many were dropped.
func (r *Registry) PruneTombstones(ttl time.Duration) int {
	cutoff := r.now().UTC().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for conf, ts := range r.tombstones {
		if ts.evictedAt.After(cutoff) {
			continue
		}
		delete(r.tombstones, conf)
		if ts.s.ModelCallID != "" && r.staleCall[ts.s.ModelCallID] == conf {
			delete(r.staleCall, ts.s.ModelCallID)
		}
		if ts.s.CarrierCallSid != "" && r.staleSid[ts.s.CarrierCallSid] == conf {
			delete(r.staleSid, ts.s.CarrierCallSid)
		}
		n++
	}
	return n
}

// Active returns a copy of every live session.
func (r *Registry) Active() []CallSession {
	r.mu.RLock()
	rows := make([]*row, 0, len(r.rows))
	for _, rw := range r.rows {
		rows = append(rows, rw)
	}
	r.mu.RUnlock()

	out := make([]CallSession, 0, len(rows))
	for _, rw := range rows {
		rw.mu.Lock()
		if !rw.evicted {
			out = append(out, rw.s)
		}
		rw.mu.Unlock()
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

// Restore loads mirrored sessions into an empty registry at startup.
// Sessions already present are left untouched.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	list, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("calls: restore sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range list {
		if s.ConferenceName == "" {
			continue
		}
		if _, ok := r.rows[s.ConferenceName]; ok {
			continue
		}
		if s.ModelCallID != "" {
			if _, taken := r.byCallID[s.ModelCallID]; taken {
				r.log.Warn("skipping restored session with duplicate call id", "conference", s.ConferenceName, "call_id", s.ModelCallID)
				continue
			}
			r.byCallID[s.ModelCallID] = s.ConferenceName
		}
		if s.CarrierCallSid != "" {
			r.byCarrier[s.CarrierCallSid] = s.ConferenceName
		}
		r.rows[s.ConferenceName] = &row{s: s}
		n++
	}
	return n, nil
}

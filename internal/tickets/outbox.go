package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"voice-bridge/internal/calls"
	"voice-bridge/internal/resilience"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Config tunes the outbox.
type Config struct {
	// Owner prefixes lease tokens so operators can tell which instance holds a row.
	Owner       string
	Lease       time.Duration
	MaxAttempts int
	// Grace is how long a pending entry waits for its immediate send before the sweep takes it.
	Grace       time.Duration
	BatchSize   int
	Concurrency int
}

func (c Config) withDefaults() Config {
	out := c
	if out.Owner == "" {
		out.Owner = "voice-bridge"
	}
	if out.Lease <= 0 {
		out.Lease = 2 * time.Minute
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 8
	}
	if out.Grace <= 0 {
		out.Grace = 30 * time.Second
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 50
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 4
	}
	return out
}

// Hooks observe outbox transitions.
type Hooks struct {
	OnStatus    func(status Status)
	OnExhausted func(ctx context.Context, e Entry)
}

// Outbox is the ticket delivery service.
//
// Invariants:
//   - Write persists the intent before any network call.
//   - Only a claimed entry is sent, and every attempt for a correlation key carries
//     the same idempotency key.
//   - At most one entry per correlation key ever reaches sent.
type Outbox struct {
	repo    Repository
	client  Client
	policy  *resilience.Policy
	records calls.RecordStore
	cfg     Config
	hooks   Hooks
	log     *slog.Logger
	now     func() time.Time

	group singleflight.Group
	seq   atomic.Uint64
}

// Option customizes an Outbox.
type Option func(*Outbox)

// WithRecords lets the outbox stamp ticket numbers onto call records.
func WithRecords(records calls.RecordStore) Option { return func(o *Outbox) { o.records = records } }

func WithHooks(h Hooks) Option { return func(o *Outbox) { o.hooks = h } }

func WithClock(now func() time.Time) Option { return func(o *Outbox) { o.now = now } }

func New(repo Repository, client Client, policy *resilience.Policy, cfg Config, log *slog.Logger, opts ...Option) *Outbox {
	if log == nil {
		log = slog.Default()
	}
	o := &Outbox{
		repo:   repo,
		client: client,
		policy: policy,
		cfg:    cfg.withDefaults(),
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Outbox) leaseToken() string {
	return fmt.Sprintf("%s/%d/%s", o.cfg.Owner, o.seq.Add(1), uuid.NewString()[:8])
}

func (o *Outbox) observe(s Status) {
	if o.hooks.OnStatus != nil {
		o.hooks.OnStatus(s)
	}
}

// Write durably records a ticket intent. Writing the same key again returns the
// existing live entry.
func (o *Outbox) Write(ctx context.Context, key, recordID string, req TicketRequest) (Entry, error) {
	if strings.TrimSpace(key) == "" {
		return Entry{}, fmt.Errorf("%w: correlation key required", ErrInvalidPayload)
	}
	if err := req.Validate(); err != nil {
		return Entry{}, err
	}
	payload, err := req.encode()
	if err != nil {
		return Entry{}, err
	}
	now := o.now().UTC()
	e, created, err := o.repo.Insert(ctx, Entry{
		CorrelationKey: key,
		RecordID:       recordID,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return Entry{}, err
	}
	if created {
		o.observe(StatusPending)
	}
	return e, nil
}

// Claim takes the lease on the live entry for key. Exactly one of any number of
// concurrent claimers gets ClaimAcquired.
func (o *Outbox) Claim(ctx context.Context, key string, lease time.Duration) (ClaimResult, error) {
	if lease <= 0 {
		lease = o.cfg.Lease
	}
	now := o.now().UTC()
	return o.repo.ClaimByKey(ctx, key, o.leaseToken(), now, now.Add(lease))
}

// AttemptSend claims the entry by id and, if acquired, sends it.
func (o *Outbox) AttemptSend(ctx context.Context, entryID string) (SendResult, error) {
	now := o.now().UTC()
	claim, err := o.repo.ClaimByID(ctx, entryID, o.leaseToken(), now, now.Add(o.cfg.Lease))
	if err != nil {
		return SendResult{}, err
	}
	return o.afterClaim(ctx, claim)
}

// Deliver writes the intent and immediately tries to send it. Concurrent in-process
// deliveries for the same key share one attempt. A failed immediate send is left for
// the sweep and is not an error.
func (o *Outbox) Deliver(ctx context.Context, key, recordID string, req TicketRequest) (SendResult, error) {
	e, err := o.Write(ctx, key, recordID, req)
	if err != nil {
		return SendResult{}, err
	}
	v, err, _ := o.group.Do(key, func() (any, error) {
		claim, err := o.Claim(ctx, key, o.cfg.Lease)
		if err != nil {
			return SendResult{Entry: e}, err
		}
		return o.afterClaim(ctx, claim)
	})
	res, _ := v.(SendResult)
	return res, err
}

func (o *Outbox) afterClaim(ctx context.Context, claim ClaimResult) (SendResult, error) {
	switch claim.Outcome {
	case ClaimAcquired:
		o.observe(StatusSending)
		return o.send(ctx, claim.Entry)
	case ClaimAlreadySent:
		return SendResult{Outcome: SendAlreadySent, TicketNumber: claim.Entry.TicketNumber, Entry: claim.Entry}, nil
	case ClaimLockHeld:
		return SendResult{Outcome: SendSkipped, Entry: claim.Entry}, nil
	case ClaimExhausted:
		return SendResult{Outcome: SendExhausted, Entry: claim.Entry}, nil
	default:
		return SendResult{}, ErrNotFound
	}
}

// send runs the ticketing call for a claimed entry and records the outcome.
func (o *Outbox) send(ctx context.Context, e Entry) (SendResult, error) {
	log := o.log.With("outbox_id", e.ID, "correlation_key", e.CorrelationKey)
	token := e.LockOwner

	req, err := decodeRequest(e.Payload)
	if err != nil {
		return o.fail(ctx, log, e, token, err, true)
	}

	key := IdempotencyKey(e.CorrelationKey)
	out, res := resilience.Do(ctx, o.policy, func(ctx context.Context) (TicketResult, error) {
		return o.client.CreateTicket(ctx, req, key)
	})
	if res.Success {
		sent, err := o.repo.MarkSent(context.WithoutCancel(ctx), e.ID, out.TicketNumber, o.now().UTC())
		if err != nil {
			// The ticket exists; the sweep will re-claim and the idempotency key returns the same number.
			log.Error("outbox mark sent failed", "ticket_number", out.TicketNumber, "err", err)
			return SendResult{Outcome: SendRetryLater, TicketNumber: out.TicketNumber, Entry: e, Err: err}, nil
		}
		o.observe(StatusSent)
		log.Info("ticket delivered", "ticket_number", out.TicketNumber, "attempts", sent.Attempts)
		o.stampRecord(ctx, log, sent)
		return SendResult{Outcome: SendSent, TicketNumber: out.TicketNumber, Entry: sent}, nil
	}

	switch {
	case res.Class == resilience.ClassCircuitRejected, ctx.Err() != nil, errors.Is(res.Err, context.Canceled):
		// Not the entry's fault (open circuit, or the caller's own deadline or
		// cancellation); hand it back without spending an attempt.
		if err := o.repo.Release(context.WithoutCancel(ctx), e.ID, token, res.Err.Error(), o.now().UTC()); err != nil && !errors.Is(err, ErrLeaseLost) {
			log.Error("outbox release failed", "err", err)
		}
		o.observe(StatusPending)
		return SendResult{Outcome: SendRetryLater, Entry: e, Err: res.Err}, nil
	default:
		return o.fail(ctx, log, e, token, res.Err, res.Class == resilience.ClassPermanent)
	}
}

func (o *Outbox) fail(ctx context.Context, log *slog.Logger, e Entry, token string, cause error, permanent bool) (SendResult, error) {
	updated, err := o.repo.MarkFailed(context.WithoutCancel(ctx), e.ID, token, cause.Error(), permanent, o.cfg.MaxAttempts, o.now().UTC())
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			log.Warn("outbox lease lost before recording failure", "err", cause)
			return SendResult{Outcome: SendSkipped, Entry: e, Err: cause}, nil
		}
		return SendResult{}, err
	}
	if updated.Status == StatusFailedExhausted {
		o.observe(StatusFailedExhausted)
		log.Error("ticket delivery exhausted", "attempts", updated.Attempts, "err", cause)
		if o.hooks.OnExhausted != nil {
			o.hooks.OnExhausted(ctx, updated)
		}
		return SendResult{Outcome: SendExhausted, Entry: updated, Err: cause}, nil
	}
	o.observe(StatusPending)
	log.Warn("ticket delivery attempt failed", "attempts", updated.Attempts, "err", cause)
	return SendResult{Outcome: SendRetryLater, Entry: updated, Err: cause}, nil
}

// stampRecord writes the ticket number onto the call record; SyncTicketNumbers
// retries what fails here.
func (o *Outbox) stampRecord(ctx context.Context, log *slog.Logger, e Entry) {
	if o.records == nil || e.RecordID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := o.records.UpdateCallRecord(ctx, e.RecordID, calls.RecordUpdate{TicketNumber: &e.TicketNumber}); err != nil {
		log.Warn("call record ticket stamp failed", "record_id", e.RecordID, "err", err)
		return
	}
	if err := o.repo.MarkSynced(ctx, e.ID, o.now().UTC()); err != nil {
		log.Warn("outbox mark synced failed", "err", err)
	}
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned   int
	Sent      int
	Retry     int
	Exhausted int
	Skipped   int
}

// Sweep retries entries whose immediate send never happened or failed, and
// entries whose sender died holding the lease.
func (o *Outbox) Sweep(ctx context.Context) (SweepReport, error) {
	now := o.now().UTC()
	due, err := o.repo.ListDue(ctx, now, now.Add(-o.cfg.Grace), o.cfg.BatchSize)
	if err != nil {
		return SweepReport{}, err
	}

	results := make([]SendResult, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, e := range due {
		i, e := i, e
		g.Go(func() error {
			res, err := o.AttemptSend(gctx, e.ID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("sweep %s: %w", e.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	err = g.Wait()

	rep := SweepReport{Scanned: len(due)}
	for _, r := range results {
		switch r.Outcome {
		case SendSent, SendAlreadySent:
			rep.Sent++
		case SendRetryLater:
			rep.Retry++
		case SendExhausted:
			rep.Exhausted++
		default:
			rep.Skipped++
		}
	}
	return rep, err
}

// SyncTicketNumbers stamps ticket numbers of sent entries onto call records that
// missed the write at send time.
func (o *Outbox) SyncTicketNumbers(ctx context.Context) (int, error) {
	if o.records == nil {
		return 0, nil
	}
	list, err := o.repo.ListUnsynced(ctx, o.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range list {
		if err := o.records.UpdateCallRecord(ctx, e.RecordID, calls.RecordUpdate{TicketNumber: &e.TicketNumber}); err != nil {
			if errors.Is(err, calls.ErrNotFound) {
				o.log.Warn("call record missing for sent ticket", "outbox_id", e.ID, "record_id", e.RecordID)
				_ = o.repo.MarkSynced(ctx, e.ID, o.now().UTC())
				continue
			}
			return n, err
		}
		if err := o.repo.MarkSynced(ctx, e.ID, o.now().UTC()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Requeue returns an exhausted entry to pending with a fresh attempt budget.
func (o *Outbox) Requeue(ctx context.Context, id string) (Entry, error) {
	e, err := o.repo.Requeue(ctx, id, o.now().UTC())
	if err != nil {
		return Entry{}, err
	}
	o.observe(StatusPending)
	return e, nil
}

// Get returns one entry.
func (o *Outbox) Get(ctx context.Context, id string) (Entry, error) { return o.repo.Get(ctx, id) }

// List returns entries, optionally filtered by status.
func (o *Outbox) List(ctx context.Context, status Status, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return o.repo.List(ctx, status, limit)
}

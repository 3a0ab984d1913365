package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"voice-bridge/internal/calls"
	"voice-bridge/internal/telephony"
	"voice-bridge/internal/tickets"
)

// Job names.
const (
	JobOutboxSweep        = "outbox-sweep"
	JobTicketSync         = "ticket-sync"
	JobStaleCalls         = "stale-calls"
	JobRegistryTombstones = "registry-tombstones"
)

type Sweeper interface {
	Sweep(ctx context.Context) (tickets.SweepReport, error)
}

type TicketSyncer interface {
	SyncTicketNumbers(ctx context.Context) (int, error)
}

type Finalizer interface {
	Finalize(ctx context.Context, conference string, p telephony.FinalizeParams) error
}

// OutboxSweep retries pending and abandoned outbox entries.
func OutboxSweep(o Sweeper, log *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		rep, err := o.Sweep(ctx)
		if rep.Scanned > 0 {
			log.Info("outbox sweep", "scanned", rep.Scanned, "sent", rep.Sent, "retry", rep.Retry,
				"exhausted", rep.Exhausted, "skipped", rep.Skipped)
		}
		return err
	}
}

// TicketSync writes ticket numbers of delivered entries back to call records.
func TicketSync(o TicketSyncer, log *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		n, err := o.SyncTicketNumbers(ctx)
		if n > 0 {
			log.Info("ticket numbers synced", "count", n)
		}
		return err
	}
}

// StaleCallsConfig tunes StaleCalls.
type StaleCallsConfig struct {
	// MaxAge ends live sessions that never saw their final webhook.
	MaxAge time.Duration
	// TerminalGrace evicts completed or failed sessions whose finalize did not finish.
	TerminalGrace time.Duration
	Now           func() time.Time
}

// StaleCalls finalizes sessions the webhooks left behind. A transferred call past
// MaxAge is closed as completed; any other live call as failed.
func StaleCalls(registry *calls.Registry, f Finalizer, cfg StaleCallsConfig, log *slog.Logger) JobFunc {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(ctx context.Context) error {
		now := cfg.Now()
		var errs []error
		for _, s := range registry.Active() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var p telephony.FinalizeParams
			switch {
			case s.Status == calls.StatusCompleted || s.Status == calls.StatusFailed:
				if now.Sub(s.UpdatedAt) < cfg.TerminalGrace {
					continue
				}
			case now.Sub(s.CreatedAt) >= cfg.MaxAge:
				p.Status = calls.StatusFailed
				if s.Status == calls.StatusTransferred {
					p.Status = calls.StatusCompleted
				}
			default:
				continue
			}
			if err := f.Finalize(ctx, s.ConferenceName, p); err != nil {
				errs = append(errs, err)
				continue
			}
			log.Info("stale call finalized", "conference", s.ConferenceName, "status", s.Status, "age", now.Sub(s.CreatedAt).String())
		}
		return errors.Join(errs...)
	}
}

// RegistryTombstones drops stale-lookup markers older than ttl.
func RegistryTombstones(registry *calls.Registry, ttl time.Duration, log *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		if n := registry.PruneTombstones(ttl); n > 0 {
			log.Debug("tombstones pruned", "count", n)
		}
		return nil
	}
}

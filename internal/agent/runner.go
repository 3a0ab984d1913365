package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"voice-bridge/internal/audit"
	"voice-bridge/internal/calls"
	"voice-bridge/internal/realtime"
	"voice-bridge/internal/tickets"
)

var (
	ErrUnknownConference = errors.New("agent: no live call for conference")
	ErrMissingConference = errors.New("agent: incoming call carries no conference name")
)

type Config struct {
	Session     realtime.SessionConfig
	HandoffTool string
	// Greeting is injected as the first spoken instruction.
	Greeting string
	// MaxSession bounds one model session.
	MaxSession time.Duration
}

// Runner owns the model side of every call handled by this process.
type Runner struct {
	registry *calls.Registry
	records  calls.RecordStore
	model    Model
	handoff  Handoffer
	tickets  TicketSink
	cfg      Config
	log      *slog.Logger

	active      sync.Map // model call id -> struct{}
	conferences sync.Map // conference -> struct{}, while its session runs here
	wg          sync.WaitGroup
}

func NewRunner(registry *calls.Registry, records calls.RecordStore, model Model, handoff Handoffer, sink TicketSink, cfg Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxSession <= 0 {
		cfg.MaxSession = 2 * time.Hour
	}
	return &Runner{
		registry: registry,
		records:  records,
		model:    model,
		handoff:  handoff,
		tickets:  sink,
		cfg:      cfg,
		log:      log,
	}
}

// IncomingCall binds the model call to its conference and starts the session in
// the background. A repeated webhook for a running call is a no-op.
func (r *Runner) IncomingCall(ctx context.Context, callID, conference string) error {
	if strings.TrimSpace(conference) == "" {
		return ErrMissingConference
	}
	lk := r.registry.LookupByConference(conference)
	if !lk.Found() {
		r.log.Info("model call for unknown conference", "call_id", callID, "conference", conference, "lookup", lk.Kind)
		return fmt.Errorf("%w: %s", ErrUnknownConference, conference)
	}
	if _, err := r.registry.BindModelCallID(ctx, conference, callID); err != nil {
		return err
	}
	if _, running := r.active.LoadOrStore(callID, struct{}{}); running {
		return nil
	}
	r.conferences.Store(conference, struct{}{})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.active.Delete(callID)
		defer r.conferences.Delete(conference)
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("agent session panicked", "call_id", callID, "panic", rec)
			}
		}()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.MaxSession)
		defer cancel()
		r.run(ctx, callID, conference)
	}()
	return nil
}

// Wait blocks until running sessions finish or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type transcript struct {
	lines     []string
	firstUser string
	handedOff bool
}

func (t *transcript) add(role, text string) {
	if role == "user" && t.firstUser == "" {
		t.firstUser = text
	}
	t.lines = append(t.lines, role+": "+text)
}

func (t *transcript) String() string { return strings.Join(t.lines, "\n") }

// run drives one model session. The ticket is written however the session ends,
// including when the model never accepted.
func (r *Runner) run(ctx context.Context, callID, conference string) {
	log := r.log.With("call_id", callID, "conference", conference)

	var tr transcript
	defer func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		r.finish(fctx, log, conference, &tr)
	}()

	if err := r.model.Accept(ctx, callID, r.cfg.Session); err != nil {
		log.Error("model call accept failed", "err", err)
		return
	}
	session := r.model.Session(callID, r.cfg.HandoffTool)
	if err := session.Connect(ctx); err != nil {
		log.Error("model session connect failed", "err", err)
		if err := r.model.Hangup(ctx, callID); err != nil {
			log.Warn("model hangup failed", "err", err)
		}
		return
	}
	defer session.Close()

	if r.cfg.Greeting != "" {
		if err := session.SendInstruction(ctx, r.cfg.Greeting); err != nil {
			log.Warn("greeting not sent", "err", err)
		}
	}

	r.consume(ctx, log, session, conference, &tr)
}

// CallFinalized writes the ticket for a finished call whose model session is not
// running in this process: the process restarted mid-call, or the model never
// attached. A running session writes its own ticket when it ends, and the outbox
// keeps one entry per correlation key, so a late duplicate is a no-op.
func (r *Runner) CallFinalized(ctx context.Context, s calls.CallSession) {
	if r.tickets == nil || s.ConferenceName == "" {
		return
	}
	if _, running := r.conferences.Load(s.ConferenceName); running {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		log := r.log.With("conference", s.ConferenceName)

		text := ""
		if r.records != nil && s.CallRecordID != "" {
			if rec, err := r.records.GetCallRecord(ctx, s.CallRecordID); err == nil {
				text = rec.Transcript
			}
		}
		req := TicketRequestFor(s, "", text, false)
		res, err := r.tickets.Deliver(ctx, CorrelationKey(s.ConferenceName), s.CallRecordID, req)
		if err != nil {
			log.Error("ticket intent not recorded for finalized call", "err", err)
			return
		}
		log.Info("ticket delivery for finalized call", "outcome", res.Outcome, "ticket_number", res.TicketNumber)
	}()
}

func (r *Runner) consume(ctx context.Context, log *slog.Logger, session ModelSession, conference string, tr *transcript) {
	for {
		select {
		case <-ctx.Done():
			log.Warn("model session ended by deadline", "err", ctx.Err())
			return
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case realtime.EventHistoryAdded:
				tr.add(ev.Role, ev.Text)
			case realtime.EventAgentHandoff:
				output := `{"status":"transferring"}`
				if err := r.handoff.HandOff(ctx, conference, "", audit.ActorAutomation); err != nil {
					log.Error("hand-off failed", "err", err)
					output = `{"status":"failed"}`
				} else {
					tr.handedOff = true
				}
				if err := session.SendToolResult(ctx, ev.ToolCallID, output); err != nil {
					log.Debug("tool result not sent", "err", err)
				}
			case realtime.EventError:
				log.Warn("model session error", "err", ev.Err)
			case realtime.EventDisconnected:
				if ev.Err != nil {
					log.Warn("model session disconnected", "err", ev.Err)
				}
				return
			}
		}
	}
}

// finish persists the transcript and hands the ticket intent to the outbox.
// The session may already be evicted; its tombstone still carries the record id.
func (r *Runner) finish(ctx context.Context, log *slog.Logger, conference string, tr *transcript) {
	lk := r.registry.LookupByConference(conference)
	if lk.Kind == calls.LookupNotFound {
		log.Warn("session vanished before transcript was stored")
		return
	}
	s := lk.Session
	text := tr.String()

	if r.records != nil && s.CallRecordID != "" && text != "" {
		if err := r.records.UpdateCallRecord(ctx, s.CallRecordID, calls.RecordUpdate{Transcript: &text, ModelCallID: &s.ModelCallID}); err != nil {
			log.Error("transcript persist failed", "err", err)
		}
	}
	if r.tickets == nil {
		return
	}

	req := TicketRequestFor(s, tr.firstUser, text, tr.handedOff)
	res, err := r.tickets.Deliver(ctx, CorrelationKey(conference), s.CallRecordID, req)
	if err != nil {
		log.Error("ticket intent not recorded", "err", err)
		return
	}
	log.Info("ticket delivery", "outcome", res.Outcome, "ticket_number", res.TicketNumber)
}

// CorrelationKey identifies the single ticket a call may produce.
func CorrelationKey(conference string) string { return "call:" + conference }

// TicketRequestFor builds the ticket for a finished call.
func TicketRequestFor(s calls.CallSession, firstUser, transcript string, handedOff bool) tickets.TicketRequest {
	caller := s.CallerNumber
	if caller == "" {
		caller = "unknown"
	}
	summary := firstUser
	if summary == "" {
		summary = "Caller ended the call before stating a request."
	}
	subject := "Call from " + caller
	if handedOff {
		subject += " (handed off)"
	}
	occurred := s.CreatedAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return tickets.TicketRequest{
		ExternalID:   CorrelationKey(s.ConferenceName),
		CallRecordID: s.CallRecordID,
		CallerNumber: caller,
		Subject:      truncate(subject, 200),
		Summary:      summary,
		Transcript:   transcript,
		HandedOff:    handedOff,
		OccurredAt:   occurred,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

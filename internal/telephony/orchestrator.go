package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"voice-bridge/internal/calls"
	"voice-bridge/internal/resilience"
	"voice-bridge/pkg/phone"

	"github.com/google/uuid"
)

// Callback paths the carrier is pointed at. Routes are registered with the same constants.
const (
	PathVoice      = "/webhooks/twilio/voice"
	PathCallStatus = "/webhooks/twilio/call-status"
	PathConference = "/webhooks/twilio/conference"
	PathRecording  = "/webhooks/twilio/recording"
)

var (
	ErrSessionNotFound = errors.New("telephony: no live session for conference")
	ErrSessionEnded    = errors.New("telephony: session already ended")
	ErrMissingCallData = errors.New("telephony: session lacks the call token or number needed to add a leg")
	ErrInvalidNumber   = errors.New("telephony: invalid phone number")
)

// SupervisorMode selects how a supervisor joins a conference.
type SupervisorMode string

const (
	SupervisorListen SupervisorMode = "listen"
	SupervisorCoach  SupervisorMode = "coach"
)

// ParseSupervisorMode fails closed: anything but "coach" is listen.
func ParseSupervisorMode(s string) SupervisorMode {
	if strings.EqualFold(strings.TrimSpace(s), string(SupervisorCoach)) {
		return SupervisorCoach
	}
	return SupervisorListen
}

// AuditSink receives call-level audit events. *audit.Service satisfies it.
type AuditSink interface {
	LogHandOff(ctx context.Context, conference, actorID, humanNumber string) error
	LogSupervisor(ctx context.Context, conference, actorID, mode string) error
}

type OrchestratorConfig struct {
	// ModelSIPURI is dialed to bring the AI participant into a conference.
	ModelSIPURI string
	// CallerID is the carrier number used for legs with no caller to present.
	CallerID    string
	HumanNumber string
	Apology     string
	Record      bool
	// CallbackURL turns a callback path into an absolute URL; nil disables callbacks.
	CallbackURL func(path string) string
	// AsyncTimeout bounds the post-response work for one webhook.
	AsyncTimeout time.Duration
}

// Hooks observe orchestration outcomes.
type Hooks struct {
	OnFinalized func(ctx context.Context, s calls.CallSession)
	OnBridge    func(outcome string)
}

// Orchestrator is the conference bridge. It answers carrier webhooks quickly and
// does the slow carrier work (adding legs, persisting) in tracked goroutines.
//
// Invariants:
//   - Carrier-facing entry points never return errors; they log and fall back.
//   - A session whose AI leg could not be added is ended with an apology, never left
//     bridged to nobody.
//   - Status writes go through the registry, so late or duplicate webhooks cannot regress a call.
type Orchestrator struct {
	registry *calls.Registry
	records  calls.RecordStore
	carrier  Carrier
	policy   *resilience.Policy
	audit    AuditSink
	hooks    Hooks
	cfg      OrchestratorConfig
	log      *slog.Logger

	wg       sync.WaitGroup
	bridging sync.Map // conference name -> struct{}, AI legs being added
}

type OrchestratorOption func(*Orchestrator)

func WithAudit(a AuditSink) OrchestratorOption { return func(o *Orchestrator) { o.audit = a } }

func WithHooks(h Hooks) OrchestratorOption { return func(o *Orchestrator) { o.hooks = h } }

func NewOrchestrator(registry *calls.Registry, records calls.RecordStore, carrier Carrier, policy *resilience.Policy,
	cfg OrchestratorConfig, log *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = 2 * time.Minute
	}
	o := &Orchestrator{
		registry: registry,
		records:  records,
		carrier:  carrier,
		policy:   policy,
		cfg:      cfg,
		log:      log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) callback(path string) string {
	if o.cfg.CallbackURL == nil {
		return ""
	}
	return o.cfg.CallbackURL(path)
}

func (o *Orchestrator) conferenceOptions(conference string) ConferenceOptions {
	opts := ConferenceOptions{StatusCallback: o.callback(PathConference), Record: o.cfg.Record}
	if rec := o.callback(PathRecording); rec != "" {
		opts.RecordingCallback = rec + "?conference=" + url.QueryEscape(conference)
	}
	return opts
}

func (o *Orchestrator) apology() string { return Apology(o.cfg.Apology) }

func (o *Orchestrator) bridgeOutcome(outcome string) {
	if o.hooks.OnBridge != nil {
		o.hooks.OnBridge(outcome)
	}
}

// goAsync runs fn after the webhook response, detached from the request's
// cancellation but bounded by AsyncTimeout. Panics are logged, not propagated.
func (o *Orchestrator) goAsync(ctx context.Context, name, conference string, fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("orchestrator task panicked", "task", name, "conference", conference, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.AsyncTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until background tasks finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcceptInbound registers the call and returns the conference directive. The AI
// leg is added after the response is written.
func (o *Orchestrator) AcceptInbound(ctx context.Context, wh VoiceWebhook) string {
	if wh.CallSid == "" {
		o.log.Warn("inbound call without CallSid")
		return o.apology()
	}
	conf := ConferenceNameForCall(wh.CallSid)
	log := o.log.With("conference", conf, "call_sid", wh.CallSid)

	if lk := o.registry.LookupByConference(conf); lk.Kind == calls.LookupStale {
		log.Info("new-call webhook for a finished call")
		return o.apology()
	}

	sess, created, err := o.registry.RegisterInboundCall(ctx, calls.InboundCall{
		ConferenceName: conf,
		CallerNumber:   wh.From,
		CarrierNumber:  wh.To,
		CarrierCallSid: wh.CallSid,
		CallToken:      wh.CallToken,
	})
	if err != nil {
		log.Error("inbound registration failed", "err", err)
		return o.apology()
	}
	twiml, err := JoinConference(conf, o.conferenceOptions(conf))
	if err != nil {
		log.Error("conference twiml render failed", "err", err)
		return o.apology()
	}
	if !created {
		log.Info("duplicate inbound webhook", "status", sess.Status)
		return twiml
	}

	log.Info("inbound call accepted", "from", wh.From, "to", wh.To)
	o.goAsync(ctx, "bridge-ai", conf, func(ctx context.Context) {
		o.ensureRecord(ctx, conf)
		o.bridgeAI(ctx, conf)
	})
	return twiml
}

// PlaceOutboundCall dials number and joins the answered call to a fresh conference.
// The AI leg is added once the carrier reports the call in progress.
func (o *Orchestrator) PlaceOutboundCall(ctx context.Context, number string) (calls.CallSession, error) {
	to := phone.NormalizeE164(number)
	if !phone.IsE164(to) {
		return calls.CallSession{}, fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	if o.cfg.CallerID == "" {
		return calls.CallSession{}, fmt.Errorf("%w: caller id not configured", ErrMissingCallData)
	}
	conf := "out-" + uuid.NewString()
	twiml, err := JoinConference(conf, o.conferenceOptions(conf))
	if err != nil {
		return calls.CallSession{}, err
	}

	// Register before dialing so early status callbacks resolve once the sid is bound.
	if _, _, err := o.registry.RegisterOutboundCall(ctx, calls.OutboundCall{
		ConferenceName: conf,
		CalleeNumber:   to,
		CarrierNumber:  o.cfg.CallerID,
	}); err != nil {
		return calls.CallSession{}, err
	}

	sid, res := resilience.Do(ctx, o.policy, func(ctx context.Context) (string, error) {
		return o.carrier.CreateCall(ctx, CallParams{
			From:           o.cfg.CallerID,
			To:             to,
			Twiml:          twiml,
			StatusCallback: o.callback(PathCallStatus),
		})
	})
	if !res.Success {
		_, _ = o.registry.MarkStatus(ctx, conf, calls.StatusFailed)
		_, _ = o.registry.Evict(ctx, conf)
		return calls.CallSession{}, fmt.Errorf("telephony: place call: %w", res.Err)
	}
	if _, err := o.registry.BindCarrierCallSid(ctx, conf, sid); err != nil {
		return calls.CallSession{}, err
	}
	o.ensureRecord(ctx, conf)

	o.log.Info("outbound call placed", "conference", conf, "call_sid", sid, "to", to)
	return o.registry.LookupByConference(conf).Session, nil
}

// ensureRecord creates the durable call record once per session.
func (o *Orchestrator) ensureRecord(ctx context.Context, conf string) {
	if o.records == nil {
		return
	}
	lk := o.registry.LookupByConference(conf)
	if !lk.Found() || lk.Session.CallRecordID != "" || lk.Session.CarrierCallSid == "" {
		return
	}
	s := lk.Session
	rec := calls.CallRecord{
		CarrierCallSid: s.CarrierCallSid,
		ConferenceName: s.ConferenceName,
		Direction:      s.Direction,
		From:           s.CallerNumber,
		To:             s.CarrierNumber,
		Status:         s.Status,
	}
	if s.Direction == calls.DirectionOutbound {
		rec.From, rec.To = s.CarrierNumber, s.CallerNumber
	}
	created, err := o.records.CreateCallRecord(ctx, rec)
	if err != nil {
		o.log.Error("call record create failed", "conference", conf, "err", err)
		return
	}
	if _, err := o.registry.BindRecordID(ctx, conf, created.ID); err != nil {
		o.log.Warn("call record bind failed", "conference", conf, "err", err)
	}
}

// bridgeAI adds the model's SIP leg to the conference. At most one add runs per
// conference in this process.
func (o *Orchestrator) bridgeAI(ctx context.Context, conf string) {
	if _, busy := o.bridging.LoadOrStore(conf, struct{}{}); busy {
		return
	}
	defer o.bridging.Delete(conf)

	lk := o.registry.LookupByConference(conf)
	if !lk.Found() {
		o.log.Info("session gone before AI leg was added", "conference", conf, "lookup", lk.Kind)
		return
	}
	s := lk.Session
	if s.AIParticipantID != "" || s.Bridge != calls.BridgeAccepting {
		return
	}
	log := o.log.With("conference", conf)

	params := ParticipantParams{
		To:             sipTarget(o.cfg.ModelSIPURI, conf),
		Label:          LabelAI,
		StatusCallback: o.callback(PathConference),
	}
	if s.Direction == calls.DirectionInbound {
		params.From, params.CallToken = s.CallerNumber, s.CallToken
	} else {
		params.From = s.CarrierNumber
	}

	p, res := resilience.Do(ctx, o.policy, func(ctx context.Context) (Participant, error) {
		return o.carrier.AddParticipant(ctx, conf, params)
	})
	if !res.Success {
		log.Error("AI participant add failed", "attempts", res.Attempts, "class", res.Class, "err", res.Err)
		o.bridgeOutcome("failed")
		o.abandon(ctx, s)
		return
	}

	_, err := o.registry.Transition(ctx, conf, func(s *calls.CallSession) error {
		s.AIParticipantID = p.CallSid
		if s.ConferenceSid == "" {
			s.ConferenceSid = p.ConferenceSid
		}
		if s.Bridge == calls.BridgeAccepting {
			s.Bridge = calls.BridgeBridged
		}
		return nil
	})
	if err != nil {
		log.Warn("AI participant bind failed", "err", err)
	}
	o.bridgeOutcome("bridged")
	log.Info("AI participant added", "participant_call_sid", p.CallSid, "attempts", res.Attempts)
}

// abandon ends a call that could not be bridged: the caller hears an apology and
// the session is finalized as failed.
func (o *Orchestrator) abandon(ctx context.Context, s calls.CallSession) {
	if s.CarrierCallSid != "" {
		res := o.policy.Do(ctx, func(ctx context.Context) error {
			return o.carrier.UpdateCall(ctx, s.CarrierCallSid, CallUpdate{Twiml: o.apology()})
		})
		if !res.Success && !errors.Is(res.Err, ErrNotFound) {
			o.log.Error("apology redirect failed", "conference", s.ConferenceName, "err", res.Err)
		}
	}
	if err := o.Finalize(ctx, s.ConferenceName, FinalizeParams{Status: calls.StatusFailed}); err != nil {
		o.log.Error("finalize after failed bridge", "conference", s.ConferenceName, "err", err)
	}
}

// HandOff dials a human into the conference and drops the AI leg, leaving the
// caller and the human bridged. An empty humanNumber uses the configured default.
func (o *Orchestrator) HandOff(ctx context.Context, conf, humanNumber, actor string) error {
	lk := o.registry.LookupByConference(conf)
	switch lk.Kind {
	case calls.LookupNotFound:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, conf)
	case calls.LookupStale:
		return fmt.Errorf("%w: %s", ErrSessionEnded, conf)
	}
	s := lk.Session
	if s.Bridge == calls.BridgeHandedOff {
		return nil
	}
	if s.Status == calls.StatusCompleted || s.Status == calls.StatusFailed {
		return fmt.Errorf("%w: %s", ErrSessionEnded, conf)
	}

	if strings.TrimSpace(humanNumber) == "" {
		humanNumber = o.cfg.HumanNumber
	}
	human := phone.NormalizeE164(humanNumber)
	if !phone.IsE164(human) {
		return fmt.Errorf("%w: human number %q", ErrInvalidNumber, humanNumber)
	}

	params := ParticipantParams{To: human, Label: LabelHuman, StatusCallback: o.callback(PathConference)}
	switch s.Direction {
	case calls.DirectionInbound:
		if s.CallToken == "" || s.CallerNumber == "" {
			return fmt.Errorf("%w: %s", ErrMissingCallData, conf)
		}
		params.From, params.CallToken = s.CallerNumber, s.CallToken
	default:
		if s.CarrierNumber == "" {
			return fmt.Errorf("%w: %s", ErrMissingCallData, conf)
		}
		params.From = s.CarrierNumber
	}

	log := o.log.With("conference", conf)
	_, res := resilience.Do(ctx, o.policy, func(ctx context.Context) (Participant, error) {
		return o.carrier.AddParticipant(ctx, conf, params)
	})
	if !res.Success {
		return fmt.Errorf("telephony: add human participant: %w", res.Err)
	}

	// Handed off before the AI leg drops, so its leave event does not end the call.
	if _, err := o.registry.Transition(ctx, conf, func(s *calls.CallSession) error {
		s.Bridge = calls.BridgeHandedOff
		return nil
	}); err != nil {
		log.Warn("hand-off bridge state not stored", "err", err)
	}
	o.dropAI(ctx, s)

	if _, err := o.registry.MarkStatus(ctx, conf, calls.StatusTransferred); err != nil {
		log.Warn("hand-off status not stored", "err", err)
	}
	if o.audit != nil {
		if err := o.audit.LogHandOff(ctx, conf, actor, human); err != nil {
			log.Warn("hand-off audit failed", "err", err)
		}
	}
	log.Info("call handed off", "human", human)
	return nil
}

// dropAI hangs up the AI leg, found by its participant label. A missing leg is
// not an error; endConferenceOnExit cleans up eventually.
func (o *Orchestrator) dropAI(ctx context.Context, s calls.CallSession) {
	log := o.log.With("conference", s.ConferenceName)

	callSid := ""
	p, err := o.participantByLabel(ctx, s, LabelAI)
	switch {
	case err == nil:
		callSid = p.CallSid
	case s.AIParticipantID != "":
		callSid = s.AIParticipantID
	default:
		log.Warn("AI participant not found for hang-up", "err", err)
		return
	}

	res := o.policy.Do(ctx, func(ctx context.Context) error {
		return o.carrier.UpdateCall(ctx, callSid, CallUpdate{Status: "completed"})
	})
	if !res.Success {
		log.Warn("AI participant hang-up failed", "participant_call_sid", callSid, "err", res.Err)
	}
}

func (o *Orchestrator) participantByLabel(ctx context.Context, s calls.CallSession, label string) (Participant, error) {
	confSid := s.ConferenceSid
	if confSid == "" {
		sid, res := resilience.Do(ctx, o.policy, func(ctx context.Context) (string, error) {
			return o.carrier.FindConferenceSid(ctx, s.ConferenceName)
		})
		if !res.Success {
			return Participant{}, res.Err
		}
		confSid = sid
		if _, err := o.registry.BindConferenceSid(ctx, s.ConferenceName, sid); err != nil {
			o.log.Debug("conference sid bind skipped", "conference", s.ConferenceName, "err", err)
		}
	}
	p, res := resilience.Do(ctx, o.policy, func(ctx context.Context) (Participant, error) {
		return o.carrier.GetParticipant(ctx, confSid, label)
	})
	if !res.Success {
		return Participant{}, res.Err
	}
	return p, nil
}

// AddSupervisor joins number to the conference as a muted listener or as a coach
// who is heard only by the active agent leg. Coach falls back to listen when no
// agent leg can be coached. The returned mode is the one actually used.
func (o *Orchestrator) AddSupervisor(ctx context.Context, conf, number, rawMode, actor string) (SupervisorMode, error) {
	lk := o.registry.LookupByConference(conf)
	switch lk.Kind {
	case calls.LookupNotFound:
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, conf)
	case calls.LookupStale:
		return "", fmt.Errorf("%w: %s", ErrSessionEnded, conf)
	}
	s := lk.Session
	supervisor := phone.NormalizeE164(number)
	if !phone.IsE164(supervisor) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	from := o.cfg.CallerID
	if from == "" {
		from = s.CarrierNumber
	}
	log := o.log.With("conference", conf)

	mode := ParseSupervisorMode(rawMode)
	params := ParticipantParams{From: from, To: supervisor, Label: LabelSupervisor, Muted: true}
	if mode == SupervisorCoach {
		target := o.coachTarget(ctx, s)
		if target == "" {
			log.Info("no coachable leg, supervisor joins in listen mode")
			mode = SupervisorListen
		} else {
			params.Muted = false
			params.Coaching = true
			params.CallSidToCoach = target
		}
	}

	_, res := resilience.Do(ctx, o.policy, func(ctx context.Context) (Participant, error) {
		return o.carrier.AddParticipant(ctx, conf, params)
	})
	if !res.Success {
		return "", fmt.Errorf("telephony: add supervisor: %w", res.Err)
	}

	if _, err := o.registry.Transition(ctx, conf, func(s *calls.CallSession) error {
		if s.Bridge == calls.BridgeBridged {
			s.Bridge = calls.BridgeCoaching
		}
		return nil
	}); err != nil {
		log.Warn("supervisor bridge state not stored", "err", err)
	}
	if o.audit != nil {
		if err := o.audit.LogSupervisor(ctx, conf, actor, string(mode)); err != nil {
			log.Warn("supervisor audit failed", "err", err)
		}
	}
	log.Info("supervisor joined", "mode", mode)
	return mode, nil
}

// coachTarget is the leg a coach whispers to: the human after a hand-off, else the AI.
func (o *Orchestrator) coachTarget(ctx context.Context, s calls.CallSession) string {
	if s.Bridge == calls.BridgeHandedOff {
		p, err := o.participantByLabel(ctx, s, LabelHuman)
		if err != nil {
			return ""
		}
		return p.CallSid
	}
	return s.AIParticipantID
}

// HandleCallStatus applies a carrier call-status callback.
func (o *Orchestrator) HandleCallStatus(ctx context.Context, wh VoiceWebhook) {
	status, ok := MapCallStatus(wh.CallStatus)
	if !ok {
		return
	}
	lk := o.registry.LookupByCarrierSid(wh.CallSid)
	if !lk.Found() {
		o.log.Info("call status for unknown session dropped", "call_sid", wh.CallSid, "status", wh.CallStatus, "lookup", lk.Kind)
		return
	}
	conf := lk.Session.ConferenceName
	upd, err := o.registry.MarkStatus(ctx, conf, status)
	if err != nil {
		o.log.Warn("call status not applied", "conference", conf, "err", err)
		return
	}
	if !upd.Applied {
		o.log.Debug("stale call status ignored", "conference", conf, "status", status, "current", upd.Current)
	}

	switch {
	case status == calls.StatusCompleted || status == calls.StatusFailed:
		o.goAsync(ctx, "finalize", conf, func(ctx context.Context) {
			if err := o.Finalize(ctx, conf, FinalizeParams{DurationSeconds: wh.CallDuration}); err != nil {
				o.log.Error("finalize failed", "conference", conf, "err", err)
			}
		})
	case status == calls.StatusInProgress && lk.Session.Direction == calls.DirectionOutbound:
		o.goAsync(ctx, "bridge-ai", conf, func(ctx context.Context) { o.bridgeAI(ctx, conf) })
	}
}

// HandleConferenceEvent applies a conference status callback.
func (o *Orchestrator) HandleConferenceEvent(ctx context.Context, ev ConferenceEvent) {
	conf := ev.FriendlyName
	lk := o.registry.LookupByConference(conf)
	if !lk.Found() {
		o.log.Info("conference event for unknown session dropped", "conference", conf, "event", ev.Event, "lookup", lk.Kind)
		return
	}
	log := o.log.With("conference", conf, "event", ev.Event)
	if ev.ConferenceSid != "" {
		if _, err := o.registry.BindConferenceSid(ctx, conf, ev.ConferenceSid); err != nil {
			log.Warn("conference sid bind failed", "err", err)
		}
	}

	switch ev.Event {
	case "conference-start":
		if _, err := o.registry.MarkStatus(ctx, conf, calls.StatusInProgress); err != nil {
			log.Warn("status not applied", "err", err)
		}
		if lk.Session.Direction == calls.DirectionOutbound {
			o.goAsync(ctx, "bridge-ai", conf, func(ctx context.Context) { o.bridgeAI(ctx, conf) })
		}
	case "participant-join":
		if ev.ParticipantLabel != LabelAI {
			return
		}
		if _, err := o.registry.Transition(ctx, conf, func(s *calls.CallSession) error {
			if s.AIParticipantID == "" {
				s.AIParticipantID = ev.CallSid
			}
			if s.Bridge == calls.BridgeAccepting {
				s.Bridge = calls.BridgeBridged
			}
			return nil
		}); err != nil {
			log.Warn("AI join not stored", "err", err)
		}
	case "participant-leave":
		if ev.ParticipantLabel == LabelAI {
			o.aiLeft(ctx, lk.Session, ev.CallSid)
			return
		}
		if ev.ParticipantLabel != LabelSupervisor {
			return
		}
		if _, err := o.registry.Transition(ctx, conf, func(s *calls.CallSession) error {
			if s.Bridge == calls.BridgeCoaching {
				s.Bridge = calls.BridgeBridged
			}
			return nil
		}); err != nil {
			log.Warn("supervisor leave not stored", "err", err)
		}
	case "conference-end":
		o.goAsync(ctx, "finalize", conf, func(ctx context.Context) {
			if err := o.Finalize(ctx, conf, FinalizeParams{Status: calls.StatusCompleted}); err != nil {
				log.Error("finalize failed", "err", err)
			}
		})
	}
}

// aiLeft handles the model's leg leaving before a hand-off (SIP rejected, model
// hung up, session dropped). The caller would otherwise sit in a silent conference.
func (o *Orchestrator) aiLeft(ctx context.Context, s calls.CallSession, legSid string) {
	switch s.Bridge {
	case calls.BridgeHandedOff, calls.BridgeEnded:
		return
	}
	if s.AIParticipantID != "" && legSid != "" && legSid != s.AIParticipantID {
		return
	}
	o.log.Warn("AI leg left before hand-off, ending call", "conference", s.ConferenceName, "bridge", s.Bridge)
	o.bridgeOutcome("ai_left")
	o.goAsync(ctx, "abandon", s.ConferenceName, func(ctx context.Context) { o.abandon(ctx, s) })
}

// HandleRecording persists a completed recording against the call record. Recordings
// usually complete after the conference ended, so evicted sessions are still resolved.
func (o *Orchestrator) HandleRecording(ctx context.Context, ev RecordingEvent) {
	if !strings.EqualFold(ev.RecordingStatus, "completed") {
		return
	}
	lk := o.registry.LookupByConference(ev.ConferenceName)
	if lk.Kind == calls.LookupNotFound && ev.CallSid != "" {
		lk = o.registry.LookupByCarrierSid(ev.CallSid)
	}
	if o.records == nil {
		return
	}
	recordID := lk.Session.CallRecordID
	if recordID == "" && ev.CallSid != "" {
		// Registry state is gone (restart or pruned tombstone); the durable row still knows the call.
		if rec, err := o.records.GetCallRecordByCarrierSid(ctx, ev.CallSid); err == nil {
			recordID = rec.ID
		}
	}
	if recordID == "" {
		o.log.Info("recording for unknown call dropped", "conference", ev.ConferenceName, "recording_sid", ev.RecordingSid)
		return
	}
	upd := calls.RecordUpdate{RecordingSid: &ev.RecordingSid, RecordingURL: &ev.RecordingURL}
	if err := o.records.UpdateCallRecord(ctx, recordID, upd); err != nil {
		o.log.Error("recording persist failed", "conference", ev.ConferenceName, "record_id", recordID, "err", err)
	}
}

// FinalizeParams carries the final facts about a call.
type FinalizeParams struct {
	// Status is applied before persisting; empty keeps the session's status.
	Status          calls.Status
	DurationSeconds int
}

// Finalize persists the final state of a call and evicts its session. It is
// idempotent; a missing session is a no-op. A failed persist keeps the session
// so the stale-call job can retry.
func (o *Orchestrator) Finalize(ctx context.Context, conf string, p FinalizeParams) error {
	lk := o.registry.LookupByConference(conf)
	if !lk.Found() {
		return nil
	}
	if p.Status != "" {
		if _, err := o.registry.MarkStatus(ctx, conf, p.Status); err != nil && !errors.Is(err, calls.ErrNotFound) {
			return err
		}
	}
	s, err := o.registry.Transition(ctx, conf, func(s *calls.CallSession) error {
		s.Bridge = calls.BridgeEnded
		return nil
	})
	if errors.Is(err, calls.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if o.records != nil && s.CallRecordID != "" {
		status := s.Status
		upd := calls.RecordUpdate{Status: &status}
		if s.ModelCallID != "" {
			upd.ModelCallID = &s.ModelCallID
		}
		if p.DurationSeconds > 0 {
			upd.DurationSeconds = &p.DurationSeconds
		}
		if err := o.records.UpdateCallRecord(ctx, s.CallRecordID, upd); err != nil {
			return fmt.Errorf("telephony: persist final call state: %w", err)
		}
	}

	evicted, err := o.registry.Evict(ctx, conf)
	if err != nil && !errors.Is(err, calls.ErrNotFound) {
		return err
	}
	if err == nil && o.hooks.OnFinalized != nil {
		o.hooks.OnFinalized(ctx, evicted)
	}
	o.log.Info("call finalized", "conference", conf, "status", s.Status)
	return nil
}

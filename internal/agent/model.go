// Package agent runs the AI side of a call: it attaches to the model session the
// carrier dialed into the conference, keeps the transcript, routes the hand-off
// tool to the conference orchestrator and delivers the ticket when the session ends.
package agent

import (
	"context"

	"voice-bridge/internal/realtime"
	"voice-bridge/internal/tickets"
)

// ModelSession is a connected model-provider session.
type ModelSession interface {
	Connect(ctx context.Context) error
	Close() error
	Events() <-chan realtime.Event
	SendInstruction(ctx context.Context, text string) error
	SendToolResult(ctx context.Context, toolCallID, output string) error
}

// Model accepts calls and opens sessions for them.
type Model interface {
	Accept(ctx context.Context, callID string, cfg realtime.SessionConfig) error
	Hangup(ctx context.Context, callID string) error
	Session(callID, handoffTool string) ModelSession
}

// RealtimeModel adapts *realtime.Client to Model.
type RealtimeModel struct {
	Client *realtime.Client
}

func (m RealtimeModel) Accept(ctx context.Context, callID string, cfg realtime.SessionConfig) error {
	return m.Client.Accept(ctx, callID, cfg)
}

func (m RealtimeModel) Hangup(ctx context.Context, callID string) error {
	return m.Client.Hangup(ctx, callID)
}

func (m RealtimeModel) Session(callID, handoffTool string) ModelSession {
	return m.Client.Session(callID, handoffTool)
}

// Handoffer moves a live conference from the AI leg to a human.
type Handoffer interface {
	HandOff(ctx context.Context, conference, humanNumber, actor string) error
}

// TicketSink durably delivers the ticket for a finished call.
type TicketSink interface {
	Deliver(ctx context.Context, key, recordID string, req tickets.TicketRequest) (tickets.SendResult, error)
}

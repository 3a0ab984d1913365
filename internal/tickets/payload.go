package tickets

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// TicketRequest is the body sent to the ticketing API for one call.
type TicketRequest struct {
	ExternalID   string    `json:"external_id" validate:"required,max=200"`
	CallRecordID string    `json:"call_record_id,omitempty"`
	CallerNumber string    `json:"caller_number" validate:"required"`
	Subject      string    `json:"subject" validate:"required,max=200"`
	Summary      string    `json:"summary" validate:"required"`
	Transcript   string    `json:"transcript,omitempty"`
	RecordingURL string    `json:"recording_url,omitempty" validate:"omitempty,url"`
	HandedOff    bool      `json:"handed_off"`
	OccurredAt   time.Time `json:"occurred_at" validate:"required"`
}

var validate = validator.New()

// Validate checks the request before it is written to the outbox; invalid
// payloads would only ever exhaust their retries.
func (r TicketRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (r TicketRequest) encode() (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return raw, nil
}

func decodeRequest(raw json.RawMessage) (TicketRequest, error) {
	var r TicketRequest
	if err := json.Unmarshal(raw, &r); err != nil {
		return TicketRequest{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return r, nil
}

var idempotencyNamespace = uuid.MustParse("6f0d7c3e-2b1a-4f57-9d0e-5c8b1a4e7f21")

// IdempotencyKey derives the stable key sent with every attempt for a correlation key.
// Retries and re-claims after a crash present the same key, so the ticketing API
// returns the original ticket instead of creating a second one.
func IdempotencyKey(correlationKey string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(correlationKey)).String()
}

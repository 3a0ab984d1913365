package workflow

import (
	"errors"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func codeOf(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

func TestValidate_TransitionTable(t *testing.T) {
	operator := Actor{ID: "op-1"}

	// otp_verified -> form_filling is not a forward edge.
	_, err := Validate(Workflow{Status: StatusOTPVerified}, Update{Status: ptr(StatusFormFilling)}, operator)
	if codeOf(err) != CodeInvalidTransition {
		t.Fatalf("expected invalid_transition, got %v", err)
	}

	// completed -> initiated is a reopen.
	out, err := Validate(Workflow{Status: StatusCompleted}, Update{Status: ptr(StatusInitiated)}, operator)
	if err != nil || !out.Reopen || out.To != StatusInitiated {
		t.Fatalf("expected accepted reopen, got %+v %v", out, err)
	}

	// Pausing an already paused workflow.
	_, err = Validate(Workflow{Status: StatusSubmitting, ManualOverrideEnabled: true}, Update{ManualOverrideEnabled: ptr(true)}, operator)
	if codeOf(err) != CodeAlreadyPaused {
		t.Fatalf("expected already_paused, got %v", err)
	}
	if _, err := Validate(Workflow{Status: StatusSubmitting}, Update{ManualOverrideEnabled: ptr(true)}, operator); err != nil {
		t.Fatalf("expected pause accepted, got %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	operator := Actor{ID: "op-1"}
	cases := []struct {
		name    string
		current Workflow
		update  Update
		actor   Actor
		code    string
	}{
		{"empty", Workflow{Status: StatusInitiated}, Update{}, operator, CodeEmptyUpdate},
		{"unknown status", Workflow{Status: StatusInitiated}, Update{Status: ptr(Status("archived"))}, operator, CodeInvalidStatus},
		{"skip ahead", Workflow{Status: StatusInitiated}, Update{Status: ptr(StatusSubmitting)}, operator, CodeInvalidTransition},
		{"backwards", Workflow{Status: StatusSubmitting}, Update{Status: ptr(StatusOTPRequested)}, operator, CodeInvalidTransition},
		{"terminal to terminal", Workflow{Status: StatusFailed}, Update{Status: ptr(StatusCompleted)}, operator, CodeInvalidTransition},
		{"reopen to form filling", Workflow{Status: StatusCompleted}, Update{Status: ptr(StatusFormFilling)}, operator, CodeInvalidTransition},
		{"cancel twice", Workflow{Status: StatusCancelled}, Update{Status: ptr(StatusCancelled)}, operator, CodeAlreadyCancelled},
		{"pause terminal", Workflow{Status: StatusCompleted}, Update{ManualOverrideEnabled: ptr(true)}, operator, CodePausedTerminal},
		{"pause while finishing", Workflow{Status: StatusSubmitting}, Update{Status: ptr(StatusCompleted), ManualOverrideEnabled: ptr(true)}, operator, CodePausedTerminal},
		{"resume unpaused", Workflow{Status: StatusFormFilling}, Update{ManualOverrideEnabled: ptr(false)}, operator, CodeNotPaused},
		{"notes on terminal", Workflow{Status: StatusCompleted}, Update{OperatorNotes: ptr("call back")}, operator, CodeTerminalNotes},
		{"automation reopens cancelled", Workflow{Status: StatusCancelled}, Update{Status: ptr(StatusInitiated)}, Actor{ID: "automation", Automation: true}, CodeAutomationReopenCancelled},
	}
	for _, tc := range cases {
		if _, err := Validate(tc.current, tc.update, tc.actor); codeOf(err) != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}
}

func TestValidate_ForwardEdgesAndReopens(t *testing.T) {
	for from, targets := range transitions {
		for _, to := range targets {
			if !CanTransition(from, to) {
				t.Fatalf("expected %s -> %s allowed", from, to)
			}
		}
	}
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, to := range reopenTargets {
			out, err := Validate(Workflow{Status: from}, Update{Status: ptr(to)}, Actor{ID: "op-1"})
			if err != nil || !out.Reopen {
				t.Fatalf("expected operator reopen %s -> %s, got %+v %v", from, to, out, err)
			}
		}
	}
	// Automation may reopen completed and failed, not cancelled.
	if _, err := Validate(Workflow{Status: StatusFailed}, Update{Status: ptr(StatusInitiated)}, Actor{Automation: true}); err != nil {
		t.Fatalf("expected automation reopen of failed, got %v", err)
	}
}

func TestApply_TerminalClearsPauseAndNotes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cur := Workflow{ID: "wf-1", Status: StatusSubmitting, ManualOverrideEnabled: true, OperatorNotes: ptr("hold"), Version: 4}

	next, out, err := Apply(cur, Update{Status: ptr(StatusCancelled)}, Actor{ID: "op-9"}, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.ManualOverrideEnabled || next.OperatorNotes != nil {
		t.Fatalf("terminal workflow must not be paused or annotated: %+v", next)
	}
	if next.OperatorID != "op-9" || !next.UpdatedAt.Equal(now) || next.Version != 5 || !out.StatusChanged {
		t.Fatalf("expected stamped mutation, got %+v %+v", next, out)
	}
	if cur.OperatorNotes == nil || *cur.OperatorNotes != "hold" {
		t.Fatalf("apply must not mutate its input")
	}
}

func TestApply_ResumeWithNotes(t *testing.T) {
	cur := Workflow{Status: StatusOTPRequested, ManualOverrideEnabled: true, Version: 1}
	next, _, err := Apply(cur, Update{ManualOverrideEnabled: ptr(false), OperatorNotes: ptr("  verified by phone ")}, Actor{ID: "op-1"}, time.Now())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.ManualOverrideEnabled || next.OperatorNotes == nil || *next.OperatorNotes != "verified by phone" {
		t.Fatalf("unexpected workflow %+v", next)
	}
	cleared, _, err := Apply(next, Update{OperatorNotes: ptr("")}, Actor{ID: "op-1"}, time.Now())
	if err != nil || cleared.OperatorNotes != nil {
		t.Fatalf("expected notes cleared, got %+v %v", cleared, err)
	}
}

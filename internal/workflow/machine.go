package workflow

import (
	"fmt"
	"strings"
	"time"
)

var transitions = map[Status][]Status{
	StatusInitiated:      {StatusCollectingData, StatusFormFilling, StatusCancelled, StatusFailed},
	StatusCollectingData: {StatusFormFilling, StatusOTPRequested, StatusCancelled, StatusFailed},
	StatusFormFilling:    {StatusOTPRequested, StatusCancelled, StatusFailed},
	StatusOTPRequested:   {StatusOTPVerified, StatusCancelled, StatusFailed},
	StatusOTPVerified:    {StatusSubmitting, StatusCancelled, StatusFailed},
	StatusSubmitting:     {StatusCompleted, StatusCancelled, StatusFailed},
}

// reopenTargets are reachable from every terminal state.
var reopenTargets = []Status{StatusInitiated, StatusCollectingData}

func (s Status) Valid() bool {
	if _, ok := transitions[s]; ok {
		return true
	}
	return s.Terminal()
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func contains(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is a table edge or a reopen.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return contains(reopenTargets, to)
	}
	return contains(transitions[from], to)
}

// Validate checks update against the current workflow without changing it.
func Validate(current Workflow, u Update, actor Actor) (Outcome, error) {
	out := Outcome{From: current.Status, To: current.Status}
	if u.Empty() {
		return out, reject(CodeEmptyUpdate, "update must set status, manualOverrideEnabled or operatorNotes")
	}

	if u.Status != nil {
		target := *u.Status
		switch {
		case !target.Valid():
			return out, reject(CodeInvalidStatus, fmt.Sprintf("unknown status %q", target))
		case target == current.Status && target == StatusCancelled:
			return out, reject(CodeAlreadyCancelled, "workflow is already cancelled")
		case target == current.Status:
			// Restating the current status is not a transition.
		case current.Status.Terminal():
			if !contains(reopenTargets, target) {
				return out, reject(CodeInvalidTransition,
					fmt.Sprintf("cannot move %s workflow to %s; only %s are allowed", current.Status, target, joinStatuses(reopenTargets)))
			}
			if current.Status == StatusCancelled && actor.Automation {
				return out, reject(CodeAutomationReopenCancelled, "a cancelled workflow can only be reopened by an operator")
			}
			out.Reopen = true
			out.StatusChanged = true
			out.To = target
		default:
			if !contains(transitions[current.Status], target) {
				return out, reject(CodeInvalidTransition,
					fmt.Sprintf("cannot move from %s to %s; allowed: %s", current.Status, target, joinStatuses(transitions[current.Status])))
			}
			out.StatusChanged = true
			out.To = target
		}
	}

	if u.ManualOverrideEnabled != nil {
		if *u.ManualOverrideEnabled {
			switch {
			case current.ManualOverrideEnabled:
				return out, reject(CodeAlreadyPaused, "workflow is already paused")
			case current.Status.Terminal() || out.To.Terminal():
				return out, reject(CodePausedTerminal, "a finished workflow cannot be paused")
			}
		} else if !out.StatusChanged && !current.ManualOverrideEnabled {
			return out, reject(CodeNotPaused, "workflow is not paused")
		}
	}

	if u.OperatorNotes != nil && !out.StatusChanged && current.Status.Terminal() && strings.TrimSpace(*u.OperatorNotes) != "" {
		return out, reject(CodeTerminalNotes, "a finished workflow carries no operator notes")
	}
	return out, nil
}

// Apply validates and returns the mutated copy, stamped with the actor and time.
func Apply(current Workflow, u Update, actor Actor, now time.Time) (Workflow, Outcome, error) {
	out, err := Validate(current, u, actor)
	if err != nil {
		return current, out, err
	}

	next := current
	next.Status = out.To
	if u.ManualOverrideEnabled != nil {
		next.ManualOverrideEnabled = *u.ManualOverrideEnabled
	}
	if u.OperatorNotes != nil {
		if notes := strings.TrimSpace(*u.OperatorNotes); notes != "" {
			next.OperatorNotes = &notes
		} else {
			next.OperatorNotes = nil
		}
	}
	if next.Status.Terminal() {
		next.ManualOverrideEnabled = false
		next.OperatorNotes = nil
	}
	next.OperatorID = actor.ID
	next.UpdatedAt = now.UTC()
	next.Version = current.Version + 1
	return next, out, nil
}

func joinStatuses(list []Status) string {
	parts := make([]string, len(list))
	for i, s := range list {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

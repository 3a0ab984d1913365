// Package resilience wraps outbound calls to third-party services in a retry
// executor and a per-dependency circuit breaker.
//
// Errors are classified by type, never by message text:
//   - Retryable: transient transport failures and the status codes an integration lists.
//   - Permanent: everything else (validation, auth, not found, caller cancellation).
//   - CircuitRejected: the breaker refused the call; retrying inside the same call is pointless.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// Class is the closed set of outcomes a failed attempt can be classified as.
type Class int

const (
	ClassPermanent Class = iota + 1
	ClassRetryable
	ClassCircuitRejected
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassRetryable:
		return "retryable"
	case ClassCircuitRejected:
		return "circuit_rejected"
	default:
		return "unknown"
	}
}

// Classifier maps an attempt error to a Class. It is never called with nil.
type Classifier func(err error) Class

// ErrCircuitOpen matches every *CircuitOpenError via errors.Is.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// CircuitOpenError is returned when a breaker rejects a call.
type CircuitOpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("resilience: circuit %q open, retry in %s", e.Name, e.Remaining.Round(time.Millisecond))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// StatusError carries a non-2xx response from an upstream HTTP API.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.StatusCode, e.Body)
}

// PermanentError marks an error that must not be retried regardless of its cause.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so every classifier treats it as ClassPermanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// HTTPClassifier builds a classifier that retries transport failures and the given statuses.
func HTTPClassifier(retryableStatuses ...int) Classifier {
	set := make(map[int]struct{}, len(retryableStatuses))
	for _, s := range retryableStatuses {
		set[s] = struct{}{}
	}
	return func(err error) Class {
		var open *CircuitOpenError
		var perm *PermanentError
		var status *StatusError
		switch {
		case errors.As(err, &open):
			return ClassCircuitRejected
		case errors.As(err, &perm):
			return ClassPermanent
		case errors.Is(err, context.Canceled):
			return ClassPermanent
		case errors.As(err, &status):
			if _, ok := set[status.StatusCode]; ok {
				return ClassRetryable
			}
			return ClassPermanent
		case IsTransient(err):
			return ClassRetryable
		default:
			return ClassPermanent
		}
	}
}

// IsTransient reports transport-level failures worth another attempt:
// per-attempt deadlines, network timeouts, resets and truncated responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

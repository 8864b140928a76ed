package generation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Outcome classifies a single backend attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient_failure"
	OutcomePermanent Outcome = "permanent_failure"
)

// FailureKind says whether a failed backend may recover on its own.
type FailureKind int

const (
	// KindTransient covers rate limiting, temporary unavailability, timeouts and network faults.
	KindTransient FailureKind = iota
	// KindPermanent covers unknown models, malformed requests, rejected credentials and blocked content.
	KindPermanent
)

func (k FailureKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

var (
	// ErrBackendsExhausted matches any *ExhaustionError.
	ErrBackendsExhausted = errors.New("all generation backends failed")
	// ErrNoBackends is returned when a dispatcher is built with an empty list.
	ErrNoBackends = errors.New("generation: backend list is empty")
)

// BackendError is the typed failure a Backend returns.
type BackendError struct {
	Backend    string
	Kind       FailureKind
	StatusCode int
	Reason     string
	Err        error
}

func (e *BackendError) Error() string {
	var b strings.Builder
	b.WriteString(e.Backend)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *BackendError) Unwrap() error { return e.Err }

// Transient builds a transient BackendError.
func Transient(backend, reason string, err error) *BackendError {
	return &BackendError{Backend: backend, Kind: KindTransient, Reason: reason, Err: err}
}

// Permanent builds a permanent BackendError.
func Permanent(backend, reason string, err error) *BackendError {
	return &BackendError{Backend: backend, Kind: KindPermanent, Reason: reason, Err: err}
}

// StatusError classifies an HTTP status from a backend API.
func StatusError(backend string, status int, message string) *BackendError {
	kind := KindPermanent
	if StatusIsTransient(status) {
		kind = KindTransient
	}
	return &BackendError{Backend: backend, Kind: kind, StatusCode: status, Reason: message}
}

// StatusIsTransient reports whether an HTTP status is worth trying elsewhere after a pause.
func StatusIsTransient(status int) bool {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// Classify maps an attempt error to an outcome. Timeouts and network faults
// are transient. Anything unrecognized is also transient; the second return
// value is false in that case.
func Classify(err error) (Outcome, bool) {
	if err == nil {
		return OutcomeSuccess, true
	}
	var be *BackendError
	if errors.As(err, &be) {
		if be.Kind == KindPermanent {
			return OutcomePermanent, true
		}
		return OutcomeTransient, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransient, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeTransient, true
	}
	return OutcomeTransient, false
}

// ExhaustionError is returned when every candidate failed within one pass.
// Last is the failure of the final backend that was tried; DeadlineExceeded
// reports that the overall deadline cut the pass short.
type ExhaustionError struct {
	Attempts         []Attempt
	Last             error
	DeadlineExceeded bool
}

func (e *ExhaustionError) Error() string {
	msg := fmt.Sprintf("%s after %d attempts", ErrBackendsExhausted, len(e.Attempts))
	if e.Last != nil {
		msg += fmt.Sprintf(": last error: %v", e.Last)
	}
	if e.DeadlineExceeded {
		msg += " (overall deadline exceeded)"
	}
	return msg
}

func (e *ExhaustionError) Is(target error) bool { return target == ErrBackendsExhausted }

func (e *ExhaustionError) Unwrap() []error {
	var errs []error
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	if e.DeadlineExceeded {
		errs = append(errs, context.DeadlineExceeded)
	}
	return errs
}

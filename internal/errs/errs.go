package errs

import (
	"errors"
	"fmt"
)

// Kind classifies provisioning errors. Classification happens once, at the
// boundary where an external call returns; the orchestrator is the only
// place that turns a Kind into a retry or terminal-state decision.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindConflict          Kind = "ConflictError"
	KindTransient         Kind = "TransientError"
	KindProtocol          Kind = "ProtocolError"
	KindVerification      Kind = "VerificationFailed"
	KindAlreadyInProgress Kind = "AlreadyInProgress"
	KindNotFound          Kind = "NotFound"
	KindInternal          Kind = "InternalError"
)

// Error wraps an underlying error with its classification and, once the
// orchestrator has attributed it, the pipeline step it occurred in.
type Error struct {
	Kind Kind
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s at %s: %v", e.Kind, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New classifies err under kind. A nil err yields nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithStep attributes err to a pipeline step, preserving its Kind.
func WithStep(step string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Step: step, Err: err}
}

// KindOf returns the classification of err, KindInternal if unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StepOf returns the step attributed to err, empty if none.
func StepOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Step
	}
	return ""
}

// Retriable reports whether the orchestrator may retry err with backoff.
// Only transient failures qualify; everything else is terminal for the
// current attempt.
func Retriable(err error) bool {
	return KindOf(err) == KindTransient
}

// CLI exit codes.
const (
	ExitOK           = 0
	ExitValidation   = 1
	ExitTransient    = 2
	ExitConflict     = 3
	ExitVerification = 4
)

// ExitCode maps a classified error to the CLI exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindValidation:
		return ExitValidation
	case KindConflict, KindAlreadyInProgress:
		return ExitConflict
	case KindVerification:
		return ExitVerification
	default:
		return ExitTransient
	}
}

package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind is a closed taxonomy of error kinds. It is a classification,
// not a Go type hierarchy: every Error carries exactly one Kind, and
// callers branch on it with errors.As + Kind comparison or the Is*
// helpers below.
type ErrorKind string

const (
	KindValidation           ErrorKind = "ValidationError"
	KindLeaseLost            ErrorKind = "LeaseLost"
	KindBackendTransient     ErrorKind = "BackendTransient"
	KindBackendFatal         ErrorKind = "BackendFatal"
	KindStepFailed           ErrorKind = "StepFailed"
	KindDeterminismViolation ErrorKind = "DeterminismViolation"
	KindTimeout              ErrorKind = "Timeout"
)

// Error is the error value carried across the backend boundary. It
// implements error and Unwrap so errors.Is/errors.As compose normally with
// wrapped causes from database drivers etc.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// NewError builds an Error of the given kind. cause may be nil.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the ErrorKind from err, or "" if err does not wrap an
// *Error.
func KindOf(err error) ErrorKind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return ""
}

// IsLeaseLost reports whether err signals that the caller no longer holds
// the run's lease. Lease loss is never surfaced to the user — the worker
// that holds the lease is authoritative — so callers use this to decide
// whether to abort silently rather than mark the run terminal.
func IsLeaseLost(err error) bool { return KindOf(err) == KindLeaseLost }

// IsBackendTransient reports whether err is a retryable backend failure
// (connection loss, deadlock retry exhausted).
func IsBackendTransient(err error) bool { return KindOf(err) == KindBackendTransient }

// ErrLeaseLost is a stable sentinel backends may return directly (without
// a message) when no further detail is useful; wrap it with NewError when
// detail is available.
var ErrLeaseLost = NewError(KindLeaseLost, "lease no longer held", nil)

// SerializedError is the JSON shape errors take when they cross the
// backend boundary: {name, message, stack?} for structured exception-like
// values, or just {message} otherwise. No language-native error objects
// cross the boundary.
type SerializedError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// SerializeError converts a Go error into the wire shape. *Error values
// contribute their Kind as Name; plain errors contribute only Message.
func SerializeError(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	se := SerializedError{Message: err.Error()}
	var werr *Error
	if errors.As(err, &werr) {
		se.Name = string(werr.Kind)
		se.Message = werr.Message
	}
	b, marshalErr := json.Marshal(se)
	if marshalErr != nil {
		// Message is always a plain string; Marshal cannot fail here, but
		// fall back defensively rather than lose the error entirely.
		b, _ = json.Marshal(SerializedError{Message: err.Error()})
	}
	return b
}

// DeserializeError parses a wire-format error back into a SerializedError.
func DeserializeError(raw json.RawMessage) (SerializedError, error) {
	var se SerializedError
	if len(raw) == 0 {
		return se, nil
	}
	if err := json.Unmarshal(raw, &se); err != nil {
		return se, fmt.Errorf("deserialize error: %w", err)
	}
	return se, nil
}

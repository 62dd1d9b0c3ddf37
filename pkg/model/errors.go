package model

import "fmt"

// ErrorKind classifies session failures for the orchestrator.
type ErrorKind string

const (
	ErrKindAuth              ErrorKind = "auth"
	ErrKindInvalidConfig     ErrorKind = "invalid_config"
	ErrKindIncompatibleModel ErrorKind = "incompatible_model"
	ErrKindProtocol          ErrorKind = "protocol"
	ErrKindTransport         ErrorKind = "transport"
)

// SessionError is a fatal session failure. Transient transport problems
// are retried internally and never surface as a SessionError unless the
// retry budget is exhausted.
type SessionError struct {
	Kind ErrorKind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("model session: %s", e.Kind)
	}
	return fmt.Sprintf("model session: %s: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Fatal reports whether the error kind rules out reconnection. Only
// transport failures are retried.
func (e *SessionError) Fatal() bool {
	return e.Kind != ErrKindTransport
}

func sessionErr(kind ErrorKind, err error) *SessionError {
	return &SessionError{Kind: kind, Err: err}
}

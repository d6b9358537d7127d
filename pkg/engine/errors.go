package engine

import "fmt"

// ErrSessionNotFound is returned for operations against a session that
// is not served here and has no durable record to restore from.
type ErrSessionNotFound struct {
	SessionID string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

func IsSessionNotFound(err error) bool {
	_, ok := err.(*ErrSessionNotFound)
	return ok
}

// ErrActionRejected is returned when a submission is refused. Code is
// one of the messages.RejectionCode values; Reason is human-readable
// and safe to show to the participant.
type ErrActionRejected struct {
	SessionID string
	ClientSeq uint64
	Code      string
	Reason    string
}

func (e *ErrActionRejected) Error() string {
	return fmt.Sprintf("action rejected (%s): %s", e.Code, e.Reason)
}

func IsActionRejected(err error) bool {
	_, ok := err.(*ErrActionRejected)
	return ok
}

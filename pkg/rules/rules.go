package rules

import (
	"encoding/json"
	"fmt"
)

// Action is a participant's request to advance the session state.
type Action struct {
	Participant string
	Payload     json.RawMessage
}

// Result is the outcome of a successfully applied action.
type Result struct {
	// State is the complete next session state.
	State json.RawMessage
	// Delta optionally carries the merge patch from the prior state to
	// State. When nil the caller computes it by diffing.
	Delta json.RawMessage
	// Completed marks the session as finished.
	Completed bool
	// Winner names the winning participant when the session completed
	// with one.
	Winner string
}

// Engine applies game rules to session state. Implementations must be
// pure: the same state and action always produce the same result, and
// the input state is never mutated. All session bookkeeping (sequence
// numbers, leases, timers) lives outside the engine.
type Engine interface {
	// InitialState produces the state for a newly formed session.
	InitialState(participants []string) (json.RawMessage, error)
	// Apply validates an action against the state and returns the next
	// state. Disallowed actions return an *ErrRejected and leave the
	// state unchanged.
	Apply(state json.RawMessage, action Action) (*Result, error)
}

// ErrRejected is returned when the rules disallow an action.
type ErrRejected struct {
	Reason string
}

func (e *ErrRejected) Error() string {
	return e.Reason
}

func IsRejected(err error) bool {
	_, ok := err.(*ErrRejected)
	return ok
}

func Reject(format string, args ...interface{}) *ErrRejected {
	return &ErrRejected{Reason: fmt.Sprintf(format, args...)}
}

const forfeitActionType = "forfeit"

type forfeitPayload struct {
	Type string `json:"type"`
}

// ForfeitAction builds the action injected when a participant's
// disconnect grace expires. Engines handle it like any other action so
// forfeiture flows through the normal patch path.
func ForfeitAction(participant string) Action {
	payload, _ := json.Marshal(forfeitPayload{Type: forfeitActionType})
	return Action{
		Participant: participant,
		Payload:     payload,
	}
}

// IsForfeit reports whether an action is a forfeit.
func IsForfeit(action Action) bool {
	payload := forfeitPayload{}
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return false
	}
	return payload.Type == forfeitActionType
}

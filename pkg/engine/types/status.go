package types

// Status is the lifecycle phase of a session.
type Status string

const (
	// StatusForming means the session exists but has not reached its
	// minimum participant count. There is no game state yet.
	StatusForming Status = "forming"
	// StatusActive means the session is accepting gameplay actions.
	StatusActive Status = "active"
	// StatusPaused means a required participant is disconnected.
	// Gameplay actions are rejected until they reconnect or forfeit.
	StatusPaused Status = "paused"
	// StatusCompleted means the rules declared the game over.
	StatusCompleted Status = "completed"
	// StatusAbandoned means the session ended without a rules outcome.
	StatusAbandoned Status = "abandoned"
)

var statusTransitions = map[Status][]Status{
	StatusForming:   {StatusActive, StatusAbandoned},
	StatusActive:    {StatusPaused, StatusCompleted, StatusAbandoned},
	StatusPaused:    {StatusActive, StatusCompleted, StatusAbandoned},
	StatusCompleted: {},
	StatusAbandoned: {},
}

// CanTransition reports whether the lifecycle allows moving to the
// given status.
func (s Status) CanTransition(to Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the session has reached a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

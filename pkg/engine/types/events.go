package types

// DisconnectSessionEvent is queued when a transport associated with a
// session drops, so the session loop can start the disconnect policy
// for that participant.
type DisconnectSessionEvent struct {
	ClientID      uint32
	SessionID     string
	ParticipantID string
}

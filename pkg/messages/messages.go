package messages

import "encoding/json"

const (
	// MessageBufferSize is the maximum size of a serialized message
	MessageBufferSize = 32768
)

// MessageType identifies the payload carried by a Message
type MessageType byte

const (
	MessageTypeClientPing MessageType = iota + 1
	MessageTypeClientJoinSession
	MessageTypeClientAction
	MessageTypeClientResyncRequest
	MessageTypeServerPong
	MessageTypeServerJoinResult
	MessageTypeServerPatch
	MessageTypeServerRejected
	MessageTypeServerFullSnapshot
	MessageTypeServerSessionStatus
	MessageTypeServerRedirect
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeClientPing:
		return "ping"
	case MessageTypeClientJoinSession:
		return "join"
	case MessageTypeClientAction:
		return "action"
	case MessageTypeClientResyncRequest:
		return "resync"
	case MessageTypeServerPong:
		return "pong"
	case MessageTypeServerJoinResult:
		return "join-result"
	case MessageTypeServerPatch:
		return "patch"
	case MessageTypeServerRejected:
		return "rejected"
	case MessageTypeServerFullSnapshot:
		return "full-snapshot"
	case MessageTypeServerSessionStatus:
		return "session-status"
	case MessageTypeServerRedirect:
		return "redirect"
	}
	return "unknown"
}

// Rejection codes carried by ServerRejected.
const (
	RejectionCodeValidation      = "validation_rejected"
	RejectionCodeLeaseDenied     = "lease_denied"
	RejectionCodeGapDetected     = "gap_detected"
	RejectionCodeSessionNotFound = "session_not_found"
	RejectionCodeSessionPaused   = "session_paused"
)

// Message represents a generic message for serialization/deserialization
type Message struct {
	ClientID uint32          `json:"clientID"`
	Type     MessageType     `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

// ClientJoinSession requests a seat in a session, creating the session
// if it does not exist. Rejoining an existing seat reconnects it.
type ClientJoinSession struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Token         string `json:"token,omitempty"`
}

// ClientAction submits a gameplay action. ClientSeq is the submitter's
// own counter and is echoed back on the resulting patch or rejection.
type ClientAction struct {
	SessionID     string          `json:"sessionId"`
	ParticipantID string          `json:"participantId"`
	ClientSeq     uint64          `json:"clientSeq"`
	Payload       json.RawMessage `json:"payload"`
}

// ClientResyncRequest asks for a full snapshot of the session.
type ClientResyncRequest struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

// ServerJoinResult reports the outcome of a join. For sessions that
// already have state it carries a full snapshot.
type ServerJoinResult struct {
	// ClientID is the transport identity assigned to the joining
	// client. It must be echoed on subsequent messages.
	ClientID      uint32          `json:"clientID"`
	SessionID     string          `json:"sessionId"`
	ParticipantID string          `json:"participantId"`
	Seat          int             `json:"seat"`
	Status        string          `json:"status"`
	Sequence      uint64          `json:"sequence"`
	State         json.RawMessage `json:"state,omitempty"`
}

// ServerPatch carries the delta produced by one accepted action.
// AckClientSeq is set only on the copy sent to the submitting
// participant so it can discard its optimistic prediction.
type ServerPatch struct {
	SessionID    string          `json:"sessionId"`
	FromSeq      uint64          `json:"fromSeq"`
	ToSeq        uint64          `json:"toSeq"`
	Delta        json.RawMessage `json:"delta"`
	AckClientSeq *uint64         `json:"ackClientSeq,omitempty"`
}

// ServerRejected reports a refused action to the submitter only.
type ServerRejected struct {
	SessionID string `json:"sessionId"`
	ClientSeq uint64 `json:"clientSeq"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
}

// ServerFullSnapshot carries the complete session state for
// resynchronization. Snapshots are always full, never incremental.
type ServerFullSnapshot struct {
	SessionID string          `json:"sessionId"`
	Status    string          `json:"status"`
	Sequence  uint64          `json:"sequence"`
	State     json.RawMessage `json:"state,omitempty"`
}

// ServerSessionStatus announces lifecycle changes to all participants.
type ServerSessionStatus struct {
	SessionID    string   `json:"sessionId"`
	Status       string   `json:"status"`
	Disconnected []string `json:"disconnected,omitempty"`
	Winner       string   `json:"winner,omitempty"`
}

// ServerRedirect points a client at the process that owns the session.
type ServerRedirect struct {
	SessionID string `json:"sessionId"`
	Owner     string `json:"owner"`
	Addr      string `json:"addr"`
}

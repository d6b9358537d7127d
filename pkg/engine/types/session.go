package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateKey is the shared-store key holding a session's latest
// snapshot, written through after every accepted action.
func StateKey(sessionID string) string {
	return "session:" + sessionID
}

// Participant is a seat in a session.
type Participant struct {
	ID                string     `json:"id"`
	Seat              int        `json:"seat"`
	Connected         bool       `json:"connected"`
	DisconnectedSince *time.Time `json:"disconnectedSince,omitempty"`
	Forfeited         bool       `json:"forfeited,omitempty"`
}

// Required reports whether the participant still counts for the
// disconnect policy. Forfeited participants are no longer required.
func (p *Participant) Required() bool {
	return !p.Forfeited
}

// Session is the authoritative record for one match. It is owned by a
// single session loop at a time; everything handed out to other
// goroutines is a copy.
type Session struct {
	ID           string          `json:"id"`
	Status       Status          `json:"status"`
	Sequence     uint64          `json:"sequence"`
	State        json.RawMessage `json:"state,omitempty"`
	Participants []*Participant  `json:"participants"`
	Winner       string          `json:"winner,omitempty"`
	// Durable is false while durable writes are failing past their
	// retry budget. It is operational state and is not persisted.
	Durable   bool      `json:"durable"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		Status:    StatusForming,
		Durable:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Participant returns the participant with the given id.
func (s *Session) Participant(id string) (*Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// AddParticipant seats a new participant. It fails if the id is taken.
func (s *Session) AddParticipant(id string, now time.Time) (*Participant, error) {
	if _, ok := s.Participant(id); ok {
		return nil, fmt.Errorf("participant %s is already seated", id)
	}
	p := &Participant{
		ID:        id,
		Seat:      len(s.Participants),
		Connected: true,
	}
	s.Participants = append(s.Participants, p)
	s.UpdatedAt = now
	return p, nil
}

// RemoveParticipant unseats a participant. Only sessions that have not
// started remove seats; remaining seats are reassigned to stay dense.
func (s *Session) RemoveParticipant(id string, now time.Time) {
	kept := make([]*Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(s.Participants) {
		return
	}
	for i, p := range kept {
		p.Seat = i
	}
	s.Participants = kept
	s.UpdatedAt = now
}

// ParticipantIDs returns the participant ids in seat order.
func (s *Session) ParticipantIDs() []string {
	ids := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

// Disconnected returns the ids of currently disconnected participants
// in seat order.
func (s *Session) Disconnected() []string {
	ids := make([]string, 0)
	for _, p := range s.Participants {
		if !p.Connected {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// RequiredDisconnected reports whether any required participant is
// disconnected, which is what forces a pause.
func (s *Session) RequiredDisconnected() bool {
	for _, p := range s.Participants {
		if p.Required() && !p.Connected {
			return true
		}
	}
	return false
}

// AnyConnected reports whether any participant is still connected.
func (s *Session) AnyConnected() bool {
	for _, p := range s.Participants {
		if p.Connected {
			return true
		}
	}
	return false
}

// SetStatus moves the session through its lifecycle. Disallowed
// transitions are an error and leave the session unchanged.
func (s *Session) SetStatus(status Status, now time.Time) error {
	if s.Status == status {
		return nil
	}
	if !s.Status.CanTransition(status) {
		return fmt.Errorf("cannot transition session %s from %s to %s", s.ID, s.Status, status)
	}
	s.Status = status
	s.UpdatedAt = now
	return nil
}

// Copy returns a deep copy safe to hand to another goroutine.
func (s *Session) Copy() *Session {
	copied := &Session{
		ID:        s.ID,
		Status:    s.Status,
		Sequence:  s.Sequence,
		Winner:    s.Winner,
		Durable:   s.Durable,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.State != nil {
		copied.State = make(json.RawMessage, len(s.State))
		copy(copied.State, s.State)
	}
	copied.Participants = make([]*Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		participant := *p
		if p.DisconnectedSince != nil {
			since := *p.DisconnectedSince
			participant.DisconnectedSince = &since
		}
		copied.Participants = append(copied.Participants, &participant)
	}
	return copied
}

// Snapshot is the durable form of a session, written to the repository
// and to the shared store for takeover by another process.
type Snapshot struct {
	SessionID    string          `json:"sessionId"`
	Status       Status          `json:"status"`
	Sequence     uint64          `json:"sequence"`
	State        json.RawMessage `json:"state,omitempty"`
	Participants []*Participant  `json:"participants"`
	Winner       string          `json:"winner,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Snapshot captures the session's durable fields.
func (s *Session) Snapshot(now time.Time) *Snapshot {
	copied := s.Copy()
	return &Snapshot{
		SessionID:    copied.ID,
		Status:       copied.Status,
		Sequence:     copied.Sequence,
		State:        copied.State,
		Participants: copied.Participants,
		Winner:       copied.Winner,
		Timestamp:    now,
	}
}

// FromSnapshot rebuilds a session from its durable form, as happens
// when a process takes over a session after acquiring its lease. All
// participants start disconnected; they re-associate as they rejoin.
func FromSnapshot(snapshot *Snapshot, now time.Time) *Session {
	session := &Session{
		ID:        snapshot.SessionID,
		Status:    snapshot.Status,
		Sequence:  snapshot.Sequence,
		Winner:    snapshot.Winner,
		Durable:   true,
		CreatedAt: snapshot.Timestamp,
		UpdatedAt: now,
	}
	if snapshot.State != nil {
		session.State = make(json.RawMessage, len(snapshot.State))
		copy(session.State, snapshot.State)
	}
	session.Participants = make([]*Participant, 0, len(snapshot.Participants))
	for _, p := range snapshot.Participants {
		participant := *p
		if !participant.Forfeited {
			participant.Connected = false
			since := now
			participant.DisconnectedSince = &since
		}
		session.Participants = append(session.Participants, &participant)
	}
	return session
}

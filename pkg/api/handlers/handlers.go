package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cbodonnell/governor/pkg/engine"
	"github.com/cbodonnell/governor/pkg/engine/types"
	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/patches"
	"github.com/cbodonnell/governor/pkg/registry"
	"github.com/cbodonnell/governor/pkg/store"
	"github.com/gorilla/mux"
)

// SessionService is the view of the session engine the API exposes.
type SessionService interface {
	Sessions() []*types.Session
	Session(sessionID string) (*types.Session, error)
	RecentPatches(ctx context.Context, sessionID string) ([]patches.Patch, error)
	Locate(ctx context.Context, sessionID string) (*registry.Lease, error)
}

// SessionSummary is the list representation of a session. It omits the
// state document, which can be large.
type SessionSummary struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Sequence     uint64    `json:"sequence"`
	Participants []string  `json:"participants"`
	Disconnected []string  `json:"disconnected,omitempty"`
	Winner       string    `json:"winner,omitempty"`
	Durable      bool      `json:"durable"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func summarize(session *types.Session) SessionSummary {
	return SessionSummary{
		ID:           session.ID,
		Status:       string(session.Status),
		Sequence:     session.Sequence,
		Participants: session.ParticipantIDs(),
		Disconnected: session.Disconnected(),
		Winner:       session.Winner,
		Durable:      session.Durable,
		CreatedAt:    session.CreatedAt,
		UpdatedAt:    session.UpdatedAt,
	}
}

func HandleListSessions(service SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := service.Sessions()
		summaries := make([]SessionSummary, 0, len(sessions))
		for _, session := range sessions {
			summaries = append(summaries, summarize(session))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if err := json.NewEncoder(w).Encode(summaries); err != nil {
			log.Error("failed to encode sessions: %v", err)
			http.Error(w, "Failed to encode sessions", http.StatusInternalServerError)
			return
		}
	}
}

func HandleGetSession(service SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionID"]
		session, err := service.Session(sessionID)
		if err != nil {
			if engine.IsSessionNotFound(err) {
				http.Error(w, "Session not found", http.StatusNotFound)
				return
			}
			log.Error("failed to get session %s: %v", sessionID, err)
			http.Error(w, "Failed to get session", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if err := json.NewEncoder(w).Encode(session); err != nil {
			log.Error("failed to encode session: %v", err)
			http.Error(w, "Failed to encode session", http.StatusInternalServerError)
			return
		}
	}
}

// HandleGetSessionLocation serves the live lease for a session, wherever
// it is held. Sessions served by other processes resolve here too.
func HandleGetSessionLocation(service SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionID"]
		lease, err := service.Locate(r.Context(), sessionID)
		if err != nil {
			if store.IsNotFound(err) {
				http.Error(w, "Session location not found", http.StatusNotFound)
				return
			}
			log.Error("failed to locate session %s: %v", sessionID, err)
			http.Error(w, "Failed to locate session", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if err := json.NewEncoder(w).Encode(lease); err != nil {
			log.Error("failed to encode lease: %v", err)
			http.Error(w, "Failed to encode lease", http.StatusInternalServerError)
			return
		}
	}
}

func HandleListSessionPatches(service SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionID"]
		recent, err := service.RecentPatches(r.Context(), sessionID)
		if err != nil {
			if engine.IsSessionNotFound(err) {
				http.Error(w, "Session not found", http.StatusNotFound)
				return
			}
			log.Error("failed to list patches for session %s: %v", sessionID, err)
			http.Error(w, "Failed to list patches", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if err := json.NewEncoder(w).Encode(recent); err != nil {
			log.Error("failed to encode patches: %v", err)
			http.Error(w, "Failed to encode patches", http.StatusInternalServerError)
			return
		}
	}
}

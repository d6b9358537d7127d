package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cbodonnell/governor/pkg/engine"
	"github.com/cbodonnell/governor/pkg/engine/types"
	"github.com/cbodonnell/governor/pkg/patches"
	"github.com/cbodonnell/governor/pkg/registry"
	"github.com/cbodonnell/governor/pkg/store"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	sessions map[string]*types.Session
	patches  map[string][]patches.Patch
	leases   map[string]*registry.Lease
}

func (s *stubService) Sessions() []*types.Session {
	sessions := make([]*types.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

func (s *stubService) Session(sessionID string) (*types.Session, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, &engine.ErrSessionNotFound{SessionID: sessionID}
	}
	return session, nil
}

func (s *stubService) RecentPatches(ctx context.Context, sessionID string) ([]patches.Patch, error) {
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, &engine.ErrSessionNotFound{SessionID: sessionID}
	}
	return s.patches[sessionID], nil
}

func (s *stubService) Locate(ctx context.Context, sessionID string) (*registry.Lease, error) {
	lease, ok := s.leases[sessionID]
	if !ok {
		return nil, &store.ErrNotFound{Key: "lease:" + sessionID}
	}
	return lease, nil
}

func testSession(t *testing.T, id string) *types.Session {
	t.Helper()
	session := types.NewSession(id, time.Now())
	for _, participant := range []string{"p1", "p2"} {
		_, err := session.AddParticipant(participant, time.Now())
		require.NoError(t, err)
	}
	require.NoError(t, session.SetStatus(types.StatusActive, time.Now()))
	session.Sequence = 3
	session.State = json.RawMessage(`{"total":9}`)
	return session
}

func newTestRouter(service SessionService) *mux.Router {
	router := mux.NewRouter()
	sessions := router.PathPrefix("/sessions").Subrouter()
	sessions.HandleFunc("", HandleListSessions(service)).Methods(http.MethodGet)
	sessions.HandleFunc("/{sessionID}", HandleGetSession(service)).Methods(http.MethodGet)
	sessions.HandleFunc("/{sessionID}/location", HandleGetSessionLocation(service)).Methods(http.MethodGet)
	sessions.HandleFunc("/{sessionID}/patches", HandleListSessionPatches(service)).Methods(http.MethodGet)
	return router
}

func TestHandleListSessions(t *testing.T) {
	service := &stubService{
		sessions: map[string]*types.Session{
			"m1": testSession(t, "m1"),
		},
	}
	router := newTestRouter(service)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	summaries := []SessionSummary{}
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "m1", summaries[0].ID)
	assert.Equal(t, string(types.StatusActive), summaries[0].Status)
	assert.Equal(t, uint64(3), summaries[0].Sequence)
	assert.Equal(t, []string{"p1", "p2"}, summaries[0].Participants)
}

func TestHandleGetSession(t *testing.T) {
	service := &stubService{
		sessions: map[string]*types.Session{
			"m1": testSession(t, "m1"),
		},
	}
	router := newTestRouter(service)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions/m1", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	session := &types.Session{}
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(session))
	assert.Equal(t, "m1", session.ID)
	assert.JSONEq(t, `{"total":9}`, string(session.State))

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions/nope", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHandleGetSessionLocation(t *testing.T) {
	service := &stubService{
		sessions: map[string]*types.Session{},
		leases: map[string]*registry.Lease{
			"m1": {
				SessionID: "m1",
				Owner:     "process-b",
				Addr:      "process-b:8888",
				Expiry:    time.Now().Add(time.Minute),
			},
		},
	}
	router := newTestRouter(service)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions/m1/location", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	lease := &registry.Lease{}
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(lease))
	assert.Equal(t, "process-b", lease.Owner)
	assert.Equal(t, "process-b:8888", lease.Addr)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions/nope/location", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHandleListSessionPatches(t *testing.T) {
	service := &stubService{
		sessions: map[string]*types.Session{
			"m1": testSession(t, "m1"),
		},
		patches: map[string][]patches.Patch{
			"m1": {
				{SessionID: "m1", FromSeq: 0, ToSeq: 1, Delta: json.RawMessage(`{"total":3}`)},
				{SessionID: "m1", FromSeq: 1, ToSeq: 2, Delta: json.RawMessage(`{"total":9}`)},
			},
		},
	}
	router := newTestRouter(service)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions/m1/patches", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	recent := []patches.Patch{}
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&recent))
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(2), recent[1].ToSeq)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions/nope/patches", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

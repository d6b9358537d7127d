package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cbodonnell/governor/pkg/api/handlers"
	"github.com/cbodonnell/governor/pkg/api/middleware"
	authproviders "github.com/cbodonnell/governor/pkg/auth/providers"
	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/version"
	"github.com/gorilla/mux"
)

type APIServer struct {
	server *http.Server
	tls    *TLSConfig
}

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type NewAPIServerOptions struct {
	Port         int
	TLS          *TLSConfig
	AuthProvider authproviders.AuthProvider
	Sessions     handlers.SessionService
}

// NewAPIServer creates a new http.Server for handling API requests
func NewAPIServer(opts NewAPIServerOptions) *APIServer {
	authMiddleware := middleware.NewAuthMiddleware(opts.AuthProvider)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)

	sessions := router.PathPrefix("/sessions").Subrouter()
	sessions.Use(authMiddleware)
	sessions.HandleFunc("", handlers.HandleListSessions(opts.Sessions)).Methods(http.MethodGet)
	sessions.HandleFunc("/{sessionID}", handlers.HandleGetSession(opts.Sessions)).Methods(http.MethodGet)
	sessions.HandleFunc("/{sessionID}/location", handlers.HandleGetSessionLocation(opts.Sessions)).Methods(http.MethodGet)
	sessions.HandleFunc("/{sessionID}/patches", handlers.HandleListSessionPatches(opts.Sessions)).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}
	return &APIServer{
		server: server,
		tls:    opts.TLS,
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": version.Get(),
	}); err != nil {
		log.Error("failed to encode health response: %v", err)
		http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
	}
}

// Start starts the APIServer
func (s *APIServer) Start() {
	var listenAndServe func() error
	if s.tls != nil {
		log.Info("API server listening on %s with TLS", s.server.Addr)
		listenAndServe = func() error {
			return s.server.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
		}
	} else {
		log.Info("API server listening on %s", s.server.Addr)
		listenAndServe = s.server.ListenAndServe
	}
	if err := listenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			log.Info("API server closed")
			return
		}
		log.Error("API server error: %v", err)
	}
}

// Stop stops the APIServer
func (s *APIServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Package server exposes the HTTP API: status and plan reads, settings
// reads/writes, and the websocket event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"

	"github.com/pelshome/pels/pkg/common"
	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/storage"
	"github.com/pelshome/pels/pkg/types"
)

// Core is the running app as the API sees it.
type Core interface {
	Status() types.StatusPayload
	Plan() *types.DevicePlan
	Settings() types.Settings
	Buckets() []types.HourBucket
	SetSetting(ctx context.Context, key string, value any) error
	Rebuild(reason string)
}

// Server handles the HTTP API for the capacity controller.
type Server struct {
	core    Core
	storage storage.Store
	hub     *Hub

	listenAddr string
	serverName string
	httpServer *http.Server

	oidcAudience string
	verifier     tokenVerifier
	bypassAuth   bool
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(core Core, s storage.Store) *Server {
	srv := &Server{
		core:       core,
		storage:    s,
		hub:        NewHub(),
		serverName: "pels/" + common.Version(),
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudience := lflag.String("oidc-audience", "", "OIDC audience/client ID required for settings writes (empty disables auth)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.oidcAudience = *oidcAudience
		if srv.oidcAudience == "" {
			srv.bypassAuth = true
			return
		}
		verifier, err := newGoogleVerifier(context.Background(), srv.oidcAudience)
		if err != nil {
			log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.Any("error", err))
			os.Exit(1)
		}
		srv.verifier = verifier
	})

	return srv
}

// Hub returns the websocket hub so it can be registered as a plan event sink.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/plan", s.handlePlan)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.Handle("POST /api/settings", s.authMiddleware(http.HandlerFunc(s.handleUpdateSettings)))

	mux := http.NewServeMux()
	mux.Handle("/api/", gziphandler.GzipHandler(apiMux))
	// the websocket upgrade must bypass the gzip wrapper, it needs the raw
	// http.Hijacker
	mux.Handle("GET /api/events", s.hub)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(mux)
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs.
func (s *Server) Run(ctx context.Context) error {
	ctx = log.Component(ctx, "server")
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		types.StatusPayload
		Buckets []types.HourBucket `json:"buckets,omitempty"`
	}{
		StatusPayload: s.core.Status(),
		Buckets:       s.core.Buckets(),
	})
}

func (s *Server) handlePlan(w http.ResponseWriter, _ *http.Request) {
	p := s.core.Plan()
	if p == nil {
		writeJSONError(w, "no plan yet", http.StatusNotFound)
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.core.Settings())
}

// settable is the set of keys the API accepts writes for. Everything else,
// including the core's own output keys, is rejected.
var settable = map[string]bool{
	types.KeyCapacityLimitKW:           true,
	types.KeyCapacityMarginKW:          true,
	types.KeyCapacityDryRun:            true,
	types.KeyModeDeviceTargets:         true,
	types.KeyModeAliases:               true,
	types.KeyCapacityPriorities:        true,
	types.KeyOperatingMode:             true,
	types.KeyControllableDevices:       true,
	types.KeyManagedDevices:            true,
	types.KeyOvershootBehaviors:        true,
	types.KeyPriceOptimizationEnabled:  true,
	types.KeyPriceOptimizationSettings: true,
	types.KeyCombinedPrices:            true,
	types.KeyDailyBudgetEnabled:        true,
	types.KeyDailyBudgetKWH:            true,
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var updates map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(updates) == 0 {
		writeJSONError(w, "no settings provided", http.StatusBadRequest)
		return
	}
	for key := range updates {
		if !settable[key] {
			writeJSONError(w, fmt.Sprintf("unknown settings key: %s", key), http.StatusBadRequest)
			return
		}
	}
	ctx := r.Context()
	for key, raw := range updates {
		if err := s.core.SetSetting(ctx, key, raw); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to write setting",
				slog.String("key", key), slog.Any("error", err))
			writeJSONError(w, "failed to write settings", http.StatusInternalServerError)
			return
		}
	}
	s.core.Rebuild("api:settings")
	writeJSON(w, struct {
		Updated int `json:"updated"`
	}{Updated: len(updates)})
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

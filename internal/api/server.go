// Package api serves the HTTP API: light control, groups, scripted actions,
// system status and a websocket event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/group"
	"github.com/dokzlo13/bulbd/internal/lights"
	"github.com/dokzlo13/bulbd/internal/pool"
)

// ActionRunner runs named actions.
type ActionRunner interface {
	Names() []string
	// Run invokes name. A non-empty key deduplicates; the bool reports
	// whether the action actually ran.
	Run(ctx context.Context, name string, args map[string]any, idempotencyKey string) (bool, error)
}

// StatsSource reports execution pool load.
type StatsSource interface {
	Stats() pool.Stats
}

// Readiness reports whether the command environment passed validation.
type Readiness interface {
	Ready() bool
}

// Deps holds what the server needs. Lights and Groups are required.
type Deps struct {
	Lights  *lights.Service
	Groups  *group.Manager
	Actions ActionRunner
	Pool    StatsSource
	Env     Readiness
	Hub     *Hub

	CORS        bool
	Metrics     http.Handler
	MetricsPath string
}

// Server is the HTTP API server.
type Server struct {
	deps   Deps
	server *http.Server
}

// New creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Lights == nil || deps.Groups == nil {
		return nil, fmt.Errorf("lights service and group manager are required")
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	return &Server{deps: deps}, nil
}

// Handler builds the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)
	if s.deps.CORS {
		r.Use(corsMiddleware)
	}
	r.Use(bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.Metrics != nil {
		r.Handle(s.deps.MetricsPath, s.deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/lights", func(r chi.Router) {
			r.Get("/", s.handleLights)
			r.Post("/actions", s.handleLightsAction)
			r.Post("/sync", s.handleSync)
			r.Get("/sync", s.handleSync)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", s.handleListGroups)
			r.Post("/", s.handleCreateGroup)
			r.Delete("/", s.handleDeleteGroupByQuery)

			r.Route("/{groupId}", func(r chi.Router) {
				r.Get("/", s.handleGetGroup)
				r.Put("/", s.handleUpdateGroup)
				r.Delete("/", s.handleDeleteGroup)
				r.Get("/members", s.handleGetMembers)
				r.Post("/members", s.handleAddMember)
				r.Delete("/members", s.handleRemoveMember)
				r.Post("/actions", s.handleGroupAction)
			})
		})

		r.Route("/actions", func(r chi.Router) {
			r.Get("/", s.handleListActions)
			r.Post("/{name}", s.handleRunAction)
		})

		r.Get("/system/status", s.handleStatus)
		if s.deps.Hub != nil {
			r.Handle("/ws", s.deps.Hub)
		}
	})

	return r
}

// Start listens on addr and serves in the background. Listen errors are
// returned directly.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("Starting API server")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Close waits for in-flight requests until ctx expires.
func (s *Server) Close(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Env != nil && !s.deps.Env.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"devices": s.deps.Lights.Registry().Len(),
		"groups":  s.deps.Groups.Len(),
		"ready":   s.deps.Env == nil || s.deps.Env.Ready(),
	}
	if s.deps.Pool != nil {
		status["pool"] = s.deps.Pool.Stats()
	}
	if s.deps.Hub != nil {
		status["websocket_clients"] = s.deps.Hub.ClientCount()
	}
	if s.deps.Actions != nil {
		status["actions"] = len(s.deps.Actions.Names())
	}
	writeOK(w, http.StatusOK, "System status", status)
}

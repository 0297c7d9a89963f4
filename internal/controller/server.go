// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"runplane/internal/config"
	"runplane/internal/controller/handlers"
	"runplane/internal/controller/middleware"
	"runplane/internal/events"
	"runplane/internal/observability"
	"runplane/internal/scheduler"
)

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(cfg *config.Config, st handlers.StoreFactory, sched *scheduler.Scheduler, metrics *observability.Metrics, bus *events.Bus, metricsHandler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler: newRouter(cfg, st, sched, metrics, bus, metricsHandler),
			// No WriteTimeout: the lease pull stream holds its response
			// open for the life of the node's connection.
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// newRouter wires every route to its handler and middleware chain.
func newRouter(cfg *config.Config, st handlers.StoreFactory, sched *scheduler.Scheduler, metrics *observability.Metrics, bus *events.Bus, metricsHandler http.Handler) http.Handler {
	h := handlers.New(st, sched, cfg, metrics, bus)

	// The node protocol authenticates with per-node API keys and is
	// rate limited per node. Auth runs first so the limiter can key on
	// the authenticated identity.
	authMW := middleware.NodeAuth(st)
	rateMW := middleware.NodeRateLimit(cfg.NodeAPIRate, cfg.NodeAPIBurst)
	nodeMW := func(next http.Handler) http.Handler {
		return authMW(rateMW(next))
	}

	mux := http.NewServeMux()

	// Probes and metrics
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	// Operator API
	mux.HandleFunc("POST /runs", h.SubmitRun)
	mux.HandleFunc("GET /runs", h.ListRuns)
	mux.HandleFunc("GET /runs/{id}", h.GetRun)
	mux.HandleFunc("POST /runs/{id}/cancel", h.CancelRun)
	mux.HandleFunc("POST /runs/{id}/retry", h.RetryRun)
	mux.HandleFunc("POST /deployments", h.CreateDeployment)
	mux.HandleFunc("GET /deployments/{id}", h.GetDeployment)
	mux.HandleFunc("GET /nodes", h.ListNodes)

	// Node lifecycle
	registerMW := middleware.RequireRegistrationSecret(cfg.RegistrationSecret)
	mux.Handle("POST /nodes", registerMW(http.HandlerFunc(h.RegisterNode)))
	mux.Handle("PUT /nodes/{id}/heartbeat", nodeMW(http.HandlerFunc(h.NodeHeartbeat)))
	mux.Handle("DELETE /nodes/{id}", nodeMW(http.HandlerFunc(h.DisconnectNode)))

	// Node work protocol
	mux.Handle("POST /internal/leases/pull", nodeMW(http.HandlerFunc(h.PullLeases)))
	mux.Handle("POST /internal/leases/{id}/ack", nodeMW(http.HandlerFunc(h.AckLease)))
	mux.Handle("POST /internal/leases/{id}/complete", nodeMW(http.HandlerFunc(h.CompleteLease)))
	mux.Handle("POST /internal/leases/{id}/fail", nodeMW(http.HandlerFunc(h.FailLease)))

	return mux
}

// Run starts the HTTP server. It blocks until the context is cancelled.
// Request contexts derive from ctx, so cancelling it also tears down
// the long-lived pull streams that would otherwise stall shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

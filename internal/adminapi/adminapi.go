// Package adminapi is the operator-facing HTTP surface: health, metrics,
// dead-letter inspection/retry, and fallback-queue depth. It is adapted
// from the teacher's api.go (stdlib net/http.ServeMux, small per-route
// handler funcs, JSON responses via encoding/json) and middleware/auth.go
// (bearer-token check), generalized from the teacher's per-tenant JWT
// check to a single shared admin token.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxforge/queuemanager/internal/budget"
	"github.com/fluxforge/queuemanager/internal/logging"
	"github.com/fluxforge/queuemanager/internal/queuemanager"
	"github.com/fluxforge/queuemanager/internal/ratelimit"
)

// BudgetSource supplies the current budget snapshot for the health route.
type BudgetSource interface {
	Snapshot() budget.State
}

// AgentCounts supplies the active/max agent counts the health route
// reports alongside queue depth.
type AgentCounts interface {
	ActiveAgents() int
	MaxParallelAgents() int
}

// Server is the admin HTTP surface. It wraps a queuemanager.Manager and
// requires a bearer token on every route except /metrics, which operators
// typically scrape without one.
type Server struct {
	mgr    *queuemanager.Manager
	budget BudgetSource
	agents AgentCounts
	token  string
	log    *logging.Logger
	retry  ratelimit.Limiter
	hub    *HealthHub

	mux *http.ServeMux
}

// New builds a Server. If token is empty, auth is disabled — suitable for
// local development only. Dead-letter retries are capped at one per
// second per task id, burst 3, to keep a scripted retry loop from
// hammering the broker. The caller must run the returned Server's hub
// with StreamHealth to serve /healthz/stream.
func New(mgr *queuemanager.Manager, budgetSrc BudgetSource, agents AgentCounts, token string, log *logging.Logger) *Server {
	s := &Server{
		mgr: mgr, budget: budgetSrc, agents: agents, token: token, log: log,
		retry: ratelimit.NewTokenBucketLimiter(1, 3),
	}
	s.hub = newHealthHub(s, log)
	s.mux = http.NewServeMux()
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/healthz", s.withAuth(s.handleHealthz))
	s.mux.HandleFunc("/healthz/stream", s.handleHealthStream)
	s.mux.HandleFunc("/deadletters", s.withAuth(s.handleDeadLetters))
	s.mux.HandleFunc("/deadletters/", s.withAuth(s.handleRetryDeadLetter))
	s.mux.HandleFunc("/fallback/depth", s.withAuth(s.handleFallbackDepth))
	return s
}

// StreamHealth runs the Server's websocket health hub until ctx is
// canceled, broadcasting a snapshot every interval to each connected
// client. Run it in its own goroutine alongside Run.
func (s *Server) StreamHealth(ctx context.Context, interval time.Duration) {
	s.hub.Run(ctx, interval)
}

// ServeHTTP implements http.Handler, so Server can be passed straight to
// http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// withAuth enforces "Authorization: Bearer <token>" when a token is
// configured. Unlike the teacher's AuthMiddleware, there's no tenant or
// claims to inject downstream — a single shared admin token either
// matches or the request is rejected.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != s.token {
			http.Error(w, "invalid or missing bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealthz returns the full synthesized health snapshot.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.budget.Snapshot()
	health := s.mgr.Health(r.Context(), s.agents.ActiveAgents(), s.agents.MaxParallelAgents(), &snap)
	writeJSON(w, http.StatusOK, health)
}

// handleDeadLetters lists the broker's dead-letter entries.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries, err := s.mgr.GetDeadLetterEntries(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleRetryDeadLetter handles POST /deadletters/{taskId}/retry.
func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/deadletters/")
	taskID := strings.TrimSuffix(path, "/retry")
	if taskID == "" || taskID == path {
		http.Error(w, "expected /deadletters/{taskId}/retry", http.StatusBadRequest)
		return
	}
	if !s.retry.Allow(taskID) {
		http.Error(w, "retry rate limit exceeded for this task, try again shortly", http.StatusTooManyRequests)
		return
	}
	if err := s.mgr.RetryDeadLetter(r.Context(), taskID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"taskId": taskID, "status": "retried"})
}

// handleFallbackDepth runs a full Health snapshot and reports its
// DeadLetterCount. It does not report the fallback queue's file count: the
// snapshot only publishes that count through the FallbackQueueDepth gauge
// on /metrics.
func (s *Server) handleFallbackDepth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.budget.Snapshot()
	health := s.mgr.Health(r.Context(), s.agents.ActiveAgents(), s.agents.MaxParallelAgents(), &snap)
	writeJSON(w, http.StatusOK, map[string]any{
		"deadLetterCount": health.DeadLetterCount,
		"checkedAt":       time.Now(),
	})
}

// Run starts an HTTP server on addr serving Server's routes, blocking
// until ctx is canceled.
func Run(ctx context.Context, addr string, s *Server, log *logging.Logger) error {
	srv := &http.Server{Addr: addr, Handler: s}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("admin api: listen: %v", err)
		}
		return err
	}
}

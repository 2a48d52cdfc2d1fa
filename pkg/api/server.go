package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/watchtower/pkg/actions"
	"github.com/Mindburn-Labs/watchtower/pkg/chain"
	"github.com/Mindburn-Labs/watchtower/pkg/metrics"
	"github.com/Mindburn-Labs/watchtower/pkg/poller"
	"github.com/Mindburn-Labs/watchtower/pkg/scoring"
	"github.com/Mindburn-Labs/watchtower/pkg/storage"
	"github.com/Mindburn-Labs/watchtower/pkg/translog"
)

// Scanner runs one on-demand tick. *poller.Watcher satisfies it.
type Scanner interface {
	Tick(ctx context.Context, opts poller.TickOptions) (poller.TickReport, error)
}

// Config tunes the server.
type Config struct {
	Host    string
	Port    int
	Version string
	// DryRun disables the manual action endpoints with 403.
	DryRun bool
	Auth   AuthConfig
}

// Deps are the collaborators the handlers reach. Nil entries disable
// the routes that need them with 503.
type Deps struct {
	Store    *storage.Store
	Translog *translog.Log
	Scanner  Scanner
	Provider chain.Provider
	Executor *actions.Executor
	Scorer   *scoring.Scorer
	Metrics  *metrics.Metrics
	Limiter  LimiterStore
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Server is the watchtower HTTP surface.
type Server struct {
	cfg     Config
	deps    Deps
	started time.Time
	http    *http.Server
}

// New wires the router; Start binds the listener.
func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, started: time.Now()}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the full route table with middleware applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{agentId}/risk", s.handleAgentRisk).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{agentId}/alerts", s.handleAgentAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/receipts/ingest", s.handleIngest).Methods(http.MethodPost)
	v1.HandleFunc("/transparency/leaves", s.handleTransparencyLeaves).Methods(http.MethodGet)
	v1.HandleFunc("/transparency/status", s.handleTransparencyStatus).Methods(http.MethodGet)

	r.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	r.HandleFunc("/actions/open-dispute", s.handleOpenDispute).Methods(http.MethodPost)
	r.HandleFunc("/actions/submit-evidence", s.handleSubmitEvidence).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "no such route")
	})

	var h http.Handler = r
	h = AuthMiddleware(s.cfg.Auth)(h)
	h = RateLimitMiddleware(s.deps.Limiter)(h)
	if s.deps.Tracer != nil {
		h = s.traceMiddleware(h)
	}
	return h
}

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.deps.Tracer.Start(r.Context(), "watchtower.http",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.deps.Logger.Info("api listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Package httpapi exposes ingestion, reporting and rebuilds over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runnerr0/presence/internal/ingest"
	"github.com/runnerr0/presence/internal/presence"
	"github.com/runnerr0/presence/internal/query"
	"github.com/runnerr0/presence/internal/rebuild"
)

// Ingestor accepts snapshots.
type Ingestor interface {
	Ingest(ctx context.Context, snap presence.Snapshot) (ingest.Result, error)
}

// Rebuilder regenerates derived data.
type Rebuilder interface {
	RebuildUser(ctx context.Context, user string, from, to time.Time) (rebuild.Report, error)
	RebuildAll(ctx context.Context, from, to time.Time) (rebuild.Summary, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithClock sets the clock used for default "as of" times.
func WithClock(c quartz.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithMaxRequestSize caps request bodies.
func WithMaxRequestSize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// Server routes API requests.
type Server struct {
	ingestor  Ingestor
	query     *query.Service
	rebuilder Rebuilder
	clock     quartz.Clock
	log       slog.Logger
	maxBody   int64
	router    *mux.Router
}

// New builds the router.
func New(in Ingestor, q *query.Service, rb Rebuilder, opts ...Option) *Server {
	s := &Server{
		ingestor:  in,
		query:     q,
		rebuilder: rb,
		clock:     quartz.NewReal(),
		maxBody:   1 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/snapshots", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/outages", s.handleOutages).Methods(http.MethodGet)
	r.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/daily", s.handleDaily).Methods(http.MethodGet)
	r.HandleFunc("/status/online", s.handleOnline).Methods(http.MethodGet)
	r.HandleFunc("/rebuild", s.handleRebuild).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Use(s.instrument)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ListenAndServe serves until ctx is cancelled and then shuts down,
// letting in-flight requests finish.
func (s *Server) ListenAndServe(ctx context.Context, cfg ServerConfig) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "http server listening", slog.F("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info(ctx, "http server stopped")
	return nil
}

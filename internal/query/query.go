// Package query answers read requests over the persisted sessions, outages
// and raw timeline. It never writes.
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cdr.dev/slog/v3"

	"github.com/runnerr0/presence/internal/analytics"
	"github.com/runnerr0/presence/internal/outage"
	"github.com/runnerr0/presence/internal/presence"
	"github.com/runnerr0/presence/internal/storage"
)

// Store is the read surface the service needs.
type Store interface {
	View(ctx context.Context, fn func(r *storage.Reader) error) error
}

// SummaryCache holds the population-wide metrics between computations.
type SummaryCache interface {
	Get(ctx context.Context) ([]presence.UserMetrics, bool, error)
	Set(ctx context.Context, metrics []presence.UserMetrics) error
	Invalidate(ctx context.Context) error
}

// Filter selects sessions. Zero From or To leaves that side open.
type Filter struct {
	UserID string
	From   time.Time
	To     time.Time
	Limit  int
}

// SummaryQuery selects the sessions and observed days analytics run over.
type SummaryQuery struct {
	UserID string
	From   time.Time
	To     time.Time
}

func (q SummaryQuery) bounded() bool { return !q.From.IsZero() || !q.To.IsZero() }

// Status lists the users online at AsOf.
type Status struct {
	AsOf   time.Time `json:"as_of"`
	Online []string  `json:"online"`
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables the summary cache.
func WithCache(c SummaryCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithLogger sets the logger.
func WithLogger(log slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// Service is the reporting API.
type Service struct {
	store    Store
	engine   *analytics.Engine
	detector outage.Detector
	cache    SummaryCache
	log      slog.Logger
}

// New returns a Service. The detector's threshold bounds how stale an
// incomplete session may be and still count as online.
func New(store Store, engine *analytics.Engine, detector outage.Detector, opts ...Option) *Service {
	s := &Service{store: store, engine: engine, detector: detector}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetSessions returns sessions overlapping the filter range, ordered by start.
func (s *Service) GetSessions(ctx context.Context, f Filter) ([]presence.Session, error) {
	if err := checkRange(f.From, f.To); err != nil {
		return nil, err
	}
	var out []presence.Session
	err := s.store.View(ctx, func(r *storage.Reader) error {
		var err error
		out, err = r.ListSessions(ctx, storage.SessionQuery{UserID: f.UserID, From: f.From, To: f.To, Limit: f.Limit})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// GetOutages returns the collection outages overlapping [from, to].
func (s *Service) GetOutages(ctx context.Context, from, to time.Time) ([]presence.Outage, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	var out []presence.Outage
	err := s.store.View(ctx, func(r *storage.Reader) error {
		var err error
		out, err = r.ListOutages(ctx, storage.Window{From: from, To: to})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list outages: %w", err)
	}
	return out, nil
}

// GetSummary returns metrics for one user, or every user when userID is
// empty. Metrics that could not be computed are listed in each entry's
// InsufficientData; that is not an error.
func (s *Service) GetSummary(ctx context.Context, userID string) ([]presence.UserMetrics, error) {
	return s.Summary(ctx, SummaryQuery{UserID: userID})
}

// Summary is GetSummary restricted to a range. Sessions overlapping the
// range are clipped to it, so every metric counts only time inside it.
// Ranks are always assigned over the whole population before filtering by
// user.
func (s *Service) Summary(ctx context.Context, q SummaryQuery) ([]presence.UserMetrics, error) {
	if err := checkRange(q.From, q.To); err != nil {
		return nil, err
	}

	if !q.bounded() && s.cache != nil {
		cached, ok, err := s.cache.Get(ctx)
		if err != nil {
			s.log.Warn(ctx, "summary cache read failed", slog.Error(err))
		} else if ok {
			return analytics.Filter(cached, q.UserID), nil
		}
	}

	var in analytics.Input
	err := s.store.View(ctx, func(r *storage.Reader) error {
		var err error
		if in.Sessions, err = r.ListSessions(ctx, storage.SessionQuery{From: q.From, To: q.To}); err != nil {
			return err
		}
		if in.Timeline, err = r.Timeline(ctx, storage.Window{From: q.From, To: q.To}); err != nil {
			return err
		}
		if !q.bounded() {
			in.Users, err = r.KnownUsers(ctx)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load summary inputs: %w", err)
	}

	in.Sessions = clip(in.Sessions, q.From, q.To)
	all := s.engine.Compute(in)
	if !q.bounded() && s.cache != nil {
		if err := s.cache.Set(ctx, all); err != nil {
			s.log.Warn(ctx, "summary cache write failed", slog.Error(err))
		}
	}
	return analytics.Filter(all, q.UserID), nil
}

// GetDaily returns online time per calendar day for one user, or every user
// when userID is empty. Sessions are clipped to [from, to] first.
func (s *Service) GetDaily(ctx context.Context, userID string, from, to time.Time) ([]presence.DailyActivity, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	var sessions []presence.Session
	err := s.store.View(ctx, func(r *storage.Reader) error {
		var err error
		sessions, err = r.ListSessions(ctx, storage.SessionQuery{UserID: userID, From: from, To: to})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return s.engine.Daily(clip(sessions, from, to)), nil
}

// InvalidateSummary drops cached metrics, e.g. after a rebuild.
func (s *Service) InvalidateSummary(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx)
}

// GetCurrentStatus returns, sorted, the users whose session covers asOf.
// A closed session counts when Start <= asOf <= End. An incomplete session
// counts when it started at or before asOf and its last confirmed presence
// is no further back than the outage threshold.
func (s *Service) GetCurrentStatus(ctx context.Context, asOf time.Time) (Status, error) {
	st := Status{AsOf: asOf.UTC(), Online: []string{}}
	threshold := s.detector.Threshold()

	var candidates []presence.Session
	err := s.store.View(ctx, func(r *storage.Reader) error {
		var err error
		candidates, err = r.ListSessions(ctx, storage.SessionQuery{From: asOf.Add(-threshold), To: asOf})
		return err
	})
	if err != nil {
		return st, fmt.Errorf("list sessions: %w", err)
	}

	seen := make(map[string]struct{})
	for _, sess := range candidates {
		if !online(sess, asOf, threshold) {
			continue
		}
		if _, ok := seen[sess.UserID]; ok {
			continue
		}
		seen[sess.UserID] = struct{}{}
		st.Online = append(st.Online, sess.UserID)
	}
	sort.Strings(st.Online)
	return st, nil
}

func online(s presence.Session, asOf time.Time, threshold time.Duration) bool {
	if s.Covers(asOf) {
		return true
	}
	return s.Incomplete && !s.Start.After(asOf) && asOf.Sub(s.End) <= threshold
}

func clip(ss []presence.Session, from, to time.Time) []presence.Session {
	if from.IsZero() && to.IsZero() {
		return ss
	}
	out := make([]presence.Session, 0, len(ss))
	for _, sess := range ss {
		out = append(out, sess.Clip(from, to))
	}
	return out
}

func checkRange(from, to time.Time) error {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return fmt.Errorf("invalid range: %s is before %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return nil
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"cdr.dev/slog/v3"

	"github.com/runnerr0/presence/internal/presence"
	"github.com/runnerr0/presence/internal/query"
)

type errorResponse struct {
	Error string `json:"error"`
}

type ingestResponse struct {
	ID             string                   `json:"id"`
	Seq            int64                    `json:"seq"`
	Duplicate      bool                     `json:"duplicate"`
	ClosedSessions []presence.SessionRecord `json:"closed_sessions"`
	Outage         *presence.OutageRecord   `json:"outage,omitempty"`
	DerivedError   string                   `json:"derived_error,omitempty"`
}

type sessionsResponse struct {
	Sessions []presence.SessionRecord `json:"sessions"`
	Outages  []presence.OutageRecord  `json:"outages"`
}

type outagesResponse struct {
	Outages []presence.OutageRecord `json:"outages"`
}

type summaryResponse struct {
	Users []presence.MetricsRecord `json:"users"`
}

type dailyResponse struct {
	Days []presence.DailyRecord `json:"days"`
}

type rebuildRequest struct {
	UserID string `json:"user_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

type rebuildResponse struct {
	Users   []userRebuild `json:"users"`
	Outages *int          `json:"outages,omitempty"`
}

type userRebuild struct {
	UserID  string `json:"user_id"`
	Removed int64  `json:"removed"`
	Written int    `json:"written"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var snap presence.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid snapshot JSON: %v", err))
		return
	}

	res, err := s.ingestor.Ingest(r.Context(), snap)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}

	resp := ingestResponse{
		ID:             res.Raw.ID,
		Seq:            res.Raw.Seq,
		Duplicate:      res.Duplicate,
		ClosedSessions: sessionRecords(res.Closed),
	}
	if res.Outage != nil {
		rec := res.Outage.Record()
		resp.Outage = &rec
	}
	status := http.StatusCreated
	if res.DerivedErr != nil {
		resp.DerivedError = res.DerivedErr.Error()
		status = http.StatusAccepted
	}
	s.respondJSON(w, status, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeParams(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	sessions, err := s.query.GetSessions(ctx, query.Filter{
		UserID: r.URL.Query().Get("user_id"),
		From:   from,
		To:     to,
		Limit:  limit,
	})
	if err != nil {
		s.respondErr(ctx, w, err)
		return
	}
	outages, err := s.query.GetOutages(ctx, from, to)
	if err != nil {
		s.respondErr(ctx, w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sessionsResponse{
		Sessions: sessionRecords(sessions),
		Outages:  outageRecords(outages),
	})
}

func (s *Server) handleOutages(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeParams(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	outages, err := s.query.GetOutages(r.Context(), from, to)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, outagesResponse{Outages: outageRecords(outages)})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeParams(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := r.URL.Query().Get("user_id")

	ms, err := s.query.Summary(r.Context(), query.SummaryQuery{UserID: user, From: from, To: to})
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	if user != "" && len(ms) == 0 {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("no data for user %q", user))
		return
	}

	resp := summaryResponse{Users: make([]presence.MetricsRecord, 0, len(ms))}
	for _, m := range ms {
		resp.Users = append(resp.Users, m.Record())
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeParams(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	days, err := s.query.GetDaily(r.Context(), r.URL.Query().Get("user_id"), from, to)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	resp := dailyResponse{Days: make([]presence.DailyRecord, 0, len(days))}
	for _, d := range days {
		resp.Days = append(resp.Days, d.Record())
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	asOf := s.clock.Now()
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := presence.ParseTimestamp(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("as_of: %v", err))
			return
		}
		asOf = t
	}
	st, err := s.query.GetCurrentStatus(r.Context(), asOf)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var req rebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid rebuild request: %v", err))
		return
	}
	from, err := parseOptionalTime("from", req.From)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseOptionalTime("to", req.To)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		s.respondError(w, http.StatusBadRequest, "to is before from")
		return
	}

	ctx := r.Context()
	var resp rebuildResponse
	if req.UserID != "" {
		rep, err := s.rebuilder.RebuildUser(ctx, req.UserID, from, to)
		if err != nil {
			s.respondErr(ctx, w, err)
			return
		}
		resp.Users = []userRebuild{{UserID: rep.UserID, Removed: rep.Removed, Written: rep.Written}}
	} else {
		sum, err := s.rebuilder.RebuildAll(ctx, from, to)
		if err != nil {
			s.respondErr(ctx, w, err)
			return
		}
		resp.Users = make([]userRebuild, 0, len(sum.Users))
		for _, rep := range sum.Users {
			resp.Users = append(resp.Users, userRebuild{UserID: rep.UserID, Removed: rep.Removed, Written: rep.Written})
		}
		resp.Outages = &sum.Outages
	}

	if err := s.query.InvalidateSummary(ctx); err != nil {
		s.log.Warn(ctx, "invalidate summary cache", slog.Error(err))
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   s.clock.Now().UTC().Format(time.RFC3339),
	})
}

// respondErr maps engine errors onto status codes.
func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, presence.ErrMalformedSnapshot):
		status = http.StatusBadRequest
	case errors.Is(err, presence.ErrRebuildConflict):
		status = http.StatusConflict
	case errors.Is(err, presence.ErrPersistenceWrite),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	case errors.As(err, &tooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRange):
		status = http.StatusBadRequest
	}
	if status >= 500 {
		s.log.Error(ctx, "request failed", slog.F("status", status), slog.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var errBadRange = errors.New("invalid range")

func rangeParams(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	from, err := parseOptionalTime("from", q.Get("from"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseOptionalTime("to", q.Get("to"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to is before from", errBadRange)
	}
	return from, to, nil
}

func parseOptionalTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := presence.ParseTimestamp(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func sessionRecords(ss []presence.Session) []presence.SessionRecord {
	out := make([]presence.SessionRecord, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Record())
	}
	return out
}

func outageRecords(outages []presence.Outage) []presence.OutageRecord {
	out := make([]presence.OutageRecord, 0, len(outages))
	for _, o := range outages {
		out = append(out, o.Record())
	}
	return out
}

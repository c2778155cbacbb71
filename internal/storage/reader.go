package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/runnerr0/presence/internal/presence"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Reader runs read queries against either the database or a read
// transaction opened by View.
type Reader struct {
	q querier
}

const rawColumns = "seq, id, ts, users, duplicate, received_at"

// ListSessions returns the sessions matching q, ordered by start then user.
func (r *Reader) ListSessions(ctx context.Context, q SessionQuery) ([]presence.Session, error) {
	var clauses []string
	var args []interface{}

	if q.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.IncompleteOnly {
		clauses = append(clauses, "incomplete = 1")
	}
	where, wargs := overlapClause(Window{From: q.From, To: q.To})
	args = append(args, wargs...)

	query := "SELECT user_id, start_ts, end_ts, sample_count, incomplete, closed_by FROM sessions WHERE 1=1"
	if len(clauses) > 0 {
		query += " AND " + strings.Join(clauses, " AND ")
	}
	query += where + " ORDER BY start_ts, user_id"

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []presence.Session{}
	for rows.Next() {
		var (
			s          presence.Session
			start, end string
			closedBy   string
		)
		if err := rows.Scan(&s.UserID, &start, &end, &s.SampleCount, &s.Incomplete, &closedBy); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if s.Start, err = parseTS(start); err != nil {
			return nil, err
		}
		if s.End, err = parseTS(end); err != nil {
			return nil, err
		}
		s.ClosedBy = presence.ClosedBy(closedBy)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// OpenSessions returns every session still marked incomplete.
func (r *Reader) OpenSessions(ctx context.Context) ([]presence.Session, error) {
	return r.ListSessions(ctx, SessionQuery{IncompleteOnly: true})
}

// ListOutages returns the outages intersecting w, ordered by start.
func (r *Reader) ListOutages(ctx context.Context, w Window) ([]presence.Outage, error) {
	where, args := overlapClause(w)
	rows, err := r.q.QueryContext(ctx,
		"SELECT start_ts, end_ts FROM outages WHERE 1=1"+where+" ORDER BY start_ts", args...)
	if err != nil {
		return nil, fmt.Errorf("query outages: %w", err)
	}
	defer rows.Close()

	outages := []presence.Outage{}
	for rows.Next() {
		var start, end string
		if err := rows.Scan(&start, &end); err != nil {
			return nil, fmt.Errorf("scan outage: %w", err)
		}
		var o presence.Outage
		if o.Start, err = parseTS(start); err != nil {
			return nil, err
		}
		if o.End, err = parseTS(end); err != nil {
			return nil, err
		}
		outages = append(outages, o)
	}
	return outages, rows.Err()
}

// EachRaw streams raw rows matching q in arrival order. Returning an error
// from fn stops the scan and returns that error.
func (r *Reader) EachRaw(ctx context.Context, q RawQuery, fn func(presence.RawSnapshot) error) error {
	var clauses []string
	var args []interface{}

	if q.AfterSeq > 0 {
		clauses = append(clauses, "seq > ?")
		args = append(args, q.AfterSeq)
	}
	if q.FromSeq > 0 {
		clauses = append(clauses, "seq >= ?")
		args = append(args, q.FromSeq)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, formatTS(q.Since))
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "ts <= ?")
		args = append(args, formatTS(q.Until))
	}

	query := "SELECT " + rawColumns + " FROM raw_snapshots"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query raw snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		raw, err := scanRaw(rows)
		if err != nil {
			return err
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ScanRaw returns raw rows matching q in arrival order.
func (r *Reader) ScanRaw(ctx context.Context, q RawQuery) ([]presence.RawSnapshot, error) {
	out := []presence.RawSnapshot{}
	err := r.EachRaw(ctx, q, func(raw presence.RawSnapshot) error {
		out = append(out, raw)
		return nil
	})
	return out, err
}

// GetRaw retrieves a raw row by ID.
func (r *Reader) GetRaw(ctx context.Context, id string) (*presence.RawSnapshot, error) {
	return r.rawRow(ctx, "SELECT "+rawColumns+" FROM raw_snapshots WHERE id = ?", id)
}

// LastRaw returns the most recently committed raw row.
func (r *Reader) LastRaw(ctx context.Context) (*presence.RawSnapshot, error) {
	return r.rawRow(ctx, "SELECT "+rawColumns+" FROM raw_snapshots ORDER BY seq DESC LIMIT 1")
}

// RawBefore returns the raw row immediately preceding seq in arrival order.
func (r *Reader) RawBefore(ctx context.Context, seq int64) (*presence.RawSnapshot, error) {
	return r.rawRow(ctx, "SELECT "+rawColumns+" FROM raw_snapshots WHERE seq < ? ORDER BY seq DESC LIMIT 1", seq)
}

// SeqAt returns the first arrival position whose timestamp is at or after t.
func (r *Reader) SeqAt(ctx context.Context, t time.Time) (int64, error) {
	var seq sql.NullInt64
	err := r.q.QueryRowContext(ctx,
		"SELECT MIN(seq) FROM raw_snapshots WHERE ts >= ?", formatTS(t),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("find seq: %w", err)
	}
	if !seq.Valid {
		return 0, fmt.Errorf("no snapshot at or after %s: %w", formatTS(t), ErrNotFound)
	}
	return seq.Int64, nil
}

// LatestAt returns the latest timestamp among raw rows up to and including
// seq. Rows that arrived late never move it backwards.
func (r *Reader) LatestAt(ctx context.Context, seq int64) (time.Time, error) {
	var ts sql.NullString
	err := r.q.QueryRowContext(ctx,
		"SELECT MAX(ts) FROM raw_snapshots WHERE seq <= ?", seq,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("find latest timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, fmt.Errorf("no snapshot up to seq %d: %w", seq, ErrNotFound)
	}
	return parseTS(ts.String)
}

func (r *Reader) rawRow(ctx context.Context, query string, args ...interface{}) (*presence.RawSnapshot, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query raw snapshot: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("raw snapshot: %w", ErrNotFound)
	}
	raw, err := scanRaw(rows)
	if err != nil {
		return nil, err
	}
	return &raw, nil
}

func scanRaw(rows *sql.Rows) (presence.RawSnapshot, error) {
	var (
		raw          presence.RawSnapshot
		ts, received string
		users        string
	)
	if err := rows.Scan(&raw.Seq, &raw.ID, &ts, &users, &raw.Duplicate, &received); err != nil {
		return raw, fmt.Errorf("scan raw snapshot: %w", err)
	}
	var err error
	if raw.Timestamp, err = parseTS(ts); err != nil {
		return raw, err
	}
	if raw.ReceivedAt, err = parseTS(received); err != nil {
		return raw, err
	}
	if err := json.Unmarshal([]byte(users), &raw.Users); err != nil {
		return raw, fmt.Errorf("decode users of %s: %w", raw.ID, err)
	}
	if raw.Users == nil {
		raw.Users = []string{}
	}
	return raw, nil
}

// KnownUsers returns every user label ever observed, sorted.
func (r *Reader) KnownUsers(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT user_id FROM known_users ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("query known users: %w", err)
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Timeline returns raw timestamps inside w in arrival order, duplicates
// excluded.
func (r *Reader) Timeline(ctx context.Context, w Window) ([]time.Time, error) {
	var out []time.Time
	err := r.EachRaw(ctx, RawQuery{Since: w.From, Until: w.To}, func(raw presence.RawSnapshot) error {
		if !raw.Duplicate {
			out = append(out, raw.Timestamp)
		}
		return nil
	})
	return out, err
}

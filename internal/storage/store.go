package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"

	"github.com/runnerr0/presence/internal/presence"
)

// Store defines the persistence operations of the session engine.
type Store interface {
	AppendRaw(ctx context.Context, raw *presence.RawSnapshot) error
	UpsertSession(ctx context.Context, s presence.Session) error
	ApplyDerived(ctx context.Context, sessions []presence.Session, outages []presence.Outage) error
	ReplaceUserSessions(ctx context.Context, userID string, w Window, sessions []presence.Session) (int64, error)
	ReplaceOutages(ctx context.Context, w Window, outages []presence.Outage) error
	PurgeDerived(ctx context.Context) error
	View(ctx context.Context, fn func(r *Reader) error) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

// DSN builds the go-sqlite3 connection string for a database file.
func DSN(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", fmt.Sprint(busyTimeout.Milliseconds()))
	return "file:" + path + "?" + q.Encode()
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the logger used for retry warnings.
func WithLogger(log slog.Logger) Option {
	return func(s *SQLiteStore) { s.log = log }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *SQLiteStore) { s.retry = p }
}

// SQLiteStore implements Store backed by a SQLite database. Read methods are
// promoted from the embedded Reader and run outside any transaction.
type SQLiteStore struct {
	*Reader

	db    *sql.DB
	log   slog.Logger
	retry RetryPolicy

	// Prepared statements
	insertRaw     *sql.Stmt
	upsertUser    *sql.Stmt
	upsertSession *sql.Stmt
	upsertOutage  *sql.Stmt
}

// NewSQLiteStore creates a new SQLiteStore from an already-opened and migrated database.
func NewSQLiteStore(db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		Reader: &Reader{q: db},
		db:     db,
		retry:  DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.prepareStatements(); err != nil {
		s.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.insertRaw, err = s.db.Prepare(`
		INSERT INTO raw_snapshots (id, ts, users, user_count, duplicate, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.upsertUser, err = s.db.Prepare(`
		INSERT INTO known_users (user_id, first_seen, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			first_seen = MIN(first_seen, excluded.first_seen),
			last_seen  = MAX(last_seen, excluded.last_seen)
	`)
	if err != nil {
		return err
	}

	s.upsertSession, err = s.db.Prepare(`
		INSERT INTO sessions (user_id, start_ts, end_ts, sample_count, incomplete, closed_by)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, start_ts) DO UPDATE SET
			end_ts       = excluded.end_ts,
			sample_count = excluded.sample_count,
			incomplete   = excluded.incomplete,
			closed_by    = excluded.closed_by,
			updated_at   = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return err
	}

	s.upsertOutage, err = s.db.Prepare(`
		INSERT INTO outages (start_ts, end_ts) VALUES (?, ?)
		ON CONFLICT(start_ts) DO UPDATE SET end_ts = excluded.end_ts
	`)
	return err
}

// inTx runs fn inside a write transaction, retried per the store's policy.
func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return retryWrite(ctx, s.log, s.retry, op, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// AppendRaw commits a snapshot to the raw log and records its users in the
// known user registry. ID and ReceivedAt are filled in when empty; Seq is
// assigned by the database.
func (s *SQLiteStore) AppendRaw(ctx context.Context, raw *presence.RawSnapshot) error {
	if raw.ID == "" {
		raw.ID = uuid.NewString()
	}
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now().UTC()
	}
	if raw.Users == nil {
		raw.Users = []string{}
	}

	users, err := json.Marshal(raw.Users)
	if err != nil {
		return fmt.Errorf("encode users: %w", err)
	}
	ts := formatTS(raw.Timestamp)

	var seq int64
	err = s.inTx(ctx, "append_raw", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.StmtContext(ctx, s.insertRaw).ExecContext(ctx,
			raw.ID, ts, string(users), len(raw.Users), raw.Duplicate, formatTS(raw.ReceivedAt),
		)
		if err != nil {
			return fmt.Errorf("insert raw snapshot: %w", err)
		}
		if seq, err = res.LastInsertId(); err != nil {
			return err
		}

		upsert := tx.StmtContext(ctx, s.upsertUser)
		for _, u := range raw.Users {
			if _, err := upsert.ExecContext(ctx, u, ts, ts); err != nil {
				return fmt.Errorf("record user %s: %w", u, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	raw.Seq = seq
	return nil
}

// UpsertSession writes one session keyed by (user, start).
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess presence.Session) error {
	return s.ApplyDerived(ctx, []presence.Session{sess}, nil)
}

// ApplyDerived upserts sessions and outages in a single transaction.
// Applying the same values twice leaves the store unchanged.
func (s *SQLiteStore) ApplyDerived(ctx context.Context, sessions []presence.Session, outages []presence.Outage) error {
	if len(sessions) == 0 && len(outages) == 0 {
		return nil
	}
	return s.inTx(ctx, "apply_derived", func(ctx context.Context, tx *sql.Tx) error {
		if err := s.putSessions(ctx, tx, sessions); err != nil {
			return err
		}
		return s.putOutages(ctx, tx, outages)
	})
}

func (s *SQLiteStore) putSessions(ctx context.Context, tx *sql.Tx, sessions []presence.Session) error {
	stmt := tx.StmtContext(ctx, s.upsertSession)
	for _, sess := range sessions {
		if sess.End.Before(sess.Start) {
			return fmt.Errorf("session %s@%s ends before it starts: %w", sess.UserID, formatTS(sess.Start), errInvalidWrite)
		}
		_, err := stmt.ExecContext(ctx,
			sess.UserID, formatTS(sess.Start), formatTS(sess.End),
			sess.SampleCount, sess.Incomplete, string(sess.ClosedBy),
		)
		if err != nil {
			return fmt.Errorf("upsert session %s: %w", sess.UserID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) putOutages(ctx context.Context, tx *sql.Tx, outages []presence.Outage) error {
	stmt := tx.StmtContext(ctx, s.upsertOutage)
	for _, o := range outages {
		if _, err := stmt.ExecContext(ctx, formatTS(o.Start), formatTS(o.End)); err != nil {
			return fmt.Errorf("upsert outage: %w", err)
		}
	}
	return nil
}

// ReplaceUserSessions swaps a user's sessions in one transaction: every
// stored session overlapping w, or overlapping any replacement, is removed
// before the replacements are written. It returns the number removed.
func (s *SQLiteStore) ReplaceUserSessions(ctx context.Context, userID string, w Window, sessions []presence.Session) (int64, error) {
	var removed int64
	err := s.inTx(ctx, "replace_sessions", func(ctx context.Context, tx *sql.Tx) error {
		removed = 0

		where, args := overlapClause(w)
		res, err := tx.ExecContext(ctx,
			"DELETE FROM sessions WHERE user_id = ?"+where,
			append([]interface{}{userID}, args...)...,
		)
		if err != nil {
			return fmt.Errorf("delete window: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n

		for _, sess := range sessions {
			if sess.UserID != userID {
				return fmt.Errorf("replacement session belongs to %s, not %s: %w", sess.UserID, userID, errInvalidWrite)
			}
			res, err := tx.ExecContext(ctx,
				"DELETE FROM sessions WHERE user_id = ? AND start_ts <= ? AND end_ts >= ?",
				userID, formatTS(sess.End), formatTS(sess.Start),
			)
			if err != nil {
				return fmt.Errorf("delete overlapping: %w", err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}

		return s.putSessions(ctx, tx, sessions)
	})
	return removed, err
}

// ReplaceOutages swaps the outages overlapping w for the given ones.
func (s *SQLiteStore) ReplaceOutages(ctx context.Context, w Window, outages []presence.Outage) error {
	return s.inTx(ctx, "replace_outages", func(ctx context.Context, tx *sql.Tx) error {
		where, args := overlapClause(w)
		if _, err := tx.ExecContext(ctx, "DELETE FROM outages WHERE 1=1"+where, args...); err != nil {
			return fmt.Errorf("delete outages: %w", err)
		}
		return s.putOutages(ctx, tx, outages)
	})
}

// PurgeDerived deletes all sessions and outages. The raw log is untouched.
func (s *SQLiteStore) PurgeDerived(ctx context.Context) error {
	return s.inTx(ctx, "purge_derived", func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range []string{"DELETE FROM sessions", "DELETE FROM outages"} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("purge (%s): %w", stmt, err)
			}
		}
		return nil
	})
}

// View runs fn inside one read transaction so that several reads observe
// the same committed state.
func (s *SQLiteStore) View(ctx context.Context, fn func(r *Reader) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&Reader{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetStats returns aggregate statistics about the database.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	counts := []struct {
		dst   *int64
		query string
	}{
		{&stats.RawSnapshots, "SELECT COUNT(*) FROM raw_snapshots"},
		{&stats.DuplicateSnapshots, "SELECT COUNT(*) FROM raw_snapshots WHERE duplicate = 1"},
		{&stats.KnownUsers, "SELECT COUNT(*) FROM known_users"},
		{&stats.Sessions, "SELECT COUNT(*) FROM sessions"},
		{&stats.OpenSessions, "SELECT COUNT(*) FROM sessions WHERE incomplete = 1"},
		{&stats.Outages, "SELECT COUNT(*) FROM outages"},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("stats (%s): %w", c.query, err)
		}
	}

	if stats.RawSnapshots > 0 {
		var oldest, newest string
		err := s.db.QueryRowContext(ctx, "SELECT MIN(ts), MAX(ts) FROM raw_snapshots").Scan(&oldest, &newest)
		if err != nil {
			return nil, fmt.Errorf("snapshot time range: %w", err)
		}
		stats.OldestSnapshot, _ = parseTS(oldest)
		stats.NewestSnapshot, _ = parseTS(newest)
	}

	var pages, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.DatabaseSizeBytes = pages * pageSize
		}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, COUNT(*) AS cnt FROM sessions GROUP BY user_id ORDER BY cnt DESC, user_id LIMIT 10",
	)
	if err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var uc UserCount
		if err := rows.Scan(&uc.UserID, &uc.Sessions); err != nil {
			return nil, err
		}
		stats.TopUsers = append(stats.TopUsers, uc)
	}

	return stats, rows.Err()
}

// Close releases all prepared statements. The underlying *sql.DB is NOT
// closed; that is the caller's responsibility.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{s.insertRaw, s.upsertUser, s.upsertSession, s.upsertOutage}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

// overlapClause returns an AND-prefixed condition selecting rows whose
// [start_ts, end_ts] intersects w.
func overlapClause(w Window) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if !w.To.IsZero() {
		clauses = append(clauses, "start_ts <= ?")
		args = append(args, formatTS(w.To))
	}
	if !w.From.IsZero() {
		clauses = append(clauses, "end_ts >= ?")
		args = append(args, formatTS(w.From))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

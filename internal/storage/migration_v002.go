package storage

import (
	"context"
	"database/sql"
)

// migrateV002 creates the derived tables. Everything here can be dropped and
// regenerated from raw_snapshots.
func migrateV002(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			user_id      TEXT NOT NULL,
			start_ts     TEXT NOT NULL,
			end_ts       TEXT NOT NULL,
			sample_count INTEGER NOT NULL DEFAULT 0,
			incomplete   BOOLEAN NOT NULL DEFAULT 0,
			closed_by    TEXT NOT NULL DEFAULT '' CHECK (closed_by IN ('', 'absence', 'outage')),
			updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, start_ts),
			CHECK (end_ts >= start_ts)
		)`,

		`CREATE TABLE IF NOT EXISTS outages (
			start_ts TEXT PRIMARY KEY,
			end_ts   TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sessions_end        ON sessions(user_id, end_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_start      ON sessions(start_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_incomplete ON sessions(incomplete)`,
	})
}

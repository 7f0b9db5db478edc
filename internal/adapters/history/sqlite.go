// Package history persists retired calls as call detail records in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/peercall/peercall/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_history (
	id            TEXT PRIMARY KEY,
	caller_id     TEXT NOT NULL,
	recipient_id  TEXT NOT NULL,
	media_kind    TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	connected_at  INTEGER,
	ended_at      INTEGER,
	duration      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_call_history_caller ON call_history(caller_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_call_history_recipient ON call_history(recipient_id, started_at DESC);
`

// SQLiteRecorder is the durable core.HistoryRecorder.
type SQLiteRecorder struct {
	db *sql.DB
}

func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &SQLiteRecorder{db: db}, nil
}

func (r *SQLiteRecorder) Close() error { return r.db.Close() }

// Record upserts the record; a call declined then re-reported ended keeps
// the latest terminal state.
func (r *SQLiteRecorder) Record(ctx context.Context, call *domain.Call) error {
	var connectedAt, endedAt sql.NullInt64
	if call.ConnectedAt != nil {
		connectedAt = sql.NullInt64{Int64: call.ConnectedAt.Unix(), Valid: true}
	}
	if call.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: call.EndedAt.Unix(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_history (id, caller_id, recipient_id, media_kind, status, started_at, connected_at, ended_at, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			connected_at = excluded.connected_at,
			ended_at = excluded.ended_at,
			duration = excluded.duration`,
		string(call.ID), string(call.CallerID), string(call.RecipientID),
		string(call.MediaKind), string(call.Status),
		call.StartedAt.Unix(), connectedAt, endedAt, call.Duration,
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// ListByUser returns the user's most recent calls, newest first.
func (r *SQLiteRecorder) ListByUser(ctx context.Context, uid domain.UserID, limit int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, caller_id, recipient_id, media_kind, status, started_at, connected_at, ended_at, duration
		FROM call_history
		WHERE caller_id = ? OR recipient_id = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		string(uid), string(uid), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []*domain.Call
	for rows.Next() {
		var (
			call                 domain.Call
			startedAt            int64
			connectedAt, endedAt sql.NullInt64
		)
		err := rows.Scan(
			&call.ID, &call.CallerID, &call.RecipientID, &call.MediaKind,
			&call.Status, &startedAt, &connectedAt, &endedAt, &call.Duration,
		)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		call.StartedAt = time.Unix(startedAt, 0)
		if connectedAt.Valid {
			t := time.Unix(connectedAt.Int64, 0)
			call.ConnectedAt = &t
		}
		if endedAt.Valid {
			t := time.Unix(endedAt.Int64, 0)
			call.EndedAt = &t
		}
		out = append(out, &call)
	}
	return out, rows.Err()
}

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS custody_events (
	event_id      TEXT PRIMARY KEY,
	chain_key     TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	parent_id     TEXT NOT NULL DEFAULT '',
	parent_digest TEXT NOT NULL DEFAULT '',
	stage         TEXT NOT NULL,
	actor_id      TEXT NOT NULL,
	actor_role    TEXT NOT NULL DEFAULT '',
	location      TEXT NOT NULL DEFAULT '',
	gps           TEXT NOT NULL DEFAULT '',
	ts            TEXT NOT NULL,
	status        TEXT NOT NULL,
	detail        TEXT NOT NULL DEFAULT '',
	digest        TEXT NOT NULL,
	committed_at  TEXT NOT NULL,
	UNIQUE (chain_key, seq)
);
CREATE INDEX IF NOT EXISTS custody_events_committed_at_idx ON custody_events (committed_at);
`

// SQLiteStore persists custody chains in an embedded SQLite database.
// The database must be opened with immediate transactions (see
// storage.OpenSQLite) so the head read and the insert of an append happen
// under the write lock. Timestamps are stored as RFC 3339 text.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore creates the custody_events table if needed and returns a store.
func NewSQLiteStore(ctx context.Context, db *sql.DB, logger *zap.Logger) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create custody_events table: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, chainKey string, ev *Event) (*Event, error) {
	if err := validate(chainKey, ev); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	head, err := scanSQLiteEvent(tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM custody_events
		 WHERE chain_key = ? ORDER BY seq DESC LIMIT 1`, chainKey))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	committed, err := seal(chainKey, head, ev, time.Now())
	if err != nil {
		return nil, err
	}

	var dup int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM custody_events WHERE event_id = ?`, committed.EventID).Scan(&dup)
	if err == nil {
		return nil, ErrDuplicateEvent
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check event id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO custody_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		committed.EventID, committed.ChainKey, committed.Seq, committed.ParentID,
		committed.ParentDigest, string(committed.Stage), committed.ActorID,
		committed.ActorRole, committed.Location, committed.GPS,
		formatTime(committed.Timestamp), string(committed.Status), committed.Detail,
		committed.Digest, formatTime(committed.CommittedAt),
	); err != nil {
		return nil, fmt.Errorf("insert custody event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit custody event: %w", err)
	}

	s.logger.Debug("custody event appended",
		zap.String("chain_key", committed.ChainKey),
		zap.Int64("seq", committed.Seq),
		zap.String("stage", string(committed.Stage)),
	)
	return committed, nil
}

// Head implements Store.
func (s *SQLiteStore) Head(ctx context.Context, chainKey string) (*Event, error) {
	return scanSQLiteEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM custody_events
		 WHERE chain_key = ? ORDER BY seq DESC LIMIT 1`, chainKey))
}

// Chain implements Store.
func (s *SQLiteStore) Chain(ctx context.Context, chainKey string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM custody_events
		 WHERE chain_key = ? ORDER BY seq ASC`, chainKey)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	return collectSQLiteEvents(rows)
}

// Verify implements Store.
func (s *SQLiteStore) Verify(ctx context.Context, chainKey string) (bool, error) {
	events, err := s.Chain(ctx, chainKey)
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, ErrNotFound
	}
	return VerifyChain(chainKey, events), nil
}

// ChainExists implements Store.
func (s *SQLiteStore) ChainExists(ctx context.Context, chainKey string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM custody_events WHERE chain_key = ?)`, chainKey,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check chain: %w", err)
	}
	return exists, nil
}

// EventExists implements Store.
func (s *SQLiteStore) EventExists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM custody_events WHERE event_id = ?)`, eventID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return exists, nil
}

// Keys implements Store.
func (s *SQLiteStore) Keys(ctx context.Context, limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chain_key FROM custody_events WHERE seq = 1
		 ORDER BY chain_key LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query chain keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan chain key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Recent implements Store.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM custody_events
		 ORDER BY committed_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	return collectSQLiteEvents(rows)
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, COUNT(*), SUM(CASE WHEN seq = 1 THEN 1 ELSE 0 END)
		 FROM custody_events GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("query ledger stats: %w", err)
	}
	defer rows.Close()

	st := newStats()
	for rows.Next() {
		var stage string
		var events, origins int
		if err := rows.Scan(&stage, &events, &origins); err != nil {
			return nil, fmt.Errorf("scan ledger stats: %w", err)
		}
		st.EventsByStage[Stage(stage)] = events
		st.Events += events
		st.Chains += origins
	}
	return st, rows.Err()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row sqlScanner) (*Event, error) {
	var e Event
	var stage, status, ts, committedAt string
	err := row.Scan(
		&e.EventID, &e.ChainKey, &e.Seq, &e.ParentID, &e.ParentDigest, &stage,
		&e.ActorID, &e.ActorRole, &e.Location, &e.GPS, &ts,
		&status, &e.Detail, &e.Digest, &committedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return nil, fmt.Errorf("parse timestamp of %s: %w", e.EventID, err)
	}
	if e.CommittedAt, err = time.Parse(time.RFC3339Nano, committedAt); err != nil {
		return nil, fmt.Errorf("parse committed_at of %s: %w", e.EventID, err)
	}
	e.Stage = Stage(stage)
	e.Status = Status(status)
	return &e, nil
}

func collectSQLiteEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()
	events := []*Event{}
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan custody event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// formatTime uses a fixed-width layout so text ordering matches time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

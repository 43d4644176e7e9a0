package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const eventColumns = `event_id, chain_key, seq, parent_id, parent_digest, stage,
	actor_id, actor_role, location, gps, ts, status, detail, digest, committed_at`

// PostgresStore persists custody chains to PostgreSQL.
// It implements the Store interface.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
// The custody_events table is created by cmd/migrate.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store.
// It takes a transaction-scoped advisory lock derived from the chain key, so
// appends to one chain are serialised while other chains proceed in parallel.
func (s *PostgresStore) Append(ctx context.Context, chainKey string, ev *Event) (*Event, error) {
	if err := validate(chainKey, ev); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", chainKey); err != nil {
		return nil, fmt.Errorf("acquire chain lock: %w", err)
	}

	head, err := scanEvent(tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM custody_events
		 WHERE chain_key = $1 ORDER BY seq DESC LIMIT 1`, chainKey))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	committed, err := seal(chainKey, head, ev, time.Now())
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO custody_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		committed.EventID, committed.ChainKey, committed.Seq, committed.ParentID,
		committed.ParentDigest, string(committed.Stage), committed.ActorID,
		committed.ActorRole, committed.Location, committed.GPS, committed.Timestamp,
		string(committed.Status), committed.Detail, committed.Digest, committed.CommittedAt,
	); err != nil {
		return nil, mapInsertError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit custody event: %w", err)
	}

	s.logger.Debug("custody event appended",
		zap.String("chain_key", committed.ChainKey),
		zap.Int64("seq", committed.Seq),
		zap.String("stage", string(committed.Stage)),
	)
	return committed, nil
}

// mapInsertError translates unique violations into ledger errors.
func mapInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "custody_events_chain_key_seq_key" {
			return ErrStaleParent
		}
		return ErrDuplicateEvent
	}
	return fmt.Errorf("insert custody event: %w", err)
}

// Head implements Store.
func (s *PostgresStore) Head(ctx context.Context, chainKey string) (*Event, error) {
	return scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM custody_events
		 WHERE chain_key = $1 ORDER BY seq DESC LIMIT 1`, chainKey))
}

// Chain implements Store.
func (s *PostgresStore) Chain(ctx context.Context, chainKey string) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM custody_events
		 WHERE chain_key = $1 ORDER BY seq ASC`, chainKey)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	return collectEvents(rows)
}

// Verify implements Store. It reads the chain in a single statement, so it
// always sees a consistent prefix even while appends are in flight.
func (s *PostgresStore) Verify(ctx context.Context, chainKey string) (bool, error) {
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
func (s *PostgresStore) ChainExists(ctx context.Context, chainKey string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM custody_events WHERE chain_key = $1)`, chainKey,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check chain: %w", err)
	}
	return exists, nil
}

// EventExists implements Store.
func (s *PostgresStore) EventExists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM custody_events WHERE event_id = $1)`, eventID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return exists, nil
}

// Keys implements Store.
func (s *PostgresStore) Keys(ctx context.Context, limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT chain_key FROM custody_events WHERE seq = 1
		 ORDER BY chain_key LIMIT $1 OFFSET $2`, limit, offset)
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
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM custody_events
		 ORDER BY committed_at DESC, seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	return collectEvents(rows)
}

// Stats implements Store.
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT stage, COUNT(*), COUNT(*) FILTER (WHERE seq = 1)
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

// scanEvent reads one event row; pgx.ErrNoRows becomes ErrNotFound.
func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var stage, status string
	err := row.Scan(
		&e.EventID, &e.ChainKey, &e.Seq, &e.ParentID, &e.ParentDigest, &stage,
		&e.ActorID, &e.ActorRole, &e.Location, &e.GPS, &e.Timestamp,
		&status, &e.Detail, &e.Digest, &e.CommittedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Stage = Stage(stage)
	e.Status = Status(status)
	e.Timestamp = e.Timestamp.UTC()
	e.CommittedAt = e.CommittedAt.UTC()
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()
	events := []*Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan custody event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

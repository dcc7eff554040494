// Package runstore persists run status records for runs.status queries.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"athena/internal/domain"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements domain.RunStatusStore on one SQLite table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open run db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	const schema = `
		CREATE TABLE IF NOT EXISTS runs (
			run_id     TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			queue      TEXT NOT NULL,
			state      TEXT NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run db: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put upserts rec. The first write fixes created_at, and a late queued write
// never overwrites a run that already progressed.
func (s *SQLiteStore) Put(ctx context.Context, rec domain.RunRecord) error {
	if rec.RunID == "" {
		return domain.NewDomainError("RunStore.Put", domain.ErrInvalidInput, "run_id required")
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, agent_id, queue, state, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			agent_id   = excluded.agent_id,
			queue      = excluded.queue,
			state      = excluded.state,
			message    = excluded.message,
			updated_at = excluded.updated_at
		WHERE NOT (excluded.state = 'queued' AND runs.state <> 'queued')`,
		rec.RunID, rec.AgentID, string(rec.Queue), string(rec.State), rec.Message,
		rec.CreatedAt.UTC().Format(timeLayout), rec.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return storeErr("Put", err)
	}
	return nil
}

// Get returns the record for runID.
func (s *SQLiteStore) Get(ctx context.Context, runID string) (*domain.RunRecord, error) {
	var (
		rec                  domain.RunRecord
		queue, state         string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, agent_id, queue, state, message, created_at, updated_at FROM runs WHERE run_id = ?`, runID).
		Scan(&rec.RunID, &rec.AgentID, &queue, &state, &rec.Message, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("run", "RunStore.Get", domain.ErrNotFound, runID)
	}
	if err != nil {
		return nil, storeErr("Get", err)
	}
	rec.Queue = domain.QueueClass(queue)
	rec.State = domain.RunState(state)
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &rec, nil
}

// Prune deletes records last updated before cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE updated_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, storeErr("Prune", err)
	}
	return res.RowsAffected()
}

func storeErr(op string, err error) error {
	return domain.NewDomainError("RunStore."+op, domain.ErrStoreUnavailable, err.Error())
}

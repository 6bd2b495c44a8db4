package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/sandboxd/internal/model"

	_ "modernc.org/sqlite"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    context_id  TEXT NOT NULL,
    kind        TEXT NOT NULL,
    tool_name   TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createExecutionsIndex = `
CREATE INDEX IF NOT EXISTS idx_executions_context
    ON executions (context_id, created_at)`

const executionColumns = `id, context_id, kind, tool_name, status, error, duration_ms, created_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// An empty path or MemoryDSN keeps history in memory for the process
// lifetime.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = MemoryDSN
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == MemoryDSN {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	for _, stmt := range []string{createExecutionsTable, createExecutionsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordExecution inserts one execution record.
func (s *SQLiteStore) RecordExecution(ctx context.Context, e *model.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ContextID, e.Kind, e.Capability, string(e.Status), e.Error, e.DurationMS, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*model.Execution, error) {
	e := &model.Execution{}
	var status string
	if err := row.Scan(&e.ID, &e.ContextID, &e.Kind, &e.Capability, &status, &e.Error, &e.DurationMS, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Status = model.ExecStatus(status)
	return e, nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a page of a context's executions, newest first,
// along with the context's total execution count.
func (s *SQLiteStore) ListExecutions(ctx context.Context, contextID string, limit, offset int) ([]*model.Execution, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions WHERE context_id = ?", contextID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		WHERE context_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		contextID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return execs, total, nil
}

// ExecutionStats aggregates every recorded execution.
func (s *SQLiteStore) ExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), AVG(duration_ms) FROM executions").Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	for column, into := range map[string]map[string]int{"status": stats.CountByStatus, "kind": stats.CountByKind} {
		if err := s.countBy(ctx, column, into); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// countBy fills into with per-value counts of column. column is never
// caller input.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM executions GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// DeleteContextExecutions removes a context's history and reports how many
// records went.
func (s *SQLiteStore) DeleteContextExecutions(ctx context.Context, contextID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE context_id = ?", contextID)
	if err != nil {
		return 0, fmt.Errorf("delete executions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

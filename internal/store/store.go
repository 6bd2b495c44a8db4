// Package store records the execution history of contexts. Context state
// itself is never persisted.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/sandboxd/internal/model"
)

// ErrNotFound is returned when an execution is not found.
var ErrNotFound = errors.New("execution not found")

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for execution history.
type Store interface {
	RecordExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, contextID string, limit, offset int) ([]*model.Execution, int, error)
	ExecutionStats(ctx context.Context) (*ExecutionStats, error)
	DeleteContextExecutions(ctx context.Context, contextID string) (int64, error)
	Close() error
}

// Package repository persists teams, executions, nodes and the execution event log.
package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/catface996/aiops-executor/internal/domain"
)

// Store defines the interface for data persistence. Getters return (nil, nil)
// when the row does not exist.
type Store interface {
	// Team operations
	UpsertTeam(ctx context.Context, team *domain.Team) error
	GetTeam(ctx context.Context, teamID string) (*domain.Team, error)
	ListTeams(ctx context.Context, limit, offset int) ([]domain.Team, int, error)
	DeleteTeam(ctx context.Context, teamID string) (bool, error)

	// Execution operations
	CreateExecution(ctx context.Context, exec *domain.Execution, nodes []domain.ExecutionNode) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, int, error)
	UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, errMsg string, at time.Time) error

	// Node operations
	ListNodes(ctx context.Context, executionID string) ([]domain.ExecutionNode, error)
	UpdateNode(ctx context.Context, node *domain.ExecutionNode) error

	// Event operations
	AppendEvent(ctx context.Context, event *domain.Event) error
	LastEventPosition(ctx context.Context, executionID string) (*domain.Cursor, error)
	ListEvents(ctx context.Context, executionID string, after *domain.Cursor, limit int) ([]domain.Event, error)

	Close() error
}

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Open connects to the configured backend and applies pending migrations.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite:
		return NewSQLiteStore(dsn)
	case DriverPostgres:
		return NewPostgresStore(dsn)
	}
	return nil, errors.Errorf("unsupported database driver %q", driver)
}

const defaultListLimit = 20
const maxEventPage = 1000

func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

package repository

import (
	"context"
)

// Repositories holds all repository instances.
type Repositories struct {
	Objects ObjectRepository
	Tasks   TaskRepository
	Dedup   DedupIndex
}

// DatabaseHealth is an interface for database health checks.
// This interface satisfies handler.HealthChecker for health endpoints.
type DatabaseHealth interface {
	Ping(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}

// Migrator is implemented by databases that carry embedded schema migrations.
type Migrator interface {
	Migrate(ctx context.Context) error
	Version(ctx context.Context) (int, error)
}

// nopDatabase is the DatabaseHealth of in-process repositories.
type nopDatabase struct{}

func (nopDatabase) Ping(ctx context.Context) error   { return ctx.Err() }
func (nopDatabase) Health(ctx context.Context) error { return ctx.Err() }
func (nopDatabase) Close() error                     { return nil }

// NopDatabase returns a DatabaseHealth that is always healthy.
func NopDatabase() DatabaseHealth {
	return nopDatabase{}
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"health-monitor/pkg/config"

	_ "github.com/lib/pq"
)

// NewPostgresConnection opens the pool backing the service registry, check
// history and alerts
func NewPostgresConnection(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetPostgresConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	maxConns := max(cfg.PostgresMaxConns, 1)
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(maxConns/5, 1))
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	if err := connect(ctx, "PostgreSQL", cfg.ConnectAttempts, db.PingContext); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

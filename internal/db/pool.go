package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNoDatabase is returned when no database URL is configured
var ErrNoDatabase = errors.New("database not configured")

// Open connects to Postgres through the pgx driver and verifies the connection.
// An empty url returns ErrNoDatabase; the service then runs without persistence.
func Open(ctx context.Context, url string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		logger.Info("db.disabled", "reason", "no database configuration found")
		return nil, ErrNoDatabase
	}

	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pool settings sized for PgBouncer
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("db.connected")
	return db, nil
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sitewide-aggregator/internal/common/config"

	_ "github.com/lib/pq"
)

const pingTimeout = 5 * time.Second

// NewPostgresDB opens a PostgreSQL connection pool and verifies it with a ping
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	ConfigurePool(db, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s@%s:%d: %w", cfg.Database, cfg.Host, cfg.Port, err)
	}

	return db, nil
}

// ConfigurePool applies the pool limits of cfg; zero values keep the
// database/sql defaults
func ConfigurePool(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// Close closes the database connection
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// Package pg is the relational persistent store: providers, sessions,
// request logs, API keys. Repository methods are hand-written against
// database/sql rather than sqlc-generated — the sqlc query package the
// teacher generates from is not part of this build (see DESIGN.md) — but
// the driver and migration stack (lib/pq, goose) are unchanged.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/config"
	_ "github.com/lib/pq"
)

// Database owns the pooled connection and exposes one repository per
// domain aggregate.
type Database struct {
	DB *sql.DB

	Providers   *ProviderRepository
	Sessions    *SessionRepository
	RequestLogs *RequestLogRepository
	APIKeys     *APIKeyRepository
}

// InitDatabase opens the pool, runs migrations, and constructs
// repositories, mirroring the teacher's InitDatabase lifecycle.
func InitDatabase(cfg *config.Config) (*Database, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTime) * time.Minute)
	db.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetime) * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Database{
		DB:          db,
		Providers:   &ProviderRepository{db: db},
		Sessions:    &SessionRepository{db: db},
		RequestLogs: &RequestLogRepository{db: db},
		APIKeys:     &APIKeyRepository{db: db},
	}, nil
}

// Close releases the pool.
func (d *Database) Close() error {
	return d.DB.Close()
}

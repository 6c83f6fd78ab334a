// Package database opens the evaluation database and describes how each
// supported engine exposes metadata and enforces read-only sessions.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUnreachable is returned by Open when the database cannot be pinged.
var ErrUnreachable = errors.New("database unreachable")

type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	// Writable skips the dialect's read-only DSN rewrite. Only fixture
	// loading sets it.
	Writable bool
}

func Open(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	if cfg.DSN == "" {
		return nil, Dialect{}, fmt.Errorf("database dsn is required")
	}
	dialect, err := Lookup(cfg.Driver)
	if err != nil {
		return nil, Dialect{}, err
	}

	dsn := cfg.DSN
	if !cfg.Writable && dialect.ReadOnlyDSN != nil {
		if dsn, err = dialect.ReadOnlyDSN(dsn); err != nil {
			return nil, Dialect{}, err
		}
	}

	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("open %s db: %w", dialect.Name, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, Dialect{}, fmt.Errorf("%w: ping %s db: %v", ErrUnreachable, dialect.Name, err)
	}

	return db, dialect, nil
}

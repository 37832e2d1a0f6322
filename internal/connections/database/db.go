package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tableside/internal/config"
	"tableside/internal/microservices/order/repository"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	maxRetries = 10
	retryDelay = 2 * time.Second
	pingTTL    = 5 * time.Second
)

// DSN returns the database/sql driver name and connection string for cfg.
func DSN(cfg config.DatabaseConfig) (string, string, error) {
	switch cfg.Driver {
	case "postgres":
		sslmode := cfg.SSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		return "pgx", fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslmode), nil
	case "sqlite":
		return "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", cfg.Path), nil
	}
	return "", "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

func Dialect(cfg config.DatabaseConfig) repository.Dialect {
	if cfg.Driver == "sqlite" {
		return repository.DialectSQLite
	}
	return repository.DialectPostgres
}

// ConnectDB opens the configured database and waits until it answers a ping,
// retrying while the server is still starting.
func ConnectDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	driver, dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	for i := 1; i <= maxRetries; i++ {
		db, err = sql.Open(driver, dsn)
		if err == nil {
			if driver == "sqlite3" {
				// one writer; sqlite serializes transactions on a single connection
				db.SetMaxOpenConns(1)
			}
			pctx, cancel := context.WithTimeout(ctx, pingTTL)
			err = db.PingContext(pctx)
			cancel()
			if err == nil {
				return db, nil
			}
			_ = db.Close()
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("db connect canceled: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("database unreachable after %d attempts: %w", maxRetries, err)
}

// OpenAndMigrate connects and applies the embedded schema.
func OpenAndMigrate(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := ConnectDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(ctx, db, Dialect(cfg)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

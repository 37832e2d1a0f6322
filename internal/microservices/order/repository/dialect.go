package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"tableside/internal/microservices/order/domain"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Migrate applies the embedded schema for dialect. Every statement is
// idempotent, so running it against an existing database is safe.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	var file string
	switch dialect {
	case DialectPostgres:
		file = "schema/postgres.sql"
	case DialectSQLite:
		file = "schema/sqlite.sql"
	default:
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	raw, err := schemaFS.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var lines []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}
	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// rebind rewrites ? placeholders to $n for postgres.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classify turns driver failures into engine errors. Lost connections and
// timeouts become Unavailable. Lock conflicts and unique-key races
// become ErrStale so the caller re-reads and retries. Anything else is wrapped.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return domain.Wrap(domain.KindUnavailable, err, msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.Wrap(domain.KindUnavailable, err, msg)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return domain.Wrap(domain.KindUnavailable, err, msg)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%s: %w: %v", msg, ErrStale, err)
		case "57P01", "57P02", "57P03", "53300":
			return domain.Wrap(domain.KindUnavailable, err, msg)
		}
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w: %v", msg, ErrStale, err)
		case sqlite3.ErrConstraint:
			if liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || liteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return fmt.Errorf("%s: %w: %v", msg, ErrStale, err)
			}
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return domain.Wrap(domain.KindUnavailable, err, msg)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

package dbx

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the driver, goose dialect and placeholder style.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DialectFromDSN picks Postgres for postgres:// and postgresql:// DSNs and
// SQLite for everything else (file paths, "file:" URIs, ":memory:").
func DialectFromDSN(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// GooseDialect is the name goose.SetDialect expects.
func (d Dialect) GooseDialect() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite3"
}

// Rebind rewrites '?' placeholders into $1, $2, ... for Postgres. Queries are
// written once with '?' and rebound at construction time. Question marks
// inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inLiteral := false
	for _, r := range query {
		switch {
		case r == '\'':
			inLiteral = !inLiteral
			b.WriteRune(r)
		case r == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Open opens dsn with the driver matching its dialect.
func Open(dsn string) (*sql.DB, Dialect, error) {
	d := DialectFromDSN(dsn)
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, d, fmt.Errorf("db open error: %w", err)
	}
	if d == SQLite {
		// one writer at a time; avoids SQLITE_BUSY under the import transaction
		db.SetMaxOpenConns(1)
	}
	return db, d, nil
}

// Package store opens the local relational store and wires its repositories.
// SQLite is used for file paths and ":memory:", Postgres for postgres:// DSNs.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/gophbackup/internal/backup"
	"github.com/dmitrijs2005/gophbackup/internal/dbx"
	"github.com/dmitrijs2005/gophbackup/internal/store/cdnmeta"
	"github.com/dmitrijs2005/gophbackup/internal/store/metadata"
	"github.com/dmitrijs2005/gophbackup/internal/store/migrations"
	"github.com/dmitrijs2005/gophbackup/internal/store/records"
	"github.com/pressly/goose/v3"
)

type Store struct {
	DB      *sql.DB
	Dialect dbx.Dialect

	Records  records.Repository
	Metadata metadata.Repository
	Media    *cdnmeta.Repository
}

func RunMigrations(ctx context.Context, db *sql.DB, dialect dbx.Dialect) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect(dialect.GooseDialect()); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, string(dialect))
}

// Open connects to dsn, migrates the schema and builds the repositories.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, dialect, err := dbx.Open(dsn)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return New(db, dialect), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, dialect dbx.Dialect) *Store {
	return &Store{
		DB:       db,
		Dialect:  dialect,
		Records:  records.NewSQLRepository(db, dialect),
		Metadata: metadata.NewSQLRepository(db, dialect),
		Media:    cdnmeta.NewRepository(db, dialect),
	}
}

// WithinTx runs fn with a record writer bound to a single transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, w backup.RecordWriter) error) error {
	return dbx.WithTx(ctx, s.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, records.NewSQLRepository(tx, s.Dialect))
	})
}

func (s *Store) Close() error {
	return s.DB.Close()
}

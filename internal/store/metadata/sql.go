package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophbackup/internal/dbx"
)

type SQLRepository struct {
	db      dbx.DBTX
	dialect dbx.Dialect
}

func NewSQLRepository(db dbx.DBTX, dialect dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

// Get returns (nil, nil) when the key is absent.
func (r *SQLRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(`SELECT value FROM metadata WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

func (r *SQLRepository) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`), key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *SQLRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(`DELETE FROM metadata WHERE key = ?`), key)
	if err != nil {
		return fmt.Errorf("failed to delete metadata[%s]: %w", key, err)
	}
	return nil
}

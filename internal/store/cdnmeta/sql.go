// Package cdnmeta caches which media objects already live on the remote
// object store. The cache is cleared and repopulated at the start of every
// export.
package cdnmeta

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/gophbackup/internal/dbx"
	"github.com/dmitrijs2005/gophbackup/internal/models"
)

type Repository struct {
	db      *sql.DB
	dialect dbx.Dialect
}

func NewRepository(db *sql.DB, dialect dbx.Dialect) *Repository {
	return &Repository{db: db, dialect: dialect}
}

// Replace clears the cache and inserts objects in one transaction.
func (r *Repository) Replace(ctx context.Context, objects []models.MediaObject) error {
	insert := r.dialect.Rebind(`
		INSERT INTO backup_cdn_object_metadata (media_id, cdn_number, size_on_backup_cdn)
		VALUES (?, ?, ?)
		ON CONFLICT(media_id) DO UPDATE SET
			cdn_number = excluded.cdn_number,
			size_on_backup_cdn = excluded.size_on_backup_cdn
	`)
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM backup_cdn_object_metadata`); err != nil {
			return fmt.Errorf("failed to clear cdn metadata: %w", err)
		}
		for _, o := range objects {
			if _, err := tx.ExecContext(ctx, insert, o.MediaID, int64(o.CdnNumber), o.Size); err != nil {
				return fmt.Errorf("failed to insert cdn metadata[%s]: %w", o.MediaID, err)
			}
		}
		return nil
	})
}

func (r *Repository) List(ctx context.Context) ([]models.MediaObject, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT media_id, cdn_number, size_on_backup_cdn FROM backup_cdn_object_metadata ORDER BY media_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cdn metadata: %w", err)
	}
	defer rows.Close()

	var out []models.MediaObject
	for rows.Next() {
		var o models.MediaObject
		var cdn int64
		if err := rows.Scan(&o.MediaID, &cdn, &o.Size); err != nil {
			return nil, fmt.Errorf("failed to scan cdn metadata row: %w", err)
		}
		o.CdnNumber = uint32(cdn)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cdn metadata rows: %w", err)
	}
	return out, nil
}

package records

import (
	"context"
	"fmt"
	"iter"

	"github.com/dmitrijs2005/gophbackup/internal/dbx"
	"github.com/dmitrijs2005/gophbackup/internal/models"
)

type SQLRepository struct {
	db dbx.DBTX

	insertQuery string
	selectQuery string
}

func NewSQLRepository(db dbx.DBTX, dialect dbx.Dialect) *SQLRepository {
	return &SQLRepository{
		db:          db,
		insertQuery: dialect.Rebind(`INSERT INTO records (kind, payload, media_id, cdn_number) VALUES (?, ?, ?, ?)`),
		selectQuery: `SELECT kind, payload, media_id, cdn_number FROM records ORDER BY id`,
	}
}

func (r *SQLRepository) WriteRecord(ctx context.Context, rec models.Record) error {
	_, err := r.db.ExecContext(ctx, r.insertQuery, string(rec.Kind), rec.Payload, rec.MediaID, int64(rec.CdnNumber))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// All streams records in insertion order. The rows stay open until the
// iteration ends.
func (r *SQLRepository) All(ctx context.Context) iter.Seq2[models.Record, error] {
	return func(yield func(models.Record, error) bool) {
		rows, err := r.db.QueryContext(ctx, r.selectQuery)
		if err != nil {
			yield(models.Record{}, fmt.Errorf("failed to query records: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec  models.Record
				kind string
				cdn  int64
			)
			if err := rows.Scan(&kind, &rec.Payload, &rec.MediaID, &cdn); err != nil {
				yield(models.Record{}, fmt.Errorf("failed to scan record: %w", err))
				return
			}
			rec.Kind = models.RecordKind(kind)
			rec.CdnNumber = uint32(cdn)
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Record{}, fmt.Errorf("failed to iterate records: %w", err))
		}
	}
}

func (r *SQLRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

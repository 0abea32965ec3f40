package records

import (
	"context"
	"iter"

	"github.com/dmitrijs2005/gophbackup/internal/models"
)

type Repository interface {
	WriteRecord(ctx context.Context, rec models.Record) error
	All(ctx context.Context) iter.Seq2[models.Record, error]
	Count(ctx context.Context) (int, error)
}

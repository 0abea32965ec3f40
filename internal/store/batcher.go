package store

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/gophbackup/internal/backup"
	"github.com/dmitrijs2005/gophbackup/internal/models"
)

// Batcher collects record writes and stores them in one transaction once
// size records are pending or Flush is called.
type Batcher struct {
	tx   backup.Transactor
	size int

	mu      sync.Mutex
	pending []models.Record
}

func NewBatcher(tx backup.Transactor, size int) *Batcher {
	if size <= 0 {
		size = 100
	}
	return &Batcher{tx: tx, size: size}
}

func (b *Batcher) Add(ctx context.Context, rec models.Record) error {
	b.mu.Lock()
	b.pending = append(b.pending, rec)
	full := len(b.pending) >= b.size
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes every pending record. On failure the records stay pending.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	err := b.tx.WithinTx(ctx, func(ctx context.Context, w backup.RecordWriter) error {
		for _, rec := range b.pending {
			if err := w.WriteRecord(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.pending = b.pending[:0]
	return nil
}

func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

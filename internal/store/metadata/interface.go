// Package metadata is a small key/value table. It holds the backup key salt
// and verifier, the restored-from-backup flag and the account password while
// no import is in progress.
package metadata

import (
	"context"
)

type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

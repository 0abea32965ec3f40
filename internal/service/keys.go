package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/dmitrijs2005/gophbackup/internal/cryptox"
	"github.com/dmitrijs2005/gophbackup/internal/dbx"
	"github.com/dmitrijs2005/gophbackup/internal/store"
	"github.com/dmitrijs2005/gophbackup/internal/store/metadata"
)

const (
	saltKey     = "backup_key_salt"
	verifierKey = "backup_key_verifier"
)

// accountSalt is the salt for an account's first unlock. It only depends on
// the account so that a new device derives the same backup key.
func accountSalt(account string) []byte {
	sum := sha256.Sum256([]byte("gophbackup/salt/" + account))
	return sum[:cryptox.SaltSize]
}

// UnlockKeys derives the backup key of account from passphrase. The first
// call on a fresh store saves the salt and a verifier; later calls check the
// passphrase against the verifier and fail with common.ErrWrongPassphrase on
// mismatch.
func UnlockKeys(ctx context.Context, s *store.Store, account string, passphrase []byte) (*cryptox.StaticKeyProvider, error) {
	salt, err := s.Metadata.Get(ctx, saltKey)
	if err != nil {
		return nil, err
	}

	if salt == nil {
		salt = accountSalt(account)
		key := cryptox.DeriveBackupKey(passphrase, salt)
		if err := saveKeyData(ctx, s, salt, cryptox.MakeVerifier(key)); err != nil {
			return nil, fmt.Errorf("save key data: %w", err)
		}
		return cryptox.NewStaticKeyProvider(key), nil
	}

	verifier, err := s.Metadata.Get(ctx, verifierKey)
	if err != nil {
		return nil, err
	}

	key := cryptox.DeriveBackupKey(passphrase, salt)
	if subtle.ConstantTimeCompare(verifier, cryptox.MakeVerifier(key)) == 0 {
		common.WipeByteArray(key)
		return nil, common.ErrWrongPassphrase
	}
	return cryptox.NewStaticKeyProvider(key), nil
}

func saveKeyData(ctx context.Context, s *store.Store, salt, verifier []byte) error {
	return dbx.WithTx(ctx, s.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := metadata.NewSQLRepository(tx, s.Dialect)
		if err := repo.Set(ctx, saltKey, salt); err != nil {
			return err
		}
		return repo.Set(ctx, verifierKey, verifier)
	})
}

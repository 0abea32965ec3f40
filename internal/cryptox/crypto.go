// Package cryptox derives the key material used by backup export and import.
//
// A long-lived backup key is derived from the user's passphrase with Argon2id.
// Every export or import then derives a fresh {aesKey, macKey} pair from the
// backup key (or from an ephemeral key for device-linking transfers) with
// HKDF-SHA256. The pair lives only in memory for the duration of one operation.
package cryptox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophbackup/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the backup key and of each derived key.
	KeySize = 32

	// SaltSize is the size of the Argon2id salt persisted next to the store.
	SaltSize = 16

	hkdfInfo = "gophbackup-backup-keys-v1"
)

var ErrInvalidKey = errors.New("invalid key length")

// KeyMaterial is the pair of keys used by one export or import.
type KeyMaterial struct {
	AESKey []byte
	MACKey []byte
}

// Wipe zeroes both keys.
func (k *KeyMaterial) Wipe() {
	common.WipeByteArray(k.AESKey)
	common.WipeByteArray(k.MACKey)
}

// KeyProvider hands out fresh key material per operation. ephemeral is nil
// for regular backups.
type KeyProvider interface {
	DeriveKeys(ctx context.Context, ephemeral []byte) (KeyMaterial, error)
}

// DeriveBackupKey stretches a passphrase into a backup key with Argon2id.
func DeriveBackupKey(passphrase []byte, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// MakeVerifier returns a value that can be stored to check a passphrase
// later without storing the key itself.
func MakeVerifier(backupKey []byte) []byte {
	hash := sha256.Sum256(backupKey)
	return hash[:]
}

// DeriveKeys expands the backup key, or ephemeral when it is set, into 64
// bytes of HKDF output: the first half is the MAC key, the second the AES key.
func DeriveKeys(backupKey []byte, ephemeral []byte) (KeyMaterial, error) {
	secret := backupKey
	if ephemeral != nil {
		secret = ephemeral
	}
	if len(secret) != KeySize {
		return KeyMaterial{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(secret), KeySize)
	}

	out := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), out); err != nil {
		return KeyMaterial{}, fmt.Errorf("hkdf: %w", err)
	}

	return KeyMaterial{MACKey: out[:KeySize], AESKey: out[KeySize:]}, nil
}

// StaticKeyProvider derives keys from a backup key held in memory.
type StaticKeyProvider struct {
	backupKey []byte
}

func NewStaticKeyProvider(backupKey []byte) *StaticKeyProvider {
	return &StaticKeyProvider{backupKey: backupKey}
}

func (p *StaticKeyProvider) DeriveKeys(_ context.Context, ephemeral []byte) (KeyMaterial, error) {
	return DeriveKeys(p.backupKey, ephemeral)
}

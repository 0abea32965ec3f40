package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRandByteArray(t *testing.T) {
	a := GenerateRandByteArray(32)
	b := GenerateRandByteArray(32)
	require.Len(t, a, 32)
	require.Len(t, b, 32)
	assert.NotEqual(t, a, b)

	assert.Empty(t, GenerateRandByteArray(0))
}

func TestWipeByteArray(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	WipeByteArray(buf)
	assert.Equal(t, make([]byte, 5), buf)

	assert.NotPanics(t, func() { WipeByteArray(nil) })
}

func TestSentinelErrors(t *testing.T) {
	all := []error{
		ErrNotFound, ErrCorruptFrame, ErrCorruptPadding, ErrBadMac,
		ErrUnsupportedBackupVersion, ErrAlreadyRunning,
		ErrPlaintextNotAllowed, ErrAborted, ErrInvalidToken, ErrTokenExpired,
		ErrWrongPassphrase,
	}
	for i, e := range all {
		wrapped := fmt.Errorf("context: %w", e)
		for j, other := range all {
			assert.Equal(t, i == j, errors.Is(wrapped, other), "%v vs %v", e, other)
		}
	}
}

package service

import (
	"context"
	"testing"

	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlockKeys_FirstUseThenVerify(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	first, err := UnlockKeys(ctx, st, "acc-1", []byte("correct horse"))
	require.NoError(t, err)

	salt, err := st.Metadata.Get(ctx, saltKey)
	require.NoError(t, err)
	assert.NotEmpty(t, salt)

	second, err := UnlockKeys(ctx, st, "acc-1", []byte("correct horse"))
	require.NoError(t, err)

	a, err := first.DeriveKeys(ctx, nil)
	require.NoError(t, err)
	b, err := second.DeriveKeys(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// a second device with the same account and passphrase gets the same keys
	other, err := UnlockKeys(ctx, openStore(t), "acc-1", []byte("correct horse"))
	require.NoError(t, err)
	c, err := other.DeriveKeys(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, a, c)

	_, err = UnlockKeys(ctx, st, "acc-1", []byte("battery staple"))
	assert.ErrorIs(t, err, common.ErrWrongPassphrase)
}

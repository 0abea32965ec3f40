package metadata

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophbackup/internal/dbx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE metadata (
  key   TEXT PRIMARY KEY,
  value BLOB NOT NULL
);`)
	require.NoError(t, err)
	return db
}

func TestSetAndGet_InsertThenGet(t *testing.T) {
	r := NewSQLRepository(setupDB(t), dbx.SQLite)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "backup_key_salt", []byte{0x01, 0x02}))

	v, err := r.Get(ctx, "backup_key_salt")
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, v)
}

func TestGet_NotExists_ReturnsNilNil(t *testing.T) {
	r := NewSQLRepository(setupDB(t), dbx.SQLite)

	v, err := r.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestSet_UpsertOverwritesValue(t *testing.T) {
	r := NewSQLRepository(setupDB(t), dbx.SQLite)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", []byte("old")))
	require.NoError(t, r.Set(ctx, "k", []byte("new")))

	v, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)
}

func TestDelete_RemovesKey_AndIsIdempotent(t *testing.T) {
	r := NewSQLRepository(setupDB(t), dbx.SQLite)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "account_password", []byte("pw")))
	require.NoError(t, r.Delete(ctx, "account_password"))
	require.NoError(t, r.Delete(ctx, "account_password"))

	v, err := r.Get(ctx, "account_password")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestPostgres_Rebinds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT value FROM metadata WHERE key = \$1`).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("v")))
	mock.ExpectQuery(`SELECT value FROM metadata WHERE key = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO metadata \(key, value\) VALUES \(\$1, \$2\)`).
		WithArgs("k", []byte("v2")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM metadata WHERE key = \$1`).
		WithArgs("k").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := NewSQLRepository(db, dbx.Postgres)
	ctx := context.Background()

	v, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	v, err = r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, r.Set(ctx, "k", []byte("v2")))
	require.NoError(t, r.Delete(ctx, "k"))
	require.NoError(t, mock.ExpectationsWereMet())
}

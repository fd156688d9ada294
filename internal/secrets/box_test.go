// SPDX-License-Identifier: MIT

package secrets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voslund/fetchd/internal/store"
)

func newBox(t *testing.T, passphrase string) (*Box, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	box, err := Open(st.DB, []byte(passphrase))
	require.NoError(t, err)
	return box, st
}

func TestPutGetRoundTrip(t *testing.T) {
	box, _ := newBox(t, "correct horse battery staple")
	ctx := context.Background()

	require.NoError(t, box.Put(ctx, "indexer.nyaa.apikey", []byte("s3cret-key")))

	val, err := box.Get(ctx, "indexer.nyaa.apikey")
	require.NoError(t, err)
	assert.Equal(t, "s3cret-key", string(val))

	// Overwrite re-seals under a fresh nonce.
	require.NoError(t, box.Put(ctx, "indexer.nyaa.apikey", []byte("rotated")))
	val, err = box.Get(ctx, "indexer.nyaa.apikey")
	require.NoError(t, err)
	assert.Equal(t, "rotated", string(val))
}

func TestGetMissing(t *testing.T) {
	box, _ := newBox(t, "pass")
	_, err := box.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWrongPassphraseFailsToOpenValue(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	box1, err := Open(st.DB, []byte("first"))
	require.NoError(t, err)
	require.NoError(t, box1.Put(ctx, "k", []byte("v")))

	box2, err := Open(st.DB, []byte("second"))
	require.NoError(t, err)
	_, err = box2.Get(ctx, "k")
	assert.Error(t, err, "a different key must not decrypt the value")
}

func TestValuesEncryptedAtRest(t *testing.T) {
	box, st := newBox(t, "pass")
	ctx := context.Background()
	require.NoError(t, box.Put(ctx, "k", []byte("plaintext-value")))

	var ciphertext []byte
	require.NoError(t, st.DB.QueryRow(`SELECT ciphertext FROM secrets WHERE name = 'k'`).Scan(&ciphertext))
	assert.NotContains(t, string(ciphertext), "plaintext-value")
}

func TestListAndDelete(t *testing.T) {
	box, _ := newBox(t, "pass")
	ctx := context.Background()
	require.NoError(t, box.Put(ctx, "b", []byte("2")))
	require.NoError(t, box.Put(ctx, "a", []byte("1")))

	names, err := box.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, box.Delete(ctx, "a"))
	assert.ErrorIs(t, box.Delete(ctx, "a"), ErrNotFound)
}

func TestEmptyPassphraseRejected(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	_, err = Open(st.DB, nil)
	assert.Error(t, err)
}

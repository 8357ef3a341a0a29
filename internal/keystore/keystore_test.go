package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStoreGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ks, err := Open(dir, "")
	require.NoError(t, err)

	require.NoError(t, ks.Store("alpha", []byte("secret-value"), false))

	got, ok := ks.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, []byte("secret-value"), got)

	_, ok = ks.Get("missing")
	assert.False(t, ok)
}

func TestReopenUnencryptedStorePersists(t *testing.T) {
	dir := t.TempDir()
	ks, err := Open(dir, "")
	require.NoError(t, err)
	require.NoError(t, ks.Store("k1", []byte("v1"), false))

	ks2, err := Open(dir, "")
	require.NoError(t, err)
	got, ok := ks2.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)
}

func TestEncryptedStoreRequiresPassphrase(t *testing.T) {
	dir := t.TempDir()
	ks, err := Open(dir, "correct-horse")
	require.NoError(t, err)
	require.NoError(t, ks.Store("secret", []byte("payload"), true))

	reopened, err := Open(dir, "correct-horse")
	require.NoError(t, err)
	got, ok := reopened.Get("secret")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)

	_, err = Open(dir, "wrong-passphrase")
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDeleteAndRotate(t *testing.T) {
	dir := t.TempDir()
	ks, err := Open(dir, "")
	require.NoError(t, err)
	require.NoError(t, ks.Store("k", []byte("v1"), false))

	old, err := ks.Rotate("k", []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), old)

	got, ok := ks.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)

	assert.True(t, ks.Delete("k"))
	assert.False(t, ks.Delete("k"))
	_, ok = ks.Get("k")
	assert.False(t, ok)
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	ks, err := Open(dir, "")
	require.NoError(t, err)
	require.NoError(t, ks.Store("a", []byte("1"), false))
	require.NoError(t, ks.Store("b", []byte("2"), false))

	ids := ks.List()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

package statickeys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webfirstlanguage/beenet/internal/identity"
	"github.com/webfirstlanguage/beenet/internal/keystore"
)

func TestLoadOrGeneratePersists(t *testing.T) {
	dir := t.TempDir()
	ks, err := keystore.Open(dir, "")
	require.NoError(t, err)

	m1, err := LoadOrGenerate(ks, "peer-x")
	require.NoError(t, err)

	ks2, err := keystore.Open(dir, "")
	require.NoError(t, err)
	m2, err := LoadOrGenerate(ks2, "peer-x")
	require.NoError(t, err)

	assert.Equal(t, m1.PublicKey(), m2.PublicKey())
}

func TestRotateAndVerify(t *testing.T) {
	dir := t.TempDir()
	ks, err := keystore.Open(dir, "")
	require.NoError(t, err)

	id, err := identity.Generate()
	require.NoError(t, err)

	m, err := LoadOrGenerate(ks, id.PeerID.String())
	require.NoError(t, err)
	oldPub := m.PublicKey()

	_, newPub, announcement, sig, err := m.Rotate(id)
	require.NoError(t, err)
	assert.NotEqual(t, oldPub, newPub)
	assert.Equal(t, newPub, m.PublicKey())

	err = VerifyRotation(announcement, sig, id.PublicKey, time.Now())
	assert.NoError(t, err)
}

func TestVerifyRotationRejectsSkew(t *testing.T) {
	dir := t.TempDir()
	ks, err := keystore.Open(dir, "")
	require.NoError(t, err)
	id, err := identity.Generate()
	require.NoError(t, err)
	m, err := LoadOrGenerate(ks, id.PeerID.String())
	require.NoError(t, err)

	_, _, announcement, sig, err := m.Rotate(id)
	require.NoError(t, err)

	farFuture := time.Now().Add(1 * time.Hour)
	err = VerifyRotation(announcement, sig, id.PublicKey, farFuture)
	assert.Error(t, err)
}

func TestVerifyRotationRejectsTamperedSignature(t *testing.T) {
	dir := t.TempDir()
	ks, err := keystore.Open(dir, "")
	require.NoError(t, err)
	id, err := identity.Generate()
	require.NoError(t, err)
	m, err := LoadOrGenerate(ks, id.PeerID.String())
	require.NoError(t, err)

	_, _, announcement, sig, err := m.Rotate(id)
	require.NoError(t, err)
	sig[0] ^= 0xFF

	err = VerifyRotation(announcement, sig, id.PublicKey, time.Now())
	assert.Error(t, err)
}

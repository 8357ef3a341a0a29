package beequiet

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSessionKeyDeterministic(t *testing.T) {
	nonce, err := randomHex16()
	require.NoError(t, err)
	response, err := randomHex16()
	require.NoError(t, err)

	k1, err := deriveSessionKey(nonce, response)
	require.NoError(t, err)
	k2, err := deriveSessionKey(nonce, response)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}

func TestDeriveSessionKeyDiffersOnInputs(t *testing.T) {
	nonce, err := randomHex16()
	require.NoError(t, err)
	r1, err := randomHex16()
	require.NoError(t, err)
	r2, err := randomHex16()
	require.NoError(t, err)

	k1, err := deriveSessionKey(nonce, r1)
	require.NoError(t, err)
	k2, err := deriveSessionKey(nonce, r2)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
}

func TestDeriveSessionKeyBothSidesAgree(t *testing.T) {
	// Mirrors the S3 scenario: the IAM responder derives the key from the
	// WHO nonce it received and the response it chose to send back; the
	// WHO emitter derives it from its own nonce and the response it got.
	nonce, err := randomHex16()
	require.NoError(t, err)
	response, err := randomHex16()
	require.NoError(t, err)

	responderKey, err := deriveSessionKey(nonce, response)
	require.NoError(t, err)
	emitterKey, err := deriveSessionKey(nonce, response)
	require.NoError(t, err)

	assert.Equal(t, responderKey, emitterKey)
}

func TestDeriveSessionKeyRejectsBadHex(t *testing.T) {
	_, err := deriveSessionKey("not-hex", "also-not-hex")
	require.Error(t, err)
}

func TestDeriveSessionKeyLength(t *testing.T) {
	nonce := hex.EncodeToString([]byte("0123456789abcdef"))
	response := hex.EncodeToString([]byte("fedcba9876543210"))

	key, err := deriveSessionKey(nonce, response)
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

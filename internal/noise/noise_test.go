package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateStatic(t *testing.T) (priv [DHPrivSize]byte, pub [DHKeySize]byte) {
	t.Helper()
	var err error
	priv, pub, err = generateEphemeral()
	require.NoError(t, err)
	return
}

func TestFullHandshakeAndTransport(t *testing.T) {
	iPriv, iPub := generateStatic(t)
	rPriv, rPub := generateStatic(t)

	initiator := NewChannel()
	responder := NewChannel()

	msg1, err := initiator.Start(RoleInitiator, iPriv, iPub)
	require.NoError(t, err)

	_, err = responder.Start(RoleResponder, rPriv, rPub)
	require.NoError(t, err)

	msg2, err := responder.Process(msg1)
	require.NoError(t, err)
	require.NotNil(t, msg2)

	msg3, err := initiator.Process(msg2)
	require.NoError(t, err)
	require.NotNil(t, msg3)

	_, err = responder.Process(msg3)
	require.NoError(t, err)

	assert.Equal(t, StateTransport, initiator.State())
	assert.Equal(t, StateTransport, responder.State())

	iHash, ok := initiator.HandshakeHash()
	require.True(t, ok)
	rHash, ok := responder.HandshakeHash()
	require.True(t, ok)
	assert.Equal(t, iHash, rHash)

	iRemote, ok := initiator.RemoteStaticKey()
	require.True(t, ok)
	assert.Equal(t, rPub, iRemote)
	rRemote, ok := responder.RemoteStaticKey()
	require.True(t, ok)
	assert.Equal(t, iPub, rRemote)

	plaintext := []byte("the quick brown fox")
	ct, err := initiator.Encrypt(plaintext)
	require.NoError(t, err)
	pt, err := responder.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)

	ct2, err := responder.Encrypt([]byte("reply"))
	require.NoError(t, err)
	pt2, err := initiator.Decrypt(ct2)
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), pt2)
}

func TestRekeyProducesDistinctCiphertextsForSamePlaintext(t *testing.T) {
	iPriv, iPub := generateStatic(t)
	rPriv, rPub := generateStatic(t)

	initiator := NewChannel()
	responder := NewChannel()
	msg1, err := initiator.Start(RoleInitiator, iPriv, iPub)
	require.NoError(t, err)
	_, err = responder.Start(RoleResponder, rPriv, rPub)
	require.NoError(t, err)
	msg2, err := responder.Process(msg1)
	require.NoError(t, err)
	msg3, err := initiator.Process(msg2)
	require.NoError(t, err)
	_, err = responder.Process(msg3)
	require.NoError(t, err)

	plaintext := []byte("same message")
	before, err := initiator.Encrypt(plaintext)
	require.NoError(t, err)

	require.NoError(t, initiator.Rekey())
	require.NoError(t, responder.Rekey())

	after, err := initiator.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	pt, err := responder.Decrypt(after)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestProcessRejectsMalformedHandshakeMessage(t *testing.T) {
	iPriv, iPub := generateStatic(t)
	initiator := NewChannel()
	msg1, err := initiator.Start(RoleInitiator, iPriv, iPub)
	require.NoError(t, err)
	require.NotNil(t, msg1)

	// Initiator is awaiting message2; feeding garbage should fail, not panic.
	_, err = initiator.Process([]byte("garbage"))
	assert.Error(t, err)
	assert.Equal(t, StateClosed, initiator.State())
}

func TestEncryptBeforeHandshakeFails(t *testing.T) {
	c := NewChannel()
	_, err := c.Encrypt([]byte("too early"))
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestTamperedCiphertextRejected(t *testing.T) {
	iPriv, iPub := generateStatic(t)
	rPriv, rPub := generateStatic(t)
	initiator := NewChannel()
	responder := NewChannel()
	msg1, err := initiator.Start(RoleInitiator, iPriv, iPub)
	require.NoError(t, err)
	_, err = responder.Start(RoleResponder, rPriv, rPub)
	require.NoError(t, err)
	msg2, err := responder.Process(msg1)
	require.NoError(t, err)
	msg3, err := initiator.Process(msg2)
	require.NoError(t, err)
	_, err = responder.Process(msg3)
	require.NoError(t, err)

	ct, err := initiator.Encrypt([]byte("payload"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF

	_, err = responder.Decrypt(ct)
	assert.Error(t, err)
	assert.Equal(t, StateClosed, responder.State())
}

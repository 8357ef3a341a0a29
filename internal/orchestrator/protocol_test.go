package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webfirstlanguage/beenet/internal/transfer"
)

func TestEncodeDecodeProofRoundTrip(t *testing.T) {
	var h1, h2 transfer.Hash
	h1[0] = 0xAB
	h2[0] = 0xCD
	p := transfer.Proof{LeafIndex: 3, Siblings: []transfer.Hash{h1, h2}}

	w := encodeProof(p)
	require.Len(t, w.Siblings, 2)

	got, err := decodeProof(w)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodeProofRejectsMalformedHex(t *testing.T) {
	_, err := decodeProof(proofWire{LeafIndex: 0, Siblings: []string{"not-hex"}})
	assert.ErrorIs(t, err, errInvalidProof)
}

func TestDecodeProofRejectsWrongLength(t *testing.T) {
	_, err := decodeProof(proofWire{LeafIndex: 0, Siblings: []string{"aabb"}})
	assert.ErrorIs(t, err, errInvalidProof)
}

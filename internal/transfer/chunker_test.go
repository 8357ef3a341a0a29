package transfer

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerateReassembleRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 10*MinChunkSize+37)
	rng.Read(data)

	chunks := Enumerate(data, MinChunkSize)
	out, err := Reassemble(chunks)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out))
}

func TestEnumerateLastChunkShorter(t *testing.T) {
	data := make([]byte, MinChunkSize+10)
	chunks := Enumerate(data, MinChunkSize)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0].Bytes, MinChunkSize)
	assert.Len(t, chunks[1].Bytes, 10)
}

func TestEnumerateEmptyData(t *testing.T) {
	assert.Nil(t, Enumerate(nil, MinChunkSize))
}

func TestEnumerateDefaultsNonPositiveChunkSize(t *testing.T) {
	data := make([]byte, DefaultChunkSize*2)
	chunks := Enumerate(data, 0)
	assert.Len(t, chunks, 2)
}

func TestReassembleDetectsGap(t *testing.T) {
	chunks := []Chunk{{Index: 0, Bytes: []byte("a")}, {Index: 2, Bytes: []byte("c")}}
	_, err := Reassemble(chunks)
	assert.Error(t, err)
}

func TestReassembleHandlesOutOfOrderInput(t *testing.T) {
	chunks := []Chunk{
		{Index: 2, Bytes: []byte("c")},
		{Index: 0, Bytes: []byte("a")},
		{Index: 1, Bytes: []byte("b")},
	}
	out, err := Reassemble(chunks)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
}

func TestNegotiateChunkSizeTakesMin(t *testing.T) {
	assert.Equal(t, 8192, NegotiateChunkSize(8192, 32768))
	assert.Equal(t, 8192, NegotiateChunkSize(32768, 8192))
}

func TestNegotiateChunkSizeClampsToBounds(t *testing.T) {
	assert.Equal(t, MinChunkSize, NegotiateChunkSize(1, MinChunkSize))
	assert.Equal(t, MaxChunkSize, NegotiateChunkSize(10*MaxChunkSize, 10*MaxChunkSize))
}

func TestNegotiateChunkSizeRejectsNonPositiveProposal(t *testing.T) {
	assert.Equal(t, DefaultChunkSize, NegotiateChunkSize(0, 0))
	assert.Equal(t, DefaultChunkSize, NegotiateChunkSize(-5, -5))
}

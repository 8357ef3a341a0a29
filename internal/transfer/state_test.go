package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	state := State{
		TransferID:      NewTransferID(),
		TotalChunks:     10,
		CompletedChunks: []int{0, 1, 2, 5},
		ChunkSize:       DefaultChunkSize,
		MerkleRoot:      hashToHex(Hash{1, 2, 3}),
		Progress:        0.4,
	}

	require.NoError(t, SaveState(path, state))

	loaded, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestLoadStateMissingFile(t *testing.T) {
	_, err := LoadState(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadStateRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, SaveState(path, State{TransferID: "x"}))

	// Overwrite with garbage and confirm LoadState surfaces the error
	// rather than panicking.
	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, SaveState(badPath, State{TransferID: "y"}))
	require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0o644))
	var loadErr error
	assert.NotPanics(t, func() {
		_, loadErr = LoadState(badPath)
	})
	assert.Error(t, loadErr)
}

func TestMissingChunksComplement(t *testing.T) {
	missing := MissingChunks(5, []int{0, 2, 4})
	assert.Equal(t, []int{1, 3}, missing)
}

func TestMissingChunksAllPresent(t *testing.T) {
	missing := MissingChunks(3, []int{0, 1, 2})
	assert.Empty(t, missing)
}

func TestHashHexRoundTrip(t *testing.T) {
	h := Hash{9, 8, 7, 6}
	hex := hashToHex(h)
	back, err := hexToHash(hex)
	require.NoError(t, err)
	assert.Equal(t, h, back)
}

func TestHexToHashRejectsWrongLength(t *testing.T) {
	_, err := hexToHash("abcd")
	assert.Error(t, err)
}

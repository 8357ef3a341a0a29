package transfer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBlockData(rng *rand.Rand, n int) []byte {
	data := make([]byte, n)
	rng.Read(data)
	return data
}

func corruptPositions(rng *rand.Rand, data []byte, count int) []byte {
	corrupted := append([]byte(nil), data...)
	positions := rng.Perm(len(corrupted))[:count]
	for _, pos := range positions {
		corrupted[pos] ^= byte(1 + rng.Intn(255))
	}
	return corrupted
}

func TestEncodeDecodeBlockRoundTripNoErrors(t *testing.T) {
	cfg := DefaultECCConfig()
	rng := rand.New(rand.NewSource(1))
	data := randomBlockData(rng, 64)

	block, err := EncodeBlock(cfg, 1, data)
	require.NoError(t, err)

	recovered, err := DecodeBlock(cfg, block.Encoded, block.Checksum)
	require.NoError(t, err)
	assert.Equal(t, data, recovered)
}

// TestReedSolomonCorrectsUpToHalfECCSymbols is spec.md §8 property 9's
// success case: symbol errors at unknown positions, count <= E/2.
func TestReedSolomonCorrectsUpToHalfECCSymbols(t *testing.T) {
	cfg := DefaultECCConfig() // D=223, E=10 -> corrects up to 5 errors
	rng := rand.New(rand.NewSource(7))
	data := randomBlockData(rng, 64)

	block, err := EncodeBlock(cfg, 1, data)
	require.NoError(t, err)

	maxCorrectable := cfg.ECCSymbols / 2
	corrupted := corruptPositions(rng, block.Encoded, maxCorrectable)

	recovered, err := DecodeBlock(cfg, corrupted, block.Checksum)
	require.NoError(t, err)
	assert.Equal(t, data, recovered)
}

// TestReedSolomonFailsCleanlyBeyondCorrectionBound is property 9's
// failure case: more than E/2 errors must fail cleanly, never silently
// return wrong bytes that happen to pass.
func TestReedSolomonFailsCleanlyBeyondCorrectionBound(t *testing.T) {
	cfg := DefaultECCConfig()
	rng := rand.New(rand.NewSource(11))
	data := randomBlockData(rng, 64)

	block, err := EncodeBlock(cfg, 1, data)
	require.NoError(t, err)

	tooMany := cfg.ECCSymbols/2 + 1
	corrupted := corruptPositions(rng, block.Encoded, tooMany)

	_, err = DecodeBlock(cfg, corrupted, block.Checksum)
	assert.Error(t, err)
}

func TestDecodeBlockRejectsChecksumMismatchOnUncorruptedButWrongChecksum(t *testing.T) {
	cfg := DefaultECCConfig()
	rng := rand.New(rand.NewSource(3))
	data := randomBlockData(rng, 32)

	block, err := EncodeBlock(cfg, 1, data)
	require.NoError(t, err)

	var wrongChecksum [checksumSize]byte
	copy(wrongChecksum[:], block.Checksum[:])
	wrongChecksum[0] ^= 0xFF

	_, err = DecodeBlock(cfg, block.Encoded, wrongChecksum)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestECCConfigValidateRejectsOutOfRangeSymbols(t *testing.T) {
	cfg := ECCConfig{DataBlockSize: 223, ECCSymbols: 1}
	assert.ErrorIs(t, cfg.validate(), ErrInvalidECCConfig)

	cfg2 := ECCConfig{DataBlockSize: 250, ECCSymbols: 10}
	assert.ErrorIs(t, cfg2.validate(), ErrInvalidECCConfig)
}

func TestEncodeBlockRejectsOversizedData(t *testing.T) {
	cfg := DefaultECCConfig()
	_, err := EncodeBlock(cfg, 1, make([]byte, cfg.DataBlockSize+1))
	assert.Error(t, err)
}

func TestEncodeBlockRejectsEmptyData(t *testing.T) {
	cfg := DefaultECCConfig()
	_, err := EncodeBlock(cfg, 1, nil)
	assert.Error(t, err)
}

func TestGaloisFieldArithmeticIdentities(t *testing.T) {
	for a := 1; a < 256; a++ {
		v := byte(a)
		assert.Equal(t, byte(1), gfMul(v, gfInverse(v)), "a * a^-1 must be 1 for a=%d", a)
		assert.Equal(t, v, gfMul(gfDiv(v, v), v), "v/v * v should be v for a=%d", a)
	}
}

func TestGfPowMatchesRepeatedMultiplication(t *testing.T) {
	for _, a := range []byte{2, 3, 17, 200} {
		want := byte(1)
		for i := 0; i < 5; i++ {
			want = gfMul(want, a)
		}
		assert.Equal(t, want, gfPow(a, 5))
	}
}

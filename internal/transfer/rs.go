package transfer

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Reed-Solomon forward error correction over GF(2^8), generator 2,
// primitive polynomial 0x11D (spec.md §4.6.3). This codec performs true
// symbol-error correction (unknown error positions), not mere erasure
// reconstruction — see DESIGN.md for why that rules out an erasure-only
// library and why this is implemented directly.

const (
	DefaultDataBlockSize = 223
	DefaultECCSymbols    = 10
	MinECCSymbols        = 2
	MaxECCSymbols        = 128
	MaxTotalSymbols      = 255
	checksumSize         = 16
)

var (
	ErrInvalidECCConfig  = errors.New("transfer: invalid ECC configuration")
	ErrTooManyErrors     = errors.New("transfer: uncorrectable block (too many symbol errors)")
	ErrChecksumMismatch  = errors.New("transfer: recovered block failed checksum")
)

// ECCConfig parameterizes block size and redundancy.
type ECCConfig struct {
	DataBlockSize int
	ECCSymbols    int
}

// DefaultECCConfig returns the spec's default D=223, E=10.
func DefaultECCConfig() ECCConfig {
	return ECCConfig{DataBlockSize: DefaultDataBlockSize, ECCSymbols: DefaultECCSymbols}
}

func (c ECCConfig) validate() error {
	if c.ECCSymbols < MinECCSymbols || c.ECCSymbols > MaxECCSymbols {
		return fmt.Errorf("%w: ecc symbols %d outside [%d,%d]", ErrInvalidECCConfig, c.ECCSymbols, MinECCSymbols, MaxECCSymbols)
	}
	if c.DataBlockSize <= 0 || c.DataBlockSize+c.ECCSymbols > MaxTotalSymbols {
		return fmt.Errorf("%w: block size %d + ecc symbols %d exceeds %d", ErrInvalidECCConfig, c.DataBlockSize, c.ECCSymbols, MaxTotalSymbols)
	}
	return nil
}

// ECCBlock is one Reed-Solomon-coded block of original data.
type ECCBlock struct {
	BlockID  int
	Original []byte // original data, length <= DataBlockSize
	Encoded  []byte // original || parity, length <= DataBlockSize+ECCSymbols
	Checksum [checksumSize]byte
}

func blockChecksum(data []byte) [checksumSize]byte {
	var out [checksumSize]byte
	h, err := blake2b.New(checksumSize, nil)
	if err != nil {
		panic("transfer: blake2b.New(16, nil): " + err.Error())
	}
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out
}

// generatorPoly builds g(x) = prod_{i=0}^{e-1} (x - 2^i), the standard
// consecutive-roots RS generator polynomial, descending-degree form.
func generatorPoly(e int) []byte {
	g := []byte{1}
	for i := 0; i < e; i++ {
		g = gfPolyMul(g, []byte{1, gfPow(2, i)})
	}
	return g
}

// EncodeBlock produces the systematic codeword (data followed by parity
// symbols) for one block of original data, plus its checksum.
func EncodeBlock(cfg ECCConfig, blockID int, data []byte) (*ECCBlock, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data) > cfg.DataBlockSize {
		return nil, fmt.Errorf("%w: block data length %d exceeds %d", ErrInvalidECCConfig, len(data), cfg.DataBlockSize)
	}

	gen := generatorPoly(cfg.ECCSymbols)

	// Systematic encoding: msg shifted left by E, remainder of division
	// by gen is the parity.
	shifted := make([]byte, len(data)+cfg.ECCSymbols)
	copy(shifted, data)
	remainder := polyDivRemainder(shifted, gen)

	encoded := make([]byte, 0, len(data)+cfg.ECCSymbols)
	encoded = append(encoded, data...)
	encoded = append(encoded, remainder...)

	return &ECCBlock{
		BlockID:  blockID,
		Original: append([]byte(nil), data...),
		Encoded:  encoded,
		Checksum: blockChecksum(data),
	}, nil
}

// polyDivRemainder computes msg mod divisor over GF(256), both given in
// descending-degree coefficient form, returning a remainder of length
// len(divisor)-1.
func polyDivRemainder(msg, divisor []byte) []byte {
	work := append([]byte(nil), msg...)
	for i := 0; i <= len(msg)-len(divisor); i++ {
		coef := work[i]
		if coef == 0 {
			continue
		}
		for j := 0; j < len(divisor); j++ {
			if divisor[j] == 0 {
				continue
			}
			work[i+j] ^= gfMul(divisor[j], coef)
		}
	}
	return work[len(msg)-(len(divisor)-1):]
}

// DecodeBlock attempts to recover the original data from a possibly
// corrupted codeword, correcting up to ECCSymbols/2 symbol errors at
// unknown positions and validating the recovered bytes against checksum.
func DecodeBlock(cfg ECCConfig, encoded []byte, checksum [checksumSize]byte) ([]byte, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(encoded) == 0 || len(encoded) > cfg.DataBlockSize+cfg.ECCSymbols {
		return nil, fmt.Errorf("%w: encoded length %d invalid", ErrInvalidECCConfig, len(encoded))
	}
	dataLen := len(encoded) - cfg.ECCSymbols

	corrected, err := rsCorrect(encoded, cfg.ECCSymbols)
	if err != nil {
		return nil, err
	}

	data := corrected[:dataLen]
	if blockChecksum(data) != checksum {
		return nil, ErrChecksumMismatch
	}
	return data, nil
}

// rsCorrect runs syndrome computation, Berlekamp-Massey, Chien search and
// Forney correction over a codeword with e parity symbols. Returns the
// corrected codeword, or ErrTooManyErrors if more than e/2 symbols are
// wrong.
func rsCorrect(codeword []byte, e int) ([]byte, error) {
	syndromes := computeSyndromes(codeword, e)
	if allZero(syndromes) {
		return codeword, nil // no errors
	}

	errLocator := berlekampMassey(syndromes)
	numErrors := len(errLocator) - 1
	if numErrors <= 0 || numErrors > e/2 {
		return nil, ErrTooManyErrors
	}

	errPositions, ok := chienSearch(errLocator, len(codeword))
	if !ok || len(errPositions) != numErrors {
		return nil, ErrTooManyErrors
	}

	magnitudes, err := forney(syndromes, errLocator, errPositions, len(codeword))
	if err != nil {
		return nil, ErrTooManyErrors
	}

	corrected := append([]byte(nil), codeword...)
	for i, pos := range errPositions {
		idx := len(codeword) - 1 - pos
		if idx < 0 || idx >= len(corrected) {
			return nil, ErrTooManyErrors
		}
		corrected[idx] ^= magnitudes[i]
	}

	verify := computeSyndromes(corrected, e)
	if !allZero(verify) {
		return nil, ErrTooManyErrors
	}
	return corrected, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// computeSyndromes evaluates the received codeword polynomial at
// 2^0..2^(e-1). codeword is given highest-degree-first (as produced by
// EncodeBlock).
func computeSyndromes(codeword []byte, e int) []byte {
	syn := make([]byte, e)
	for i := 0; i < e; i++ {
		syn[i] = gfPolyEval(codeword, gfPow(2, i))
	}
	return syn
}

// berlekampMassey finds the shortest LFSR (error locator polynomial) that
// generates the syndrome sequence, descending-degree coefficients with
// leading term 1.
func berlekampMassey(syndromes []byte) []byte {
	c := make([]byte, len(syndromes)+1)
	b := make([]byte, len(syndromes)+1)
	c[0], b[0] = 1, 1
	l := 0
	m := 1
	bCoef := byte(1)

	for n := 0; n < len(syndromes); n++ {
		delta := syndromes[n]
		for i := 1; i <= l; i++ {
			delta ^= gfMul(c[i], syndromes[n-i])
		}
		if delta == 0 {
			m++
		} else if 2*l <= n {
			t := append([]byte(nil), c...)
			coef := gfDiv(delta, bCoef)
			for i := 0; i < len(b)-m; i++ {
				c[i+m] ^= gfMul(coef, b[i])
			}
			l = n + 1 - l
			b = t
			bCoef = delta
			m = 1
		} else {
			coef := gfDiv(delta, bCoef)
			for i := 0; i < len(b)-m; i++ {
				c[i+m] ^= gfMul(coef, b[i])
			}
			m++
		}
	}

	out := make([]byte, l+1)
	for i := 0; i <= l; i++ {
		out[l-i] = c[i]
	}
	return out
}

// chienSearch finds the roots of the error locator polynomial by brute
// force evaluation, returning error positions as offsets from the end of
// a codeword of length n (i.e. position 0 = last symbol).
func chienSearch(locator []byte, n int) ([]int, bool) {
	var positions []int
	for i := 0; i < n; i++ {
		x := gfPow(2, i)
		xInv := gfInverse(x)
		if gfPolyEval(locator, xInv) == 0 {
			positions = append(positions, i)
		}
	}
	return positions, true
}

// forney computes error magnitudes at the located positions using the
// error evaluator polynomial.
func forney(syndromes, locator []byte, positions []int, n int) ([]byte, error) {
	// Error evaluator: omega(x) = [S(x) * locator(x)] mod x^(len(syndromes))
	sPoly := make([]byte, len(syndromes))
	for i, s := range syndromes {
		sPoly[len(syndromes)-1-i] = s
	}
	full := gfPolyMul(reverse(locator), sPoly)
	omega := full
	if len(full) > len(syndromes) {
		omega = full[len(full)-len(syndromes):]
	}
	omega = reverse(omega)

	locatorDeriv := formalDerivative(reverse(locator))

	magnitudes := make([]byte, len(positions))
	for i, pos := range positions {
		x := gfPow(2, pos)
		xInv := gfInverse(x)
		num := gfPolyEval(reverse(omega), xInv)
		den := gfPolyEval(reverse(locatorDeriv), xInv)
		if den == 0 {
			return nil, errors.New("transfer: forney: zero derivative")
		}
		magnitudes[i] = gfMul(num, gfInverse(den))
	}
	return magnitudes, nil
}

func reverse(p []byte) []byte {
	out := make([]byte, len(p))
	for i, v := range p {
		out[len(p)-1-i] = v
	}
	return out
}

// formalDerivative computes the formal derivative of ascending-order
// coefficients (index i = coefficient of x^i), dropping even-power terms
// per GF(2^k) characteristic-2 arithmetic.
func formalDerivative(ascending []byte) []byte {
	if len(ascending) == 0 {
		return nil
	}
	out := make([]byte, len(ascending)-1)
	for i := 1; i < len(ascending); i++ {
		if i%2 == 1 {
			out[i-1] = ascending[i]
		}
	}
	return out
}

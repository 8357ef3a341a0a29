package transfer

import "fmt"

const (
	MinChunkSize     = 4 * 1024
	MaxChunkSize     = 64 * 1024
	DefaultChunkSize = 16 * 1024
)

func clampChunkSize(v int) int {
	if v < MinChunkSize {
		return MinChunkSize
	}
	if v > MaxChunkSize {
		return MaxChunkSize
	}
	return v
}

// NegotiateChunkSize implements spec.md §4.6.1's negotiation rule:
// agreed = clamp(min(proposed, peerMax), 4KiB, 64KiB), with invalid
// (non-positive) proposals replaced by the default before clamping.
func NegotiateChunkSize(proposed, peerMax int) int {
	if proposed <= 0 {
		proposed = DefaultChunkSize
	}
	if peerMax <= 0 {
		peerMax = DefaultChunkSize
	}
	agreed := proposed
	if peerMax < agreed {
		agreed = peerMax
	}
	return clampChunkSize(agreed)
}

// Chunk is one (index, bytes) pair produced by enumeration.
type Chunk struct {
	Index int
	Bytes []byte
}

// Enumerate splits data into chunks of chunkSize bytes, the final chunk
// possibly shorter.
func Enumerate(data []byte, chunkSize int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(data) == 0 {
		return nil
	}
	n := (len(data) + chunkSize - 1) / chunkSize
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, Chunk{Index: i, Bytes: data[start:end]})
	}
	return chunks
}

// Reassemble materializes a dense 0..maxIndex byte range from a possibly
// out-of-order set of chunks. A gap in the index range is fatal.
func Reassemble(chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	byIndex := make(map[int][]byte, len(chunks))
	maxIndex := 0
	for _, c := range chunks {
		byIndex[c.Index] = c.Bytes
		if c.Index > maxIndex {
			maxIndex = c.Index
		}
	}
	var out []byte
	for i := 0; i <= maxIndex; i++ {
		b, ok := byIndex[i]
		if !ok {
			return nil, fmt.Errorf("transfer: gap in chunk sequence at index %d", i)
		}
		out = append(out, b...)
	}
	return out, nil
}

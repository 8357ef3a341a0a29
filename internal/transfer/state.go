package transfer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// NewTransferID mints a fresh transfer identifier for a new send.
func NewTransferID() string {
	return uuid.NewString()
}

// State is the resumable JSON snapshot of a transfer (spec.md §6
// persistence / §4.6.5 resume).
type State struct {
	TransferID      string `json:"transfer_id"`
	TotalChunks     int    `json:"total_chunks"`
	CompletedChunks []int  `json:"completed_chunks"`
	ChunkSize       int    `json:"chunk_size"`
	MerkleRoot      string `json:"merkle_root"` // hex
	Progress        float64 `json:"progress"`
}

// SaveState atomically writes state to path (temp file + rename), the
// same discipline internal/keystore uses for its own persistence.
func SaveState(path string, state State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("transfer: create state directory: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("transfer: marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("transfer: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("transfer: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("transfer: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("transfer: rename state into place: %w", err)
	}
	return nil
}

// LoadState reads a previously saved state file.
func LoadState(path string) (State, error) {
	var s State
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("transfer: read state: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("transfer: invalid state file: %w", err)
	}
	return s, nil
}

// MissingChunks returns the complement of completed within [0, total).
func MissingChunks(total int, completed []int) []int {
	have := make(map[int]bool, len(completed))
	for _, c := range completed {
		have[c] = true
	}
	var missing []int
	for i := 0; i < total; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

func sortedCopy(indices map[int]bool) []int {
	out := make([]int, 0, len(indices))
	for i := range indices {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func hashToHex(h Hash) string  { return hex.EncodeToString(h[:]) }
func hexToHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("transfer: merkle root must decode to %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

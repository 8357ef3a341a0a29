package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Sender and Receiver implement the chunked transfer lifecycle from
// spec.md §4.6.5. Framing and delivery of chunks over the wire is the
// orchestrator/connection layer's job; these types hold the
// content-addressed bookkeeping (tree, proofs, completed set, resume
// state) that layer drives.

var (
	ErrRootMismatch   = errors.New("transfer: merkle root does not match expected")
	ErrProofFailed    = errors.New("transfer: chunk failed proof verification")
	ErrAlreadyClosed  = errors.New("transfer: receiver already closed")
	ErrUnknownChunk   = errors.New("transfer: chunk index out of range")
)

// Sender holds the full file in memory, chunked and hashed into a
// Merkle tree, and tracks delivery progress through a FlowController.
type Sender struct {
	mu        sync.Mutex
	log       *slog.Logger
	chunks    []Chunk
	tree      *MerkleTree
	chunkSize int
	acked     map[int]bool
	fc        *FlowController
}

// NewSender chunks data at chunkSize and builds its Merkle tree.
func NewSender(log *slog.Logger, data []byte, chunkSize int) *Sender {
	if log == nil {
		log = slog.Default()
	}
	chunkSize = clampChunkSize(chunkSize)
	chunks := Enumerate(data, chunkSize)
	byteSlices := make([][]byte, len(chunks))
	for i, c := range chunks {
		byteSlices[i] = c.Bytes
	}
	return &Sender{
		log:       log.With("component", "transfer.sender"),
		chunks:    chunks,
		tree:      NewMerkleTree(byteSlices),
		chunkSize: chunkSize,
		acked:     make(map[int]bool),
		fc:        NewFlowController(chunkSize),
	}
}

// Root returns the Merkle root to be published to the receiver before
// transfer begins.
func (s *Sender) Root() Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Root()
}

// TotalChunks returns the chunk count.
func (s *Sender) TotalChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// ChunkSize returns the negotiated chunk size.
func (s *Sender) ChunkSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkSize
}

// ChunkAndProof returns the chunk bytes and inclusion proof for index.
func (s *Sender) ChunkAndProof(index int) (Chunk, Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.chunks) {
		return Chunk{}, Proof{}, ErrUnknownChunk
	}
	proof, ok := s.tree.ProofFor(index)
	if !ok {
		return Chunk{}, Proof{}, ErrUnknownChunk
	}
	return s.chunks[index], proof, nil
}

// FlowController exposes the sender's admission controller so the
// connection layer can pace sends and feed back acks/congestion.
func (s *Sender) FlowController() *FlowController {
	return s.fc
}

// MarkAcked records a chunk as acknowledged by the receiver.
func (s *Sender) MarkAcked(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked[index] = true
}

// Pending returns indices not yet acknowledged, in order.
func (s *Sender) Pending() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []int
	for i := range s.chunks {
		if !s.acked[i] {
			pending = append(pending, i)
		}
	}
	return pending
}

// Done reports whether every chunk has been acknowledged.
func (s *Sender) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked) == len(s.chunks)
}

// Progress returns the fraction of chunks acknowledged, in [0,1].
func (s *Sender) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) == 0 {
		return 1
	}
	return float64(len(s.acked)) / float64(len(s.chunks))
}

// Receiver reconstructs a file on disk from verified chunks, pre-sizing
// the destination up front and tracking a resumable completed set.
type Receiver struct {
	mu           sync.Mutex
	log          *slog.Logger
	path         string
	file         *os.File
	transferID   string
	expectedRoot Hash
	totalChunks  int
	chunkSize    int
	completed    map[int]bool
	eccConfig    ECCConfig
	closed       bool
}

// StartReceive opens the destination file (creating it if absent, keeping
// any existing bytes), sets its size to totalChunks*chunkSize, and
// returns a Receiver ready to accept
// chunks (spec.md §4.6.5 start_receive).
func StartReceive(log *slog.Logger, transferID, path string, expectedRoot Hash, totalChunks, chunkSize int) (*Receiver, error) {
	if log == nil {
		log = slog.Default()
	}
	if totalChunks <= 0 {
		return nil, fmt.Errorf("transfer: total chunks must be positive, got %d", totalChunks)
	}
	chunkSize = clampChunkSize(chunkSize)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transfer: open destination: %w", err)
	}
	if err := f.Truncate(int64(totalChunks) * int64(chunkSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("transfer: pre-size destination: %w", err)
	}

	return &Receiver{
		log:          log.With("component", "transfer.receiver", "transfer_id", transferID),
		path:         path,
		file:         f,
		transferID:   transferID,
		expectedRoot: expectedRoot,
		totalChunks:  totalChunks,
		chunkSize:    chunkSize,
		completed:    make(map[int]bool),
		eccConfig:    DefaultECCConfig(),
	}, nil
}

// ResumeReceive reopens an in-progress destination file against a saved
// State, restoring the completed-chunk set without re-verifying bytes
// already on disk.
func ResumeReceive(log *slog.Logger, path string, state State) (*Receiver, error) {
	root, err := hexToHash(state.MerkleRoot)
	if err != nil {
		return nil, fmt.Errorf("transfer: resume: %w", err)
	}
	r, err := StartReceive(log, state.TransferID, path, root, state.TotalChunks, state.ChunkSize)
	if err != nil {
		return nil, err
	}
	for _, idx := range state.CompletedChunks {
		r.completed[idx] = true
	}
	return r, nil
}

// SetECCConfig overrides the default Reed-Solomon parameters used for
// enhanced proof verification recovery attempts.
func (r *Receiver) SetECCConfig(cfg ECCConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eccConfig = cfg
}

// AcceptChunk implements spec.md §4.6.3's enhanced proof verification:
// first try the chunk as delivered against its Merkle proof; if that
// fails and an ECC block was supplied, attempt Reed-Solomon recovery,
// recompute the leaf hash from the corrected bytes, and re-verify
// before accepting. A nil ecc with a failing proof is a hard failure.
func (r *Receiver) AcceptChunk(index int, data []byte, proof Proof, ecc *ECCBlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrAlreadyClosed
	}
	if index < 0 || index >= r.totalChunks {
		return ErrUnknownChunk
	}
	if r.completed[index] {
		return nil // already have it, idempotent
	}

	leaf := hashLeaf(data)
	verified := VerifyProof(leaf, proof, r.expectedRoot)
	payload := data

	if !verified {
		if ecc == nil {
			r.log.Warn("chunk failed verification, no ecc available", "index", index)
			return ErrProofFailed
		}
		recovered, err := DecodeBlock(r.eccConfig, ecc.Encoded, ecc.Checksum)
		if err != nil {
			r.log.Warn("ecc recovery failed", "index", index, "err", err)
			return fmt.Errorf("%w: %v", ErrProofFailed, err)
		}
		recoveredLeaf := hashLeaf(recovered)
		if !VerifyProof(recoveredLeaf, proof, r.expectedRoot) {
			r.log.Warn("ecc-recovered chunk still fails proof", "index", index)
			return ErrProofFailed
		}
		r.log.Info("recovered chunk via reed-solomon", "index", index)
		payload = recovered
	}

	offset := int64(index) * int64(r.chunkSize)
	if _, err := r.file.WriteAt(payload, offset); err != nil {
		return fmt.Errorf("transfer: write chunk %d: %w", index, err)
	}
	r.completed[index] = true
	return nil
}

// Progress returns the fraction of chunks received, in [0,1].
func (r *Receiver) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.totalChunks == 0 {
		return 1
	}
	return float64(len(r.completed)) / float64(r.totalChunks)
}

// Complete reports whether every chunk has been received.
func (r *Receiver) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed) == r.totalChunks
}

// Missing returns the indices not yet received, in order.
func (r *Receiver) Missing() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return MissingChunks(r.totalChunks, sortedCopy(r.completed))
}

// State snapshots the receiver's resumable progress.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		TransferID:      r.transferID,
		TotalChunks:     r.totalChunks,
		CompletedChunks: sortedCopy(r.completed),
		ChunkSize:       r.chunkSize,
		MerkleRoot:      hashToHex(r.expectedRoot),
		Progress:        float64(len(r.completed)) / float64(r.totalChunks),
	}
}

// VerifyCompleteFile rereads the destination file from disk, rebuilds
// its Merkle tree chunk-by-chunk, and confirms the root matches what
// was expected — the final end-to-end integrity check once every
// chunk has been accepted.
func (r *Receiver) VerifyCompleteFile() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.completed) != r.totalChunks {
		return fmt.Errorf("transfer: cannot verify incomplete transfer (%d/%d chunks)", len(r.completed), r.totalChunks)
	}

	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("transfer: stat destination: %w", err)
	}
	size := info.Size()

	leaves := make([]Hash, r.totalChunks)
	buf := make([]byte, r.chunkSize)
	for i := 0; i < r.totalChunks; i++ {
		offset := int64(i) * int64(r.chunkSize)
		n := r.chunkSize
		if offset+int64(n) > size {
			n = int(size - offset)
		}
		if n <= 0 {
			return fmt.Errorf("transfer: destination truncated at chunk %d", i)
		}
		if _, err := r.file.ReadAt(buf[:n], offset); err != nil {
			return fmt.Errorf("transfer: read chunk %d for verification: %w", i, err)
		}
		leaves[i] = hashLeaf(buf[:n])
	}

	tree := NewMerkleTreeFromLeaves(leaves)
	if tree.Root() != r.expectedRoot {
		return ErrRootMismatch
	}
	return nil
}

// Close releases the underlying file handle.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

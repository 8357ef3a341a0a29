package orchestrator

import (
	"encoding/hex"

	"github.com/webfirstlanguage/beenet/internal/transfer"
)

// wireMessageType enumerates the post-handshake application messages a
// Connection exchanges. Framing/encryption is Connection's job; these
// are its plaintext payload shapes.
type wireMessageType string

const (
	msgHello            wireMessageType = "hello"
	msgTransferStart    wireMessageType = "transfer_start"
	msgChunk            wireMessageType = "chunk"
	msgChunkAck         wireMessageType = "chunk_ack"
	msgTransferComplete wireMessageType = "transfer_complete"
	msgPing             wireMessageType = "ping"
	msgPong             wireMessageType = "pong"
)

// wireMessage is the single envelope every application-level message on
// a Connection uses; exactly one of the typed fields is populated per
// Type.
type wireMessage struct {
	Type wireMessageType `json:"type"`

	Hello         *helloPayload            `json:"hello,omitempty"`
	TransferStart *transferStartPayload    `json:"transfer_start,omitempty"`
	Chunk         *chunkPayload            `json:"chunk,omitempty"`
	ChunkAck      *chunkAckPayload         `json:"chunk_ack,omitempty"`
	Complete      *transferCompletePayload `json:"complete,omitempty"`
}

// helloPayload binds the long-term Ed25519 identity to this Noise
// session: the sender signs the session's handshake hash, so a verifier
// knows the identity behind the session's ephemeral static key, not just
// that *some* key completed the XX handshake (spec.md §4.3's rotation
// announcement uses the same sign-over-canonical-bytes pattern).
type helloPayload struct {
	PeerID         string `json:"peer_id"`
	IdentityPubKey string `json:"identity_pubkey"` // hex
	Signature      string `json:"signature"`       // hex, over the handshake hash
}

type transferStartPayload struct {
	TransferID  string `json:"transfer_id"`
	TotalChunks int    `json:"total_chunks"`
	ChunkSize   int    `json:"chunk_size"`
	MerkleRoot  string `json:"merkle_root"` // hex
	FileSize    int64  `json:"file_size"`
}

type proofWire struct {
	LeafIndex int      `json:"leaf_index"`
	Siblings  []string `json:"siblings"` // hex-encoded 32-byte hashes
}

func encodeProof(p transfer.Proof) proofWire {
	siblings := make([]string, len(p.Siblings))
	for i, s := range p.Siblings {
		siblings[i] = hex.EncodeToString(s[:])
	}
	return proofWire{LeafIndex: p.LeafIndex, Siblings: siblings}
}

func decodeProof(w proofWire) (transfer.Proof, error) {
	siblings := make([]transfer.Hash, len(w.Siblings))
	for i, s := range w.Siblings {
		b, err := hex.DecodeString(s)
		if err != nil || len(b) != transfer.HashSize {
			return transfer.Proof{}, errInvalidProof
		}
		copy(siblings[i][:], b)
	}
	return transfer.Proof{LeafIndex: w.LeafIndex, Siblings: siblings}, nil
}

type chunkPayload struct {
	TransferID string    `json:"transfer_id"`
	Index      int       `json:"index"`
	Bytes      []byte    `json:"bytes"` // json marshals []byte as base64
	Proof      proofWire `json:"proof"`
}

type chunkAckPayload struct {
	TransferID string `json:"transfer_id"`
	Index      int    `json:"index"`
}

type transferCompletePayload struct {
	TransferID string `json:"transfer_id"`
}

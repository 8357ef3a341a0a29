package identity

import (
	"encoding/base32"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// PeerIDSize is the byte length of a peer-id before base32 encoding: a
// BLAKE2b-128 digest (spec.md §3 data model).
const PeerIDSize = 16

// PeerID is a stable short identifier derived from an identity public key.
type PeerID [PeerIDSize]byte

var peerIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// DerivePeerID computes BLAKE2b-128(pubkey) and returns it, matching
// spec.md §4.2: "BLAKE2b digest, 16 bytes, base32-lowercase, `=` stripped".
func DerivePeerID(pubKey []byte) PeerID {
	h, err := blake2b.New(PeerIDSize, nil)
	if err != nil {
		// Only returned for invalid output sizes/keyed-hash key lengths;
		// PeerIDSize (16) and a nil key are always valid.
		panic("identity: blake2b.New(16, nil): " + err.Error())
	}
	h.Write(pubKey)
	sum := h.Sum(nil)
	var id PeerID
	copy(id[:], sum)
	return id
}

// String returns the lowercase, unpadded base32 encoding of the peer-id.
func (p PeerID) String() string {
	return strings.ToLower(peerIDEncoding.EncodeToString(p[:]))
}

// IsZero reports whether p is the all-zero peer-id.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// ParsePeerID decodes a base32-lowercase peer-id string produced by String.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	decoded, err := peerIDEncoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return id, fmt.Errorf("invalid peer-id %q: %w", s, err)
	}
	if len(decoded) != PeerIDSize {
		return id, fmt.Errorf("peer-id must decode to %d bytes, got %d", PeerIDSize, len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

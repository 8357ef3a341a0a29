// Package identity provides the long-term Ed25519 signing keypair each
// peer uses to authenticate itself, independent of the Noise static key
// used for channel encryption (see internal/statickeys).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/webfirstlanguage/beenet/internal/keystore"
)

const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
)

// Identity holds a node's long-term Ed25519 signing keypair and derived
// peer-id.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	PeerID     PeerID
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		PeerID:     DerivePeerID(pub),
	}, nil
}

// FromPrivateKey recreates an identity from a raw 64-byte Ed25519 private key.
func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		PeerID:     DerivePeerID(pub),
	}, nil
}

// keyRecordID is the keystore record id holding the identity's private key
// for the given peer-id, matching the "identity_<peer-id>" convention from
// spec.md's data model.
func keyRecordID(peerID string) string {
	return "identity_" + peerID
}

// LoadOrGenerate loads a persisted identity from ks, or generates and
// stores a fresh one. Because the peer-id is derived from the key itself,
// we first check for any existing "identity_*" record before generating.
func LoadOrGenerate(ks *keystore.Keystore) (*Identity, error) {
	for _, id := range ks.List() {
		if len(id) > len("identity_") && id[:len("identity_")] == "identity_" {
			data, ok := ks.Get(id)
			if !ok {
				continue
			}
			ident, err := FromPrivateKey(ed25519.PrivateKey(data))
			if err != nil {
				return nil, fmt.Errorf("load identity %s: %w", id, err)
			}
			return ident, nil
		}
	}

	ident, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := ks.Store(keyRecordID(ident.PeerID.String()), ident.PrivateKey, true); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return ident, nil
}

// Sign produces a 64-byte Ed25519 signature over msg.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

// VerifyResult distinguishes the three verification outcomes spec.md §4.2
// requires: a valid signature, a cryptographically rejected signature, and
// a malformed input that never reached the verification primitive.
type VerifyResult int

const (
	VerifyValid VerifyResult = iota
	VerifyInvalid
	VerifyMalformed
)

// Verify checks msg/sig against pubKey, validating lengths before invoking
// any cryptographic primitive.
func Verify(msg, sig, pubKey []byte) VerifyResult {
	if len(pubKey) != PublicKeySize || len(sig) != SignatureSize {
		return VerifyMalformed
	}
	if ed25519.Verify(pubKey, msg, sig) {
		return VerifyValid
	}
	return VerifyInvalid
}

// Rotate replaces the identity's signing keypair, returning the previous
// and new public keys. The new private key is persisted under the record
// id derived from the *new* peer-id; the old record is deleted.
func (id *Identity) Rotate(ks *keystore.Keystore) (oldPub, newPub ed25519.PublicKey, err error) {
	oldPub = id.PublicKey
	oldRecordID := keyRecordID(id.PeerID.String())

	next, err := Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("rotate identity: %w", err)
	}

	if err := ks.Store(keyRecordID(next.PeerID.String()), next.PrivateKey, true); err != nil {
		return nil, nil, fmt.Errorf("persist rotated identity: %w", err)
	}
	ks.Delete(oldRecordID)

	id.PrivateKey = next.PrivateKey
	id.PublicKey = next.PublicKey
	id.PeerID = next.PeerID

	return oldPub, id.PublicKey, nil
}

// String returns a short description naming the identity's peer-id.
func (id *Identity) String() string {
	return fmt.Sprintf("Identity{peer=%s}", id.PeerID)
}

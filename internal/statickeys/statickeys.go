// Package statickeys manages the X25519 static keypair used by the Noise
// channel's static role (spec.md §4.3), independent of the Ed25519 signing
// identity in internal/identity.
package statickeys

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/webfirstlanguage/beenet/internal/identity"
	"github.com/webfirstlanguage/beenet/internal/keystore"
)

const (
	PrivateKeySize = curve25519.ScalarSize
	PublicKeySize  = curve25519.PointSize

	// maxRotationSkew bounds how far a rotation announcement's timestamp
	// may drift from local time before a verifier rejects it.
	maxRotationSkew = 300 * time.Second
)

func keyRecordID(peerID string) string {
	return "statickey_" + peerID
}

// Manager holds the current static keypair for one peer-id.
type Manager struct {
	ks     *keystore.Keystore
	peerID string

	priv [PrivateKeySize]byte
	pub  [PublicKeySize]byte
}

// generateKeypair creates a fresh, properly clamped X25519 keypair.
func generateKeypair() (priv [PrivateKeySize]byte, pub [PublicKeySize]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate static key: %w", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("derive static public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// LoadOrGenerate loads a persisted static keypair for peerID from ks, or
// generates and stores a fresh one.
func LoadOrGenerate(ks *keystore.Keystore, peerID string) (*Manager, error) {
	m := &Manager{ks: ks, peerID: peerID}

	if data, ok := ks.Get(keyRecordID(peerID)); ok {
		if len(data) != PrivateKeySize {
			return nil, fmt.Errorf("statickeys: stored key has wrong length %d", len(data))
		}
		copy(m.priv[:], data)
		pubSlice, err := curve25519.X25519(m.priv[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("statickeys: re-derive public key: %w", err)
		}
		copy(m.pub[:], pubSlice)
		return m, nil
	}

	priv, pub, err := generateKeypair()
	if err != nil {
		return nil, err
	}
	m.priv, m.pub = priv, pub
	if err := ks.Store(keyRecordID(peerID), m.priv[:], true); err != nil {
		return nil, fmt.Errorf("statickeys: persist keypair: %w", err)
	}
	return m, nil
}

// Current returns the manager's active keypair.
func (m *Manager) Current() (priv [PrivateKeySize]byte, pub [PublicKeySize]byte) {
	return m.priv, m.pub
}

// PublicKey returns the active public key.
func (m *Manager) PublicKey() [PublicKeySize]byte {
	return m.pub
}

// RotationAnnouncement is the canonical, Identity-signed message a peer
// broadcasts after Rotate, per spec.md §4.3.
type RotationAnnouncement struct {
	Type      string `json:"type"`
	OldKey    string `json:"old_key"`
	NewKey    string `json:"new_key"`
	Timestamp int64  `json:"timestamp"`
	PeerID    string `json:"peer_id"`
}

// canonicalBytes marshals a in sorted-key form ("new_key", "old_key",
// "peer_id", "timestamp", "type"). Go's encoding/json preserves declared
// field order, so the fields are re-declared in that order in a local
// struct below rather than relying on map iteration.
func canonicalBytes(a RotationAnnouncement) ([]byte, error) {
	ordered := struct {
		NewKey    string `json:"new_key"`
		OldKey    string `json:"old_key"`
		PeerID    string `json:"peer_id"`
		Timestamp int64  `json:"timestamp"`
		Type      string `json:"type"`
	}{
		NewKey:    a.NewKey,
		OldKey:    a.OldKey,
		PeerID:    a.PeerID,
		Timestamp: a.Timestamp,
		Type:      a.Type,
	}
	return json.Marshal(ordered)
}

// Rotate generates a fresh keypair, persists it in place of the prior one,
// and returns a signed RotationAnnouncement ready to broadcast alongside
// the raw old/new public keys.
func (m *Manager) Rotate(id *identity.Identity) (oldPub, newPub [PublicKeySize]byte, announcement RotationAnnouncement, signature []byte, err error) {
	oldPub = m.pub

	priv, pub, err := generateKeypair()
	if err != nil {
		return oldPub, newPub, announcement, nil, err
	}
	if err := m.ks.Store(keyRecordID(m.peerID), priv[:], true); err != nil {
		return oldPub, newPub, announcement, nil, fmt.Errorf("statickeys: persist rotated keypair: %w", err)
	}
	m.priv, m.pub = priv, pub
	newPub = pub

	announcement = RotationAnnouncement{
		Type:      "key_rotation",
		OldKey:    hex.EncodeToString(oldPub[:]),
		NewKey:    hex.EncodeToString(newPub[:]),
		Timestamp: time.Now().Unix(),
		PeerID:    m.peerID,
	}
	msg, err := canonicalBytes(announcement)
	if err != nil {
		return oldPub, newPub, announcement, nil, fmt.Errorf("statickeys: canonicalize rotation announcement: %w", err)
	}
	signature = id.Sign(msg)
	return oldPub, newPub, announcement, signature, nil
}

// VerifyRotation checks a received RotationAnnouncement's signature and
// timestamp skew against the claimed identity public key. now is injected
// by the caller so this function has no hidden wall-clock dependency.
func VerifyRotation(a RotationAnnouncement, signature, identityPubKey []byte, now time.Time) error {
	if a.Type != "key_rotation" {
		return fmt.Errorf("statickeys: unexpected announcement type %q", a.Type)
	}
	skew := now.Sub(time.Unix(a.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxRotationSkew {
		return fmt.Errorf("statickeys: rotation timestamp skew %s exceeds %s", skew, maxRotationSkew)
	}
	msg, err := canonicalBytes(a)
	if err != nil {
		return fmt.Errorf("statickeys: canonicalize rotation announcement: %w", err)
	}
	switch identity.Verify(msg, signature, identityPubKey) {
	case identity.VerifyValid:
		return nil
	case identity.VerifyMalformed:
		return fmt.Errorf("statickeys: malformed signature or public key")
	default:
		return fmt.Errorf("statickeys: signature verification failed")
	}
}

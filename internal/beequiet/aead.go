package beequiet

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// normalizeKey truncates or zero-pads raw to exactly 32 bytes. Per spec.md
// §4.5, an AEAD key must be 32 bytes in correct operation, but the
// decoder must stay side-effect free under adversarial input that
// produces a mis-sized key; this is the one place that tolerance lives,
// never reachable from a session derived via deriveSessionKey.
func normalizeKey(raw []byte) SessionKey {
	var key SessionKey
	n := copy(key[:], raw)
	_ = n // remaining bytes stay zero when raw is shorter than 32 bytes
	return key
}

// seal encrypts plaintext under key, returning the wire layout
// `[12B nonce][ciphertext||16B tag]` used by HEARTBEAT/GOODBYE payloads.
func seal(key SessionKey, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("beequiet: create AEAD: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("beequiet: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a HEARTBEAT/GOODBYE payload. Any failure (bad length,
// authentication failure) is reported so the caller can drop the
// datagram silently and log at debug, per spec.md §7's protocol-error
// policy — callers must not propagate this as a fatal error.
func open(key SessionKey, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, errors.New("beequiet: sealed payload too short")
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("beequiet: create AEAD: %w", err)
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("beequiet: decrypt failed: %w", err)
	}
	return plaintext, nil
}

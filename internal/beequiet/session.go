package beequiet

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "beenet-beequiet-session-key"

// SessionKey is a fixed 32-byte AEAD key: production code can never
// construct a mis-sized one, which is why normalizeKey (see aead.go) is
// called only from this package's unit tests.
type SessionKey [32]byte

// WhoPayload is the plaintext JSON body of a WHO_IS_HERE frame.
type WhoPayload struct {
	PeerID    string `json:"peer_id"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// IamPayload is the plaintext JSON body of an I_AM_HERE frame.
type IamPayload struct {
	PeerID    string `json:"peer_id"`
	Response  string `json:"response"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatPayload is the decrypted body of a HEARTBEAT frame.
type HeartbeatPayload struct {
	PeerID    string `json:"peer_id"`
	Timestamp int64  `json:"timestamp"`
}

// GoodbyePayload is the decrypted body of a GOODBYE frame.
type GoodbyePayload struct {
	PeerID    string `json:"peer_id"`
	Timestamp int64  `json:"timestamp"`
}

func newBlake2b512() hash.Hash {
	h, err := blake2b.New512(nil)
	if err != nil {
		panic("beequiet: blake2b.New512(nil): " + err.Error())
	}
	return h
}

// deriveSessionKey computes HKDF-BLAKE2b-512(salt=nonce, ikm=response,
// info="beenet-beequiet-session-key", len=32). Both the WHO emitter and
// the IAM responder compute the same key: one holds (nonce, response)
// directly, the other holds the same two values via its own nonce and the
// response it received.
func deriveSessionKey(nonceHex, responseHex string) (SessionKey, error) {
	var key SessionKey
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return key, fmt.Errorf("beequiet: decode nonce: %w", err)
	}
	response, err := hex.DecodeString(responseHex)
	if err != nil {
		return key, fmt.Errorf("beequiet: decode response: %w", err)
	}

	r := hkdf.New(newBlake2b512, response, nonce, []byte(sessionKeyInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("beequiet: derive session key: %w", err)
	}
	return key, nil
}

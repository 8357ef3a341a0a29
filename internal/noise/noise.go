// Package noise implements Noise_XX_25519_ChaChaPoly_BLAKE2b (spec.md
// §4.4): a three-message mutually-authenticated handshake followed by a
// rekeyable transport cipher. The symmetric state uses BLAKE2b with a
// 32-byte output (HASHLEN=32), matching the AEAD key size directly and
// generalizing the simplified BLAKE2s-256 IK handshake this package is
// grounded on to the full XX pattern.
package noise

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

func readRandom(b []byte) (int, error) {
	return rand.Read(b)
}

const (
	HashLen    = blake2b.Size256 // 32
	KeySize    = chacha20poly1305.KeySize
	NonceSize  = chacha20poly1305.NonceSize
	TagSize    = chacha20poly1305.Overhead
	DHKeySize  = curve25519.PointSize
	DHPrivSize = curve25519.ScalarSize
)

var (
	protocolName = []byte("Noise_XX_25519_ChaChaPoly_BLAKE2b")
	prologue     = []byte("beenet-noise-xx-v1")

	// ErrHandshakeFailed marks any cryptographic failure on a handshake or
	// transport frame. Per spec.md §4.4 this is fatal: the session must
	// transition to closed and the caller must tear down the connection
	// rather than retry on the same session.
	ErrHandshakeFailed = errors.New("noise: handshake failed")
	ErrClosed          = errors.New("noise: session closed")
	ErrWrongState      = errors.New("noise: operation invalid in current state")
)

// Role distinguishes the two sides of the XX pattern.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// newHash returns a fresh unkeyed BLAKE2b-256 hasher, used both directly
// and as the underlying primitive for the HMAC-based Noise HKDF.
func newHash() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("noise: blake2b.New256(nil): " + err.Error())
	}
	return h
}

// symmetricState implements the Noise SymmetricState object: a running
// chaining key and handshake hash, with an AEAD key derived whenever
// mixKey/mixKeyAndHash is called.
type symmetricState struct {
	ck     [HashLen]byte
	h      [HashLen]byte
	key    [KeySize]byte
	hasKey bool
}

func newSymmetricState(name []byte) *symmetricState {
	ss := &symmetricState{}
	if len(name) <= HashLen {
		copy(ss.h[:], name)
	} else {
		ss.h = blake2b.Sum256(name)
	}
	ss.ck = ss.h
	return ss
}

func (ss *symmetricState) mixHash(data []byte) {
	h := newHash()
	h.Write(ss.h[:])
	h.Write(data)
	copy(ss.h[:], h.Sum(nil))
}

// hkdf implements the Noise HKDF construction: HMAC-based extract-and-
// expand over chainKey and ikm, producing n outputs of HashLen bytes.
func hkdf(chainKey []byte, ikm []byte, n int) [][HashLen]byte {
	tempMAC := hmac.New(newHash, chainKey)
	tempMAC.Write(ikm)
	tempKey := tempMAC.Sum(nil)

	outputs := make([][HashLen]byte, n)
	var prev []byte
	for i := 0; i < n; i++ {
		mac := hmac.New(newHash, tempKey)
		if prev != nil {
			mac.Write(prev)
		}
		mac.Write([]byte{byte(i + 1)})
		out := mac.Sum(nil)
		copy(outputs[i][:], out)
		prev = out
	}
	return outputs
}

func (ss *symmetricState) mixKey(ikm []byte) {
	outs := hkdf(ss.ck[:], ikm, 2)
	ss.ck = outs[0]
	ss.key = outs[1]
	ss.hasKey = true
}

func (ss *symmetricState) mixKeyAndHash(ikm []byte) {
	outs := hkdf(ss.ck[:], ikm, 3)
	ss.ck = outs[0]
	ss.mixHash(outs[1][:])
	ss.key = outs[2]
	ss.hasKey = true
}

func (ss *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	var ciphertext []byte
	if ss.hasKey {
		aead, err := chacha20poly1305.New(ss.key[:])
		if err != nil {
			return nil, err
		}
		var nonce [NonceSize]byte
		ciphertext = aead.Seal(nil, nonce[:], plaintext, ss.h[:])
	} else {
		ciphertext = append([]byte(nil), plaintext...)
	}
	ss.mixHash(ciphertext)
	return ciphertext, nil
}

func (ss *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	var plaintext []byte
	if ss.hasKey {
		aead, err := chacha20poly1305.New(ss.key[:])
		if err != nil {
			return nil, err
		}
		var nonce [NonceSize]byte
		pt, err := aead.Open(nil, nonce[:], ciphertext, ss.h[:])
		if err != nil {
			return nil, ErrHandshakeFailed
		}
		plaintext = pt
	} else {
		plaintext = append([]byte(nil), ciphertext...)
	}
	ss.mixHash(ciphertext)
	return plaintext, nil
}

func (ss *symmetricState) split() (c1, c2 [KeySize]byte) {
	outs := hkdf(ss.ck[:], nil, 2)
	return outs[0], outs[1]
}

func dh(priv [DHPrivSize]byte, pub [DHKeySize]byte) ([DHKeySize]byte, error) {
	var out [DHKeySize]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("noise: X25519: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

func generateEphemeral() (priv [DHPrivSize]byte, pub [DHKeySize]byte, err error) {
	if _, err = readRandom(priv[:]); err != nil {
		return priv, pub, err
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("noise: derive ephemeral public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// handshakeState drives the XX message pattern: -> e; <- e, ee, s, es;
// -> s, se.
type handshakeState struct {
	ss   *symmetricState
	role Role

	s  [DHPrivSize]byte
	sP [DHKeySize]byte
	e  [DHPrivSize]byte
	eP [DHKeySize]byte
	rs [DHKeySize]byte
	re [DHKeySize]byte

	haveRS bool
}

func newHandshakeState(role Role, staticPriv [DHPrivSize]byte, staticPub [DHKeySize]byte) *handshakeState {
	hs := &handshakeState{
		ss:   newSymmetricState(protocolName),
		role: role,
		s:    staticPriv,
		sP:   staticPub,
	}
	hs.ss.mixHash(prologue)
	return hs
}

// writeMessage1 (initiator): -> e
func (hs *handshakeState) writeMessage1() ([]byte, error) {
	priv, pub, err := generateEphemeral()
	if err != nil {
		return nil, err
	}
	hs.e, hs.eP = priv, pub
	hs.ss.mixHash(hs.eP[:])

	payload, err := hs.ss.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, hs.eP[:]...), payload...), nil
}

// readMessage1 (responder): <- e
func (hs *handshakeState) readMessage1(msg []byte) error {
	if len(msg) < DHKeySize+TagSize {
		return ErrHandshakeFailed
	}
	copy(hs.re[:], msg[:DHKeySize])
	hs.ss.mixHash(hs.re[:])

	if _, err := hs.ss.decryptAndHash(msg[DHKeySize:]); err != nil {
		return err
	}
	return nil
}

// writeMessage2 (responder): -> e, ee, s, es
func (hs *handshakeState) writeMessage2() ([]byte, error) {
	priv, pub, err := generateEphemeral()
	if err != nil {
		return nil, err
	}
	hs.e, hs.eP = priv, pub
	hs.ss.mixHash(hs.eP[:])

	ee, err := dh(hs.e, hs.re)
	if err != nil {
		return nil, err
	}
	hs.ss.mixKey(ee[:])

	encS, err := hs.ss.encryptAndHash(hs.sP[:])
	if err != nil {
		return nil, err
	}

	es, err := dh(hs.s, hs.re)
	if err != nil {
		return nil, err
	}
	hs.ss.mixKey(es[:])

	payload, err := hs.ss.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, DHKeySize+len(encS)+len(payload))
	out = append(out, hs.eP[:]...)
	out = append(out, encS...)
	out = append(out, payload...)
	return out, nil
}

// readMessage2 (initiator): <- e, ee, s, es
func (hs *handshakeState) readMessage2(msg []byte) error {
	if len(msg) < DHKeySize+DHKeySize+TagSize+TagSize {
		return ErrHandshakeFailed
	}
	pos := 0
	copy(hs.re[:], msg[pos:pos+DHKeySize])
	pos += DHKeySize
	hs.ss.mixHash(hs.re[:])

	ee, err := dh(hs.e, hs.re)
	if err != nil {
		return err
	}
	hs.ss.mixKey(ee[:])

	encSLen := DHKeySize + TagSize
	decS, err := hs.ss.decryptAndHash(msg[pos : pos+encSLen])
	if err != nil {
		return err
	}
	copy(hs.rs[:], decS)
	hs.haveRS = true
	pos += encSLen

	es, err := dh(hs.e, hs.rs)
	if err != nil {
		return err
	}
	hs.ss.mixKey(es[:])

	if _, err := hs.ss.decryptAndHash(msg[pos:]); err != nil {
		return err
	}
	return nil
}

// writeMessage3 (initiator): -> s, se
func (hs *handshakeState) writeMessage3() ([]byte, error) {
	encS, err := hs.ss.encryptAndHash(hs.sP[:])
	if err != nil {
		return nil, err
	}

	se, err := dh(hs.s, hs.re)
	if err != nil {
		return nil, err
	}
	hs.ss.mixKey(se[:])

	payload, err := hs.ss.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}

	return append(encS, payload...), nil
}

// readMessage3 (responder): <- s, se
func (hs *handshakeState) readMessage3(msg []byte) error {
	encSLen := DHKeySize + TagSize
	if len(msg) < encSLen+TagSize {
		return ErrHandshakeFailed
	}
	decS, err := hs.ss.decryptAndHash(msg[:encSLen])
	if err != nil {
		return err
	}
	copy(hs.rs[:], decS)
	hs.haveRS = true

	se, err := dh(hs.e, hs.rs)
	if err != nil {
		return err
	}
	hs.ss.mixKey(se[:])

	if _, err := hs.ss.decryptAndHash(msg[encSLen:]); err != nil {
		return err
	}
	return nil
}

// State is the lifecycle of a Channel (spec.md §4.4).
type State int

const (
	StateUninit State = iota
	StateHandshaking
	StateTransport
	StateClosed
)

// Channel is the per-connection Noise_XX state machine plus, once
// transport is reached, the rekeyable send/receive ciphers.
type Channel struct {
	mu    sync.Mutex
	state State
	role  Role
	hs    *handshakeState
	step  int // messages processed so far, for strict ordering

	send *transportCipher
	recv *transportCipher

	handshakeHash [HashLen]byte
	remoteStatic  [DHKeySize]byte
	haveRemote    bool
}

// NewChannel constructs an unstarted channel.
func NewChannel() *Channel {
	return &Channel{state: StateUninit}
}

// Start begins the handshake for the given role. The initiator receives
// the first message's bytes to send; the responder receives nil and waits
// for Process to be called with the peer's first message.
func (c *Channel) Start(role Role, staticPriv [DHPrivSize]byte, staticPub [DHKeySize]byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUninit {
		return nil, ErrWrongState
	}
	c.role = role
	c.hs = newHandshakeState(role, staticPriv, staticPub)
	c.state = StateHandshaking

	if role == RoleInitiator {
		msg, err := c.hs.writeMessage1()
		if err != nil {
			c.state = StateClosed
			return nil, err
		}
		c.step = 1
		return msg, nil
	}
	return nil, nil
}

// Process advances the handshake with a received frame, returning the
// next frame to send, or nil when there is none. The initiator's call
// that reaches transport returns message 3; the responder's final call
// (on message 3) returns nil.
func (c *Channel) Process(msg []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateHandshaking {
		return nil, ErrWrongState
	}

	var out []byte
	var err error
	done := false

	switch c.role {
	case RoleInitiator:
		switch c.step {
		case 1: // awaiting message2
			if err = c.hs.readMessage2(msg); err != nil {
				break
			}
			out, err = c.hs.writeMessage3()
			if err == nil {
				done = true
			}
		default:
			err = ErrWrongState
		}
	case RoleResponder:
		switch c.step {
		case 0: // awaiting message1
			if err = c.hs.readMessage1(msg); err != nil {
				break
			}
			out, err = c.hs.writeMessage2()
			if err == nil {
				c.step = 2
			}
		case 2: // awaiting message3
			if err = c.hs.readMessage3(msg); err != nil {
				break
			}
			done = true
		default:
			err = ErrWrongState
		}
	}

	if err != nil {
		c.state = StateClosed
		return nil, err
	}

	if done {
		c.finishHandshake()
	}
	return out, nil
}

func (c *Channel) finishHandshake() {
	c1, c2 := c.hs.ss.split()
	if c.role == RoleInitiator {
		c.send = newTransportCipher(c1)
		c.recv = newTransportCipher(c2)
	} else {
		c.send = newTransportCipher(c2)
		c.recv = newTransportCipher(c1)
	}
	c.handshakeHash = c.hs.ss.h
	if c.hs.haveRS {
		c.remoteStatic = c.hs.rs
		c.haveRemote = true
	}
	c.state = StateTransport
	c.hs = nil
}

// Encrypt seals plaintext for transport. Valid only once the handshake
// has completed.
func (c *Channel) Encrypt(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateTransport {
		return nil, ErrWrongState
	}
	ct, err := c.send.encrypt(plaintext)
	if err != nil {
		c.state = StateClosed
		return nil, err
	}
	return ct, nil
}

// Decrypt opens a transport ciphertext.
func (c *Channel) Decrypt(ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateTransport {
		return nil, ErrWrongState
	}
	pt, err := c.recv.decrypt(ciphertext)
	if err != nil {
		c.state = StateClosed
		return nil, err
	}
	return pt, nil
}

// Rekey refreshes both the send and receive cipher keys per the Noise
// rekey rule, without tearing down the session.
func (c *Channel) Rekey() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateTransport {
		return ErrWrongState
	}
	if err := c.send.rekey(); err != nil {
		c.state = StateClosed
		return err
	}
	if err := c.recv.rekey(); err != nil {
		c.state = StateClosed
		return err
	}
	return nil
}

// HandshakeHash returns the final handshake hash for channel binding, or
// false before the handshake has completed.
func (c *Channel) HandshakeHash() ([HashLen]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateTransport && c.state != StateClosed {
		return [HashLen]byte{}, false
	}
	return c.handshakeHash, true
}

// RemoteStaticKey returns the peer's static public key, once known.
func (c *Channel) RemoteStaticKey() ([DHKeySize]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteStatic, c.haveRemote
}

// Close transitions the channel to closed; further Encrypt/Decrypt calls
// fail with ErrWrongState.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transportCipher is one direction's AEAD key plus a monotonically
// increasing 64-bit nonce counter, mirroring the teacher's NoiseCipher
// layout: an 8-byte little-endian counter occupies the last 8 bytes of
// the 12-byte ChaCha20-Poly1305 nonce.
type transportCipher struct {
	mu  sync.Mutex
	key [KeySize]byte
	ctr atomic.Uint64
}

func newTransportCipher(key [KeySize]byte) *transportCipher {
	return &transportCipher{key: key}
}

func (tc *transportCipher) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(tc.key[:])
	if err != nil {
		return nil, err
	}
	counter := tc.ctr.Add(1) - 1
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	out := make([]byte, 8, 8+len(plaintext)+TagSize)
	binary.LittleEndian.PutUint64(out, counter)
	out = aead.Seal(out, nonce[:], plaintext, nil)
	return out, nil
}

func (tc *transportCipher) decrypt(data []byte) ([]byte, error) {
	if len(data) < 8+TagSize {
		return nil, errors.New("noise: ciphertext too short")
	}
	tc.mu.Lock()
	key := tc.key
	tc.mu.Unlock()

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	counter := binary.LittleEndian.Uint64(data[:8])
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	plaintext, err := aead.Open(nil, nonce[:], data[8:], nil)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	return plaintext, nil
}

// rekey implements the Noise rekey rule: k' = first 32 bytes of
// ENCRYPT(k, maxnonce, zerolen, zeros(32)), discarding the auth tag.
func (tc *transportCipher) rekey() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	aead, err := chacha20poly1305.New(tc.key[:])
	if err != nil {
		return err
	}
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], ^uint64(0))
	var zeros [KeySize]byte
	out := aead.Seal(nil, nonce[:], zeros[:], nil)
	copy(tc.key[:], out[:KeySize])
	tc.ctr.Store(0)
	return nil
}

// Package keystore implements durable, integrity-checked storage for small
// secret blobs keyed by string identifiers (spec.md §4.1). Writes are
// atomic (temp file + rename); the store is optionally encrypted at rest
// with a passphrase-derived symmetric key.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	saltSize         = 32
	storeFileName    = "keystore.json"
	saltFileName     = "salt"
)

// ErrDecryptFailed is returned by Open when an encrypted store fails to
// authenticate against the supplied passphrase. Per spec.md §4.1 this is
// fatal: "any decryption failure during open is fatal ... callers must not
// proceed."
var ErrDecryptFailed = errors.New("keystore: decryption failed")

// record is the on-disk (post-decryption) representation of one key-id's
// value, matching spec.md §6 persistence: "key-id → {data, encrypted,
// created_at}".
type record struct {
	Data      []byte    `json:"data"`
	Encrypted bool      `json:"encrypted"`
	CreatedAt time.Time `json:"created_at"`
}

// recordJSON is the base64-friendly wire shape of record.
type recordJSON struct {
	Data      string `json:"data"`
	Encrypted bool   `json:"encrypted"`
	CreatedAt int64  `json:"created_at"`
}

// Keystore is a directory-backed, optionally encrypted key-value store.
type Keystore struct {
	dir          string
	passphrase   []byte
	symmetricKey []byte // nil when the store is unencrypted
	salt         []byte

	mu      sync.RWMutex
	records map[string]record
}

// Open loads or initializes the on-disk store at dir. When passphrase is
// non-empty, a symmetric key is derived with PBKDF2-HMAC-SHA256 over a
// persisted 32-byte salt (generated on first encrypted save), 100,000
// iterations, 32-byte output, and the store payload is protected with
// ChaCha20-Poly1305.
func Open(dir string, passphrase string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create directory: %w", err)
	}

	ks := &Keystore{
		dir:     dir,
		records: make(map[string]record),
	}
	if passphrase != "" {
		ks.passphrase = []byte(passphrase)
	}

	saltPath := filepath.Join(dir, saltFileName)
	salt, err := os.ReadFile(saltPath)
	switch {
	case err == nil:
		ks.salt = salt
	case os.IsNotExist(err):
		// Salt materializes on first encrypted save.
	default:
		return nil, fmt.Errorf("keystore: read salt: %w", err)
	}

	storePath := filepath.Join(dir, storeFileName)
	raw, err := os.ReadFile(storePath)
	switch {
	case err == nil:
		if err := ks.loadFrom(raw); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		// Missing store materializes on first write.
	default:
		return nil, fmt.Errorf("keystore: read store: %w", err)
	}

	return ks, nil
}

func (ks *Keystore) loadFrom(raw []byte) error {
	plaintext := raw
	if ks.passphrase != nil {
		if len(ks.salt) != saltSize {
			return fmt.Errorf("keystore: %w: missing salt for encrypted store", ErrDecryptFailed)
		}
		key := ks.deriveKey()
		ks.symmetricKey = key
		pt, err := aeadOpen(key, raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecryptFailed, err)
		}
		plaintext = pt
	}

	var wire map[string]recordJSON
	if err := json.Unmarshal(plaintext, &wire); err != nil {
		return fmt.Errorf("keystore: %w: malformed store contents: %v", ErrDecryptFailed, err)
	}
	for id, rj := range wire {
		data, err := base64.StdEncoding.DecodeString(rj.Data)
		if err != nil {
			return fmt.Errorf("keystore: %w: bad base64 for %q", ErrDecryptFailed, id)
		}
		ks.records[id] = record{
			Data:      data,
			Encrypted: rj.Encrypted,
			CreatedAt: time.Unix(rj.CreatedAt, 0).UTC(),
		}
	}
	return nil
}

func (ks *Keystore) deriveKey() []byte {
	return pbkdf2.Key(ks.passphrase, ks.salt, pbkdf2Iterations, chacha20poly1305.KeySize, sha256.New)
}

// Store inserts or overwrites a record. encrypted only marks the record's
// intended-at-rest disposition for callers that inspect it; the actual
// protection is applied uniformly to the whole store payload on flush.
func (ks *Keystore) Store(keyID string, data []byte, encrypted bool) error {
	ks.mu.Lock()
	ks.records[keyID] = record{
		Data:      append([]byte(nil), data...),
		Encrypted: encrypted,
		CreatedAt: time.Now().UTC(),
	}
	ks.mu.Unlock()
	return ks.Flush()
}

// Get returns the record's bytes, or false if absent.
func (ks *Keystore) Get(keyID string) ([]byte, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	r, ok := ks.records[keyID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), r.Data...), true
}

// Delete removes a record, best-effort overwriting its in-memory slot with
// random bytes before removal. Returns whether the record existed.
func (ks *Keystore) Delete(keyID string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	r, ok := ks.records[keyID]
	if !ok {
		return false
	}
	_, _ = rand.Read(r.Data)
	delete(ks.records, keyID)
	go ks.Flush() //nolint:errcheck // best-effort persistence of the deletion
	return true
}

// Rotate atomically replaces a record's value, returning the prior value.
func (ks *Keystore) Rotate(keyID string, newData []byte) ([]byte, error) {
	ks.mu.Lock()
	old, existed := ks.records[keyID]
	ks.records[keyID] = record{
		Data:      append([]byte(nil), newData...),
		Encrypted: existed && old.Encrypted,
		CreatedAt: time.Now().UTC(),
	}
	ks.mu.Unlock()
	if err := ks.Flush(); err != nil {
		return nil, err
	}
	if !existed {
		return nil, nil
	}
	return old.Data, nil
}

// List returns all known key-ids.
func (ks *Keystore) List() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	ids := make([]string, 0, len(ks.records))
	for id := range ks.records {
		ids = append(ids, id)
	}
	return ids
}

// Flush persists the in-memory record map to disk via a temp-file-then-
// rename (atomic replace). A missing store materializes on first write.
func (ks *Keystore) Flush() error {
	ks.mu.RLock()
	wire := make(map[string]recordJSON, len(ks.records))
	for id, r := range ks.records {
		wire[id] = recordJSON{
			Data:      base64.StdEncoding.EncodeToString(r.Data),
			Encrypted: r.Encrypted,
			CreatedAt: r.CreatedAt.Unix(),
		}
	}
	ks.mu.RUnlock()

	plaintext, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("keystore: marshal store: %w", err)
	}

	out := plaintext
	if ks.passphrase != nil {
		ks.mu.Lock()
		if ks.salt == nil {
			salt := make([]byte, saltSize)
			if _, err := rand.Read(salt); err != nil {
				ks.mu.Unlock()
				return fmt.Errorf("keystore: generate salt: %w", err)
			}
			ks.salt = salt
			if err := atomicWrite(filepath.Join(ks.dir, saltFileName), salt); err != nil {
				ks.mu.Unlock()
				return fmt.Errorf("keystore: persist salt: %w", err)
			}
		}
		if ks.symmetricKey == nil {
			ks.symmetricKey = ks.deriveKey()
		}
		key := ks.symmetricKey
		ks.mu.Unlock()

		sealed, err := aeadSeal(key, plaintext)
		if err != nil {
			return fmt.Errorf("keystore: encrypt store: %w", err)
		}
		out = sealed
	}

	return atomicWrite(filepath.Join(ks.dir, storeFileName), out)
}

// Close flushes any pending state. The Keystore holds no OS resources
// beyond the files it writes through Flush, so Close is Flush plus a
// documented point for callers to stop using the instance.
func (ks *Keystore) Close() error {
	return ks.Flush()
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op if the rename below succeeded

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func aeadSeal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func aeadOpen(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	return aead.Open(nil, nonce, ciphertext, nil)
}

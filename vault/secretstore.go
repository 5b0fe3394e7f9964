package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNoSecret indicates the secret slot is empty.
var ErrNoSecret = errors.New("no stored secret")

// SecretStore is the hardware-backed slot that holds exactly one unlock
// PIN. Retrieval trusts that the caller already performed device
// authentication; the store itself does not gate on it.
type SecretStore interface {
	Store(pin string) error
	Load() (string, error)
	Delete() error
}

// Argon2id parameters for sealing-key derivation (matching mobile apps).
const (
	argonTime    = 3
	argonMemory  = 262144 // 256 MB
	argonThreads = 4
	argonKeyLen  = 32

	sealSaltSize = 16
	sealVersion  = 1
)

// sealedRecord is the on-disk sealed secret, CBOR-encoded.
type sealedRecord struct {
	Version    int    `cbor:"1,keyasint"`
	Salt       []byte `cbor:"2,keyasint"`
	Nonce      []byte `cbor:"3,keyasint"`
	Ciphertext []byte `cbor:"4,keyasint"`
}

// SealedFileStore is the software SecretStore for hosts without a
// platform keystore: the PIN is sealed to a device key with
// Argon2id + XChaCha20-Poly1305 and written to a single file.
type SealedFileStore struct {
	path      string
	deviceKey []byte
	mu        sync.Mutex
}

// NewSealedFileStore creates a sealed-file store rooted at dir. The
// device key comes from the platform layer and never leaves the host.
func NewSealedFileStore(dir string, deviceKey []byte) (*SealedFileStore, error) {
	if len(deviceKey) == 0 {
		return nil, fmt.Errorf("device key is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secret dir: %w", err)
	}
	return &SealedFileStore{
		path:      filepath.Join(dir, "pin.sealed"),
		deviceKey: deviceKey,
	}, nil
}

// Store seals the PIN and writes it atomically, overwriting any previous
// slot contents.
func (s *SealedFileStore) Store(pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key := s.sealKey(salt)
	// SECURITY: Zero derived key after use
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	rec := sealedRecord{
		Version:    sealVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, []byte(pin), nil),
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode sealed record: %w", err)
	}

	// Write-then-rename so a crash never leaves a torn slot.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write sealed secret: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit sealed secret: %w", err)
	}
	return nil
}

// Load unseals and returns the PIN.
func (s *SealedFileStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoSecret
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sealed secret: %w", err)
	}

	var rec sealedRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("invalid sealed record: %w", err)
	}
	if rec.Version != sealVersion {
		return "", fmt.Errorf("unsupported sealed record version %d", rec.Version)
	}
	// A corrupt record must fail cleanly, never reach the AEAD with a
	// bad-length nonce.
	if len(rec.Salt) != sealSaltSize {
		return "", fmt.Errorf("invalid sealed record: bad salt length %d", len(rec.Salt))
	}
	if len(rec.Nonce) != chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("invalid sealed record: bad nonce length %d", len(rec.Nonce))
	}
	if len(rec.Ciphertext) < chacha20poly1305.Overhead {
		return "", fmt.Errorf("invalid sealed record: ciphertext too short")
	}

	key := s.sealKey(rec.Salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	pin, err := aead.Open(nil, rec.Nonce, rec.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to unseal secret: %w", err)
	}
	return string(pin), nil
}

// Delete removes the slot. Deleting an empty slot is not an error.
func (s *SealedFileStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete sealed secret: %w", err)
	}
	return nil
}

func (s *SealedFileStore) sealKey(salt []byte) []byte {
	return argon2.IDKey(s.deviceKey, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

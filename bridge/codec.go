package bridge

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// AES-256-GCM message body format:
// Bytes 0-11:  Nonce (12 bytes)
// Bytes 12+:   Ciphertext (with 16-byte auth tag)
// The whole blob is base64-encoded into the Envelope.
const (
	gcmNonceSize     = 12
	gcmTagSize       = 16
	minCiphertextLen = gcmNonceSize + gcmTagSize
)

// Codec performs authenticated encryption of message bodies once a
// session is ready. It borrows the key from the Exchanger for each call
// and zeroes the copy afterwards, so a Reset invalidates it immediately.
type Codec struct {
	ex *Exchanger
}

// NewCodec creates a codec bound to the exchanger's session.
func NewCodec(ex *Exchanger) *Codec {
	return &Codec{ex: ex}
}

// Encrypt seals a plaintext message body under the session key with a
// fresh random nonce and returns the wire envelope. Fails with
// ErrNotReady when no session exists.
func (c *Codec) Encrypt(plaintext []byte) (Envelope, error) {
	key, ok := c.ex.sessionKey()
	if !ok {
		return Envelope{}, ErrNotReady
	}
	// SECURITY: Zero the key copy after use
	defer zeroBytes(key)

	aead, err := newGCM(key)
	if err != nil {
		return Envelope{}, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// nonce || ciphertext in a single blob
	blob := aead.Seal(nonce, nonce, plaintext, nil)

	return Envelope{
		Encrypted:   base64.StdEncoding.EncodeToString(blob),
		IsEncrypted: true,
	}, nil
}

// Decrypt opens an envelope, authenticating the whole blob. On tag
// mismatch it fails with ErrAuthenticationFailed and returns no partial
// plaintext. Fails with ErrNotReady when no session exists.
func (c *Codec) Decrypt(env Envelope) ([]byte, error) {
	key, ok := c.ex.sessionKey()
	if !ok {
		return nil, ErrNotReady
	}
	defer zeroBytes(key)

	blob, err := base64.StdEncoding.DecodeString(env.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid envelope encoding", ErrMalformedPayload)
	}
	if len(blob) < minCiphertextLen {
		return nil, fmt.Errorf("%w: envelope too short (min %d bytes)", ErrMalformedPayload, minCiphertextLen)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := blob[:gcmNonceSize]
	ciphertext := blob[gcmNonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

// Reset zeroes all key material and drops the session. Idempotent.
func (c *Codec) Reset() {
	c.ex.Reset()
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return aead, nil
}

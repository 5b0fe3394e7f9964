package bridge

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func readyCodec(t *testing.T) *Codec {
	t.Helper()
	_, peerPub := newPeerKeypair(t)
	ex := NewExchanger(ProfileX25519, testLogger())
	if _, err := ex.Begin(peerPub); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	return NewCodec(ex)
}

func TestCodecRoundTrip(t *testing.T) {
	codec := readyCodec(t)

	messages := [][]byte{
		[]byte(`{"type":"pin.verify","payload":{"pin":"123456"}}`),
		[]byte("short"),
		bytes.Repeat([]byte("seed backup blob "), 512),
	}

	for _, msg := range messages {
		env, err := codec.Encrypt(msg)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if !env.IsEncrypted {
			t.Error("Envelope not marked encrypted")
		}

		plaintext, err := codec.Decrypt(env)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(plaintext, msg) {
			t.Error("Round trip mismatch")
		}
	}
}

func TestCodecNonceUniqueness(t *testing.T) {
	codec := readyCodec(t)

	msg := []byte("same plaintext")
	env1, err := codec.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	env2, err := codec.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if env1.Encrypted == env2.Encrypted {
		t.Error("Encrypting the same plaintext twice produced identical ciphertexts")
	}
}

func TestCodecTamperDetection(t *testing.T) {
	codec := readyCodec(t)

	env, err := codec.Encrypt([]byte("authentic message"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	blob, err := base64.StdEncoding.DecodeString(env.Encrypted)
	if err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}

	// Flip one byte at every position; decryption must always fail.
	for i := range blob {
		tampered := make([]byte, len(blob))
		copy(tampered, blob)
		tampered[i] ^= 0x01

		plaintext, err := codec.Decrypt(Envelope{
			Encrypted:   base64.StdEncoding.EncodeToString(tampered),
			IsEncrypted: true,
		})
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("Byte %d: expected ErrAuthenticationFailed, got %v", i, err)
		}
		if plaintext != nil {
			t.Fatalf("Byte %d: partial plaintext returned on failure", i)
		}
	}
}

func TestCodecNotReady(t *testing.T) {
	ex := NewExchanger(ProfileX25519, testLogger())
	codec := NewCodec(ex)

	if _, err := codec.Encrypt([]byte("msg")); !errors.Is(err, ErrNotReady) {
		t.Errorf("Encrypt without session: expected ErrNotReady, got %v", err)
	}
	if _, err := codec.Decrypt(Envelope{Encrypted: "AAAA", IsEncrypted: true}); !errors.Is(err, ErrNotReady) {
		t.Errorf("Decrypt without session: expected ErrNotReady, got %v", err)
	}
}

func TestCodecResetInvalidates(t *testing.T) {
	codec := readyCodec(t)

	env, err := codec.Encrypt([]byte("before reset"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	codec.Reset()

	if _, err := codec.Encrypt([]byte("after reset")); !errors.Is(err, ErrNotReady) {
		t.Errorf("Encrypt after Reset: expected ErrNotReady, got %v", err)
	}
	if _, err := codec.Decrypt(env); !errors.Is(err, ErrNotReady) {
		t.Errorf("Decrypt after Reset: expected ErrNotReady, got %v", err)
	}

	// Reset is idempotent.
	codec.Reset()
}

func TestCodecMalformedEnvelope(t *testing.T) {
	codec := readyCodec(t)

	if _, err := codec.Decrypt(Envelope{Encrypted: "!!not-base64!!", IsEncrypted: true}); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("Expected ErrMalformedPayload for bad encoding, got %v", err)
	}

	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	if _, err := codec.Decrypt(Envelope{Encrypted: short, IsEncrypted: true}); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("Expected ErrMalformedPayload for short blob, got %v", err)
	}
}

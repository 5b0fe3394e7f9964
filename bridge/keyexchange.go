package bridge

import (
	"crypto/mlkem"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Profile selects the asymmetric primitive used to establish a session.
type Profile string

const (
	// ProfileMLKEM768 is the post-quantum primary profile: the content
	// sends its ML-KEM-768 encapsulation key, the host replies with the
	// encapsulation ciphertext.
	ProfileMLKEM768 Profile = "mlkem768"

	// ProfileX25519 is the classical fallback: the content sends its
	// X25519 public key, the host replies with an ephemeral public key.
	ProfileX25519 Profile = "x25519"
)

const (
	x25519PublicKeySize = 32
	sessionKeySize      = 32

	// hkdfInfo is the fixed domain-separation label for session key
	// derivation. The raw shared secret is never used directly.
	hkdfInfo = "walletshell-bridge-session-v1"
)

// session is the ephemeral cryptographic context for one run of the
// bridge. Exactly one live session exists per Exchanger; all material is
// zeroed when the bridge resets.
type session struct {
	key     Secret
	profile Profile
}

// Exchanger performs one-shot key agreement and owns the resulting
// session. Safe for concurrent use; all session state is mutated under
// the mutex.
type Exchanger struct {
	mu      sync.Mutex
	profile Profile
	sess    *session
	log     zerolog.Logger
}

// NewExchanger creates an exchanger for the given profile.
func NewExchanger(profile Profile, logger zerolog.Logger) *Exchanger {
	return &Exchanger{
		profile: profile,
		log:     logger,
	}
}

// Begin validates the peer's public material, performs the agreement, and
// derives a fresh session key via HKDF-SHA256. It returns the material to
// send back to the peer (encapsulation ciphertext for ML-KEM, our
// ephemeral public key for X25519).
//
// Re-invocation replaces the session: the old key is zeroed before the
// new agreement runs. Any failure leaves no session behind.
func (e *Exchanger) Begin(peerPublic []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// SECURITY: Old session secrets are zeroed before a replacement
	// agreement runs.
	e.dropSessionLocked()

	var sharedSecret, reply []byte

	switch e.profile {
	case ProfileMLKEM768:
		if len(peerPublic) != mlkem.EncapsulationKeySize768 {
			return nil, fmt.Errorf("%w: expected %d-byte encapsulation key, got %d",
				ErrInvalidKeyMaterial, mlkem.EncapsulationKeySize768, len(peerPublic))
		}
		ek, err := mlkem.NewEncapsulationKey768(peerPublic)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
		}
		sharedSecret, reply = ek.Encapsulate()

	case ProfileX25519:
		if len(peerPublic) != x25519PublicKeySize {
			return nil, fmt.Errorf("%w: expected %d-byte public key, got %d",
				ErrInvalidKeyMaterial, x25519PublicKeySize, len(peerPublic))
		}
		ephemeralPrivate := make([]byte, x25519PublicKeySize)
		if _, err := rand.Read(ephemeralPrivate); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
		}
		defer zeroBytes(ephemeralPrivate)

		ephemeralPublic, err := curve25519.X25519(ephemeralPrivate, curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
		}

		sharedSecret, err = curve25519.X25519(ephemeralPrivate, peerPublic)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
		}
		reply = ephemeralPublic

	default:
		return nil, fmt.Errorf("unknown key agreement profile: %s", e.profile)
	}
	// SECURITY: Zero shared secret after derivation
	defer zeroBytes(sharedSecret)

	key, err := deriveSessionKey(sharedSecret)
	if err != nil {
		return nil, err
	}

	e.sess = &session{key: key, profile: e.profile}

	e.log.Info().
		Str("profile", string(e.profile)).
		Msg("Session established")

	return reply, nil
}

// Ready reports whether a live session exists.
func (e *Exchanger) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil
}

// Profile returns the configured agreement profile.
func (e *Exchanger) Profile() Profile {
	return e.profile
}

// Reset zeroes all session material and drops the session. Idempotent.
func (e *Exchanger) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropSessionLocked()
}

func (e *Exchanger) dropSessionLocked() {
	if e.sess == nil {
		return
	}
	e.sess.key.Zero()
	e.sess = nil
}

// sessionKey returns a copy of the symmetric session key. Callers must
// zero the copy after use.
func (e *Exchanger) sessionKey() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, false
	}
	key := make([]byte, len(e.sess.key))
	copy(key, e.sess.key)
	return key, true
}

// deriveSessionKey runs the shared secret through HKDF-SHA256 with the
// fixed domain-separation label.
func deriveSessionKey(sharedSecret []byte) (Secret, error) {
	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(hkdfInfo))
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return Secret(key), nil
}

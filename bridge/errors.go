package bridge

import "errors"

// Bridge error taxonomy. These are returned as typed errors to the
// immediate caller and never serialized across the transport boundary.
var (
	// ErrInvalidKeyMaterial indicates peer key material of the wrong size
	// or shape for the configured key agreement profile.
	ErrInvalidKeyMaterial = errors.New("invalid key material")

	// ErrNotReady indicates a crypto or readiness-gated operation was
	// attempted before a session was established or the content signaled
	// readiness.
	ErrNotReady = errors.New("bridge not ready")

	// ErrAuthenticationFailed indicates an AEAD tag mismatch. The message
	// is treated as tampered or corrupted and discarded.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrRequestInProgress indicates a second request of the same kind was
	// issued while one is still outstanding.
	ErrRequestInProgress = errors.New("request already in progress")

	// ErrRequestTimeout indicates the content never answered a correlated
	// request within its deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrGateReset indicates a pending readiness wait was invalidated by
	// backgrounding or a content reload.
	ErrGateReset = errors.New("readiness gate reset")

	// ErrTransportUnavailable indicates there is no live channel to the
	// embedded content.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrMalformedPayload indicates schema validation failed for a
	// specific message type.
	ErrMalformedPayload = errors.New("malformed payload")
)

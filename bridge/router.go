package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zondwallet/walletshell/vault"
)

// Transport is the live channel to the embedded content. Implementations
// deliver inbound frames to Router.Receive in arrival order.
type Transport interface {
	Send(data []byte) error
}

// Capabilities are the native device side effects the content may
// request. Handlers are fire-and-forget from the router's perspective;
// their platform mechanics are owned by the host app.
type Capabilities interface {
	CopyToClipboard(text string) error
	Share(text string) error
	OpenURL(url string) error
	Haptic(style string) error
	// RequestQRScan starts a scan; the host reports the outcome later
	// through Router.SendQRResult or Router.SendQRCancelled.
	RequestQRScan() error
}

// CredentialVault is the slice of the vault the router drives.
// *vault.Vault satisfies it; tests substitute fakes.
type CredentialVault interface {
	BackupSeed(ctx context.Context, address, encryptedSeed, chain string) error
	AllBackups(ctx context.Context) ([]vault.SeedBackup, error)
	StorePin(ctx context.Context, pin string) error
	StoredPin(ctx context.Context) (string, error)
	ClearWallet(ctx context.Context) error
}

// ChangePinResult reports a PIN change. Changed means the wallet side
// succeeded; Warning is set when the local secret update failed
// afterwards, so the caller can surface the inconsistency instead of
// hiding it.
type ChangePinResult struct {
	Changed bool
	Warning string
}

// Config tunes router timeouts.
type Config struct {
	RequestTimeout time.Duration
	ReadyTimeout   time.Duration
}

// DefaultConfig returns the timeouts used when none are configured.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		ReadyTimeout:   10 * time.Second,
	}
}

// Router is the single entry and exit point for all bridge traffic. It
// parses inbound frames, decrypts session-keyed envelopes, routes by
// type, and serializes outbound messages back through the transport.
//
// A multi-threaded host must not touch the exchanger or gate behind the
// router's back; the router serializes all shared state itself.
type Router struct {
	transport Transport
	ex        *Exchanger
	codec     *Codec
	gate      *Gate
	corr      *Correlator
	caps      Capabilities
	vault     CredentialVault
	cfg       Config
	log       zerolog.Logger

	// OnOpenSettings is invoked on the settings.open lifecycle signal.
	OnOpenSettings func()
}

// NewRouter wires the bridge components around a transport.
func NewRouter(transport Transport, ex *Exchanger, caps Capabilities, cv CredentialVault, cfg Config, logger zerolog.Logger) *Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultConfig().ReadyTimeout
	}
	r := &Router{
		transport: transport,
		ex:        ex,
		codec:     NewCodec(ex),
		gate:      NewGate(),
		caps:      caps,
		vault:     cv,
		cfg:       cfg,
		log:       logger,
	}
	r.corr = NewCorrelator(r.gate, r.Send, cfg.ReadyTimeout, logger)
	return r
}

// Gate exposes the readiness gate for host lifecycle observation.
func (r *Router) Gate() *Gate {
	return r.gate
}

// Receive handles one raw inbound frame from the transport. Malformed
// frames and unknown types are logged and dropped; a handler failure is
// answered with a sanitized error message, never a panic.
func (r *Router) Receive(raw []byte) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.log.Warn().Err(err).Msg("Dropping unparseable frame")
		return
	}

	if frame.IsEncrypted {
		plaintext, err := r.codec.Decrypt(Envelope{Encrypted: frame.Encrypted, IsEncrypted: true})
		if err != nil {
			r.log.Warn().Err(err).Msg("Dropping undecryptable envelope")
			return
		}
		var inner Message
		if err := json.Unmarshal(plaintext, &inner); err != nil {
			r.log.Warn().Err(err).Msg("Dropping malformed decrypted message")
			return
		}
		r.dispatch(inner)
		return
	}

	r.dispatch(Message{Type: frame.Type, Payload: frame.Payload})
}

func (r *Router) dispatch(msg Message) {
	log := r.log.With().Str("type", string(msg.Type)).Logger()
	log.Debug().Msg("Handling message")

	var err error
	switch msg.Type {
	case TypeKeyExchange:
		err = r.handleKeyExchange(msg)
	case TypeContentReady:
		r.gate.SignalReady()
		log.Info().Msg("Content signaled ready")
	case TypeSettingsOpen:
		if r.OnOpenSettings != nil {
			r.OnOpenSettings()
		}
	case TypeClipboardCopy:
		err = r.handleClipboard(msg)
	case TypeShareOpen:
		err = r.handleShare(msg)
	case TypeURLOpen:
		err = r.handleOpenURL(msg)
	case TypeHaptic:
		err = r.handleHaptic(msg)
	case TypeQRRequest:
		err = r.caps.RequestQRScan()
	case TypeSeedStored:
		err = r.handleSeedStored(msg)
	case TypeWalletCleared:
		err = r.vault.ClearWallet(context.Background())
	case TypePinVerified:
		r.resolvePinResponse(KindVerifyPin, msg)
	case TypePinChanged:
		r.resolvePinResponse(KindChangePin, msg)
	default:
		log.Warn().Msg("Dropping unknown message type")
	}

	if err != nil {
		log.Error().Err(err).Msg("Handler failed")
		r.sendError(err)
	}
}

func (r *Router) handleKeyExchange(msg Message) error {
	var payload KeyExchangePayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		return err
	}
	peerPublic, err := base64.StdEncoding.DecodeString(payload.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: public key is not valid base64", ErrMalformedPayload)
	}

	ciphertext, err := r.ex.Begin(peerPublic)
	if err != nil {
		return err
	}

	reply, err := NewMessage(TypeKeyReply, KeyReplyPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Profile:    string(r.ex.Profile()),
	})
	if err != nil {
		return err
	}
	return r.Send(reply)
}

func (r *Router) handleClipboard(msg Message) error {
	var payload ClipboardPayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		return err
	}
	if payload.Text == "" {
		return fmt.Errorf("%w: clipboard text is required", ErrMalformedPayload)
	}
	if err := r.caps.CopyToClipboard(payload.Text); err != nil {
		return err
	}
	reply, _ := NewMessage(TypeClipboardSuccess, nil)
	return r.Send(reply)
}

func (r *Router) handleShare(msg Message) error {
	var payload SharePayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		return err
	}
	if payload.Text == "" {
		return fmt.Errorf("%w: share text is required", ErrMalformedPayload)
	}
	if err := r.caps.Share(payload.Text); err != nil {
		return err
	}
	reply, _ := NewMessage(TypeShareSuccess, nil)
	return r.Send(reply)
}

func (r *Router) handleOpenURL(msg Message) error {
	var payload URLPayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		return err
	}
	if !strings.HasPrefix(payload.URL, "https://") && !strings.HasPrefix(payload.URL, "http://") {
		return fmt.Errorf("%w: refusing to open non-http url", ErrMalformedPayload)
	}
	return r.caps.OpenURL(payload.URL)
}

func (r *Router) handleHaptic(msg Message) error {
	var payload HapticPayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		return err
	}
	return r.caps.Haptic(payload.Style)
}

func (r *Router) handleSeedStored(msg Message) error {
	var payload SeedStoredPayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		return err
	}
	if payload.Address == "" || payload.EncryptedSeed == "" {
		return fmt.Errorf("%w: address and encryptedSeed are required", ErrMalformedPayload)
	}
	return r.vault.BackupSeed(context.Background(), payload.Address, payload.EncryptedSeed, payload.Chain)
}

func (r *Router) resolvePinResponse(kind Kind, msg Message) {
	var payload PinResultPayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		r.log.Warn().Err(err).Str("kind", string(kind)).Msg("Dropping malformed pin response")
		return
	}
	resolved := r.corr.Resolve(kind, Response{
		Success: payload.Success,
		Error:   payload.Error,
		Payload: msg.Payload,
	})
	if !resolved {
		r.log.Warn().Str("kind", string(kind)).Msg("Dropping response with no outstanding request")
	}
}

// Send serializes a typed message out through the transport. Sensitive
// messages require a ready session and are encrypted; everything else
// goes as plaintext.
func (r *Router) Send(msg Message) error {
	if r.transport == nil {
		return ErrTransportUnavailable
	}

	var wire []byte
	var err error
	if isSensitive(msg.Type) {
		inner, merr := json.Marshal(msg)
		if merr != nil {
			return fmt.Errorf("failed to marshal message: %w", merr)
		}
		env, eerr := r.codec.Encrypt(inner)
		zeroBytes(inner)
		if eerr != nil {
			return eerr
		}
		wire, err = json.Marshal(env)
	} else {
		wire, err = json.Marshal(msg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := r.transport.Send(wire); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// isSensitive classifies outbound types that must never cross the
// transport in plaintext.
func isSensitive(t MessageType) bool {
	switch t {
	case TypePinUnlock, TypeSeedRestore, TypePinVerify, TypePinChange:
		return true
	}
	return false
}

// --- Host-facing operations ---

// VerifyPin asks the content to verify a PIN and waits for pin.verified.
func (r *Router) VerifyPin(ctx context.Context, pin string) (bool, error) {
	payload := PinRelayPayload{Pin: Secret(pin)}
	msg, err := NewMessage(TypePinVerify, payload)
	if err != nil {
		return false, err
	}
	resp, err := r.corr.Request(ctx, KindVerifyPin, msg, r.cfg.RequestTimeout)
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// ChangePin asks the content to change the wallet PIN, then updates the
// local secret slot. A local update failure after a successful
// wallet-side change is reported as a warning, not hidden.
func (r *Router) ChangePin(ctx context.Context, oldPin, newPin string) (ChangePinResult, error) {
	payload := PinRelayPayload{OldPin: Secret(oldPin), NewPin: Secret(newPin)}
	msg, err := NewMessage(TypePinChange, payload)
	if err != nil {
		return ChangePinResult{}, err
	}
	resp, err := r.corr.Request(ctx, KindChangePin, msg, r.cfg.RequestTimeout)
	if err != nil {
		return ChangePinResult{}, err
	}
	if !resp.Success {
		if resp.Error != "" {
			return ChangePinResult{}, fmt.Errorf("pin change rejected: %s", resp.Error)
		}
		return ChangePinResult{}, fmt.Errorf("pin change rejected")
	}

	if err := r.vault.StorePin(ctx, newPin); err != nil {
		r.log.Error().Err(err).Msg("Wallet PIN changed but local secret update failed")
		return ChangePinResult{
			Changed: true,
			Warning: "wallet PIN changed but local secret update failed; unlock may require the old PIN",
		}, nil
	}
	return ChangePinResult{Changed: true}, nil
}

// UnlockWithPin reads the stored PIN and relays it to the content,
// encrypted. The caller must have completed device authentication first.
func (r *Router) UnlockWithPin(ctx context.Context) error {
	pin, err := r.vault.StoredPin(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stored pin: %w", err)
	}
	msg, err := NewMessage(TypePinUnlock, PinRelayPayload{Pin: Secret(pin)})
	if err != nil {
		return err
	}
	return r.Send(msg)
}

// RestoreSeeds pushes every stored backup into the content, encrypted.
// Called on relaunch once the session and gate are up.
func (r *Router) RestoreSeeds(ctx context.Context) error {
	backups, err := r.vault.AllBackups(ctx)
	if err != nil {
		return fmt.Errorf("failed to load backups: %w", err)
	}
	seeds := make([]RestoredSeed, len(backups))
	for i, b := range backups {
		seeds[i] = RestoredSeed{
			Address:       b.Address,
			EncryptedSeed: b.EncryptedSeed,
			Chain:         b.Chain,
		}
	}
	msg, err := NewMessage(TypeSeedRestore, SeedRestorePayload{Seeds: seeds})
	if err != nil {
		return err
	}
	return r.Send(msg)
}

// RequestClearWallet tells the content to wipe its wallet state.
func (r *Router) RequestClearWallet() error {
	msg, _ := NewMessage(TypeWalletClear, nil)
	return r.Send(msg)
}

// PromptBiometricSetup asks the content to show its biometric-setup flow.
func (r *Router) PromptBiometricSetup() error {
	msg, _ := NewMessage(TypeBiometricSetup, nil)
	return r.Send(msg)
}

// SendQRResult reports a completed QR scan back to the content.
func (r *Router) SendQRResult(data string) error {
	msg, err := NewMessage(TypeQRResult, QRResultPayload{Data: data})
	if err != nil {
		return err
	}
	return r.Send(msg)
}

// SendQRCancelled reports a dismissed QR scan.
func (r *Router) SendQRCancelled() error {
	msg, _ := NewMessage(TypeQRCancelled, nil)
	return r.Send(msg)
}

// Reset tears down the ephemeral bridge state: session secrets are
// zeroed, the gate re-enters NotReady, and every outstanding request and
// waiter fails with ErrGateReset. Called on backgrounding, content
// reload, or explicit session end.
func (r *Router) Reset() {
	r.log.Info().Msg("Bridge reset")
	r.gate.Reset()
	r.corr.FailAll(ErrGateReset)
	r.codec.Reset()
}

// sendError answers the content with a sanitized error message.
func (r *Router) sendError(cause error) {
	msg, _ := NewMessage(TypeError, ErrorPayload{Message: sanitizeError(cause)})
	if err := r.Send(msg); err != nil && !errors.Is(err, ErrTransportUnavailable) {
		r.log.Error().Err(err).Msg("Failed to send error response")
	}
}

// sanitizeError keeps schema problems readable and hides everything
// else. No cryptographic or storage detail ever reaches the content.
func sanitizeError(err error) string {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return err.Error()
	case errors.Is(err, ErrInvalidKeyMaterial):
		return "invalid key material"
	case errors.Is(err, ErrNotReady):
		return "bridge not ready"
	default:
		return "operation failed"
	}
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

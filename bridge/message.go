package bridge

import (
	"encoding/json"
	"fmt"
)

// MessageType tags every wire message. Inbound (content -> host) and
// outbound (host -> content) namespaces must never collide: the
// correlator relies on the type tag alone to match responses.
type MessageType string

// Inbound types (content -> host).
const (
	TypeKeyExchange   MessageType = "key.exchange"
	TypeContentReady  MessageType = "content.ready"
	TypeSettingsOpen  MessageType = "settings.open"
	TypeClipboardCopy MessageType = "clipboard.copy"
	TypeShareOpen     MessageType = "share.open"
	TypeURLOpen       MessageType = "url.open"
	TypeHaptic        MessageType = "haptic.trigger"
	TypeQRRequest     MessageType = "qr.request"
	TypeSeedStored    MessageType = "seed.stored"
	TypeWalletCleared MessageType = "wallet.cleared"
	TypePinVerified   MessageType = "pin.verified"
	TypePinChanged    MessageType = "pin.changed"
)

// Outbound types (host -> content).
const (
	TypeKeyReply         MessageType = "key.reply"
	TypeClipboardSuccess MessageType = "clipboard.success"
	TypeShareSuccess     MessageType = "share.success"
	TypeQRResult         MessageType = "qr.result"
	TypeQRCancelled      MessageType = "qr.cancelled"
	TypePinUnlock        MessageType = "pin.unlock"
	TypeSeedRestore      MessageType = "seed.restore"
	TypeWalletClear      MessageType = "wallet.clear"
	TypeBiometricSetup   MessageType = "biometric.setup"
	TypePinVerify        MessageType = "pin.verify"
	TypePinChange        MessageType = "pin.change"
	TypeError            MessageType = "error"
)

// Message is the plaintext wire unit: {"type": "...", "payload": {...}}.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope is the encrypted wire unit. The whole outer message is
// replaced by the base64 nonce-and-ciphertext blob; the decrypted inner
// plaintext is itself a Message.
type Envelope struct {
	Encrypted   string `json:"encrypted"`
	IsEncrypted bool   `json:"isEncrypted"`
}

// NewMessage builds a typed message with a JSON-encoded payload.
func NewMessage(t MessageType, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal payload for %s: %w", t, err)
	}
	return Message{Type: t, Payload: data}, nil
}

// wireFrame is used to probe a raw inbound frame for both shapes.
type wireFrame struct {
	Type        MessageType     `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Encrypted   string          `json:"encrypted,omitempty"`
	IsEncrypted bool            `json:"isEncrypted,omitempty"`
}

// --- Payload schemas ---

// KeyExchangePayload carries the content's public encapsulation or
// agreement material, base64-encoded.
type KeyExchangePayload struct {
	PublicKey string `json:"publicKey"`
}

// KeyReplyPayload carries the host's encapsulation ciphertext (or public
// agreement material), base64-encoded.
type KeyReplyPayload struct {
	Ciphertext string `json:"ciphertext"`
	Profile    string `json:"profile"`
}

// ClipboardPayload for clipboard.copy.
type ClipboardPayload struct {
	Text string `json:"text"`
}

// SharePayload for share.open.
type SharePayload struct {
	Text string `json:"text"`
}

// URLPayload for url.open.
type URLPayload struct {
	URL string `json:"url"`
}

// HapticPayload for haptic.trigger.
type HapticPayload struct {
	Style string `json:"style"`
}

// SeedStoredPayload for seed.stored: the content reports a newly stored
// seed so the host can persist an encrypted backup.
type SeedStoredPayload struct {
	Address       string `json:"address"`
	EncryptedSeed string `json:"encryptedSeed"`
	Chain         string `json:"chain"`
}

// PinResultPayload is the shared shape of pin.verified and pin.changed.
type PinResultPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PinRelayPayload carries a PIN to the content (pin.unlock, pin.verify,
// pin.change old/new pair). Always sent encrypted.
type PinRelayPayload struct {
	Pin    Secret `json:"pin,omitempty"`
	OldPin Secret `json:"oldPin,omitempty"`
	NewPin Secret `json:"newPin,omitempty"`
}

// SeedRestorePayload carries every stored backup back into the content
// on relaunch. Always sent encrypted.
type SeedRestorePayload struct {
	Seeds []RestoredSeed `json:"seeds"`
}

// RestoredSeed is one backup entry in a seed.restore message.
type RestoredSeed struct {
	Address       string `json:"address"`
	EncryptedSeed string `json:"encryptedSeed"`
	Chain         string `json:"chain"`
}

// QRResultPayload for qr.result.
type QRResultPayload struct {
	Data string `json:"data"`
}

// ErrorPayload for error responses to the content. Message text is
// sanitized before it leaves the router.
type ErrorPayload struct {
	Message string `json:"message"`
}

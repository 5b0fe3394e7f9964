package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zondwallet/walletshell/vault"
)

// --- Fakes ---

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

type fakeCaps struct {
	mu        sync.Mutex
	clipboard []string
	shared    []string
	urls      []string
	haptics   []string
	qrScans   int
}

func (f *fakeCaps) CopyToClipboard(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clipboard = append(f.clipboard, text)
	return nil
}

func (f *fakeCaps) Share(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shared = append(f.shared, text)
	return nil
}

func (f *fakeCaps) OpenURL(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	return nil
}

func (f *fakeCaps) Haptic(style string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.haptics = append(f.haptics, style)
	return nil
}

func (f *fakeCaps) RequestQRScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrScans++
	return nil
}

type fakeVault struct {
	mu       sync.Mutex
	backups  map[string]vault.SeedBackup
	pin      string
	pinErr   error
	cleared  bool
	storeErr error
}

func newFakeVault() *fakeVault {
	return &fakeVault{backups: make(map[string]vault.SeedBackup)}
}

func (f *fakeVault) BackupSeed(ctx context.Context, address, encryptedSeed, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups[address] = vault.SeedBackup{Address: address, EncryptedSeed: encryptedSeed, Chain: chain}
	return nil
}

func (f *fakeVault) AllBackups(ctx context.Context) ([]vault.SeedBackup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]vault.SeedBackup, 0, len(f.backups))
	for _, b := range f.backups {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeVault) StorePin(ctx context.Context, pin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	f.pin = pin
	return nil
}

func (f *fakeVault) StoredPin(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinErr != nil {
		return "", f.pinErr
	}
	return f.pin, nil
}

func (f *fakeVault) ClearWallet(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	f.backups = make(map[string]vault.SeedBackup)
	f.pin = ""
	return nil
}

type routerFixture struct {
	router    *Router
	transport *fakeTransport
	caps      *fakeCaps
	vault     *fakeVault
	ex        *Exchanger
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	tr := &fakeTransport{}
	caps := &fakeCaps{}
	fv := newFakeVault()
	ex := NewExchanger(ProfileX25519, testLogger())
	r := NewRouter(tr, ex, caps, fv, Config{
		RequestTimeout: time.Second,
		ReadyTimeout:   200 * time.Millisecond,
	}, testLogger())
	return &routerFixture{router: r, transport: tr, caps: caps, vault: fv, ex: ex}
}

func inboundFrame(t *testing.T, msgType MessageType, payload any) []byte {
	t.Helper()
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("Failed to build message: %v", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal message: %v", err)
	}
	return data
}

// completeHandshake runs the key exchange through the router and returns
// the peer-side session key.
func (fx *routerFixture) completeHandshake(t *testing.T) []byte {
	t.Helper()
	peerPriv, peerPub := newPeerKeypair(t)

	before := fx.transport.frameCount()
	fx.router.Receive(inboundFrame(t, TypeKeyExchange, KeyExchangePayload{
		PublicKey: base64.StdEncoding.EncodeToString(peerPub),
	}))
	if fx.transport.frameCount() != before+1 {
		t.Fatal("No key.reply sent")
	}

	var reply Message
	if err := json.Unmarshal(fx.transport.lastFrame(), &reply); err != nil {
		t.Fatalf("Invalid key.reply frame: %v", err)
	}
	if reply.Type != TypeKeyReply {
		t.Fatalf("Expected %s, got %s", TypeKeyReply, reply.Type)
	}
	var payload KeyReplyPayload
	if err := json.Unmarshal(reply.Payload, &payload); err != nil {
		t.Fatalf("Invalid key.reply payload: %v", err)
	}
	hostPub, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		t.Fatalf("Invalid reply ciphertext encoding: %v", err)
	}
	return peerDeriveKey(t, peerPriv, hostPub)
}

// peerEncrypt builds an encrypted inbound frame the way the content does.
func peerEncrypt(t *testing.T, key []byte, msgType MessageType, payload any) []byte {
	t.Helper()
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("Failed to build message: %v", err)
	}
	inner, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal inner message: %v", err)
	}

	aead, err := newGCM(key)
	if err != nil {
		t.Fatalf("Failed to create AEAD: %v", err)
	}
	nonce := make([]byte, gcmNonceSize)
	for i := range nonce {
		nonce[i] = byte(i + 1)
	}
	blob := aead.Seal(nonce, nonce, inner, nil)

	frame, err := json.Marshal(Envelope{
		Encrypted:   base64.StdEncoding.EncodeToString(blob),
		IsEncrypted: true,
	})
	if err != nil {
		t.Fatalf("Failed to marshal envelope: %v", err)
	}
	return frame
}

// --- Tests ---

func TestRouterContentReadyOpensGate(t *testing.T) {
	fx := newRouterFixture(t)
	if fx.router.Gate().Ready() {
		t.Fatal("Gate ready before content signal")
	}
	fx.router.Receive(inboundFrame(t, TypeContentReady, nil))
	if !fx.router.Gate().Ready() {
		t.Fatal("Gate not ready after content.ready")
	}
}

func TestRouterVerifyPinFlow(t *testing.T) {
	fx := newRouterFixture(t)
	peerKey := fx.completeHandshake(t)
	fx.router.Receive(inboundFrame(t, TypeContentReady, nil))

	sent := fx.transport.frameCount()

	type result struct {
		ok  bool
		err error
	}
	first := make(chan result, 1)
	go func() {
		ok, err := fx.router.VerifyPin(context.Background(), "123456")
		first <- result{ok, err}
	}()

	// Wait for the encrypted verify-pin request on the wire.
	deadline := time.After(time.Second)
	for fx.transport.frameCount() == sent {
		select {
		case <-deadline:
			t.Fatal("verify-pin never sent")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// It must be an envelope, not plaintext.
	var env Envelope
	if err := json.Unmarshal(fx.transport.lastFrame(), &env); err != nil || !env.IsEncrypted {
		t.Fatal("verify-pin request was not encrypted")
	}

	// Second same-kind request issued before the first resolves.
	if _, err := fx.router.VerifyPin(context.Background(), "123456"); !errors.Is(err, ErrRequestInProgress) {
		t.Errorf("Expected ErrRequestInProgress, got %v", err)
	}

	// Content answers with an encrypted pin.verified.
	fx.router.Receive(peerEncrypt(t, peerKey, TypePinVerified, PinResultPayload{Success: true}))

	res := <-first
	if res.err != nil {
		t.Fatalf("VerifyPin failed: %v", res.err)
	}
	if !res.ok {
		t.Error("Expected successful verification")
	}
}

func TestRouterRequestWhileNotReadyTimesOut(t *testing.T) {
	fx := newRouterFixture(t)
	fx.completeHandshake(t)
	// Gate never opens.
	_, err := fx.router.VerifyPin(context.Background(), "1234")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Expected ErrNotReady, got %v", err)
	}
}

func TestRouterResetFailsOutstandingRequest(t *testing.T) {
	fx := newRouterFixture(t)
	fx.completeHandshake(t)
	fx.router.Receive(inboundFrame(t, TypeContentReady, nil))

	sent := fx.transport.frameCount()
	done := make(chan error, 1)
	go func() {
		_, err := fx.router.VerifyPin(context.Background(), "1234")
		done <- err
	}()
	for fx.transport.frameCount() == sent {
		time.Sleep(5 * time.Millisecond)
	}

	// Host backgrounds mid-request.
	fx.router.Reset()

	if err := <-done; !errors.Is(err, ErrGateReset) {
		t.Errorf("Expected ErrGateReset, got %v", err)
	}
	if fx.router.Gate().Ready() {
		t.Error("Gate still ready after reset")
	}
	if fx.ex.Ready() {
		t.Error("Session survived reset")
	}
}

func TestRouterChangePinUpdatesSecretSlot(t *testing.T) {
	fx := newRouterFixture(t)
	peerKey := fx.completeHandshake(t)
	fx.router.Receive(inboundFrame(t, TypeContentReady, nil))

	done := make(chan ChangePinResult, 1)
	go func() {
		res, err := fx.router.ChangePin(context.Background(), "1111", "2222")
		if err != nil {
			t.Errorf("ChangePin failed: %v", err)
		}
		done <- res
	}()
	time.Sleep(50 * time.Millisecond)

	fx.router.Receive(peerEncrypt(t, peerKey, TypePinChanged, PinResultPayload{Success: true}))

	res := <-done
	if !res.Changed {
		t.Error("Expected Changed=true")
	}
	if res.Warning != "" {
		t.Errorf("Unexpected warning: %s", res.Warning)
	}
	if fx.vault.pin != "2222" {
		t.Errorf("Secret slot holds %q, want %q", fx.vault.pin, "2222")
	}
}

func TestRouterChangePinPartialFailureSurfacesWarning(t *testing.T) {
	fx := newRouterFixture(t)
	peerKey := fx.completeHandshake(t)
	fx.router.Receive(inboundFrame(t, TypeContentReady, nil))
	fx.vault.storeErr = errors.New("keystore write failed")

	done := make(chan ChangePinResult, 1)
	go func() {
		res, err := fx.router.ChangePin(context.Background(), "1111", "2222")
		if err != nil {
			t.Errorf("ChangePin failed: %v", err)
		}
		done <- res
	}()
	time.Sleep(50 * time.Millisecond)

	fx.router.Receive(peerEncrypt(t, peerKey, TypePinChanged, PinResultPayload{Success: true}))

	res := <-done
	if !res.Changed {
		t.Error("Wallet-side change succeeded, Changed must be true")
	}
	if res.Warning == "" {
		t.Error("Local secret failure must surface a warning, not silence")
	}
}

func TestRouterSeedStoredNormalizesAddress(t *testing.T) {
	fx := newRouterFixture(t)
	fx.router.Receive(inboundFrame(t, TypeSeedStored, SeedStoredPayload{
		Address:       "0xABC",
		EncryptedSeed: "blob",
		Chain:         "qrl",
	}))

	// The router passes through; normalization happens in the vault, so
	// the fake records the raw address here.
	fx.vault.mu.Lock()
	defer fx.vault.mu.Unlock()
	if len(fx.vault.backups) != 1 {
		t.Fatalf("Expected 1 backup, got %d", len(fx.vault.backups))
	}
}

func TestRouterWalletClearedInvokesVault(t *testing.T) {
	fx := newRouterFixture(t)
	fx.router.Receive(inboundFrame(t, TypeWalletCleared, nil))
	if !fx.vault.cleared {
		t.Error("wallet.cleared did not reach the vault")
	}
}

func TestRouterCapabilityDispatch(t *testing.T) {
	fx := newRouterFixture(t)

	fx.router.Receive(inboundFrame(t, TypeClipboardCopy, ClipboardPayload{Text: "addr"}))
	fx.router.Receive(inboundFrame(t, TypeShareOpen, SharePayload{Text: "hello"}))
	fx.router.Receive(inboundFrame(t, TypeURLOpen, URLPayload{URL: "https://example.org"}))
	fx.router.Receive(inboundFrame(t, TypeHaptic, HapticPayload{Style: "light"}))
	fx.router.Receive(inboundFrame(t, TypeQRRequest, nil))

	fx.caps.mu.Lock()
	defer fx.caps.mu.Unlock()
	if len(fx.caps.clipboard) != 1 || fx.caps.clipboard[0] != "addr" {
		t.Error("Clipboard capability not invoked")
	}
	if len(fx.caps.shared) != 1 {
		t.Error("Share capability not invoked")
	}
	if len(fx.caps.urls) != 1 {
		t.Error("URL capability not invoked")
	}
	if len(fx.caps.haptics) != 1 {
		t.Error("Haptic capability not invoked")
	}
	if fx.caps.qrScans != 1 {
		t.Error("QR scan capability not invoked")
	}
}

func TestRouterMalformedPayloadAnswersError(t *testing.T) {
	fx := newRouterFixture(t)

	// Wrong field type: text must be a string.
	raw := []byte(`{"type":"clipboard.copy","payload":{"text":42}}`)
	fx.router.Receive(raw)

	fx.caps.mu.Lock()
	invoked := len(fx.caps.clipboard)
	fx.caps.mu.Unlock()
	if invoked != 0 {
		t.Error("Handler ran on malformed payload")
	}

	var reply Message
	if err := json.Unmarshal(fx.transport.lastFrame(), &reply); err != nil {
		t.Fatalf("No error frame sent: %v", err)
	}
	if reply.Type != TypeError {
		t.Errorf("Expected %s reply, got %s", TypeError, reply.Type)
	}
}

func TestRouterUnknownTypeDropped(t *testing.T) {
	fx := newRouterFixture(t)
	before := fx.transport.frameCount()
	fx.router.Receive([]byte(`{"type":"totally.unknown","payload":{}}`))
	if fx.transport.frameCount() != before {
		t.Error("Unknown type produced a reply")
	}
}

func TestRouterGarbageFrameDropped(t *testing.T) {
	fx := newRouterFixture(t)
	fx.router.Receive([]byte("not json at all"))
	fx.router.Receive(nil)
	if fx.transport.frameCount() != 0 {
		t.Error("Garbage frames produced replies")
	}
}

func TestRouterSensitiveSendRequiresSession(t *testing.T) {
	fx := newRouterFixture(t)
	fx.vault.pin = "1234"

	// No session yet: the encrypted relay must refuse.
	if err := fx.router.UnlockWithPin(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady, got %v", err)
	}

	fx.completeHandshake(t)
	if err := fx.router.UnlockWithPin(context.Background()); err != nil {
		t.Fatalf("UnlockWithPin failed: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(fx.transport.lastFrame(), &env); err != nil || !env.IsEncrypted {
		t.Error("pin.unlock left the host unencrypted")
	}
}

func TestRouterRestoreSeedsEncrypted(t *testing.T) {
	fx := newRouterFixture(t)
	peerKey := fx.completeHandshake(t)
	fx.vault.BackupSeed(context.Background(), "0xabc", "blob", "qrl")

	if err := fx.router.RestoreSeeds(context.Background()); err != nil {
		t.Fatalf("RestoreSeeds failed: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(fx.transport.lastFrame(), &env); err != nil || !env.IsEncrypted {
		t.Fatal("seed.restore was not encrypted")
	}

	// The peer can decrypt and finds its backup.
	blob, err := base64.StdEncoding.DecodeString(env.Encrypted)
	if err != nil {
		t.Fatalf("Invalid envelope encoding: %v", err)
	}
	aead, err := newGCM(peerKey)
	if err != nil {
		t.Fatalf("Failed to create AEAD: %v", err)
	}
	inner, err := aead.Open(nil, blob[:gcmNonceSize], blob[gcmNonceSize:], nil)
	if err != nil {
		t.Fatalf("Peer decryption failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(inner, &msg); err != nil {
		t.Fatalf("Invalid inner message: %v", err)
	}
	var payload SeedRestorePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("Invalid restore payload: %v", err)
	}
	if len(payload.Seeds) != 1 || payload.Seeds[0].Address != "0xabc" {
		t.Errorf("Unexpected restore payload: %+v", payload)
	}
}

func TestRouterPlaintextSendsStayPlaintext(t *testing.T) {
	fx := newRouterFixture(t)
	fx.completeHandshake(t)

	if err := fx.router.SendQRResult("qr-data"); err != nil {
		t.Fatalf("SendQRResult failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(fx.transport.lastFrame(), &msg); err != nil {
		t.Fatalf("QR result frame not plaintext: %v", err)
	}
	if msg.Type != TypeQRResult {
		t.Errorf("Expected %s, got %s", TypeQRResult, msg.Type)
	}
}

func TestRouterNoTransport(t *testing.T) {
	ex := NewExchanger(ProfileX25519, testLogger())
	r := NewRouter(nil, ex, &fakeCaps{}, newFakeVault(), Config{}, testLogger())
	msg, _ := NewMessage(TypeQRCancelled, nil)
	if err := r.Send(msg); !errors.Is(err, ErrTransportUnavailable) {
		t.Errorf("Expected ErrTransportUnavailable, got %v", err)
	}
}

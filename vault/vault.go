package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Store namespaces and keys.
const (
	nsSeeds = "seeds"
	nsMeta  = "meta"

	metaKey = "wallet"
)

// SeedBackup is one persisted encrypted seed, keyed by lower-cased
// address. The seed blob is opaque to the vault: it was encrypted by the
// content before it ever reached the host.
type SeedBackup struct {
	Address       string `json:"address"`
	EncryptedSeed string `json:"encryptedSeed"`
	Chain         string `json:"chain"`
	StoredAt      int64  `json:"storedAt"` // epoch ms
}

// walletMetadata is the derived index kept in sync with the backup set
// so common reads avoid a full-store scan.
type walletMetadata struct {
	Addresses   []string `json:"addresses"`
	HasWallet   bool     `json:"hasWallet"`
	LastUpdated int64    `json:"lastUpdated"`
}

// Vault owns seed backup persistence and the PIN secret slot.
// Explicitly constructed and injectable: multiple instances (e.g. under
// test) share no hidden state.
type Vault struct {
	store   *Store
	secrets SecretStore
	log     zerolog.Logger
}

// New creates a vault over the given store and secret slot.
func New(store *Store, secrets SecretStore, logger zerolog.Logger) *Vault {
	return &Vault{
		store:   store,
		secrets: secrets,
		log:     logger,
	}
}

// BackupSeed upserts a seed backup keyed by lower-cased address and
// refreshes the metadata index. An index refresh failure is logged and
// degrades gracefully: reads fall back to a full scan.
func (v *Vault) BackupSeed(ctx context.Context, address, encryptedSeed, chain string) error {
	if address == "" || encryptedSeed == "" {
		return fmt.Errorf("address and encrypted seed are required")
	}
	addr := strings.ToLower(address)

	backup := SeedBackup{
		Address:       addr,
		EncryptedSeed: encryptedSeed,
		Chain:         chain,
		StoredAt:      time.Now().UnixMilli(),
	}
	data, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("failed to marshal backup: %w", err)
	}

	if err := v.store.Put(nsSeeds, addr, data); err != nil {
		return fmt.Errorf("failed to store seed backup: %w", err)
	}

	if err := v.refreshMetadata(addr); err != nil {
		v.log.Warn().Err(err).Str("address", addr).Msg("Failed to refresh wallet metadata")
	}

	v.log.Info().Str("address", addr).Str("chain", chain).Msg("Seed backup stored")
	return nil
}

// AllBackups returns every stored backup. It prefers the index-driven
// batched lookup and falls back to a full-store scan when the index
// entry is absent (stores written before the index existed).
func (v *Vault) AllBackups(ctx context.Context) ([]SeedBackup, error) {
	meta, err := v.loadMetadata()
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
		return v.scanBackups()
	}

	backups := make([]SeedBackup, 0, len(meta.Addresses))
	for _, addr := range meta.Addresses {
		data, err := v.store.Get(nsSeeds, addr)
		if errors.Is(err, ErrKeyNotFound) {
			v.log.Warn().Str("address", addr).Msg("Indexed backup missing from store")
			continue
		}
		if err != nil {
			return nil, err
		}
		var b SeedBackup
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("corrupt backup record for %s: %w", addr, err)
		}
		backups = append(backups, b)
	}
	return backups, nil
}

// HasWallet reports whether any seed backup exists, derived from the
// metadata index with backup presence as the fallback.
func (v *Vault) HasWallet(ctx context.Context) (bool, error) {
	meta, err := v.loadMetadata()
	if err == nil {
		return meta.HasWallet, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return false, err
	}
	keys, err := v.store.Keys(nsSeeds)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// StorePin writes the unlock PIN to the hardware-backed slot,
// overwriting any previous value. The PIN never touches the general
// store.
func (v *Vault) StorePin(ctx context.Context, pin string) error {
	if pin == "" {
		return fmt.Errorf("pin is required")
	}
	if err := v.secrets.Store(pin); err != nil {
		return fmt.Errorf("failed to store pin: %w", err)
	}
	v.log.Info().Msg("Unlock PIN stored")
	return nil
}

// StoredPin reads the unlock PIN. Only meaningful after the caller
// performed device authentication; the vault trusts that it did.
func (v *Vault) StoredPin(ctx context.Context) (string, error) {
	pin, err := v.secrets.Load()
	if err != nil {
		return "", err
	}
	return pin, nil
}

// ClearWallet deletes the PIN slot, every seed backup, and the metadata
// index. The secret slot goes first: if it fails nothing else is
// touched, and a store failure afterwards is surfaced, never swallowed.
func (v *Vault) ClearWallet(ctx context.Context) error {
	if err := v.secrets.Delete(); err != nil {
		return fmt.Errorf("failed to clear pin slot: %w", err)
	}
	if err := v.store.DeleteNamespaces(nsSeeds, nsMeta); err != nil {
		return fmt.Errorf("pin cleared but backup wipe failed: %w", err)
	}
	v.log.Info().Msg("Wallet cleared")
	return nil
}

func (v *Vault) loadMetadata() (*walletMetadata, error) {
	data, err := v.store.Get(nsMeta, metaKey)
	if err != nil {
		return nil, err
	}
	var meta walletMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt wallet metadata: %w", err)
	}
	return &meta, nil
}

// refreshMetadata adds addr to the index, rebuilding it from the store
// when absent.
func (v *Vault) refreshMetadata(addr string) error {
	meta, err := v.loadMetadata()
	if errors.Is(err, ErrKeyNotFound) {
		keys, kerr := v.store.Keys(nsSeeds)
		if kerr != nil {
			return kerr
		}
		meta = &walletMetadata{Addresses: keys}
	} else if err != nil {
		return err
	} else {
		found := false
		for _, a := range meta.Addresses {
			if a == addr {
				found = true
				break
			}
		}
		if !found {
			meta.Addresses = append(meta.Addresses, addr)
		}
	}

	meta.HasWallet = len(meta.Addresses) > 0
	meta.LastUpdated = time.Now().UnixMilli()

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return v.store.Put(nsMeta, metaKey, data)
}

func (v *Vault) scanBackups() ([]SeedBackup, error) {
	keys, err := v.store.Keys(nsSeeds)
	if err != nil {
		return nil, err
	}
	backups := make([]SeedBackup, 0, len(keys))
	for _, key := range keys {
		data, err := v.store.Get(nsSeeds, key)
		if err != nil {
			return nil, err
		}
		var b SeedBackup
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("corrupt backup record for %s: %w", key, err)
		}
		backups = append(backups, b)
	}
	return backups, nil
}

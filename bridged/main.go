// Package main implements the wallet shell bridge host. It serves the
// embedded wallet content over a local transport and exposes the secure
// bridge: session-keyed encryption, readiness gating, correlated PIN
// operations, and the credential vault.
package main

import (
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zondwallet/walletshell/bridge"
	"github.com/zondwallet/walletshell/transport"
	"github.com/zondwallet/walletshell/vault"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to yaml config file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *devMode {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", Version).
		Bool("dev_mode", *devMode).
		Msg("Bridge host starting")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Bridge host error")
	}

	log.Info().Msg("Bridge host shutdown complete")
}

func run(cfg *Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// Keys for the store and the sealed secret slot come from the
	// platform keystore on a real device; the daemon keeps them in
	// owner-only files next to the data they protect.
	storeKey, err := loadOrCreateKey(filepath.Join(cfg.DataDir, "store.key"))
	if err != nil {
		return err
	}
	deviceKey, err := loadOrCreateKey(filepath.Join(cfg.DataDir, "device.key"))
	if err != nil {
		return err
	}

	store, err := vault.OpenStore(filepath.Join(cfg.DataDir, "wallet.db"), storeKey)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	secrets, err := vault.NewSealedFileStore(cfg.DataDir, deviceKey)
	if err != nil {
		return fmt.Errorf("failed to open secret store: %w", err)
	}

	cv := vault.New(store, secrets, log.With().Str("component", "vault").Logger())

	ex := bridge.NewExchanger(
		bridge.Profile(cfg.KeyProfile),
		log.With().Str("component", "keyexchange").Logger(),
	)

	var router *bridge.Router

	// The transport hands frames to the router; a content disconnect is
	// a reload from the bridge's point of view, so it resets the session.
	handler := func(data []byte) { router.Receive(data) }
	onDetach := func() { router.Reset() }

	var tr transport.Transport
	var start func() error
	switch cfg.Transport {
	case "websocket":
		ws := transport.NewWSTransport(cfg.Websocket, handler, onDetach,
			log.With().Str("component", "transport").Logger())
		tr, start = ws, ws.Start
	case "nats":
		nt, err := transport.NewNATSTransport(cfg.NATS, handler,
			log.With().Str("component", "transport").Logger())
		if err != nil {
			return err
		}
		tr, start = nt, nt.Start
	}
	defer tr.Close()

	router = bridge.NewRouter(
		tr,
		ex,
		&loggingCapabilities{log: log.With().Str("component", "capabilities").Logger()},
		cv,
		bridge.Config{
			RequestTimeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
			ReadyTimeout:   time.Duration(cfg.ReadyTimeoutMs) * time.Millisecond,
		},
		log.With().Str("component", "router").Logger(),
	)
	router.OnOpenSettings = func() {
		log.Info().Msg("Host settings navigation requested")
	}

	// Frames may arrive the moment the transport goes live; the router
	// must be fully wired first.
	if err := start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Zero session secrets before exit.
	router.Reset()
	return nil
}

// loadOrCreateKey reads a 32-byte key file, generating it on first run.
func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("key file %s is corrupt", path)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

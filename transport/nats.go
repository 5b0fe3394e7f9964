package transport

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig holds NATS transport settings.
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	InSubject       string `yaml:"in_subject"`
	OutSubject      string `yaml:"out_subject"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// NATSTransport carries bridge frames over a NATS subject pair. Used by
// the development harness and remote-content setups where the wallet
// content does not share a device with the host.
type NATSTransport struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	handler Handler
	cfg     NATSConfig
	log     zerolog.Logger
}

// NewNATSTransport connects to the broker. No frames are delivered until
// Start subscribes, so the caller can finish wiring the handler's
// dependencies first.
func NewNATSTransport(cfg NATSConfig, handler Handler, logger zerolog.Logger) (*NATSTransport, error) {
	if cfg.InSubject == "" {
		cfg.InSubject = "wallet.bridge.in"
	}
	if cfg.OutSubject == "" {
		cfg.OutSubject = "wallet.bridge.out"
	}

	opts := []nats.Option{
		nats.Name("walletshell-bridge"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSTransport{
		conn:    conn,
		handler: handler,
		cfg:     cfg,
		log:     logger,
	}, nil
}

// Start subscribes to the inbound subject, delivering frames to the
// handler in arrival order.
func (t *NATSTransport) Start() error {
	sub, err := t.conn.Subscribe(t.cfg.InSubject, func(msg *nats.Msg) {
		t.handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", t.cfg.InSubject, err)
	}
	t.sub = sub
	t.log.Info().Str("in", t.cfg.InSubject).Str("out", t.cfg.OutSubject).Msg("NATS transport connected")
	return nil
}

// Send publishes one frame to the outbound subject.
func (t *NATSTransport) Send(data []byte) error {
	if !t.conn.IsConnected() {
		return ErrUnavailable
	}
	if err := t.conn.Publish(t.cfg.OutSubject, data); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close drains the subscription and closes the connection.
func (t *NATSTransport) Close() error {
	if t.sub != nil {
		t.sub.Unsubscribe()
	}
	t.conn.Close()
	return nil
}

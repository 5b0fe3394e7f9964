package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSConfig holds websocket endpoint settings.
type WSConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// WSTransport serves the embedded content surface over a local
// websocket. The bridge is single-session: one content connection at a
// time, with a new connection replacing the old one.
type WSTransport struct {
	cfg      WSConfig
	handler  Handler
	onDetach func()
	log      zerolog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	addr     string

	mu     sync.Mutex
	conn   *websocket.Conn
	connID string
}

// NewWSTransport creates the endpoint. handler receives every inbound
// text frame; onDetach (optional) fires when the live connection drops,
// so the host can reset the bridge.
func NewWSTransport(cfg WSConfig, handler Handler, onDetach func(), logger zerolog.Logger) *WSTransport {
	if cfg.Path == "" {
		cfg.Path = "/bridge"
	}
	return &WSTransport{
		cfg:      cfg,
		handler:  handler,
		onDetach: onDetach,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The endpoint binds to loopback; the content surface is the
			// only expected origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving. Non-blocking; errors after startup are logged.
func (t *WSTransport) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.Path, t.serveWS)

	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.ListenAddr, err)
	}
	t.addr = ln.Addr().String()

	go func() {
		t.log.Info().Str("addr", t.addr).Str("path", t.cfg.Path).Msg("Websocket transport listening")
		if err := t.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.log.Error().Err(err).Msg("Websocket server error")
		}
	}()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (t *WSTransport) Addr() string {
	return t.addr
}

func (t *WSTransport) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	log := t.log.With().Str("conn_id", connID).Logger()

	t.mu.Lock()
	replaced := t.conn != nil
	if replaced {
		log.Info().Msg("Replacing existing content connection")
		t.conn.Close()
	}
	t.conn = conn
	t.connID = connID
	t.mu.Unlock()

	// A replacement is a content reload: the state tied to the old
	// connection must not survive into the new, un-handshaken one. The
	// old read loop sees a changed conn_id on exit and stays silent.
	if replaced && t.onDetach != nil {
		t.onDetach()
	}

	log.Info().Str("remote", r.RemoteAddr).Msg("Content connected")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			log.Warn().Int("frame_type", msgType).Msg("Dropping non-text frame")
			continue
		}
		t.handler(data)
	}

	t.mu.Lock()
	detached := t.connID == connID
	if detached {
		t.conn = nil
		t.connID = ""
	}
	t.mu.Unlock()

	conn.Close()
	log.Info().Msg("Content disconnected")

	if detached && t.onDetach != nil {
		t.onDetach()
	}
}

// Send writes one text frame to the live connection.
func (t *WSTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrUnavailable
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close shuts down the endpoint and any live connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return t.server.Shutdown(ctx)
	}
	return nil
}

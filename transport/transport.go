// Package transport provides the channels connecting the bridge to the
// embedded wallet content: a websocket endpoint for the on-device
// content surface and a NATS channel for remote or development use.
package transport

import "errors"

// ErrUnavailable indicates there is no live channel to the content.
var ErrUnavailable = errors.New("transport unavailable")

// Handler receives inbound frames in the order the transport delivered
// them. Implementations must not reorder.
type Handler func(data []byte)

// Transport is a bidirectional frame channel to the embedded content.
type Transport interface {
	Send(data []byte) error
	Close() error
}

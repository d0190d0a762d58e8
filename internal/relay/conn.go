// Package relay implements the room directory, message relay, outbound
// batching, and liveness sweep of the relay hub.
//
// All directory and outbox state is owned by a Hub and mutated under a
// single lock. Compression and transport writes happen outside that lock.
package relay

import "errors"

var (
	// ErrConnectionClosed is returned by Connection implementations after Close.
	ErrConnectionClosed = errors.New("relay: connection closed")
	// ErrSendBufferFull is returned when a connection cannot accept more outbound data.
	ErrSendBufferFull = errors.New("relay: send buffer full")
	// ErrBatchTooLarge is returned when a decompressed batch exceeds the configured limit.
	ErrBatchTooLarge = errors.New("relay: batch exceeds size limit")
)

// Connection is one client's duplex message channel.
//
// A Connection is an opaque handle: the hub identifies clients by handle
// equality, so implementations must be comparable (typically a pointer).
type Connection interface {
	// Send queues one reliable transport message. It must not block.
	Send(data []byte) error
	// SendVolatile queues a best-effort control message that may be dropped under load.
	SendVolatile(data []byte) error
	// Close terminates the channel.
	Close() error
	// RemoteAddr describes the peer, for logging only.
	RemoteAddr() string
}

// Package protocol defines the JSON wire format of the space channel:
// the inbound client events, the outbound server events, and the
// connection abstraction both sides are written against.
package protocol

// Conn is a bidirectional text-frame channel. The websocket transport
// implements it; tests substitute in-memory fakes.
type Conn interface {
	// ID identifies the connection for logging and registry bookkeeping.
	ID() string

	// ReadText blocks until the next inbound text frame or transport error.
	ReadText() ([]byte, error)

	// SendText writes one outbound text frame.
	SendText(data []byte) error

	// SendEvent serializes v with the canonical encoder and writes it as
	// one text frame.
	SendEvent(v any) error

	Close() error
}

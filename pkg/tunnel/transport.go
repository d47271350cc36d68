package tunnel

// Transport is the external duplex message channel a Proxy multiplexes
// over. It is assumed reliable, ordered, and already established; the
// core performs no retransmission and no retry of the transport itself.
type Transport interface {
	// Send enqueues a frame for delivery to the remote peer. Frames
	// submitted in program order are delivered to the peer in that order.
	// Send returns ErrTransportClosed if the transport has already closed.
	Send(frame []byte) error

	// Incoming returns a channel of inbound frames addressed to any tunnel
	// sharing this transport; the Proxy Engine filters by its own
	// TunnelID. The channel is closed when the transport closes.
	Incoming() <-chan []byte

	// OnClose returns a channel that is closed when the transport closes,
	// whether due to a local Close() call or a peer-initiated disconnect.
	OnClose() <-chan struct{}

	// Close releases the transport's resources. Idempotent.
	Close() error
}

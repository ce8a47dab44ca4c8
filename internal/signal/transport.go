package signal

// Transport is the only surface the call engine needs from the
// signaling layer. Concrete implementations: the in-memory hub (tests,
// single-process setups), the websocket relay client, and the libp2p
// node adapter in internal/p2p.
type Transport interface {
	// Send delivers a message best-effort. Implementations must not
	// block on slow receivers; while the transport is disconnected,
	// Send is a silent no-op.
	Send(msg Message) error

	// Subscribe returns a channel of inbound messages and a cancel
	// function. Messages addressed to other identities are already
	// filtered out by the implementation.
	Subscribe() (ch chan Message, cancel func())

	// Close tears down the transport. Subscribed channels are closed.
	Close() error
}

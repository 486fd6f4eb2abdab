package bidstream

import "context"

// TransportHandler receives inbound traffic from a Transport. Calls are made
// from a single goroutine, in the order the transport received them.
type TransportHandler interface {
	// HandleMessage is called for every bid payload addressed to room
	HandleMessage(room string, payload []byte)
	// HandleReconnect is called after the transport re-established its
	// link and before it reads anything from the new link.
	HandleReconnect()
}

// Transport is a duplex event channel with room membership. Reconnection
// is the transport's job.
type Transport interface {
	// Open establishes the link. It blocks until the first connection
	// succeeds or ctx ends.
	Open(ctx context.Context, h TransportHandler) error
	Join(room string) error
	Leave(room string) error
	Connected() bool
	Close() error
}

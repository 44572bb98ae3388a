package contracts

import "context"

// Registry is the local node's client hub: it tracks physical WebSocket
// connections and fans service events out to them.
type Registry interface {
	Register(c Client)
	Unregister(c Client)
	// SendTo targets one local user's connections.
	SendTo(ctx context.Context, userID string, data []byte)
	// Fanout sends to every local client attached to a conversation,
	// optionally excluding the originating user.
	Fanout(ctx context.Context, convID string, exceptUserID string, data []byte)
}

// Client is the minimal surface the Registry needs from a connection.
type Client interface {
	UserID() string
	ConversationID() string
	Send(ctx context.Context, data []byte) error
	Close()
}

package relay

import "context"

// Client is the reply channel of one inbound session, local or federated.
type Client interface {
	ID() string
	Send(data []byte) error
}

// Handler is the single entry point for inbound relay messages.
type Handler interface {
	HandleIncomingMessage(ctx context.Context, client Client, data []byte)
}

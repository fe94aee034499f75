package router

import (
	"context"

	"github.com/chatcore-ai/chatcore/pkg/protocol"
)

// Conn is the outbound side of a client connection as the router sees it.
// The transport layer provides the real implementation; tests use fakes.
type Conn interface {
	// Send writes an envelope to the client. It is safe for concurrent use.
	Send(ctx context.Context, env *protocol.Envelope) error

	// Connected reports whether the connection is still usable. Callers
	// emitting multi-message sequences check this between sends.
	Connected() bool
}

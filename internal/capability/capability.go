// Package capability defines what happens over an established
// connection.  Each Capability encapsulates a single behaviour
// (answering agent control messages, bridging a shell) and operates
// on a Session rather than a raw net.Conn, which keeps capabilities
// testable and decoupled from transport details.
package capability

import (
	"context"

	"relayd/internal/session"
)

// Capability handles a single connection according to a specific
// behaviour.  Implementations are C2 and Shell.
type Capability interface {
	// Handle runs the capability against the given session.  It
	// blocks until the connection is done or the context is
	// cancelled.  The caller closes the connection afterwards.
	Handle(ctx context.Context, sess *session.Session) error
}

// Package core is the orchestration layer.  It composes transports
// and capabilities into complete operational modes and provides a
// builder that assembles a server from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  capability  →  session  →  core  →  cmd (CLI)
package core

import "context"

// Mode represents a complete operational mode of relayd (a c2 or
// shell server, or a one-shot agent checkin).  Each mode owns its
// full lifecycle from connection establishment to teardown.
type Mode interface {
	Run(ctx context.Context) error
}

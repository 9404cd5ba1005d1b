// Package session binds an accepted connection to the identity and
// logger used while serving it.
//
// Capabilities take a Session rather than a raw net.Conn, so the
// per-connection fields (peer address, correlation id) are computed
// once at accept time.
package session

import (
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"relayd/util"
)

// Session is the runtime context of one served connection.
type Session struct {
	ID      string
	Conn    net.Conn
	Peer    string     // remote address as host:port
	PeerIP  netip.Addr // unmapped remote IP, invalid for non-IP transports
	Started time.Time
	Logger  *util.Logger
}

// New creates a Session for conn.  The logger gains session and peer
// fields.
func New(conn net.Conn, logger *util.Logger) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		Conn:    conn,
		Started: time.Now(),
	}
	if ra := conn.RemoteAddr(); ra != nil {
		s.Peer = ra.String()
		s.PeerIP, _ = util.PeerIP(ra)
	}
	s.Logger = logger.With("session", s.ID).With("peer", s.Peer)
	return s
}

// PeerKey identifies the remote host for per-peer accounting.  It
// falls back to the full address when no IP is known.
func (s *Session) PeerKey() string {
	if s.PeerIP.IsValid() {
		return s.PeerIP.String()
	}
	return s.Peer
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.Conn.Close() }

// Package transport provides the network edges of relayd: listeners
// for the server side and dialers for agents.  Transports handle the
// "how" of data movement (plain TCP or TLS) independent of what
// happens over the connection, which is the capability layer's job.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"relayd/internal/errors"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer.
	// Stateless dialers return nil.
	Close() error
}

// Listen binds a TCP listener on address.  With a non-nil tlsConfig
// accepted connections are TLS server connections whose handshake is
// deferred to Handshake.
func Listen(ctx context.Context, address string, tlsConfig *tls.Config) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrap("listen", address, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}

// DefaultHandshakeTimeout bounds a server-side TLS handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// Handshake completes the TLS handshake of conn if it is a TLS
// connection and is a no-op otherwise.  It runs in the connection's
// goroutine so a slow client never stalls the accept loop.
func Handshake(ctx context.Context, conn net.Conn) error {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return &errors.TLSError{Op: "handshake", Err: err}
	}
	return nil
}

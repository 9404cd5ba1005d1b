package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"relayd/internal/errors"
)

// TCPDialer establishes plain TCP connections, optionally binding to a
// specific source port.
type TCPDialer struct {
	Timeout   time.Duration
	LocalPort int // optional source-port binding (0 = ephemeral)
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer, err := d.netDialer(network)
	if err != nil {
		return nil, err
	}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrap("dial", address, err)
	}
	return conn, nil
}

func (d *TCPDialer) netDialer(network string) (*net.Dialer, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	if d.LocalPort > 0 {
		local := fmt.Sprintf(":%d", d.LocalPort)
		a, err := net.ResolveTCPAddr(network, local)
		if err != nil {
			return nil, fmt.Errorf("resolve local addr: %w", err)
		}
		dialer.LocalAddr = a
	}
	return dialer, nil
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }

// TLSDialer dials TCP and completes a TLS client handshake before
// returning the connection.
type TLSDialer struct {
	TCPDialer
	Config *tls.Config
}

// Dial connects to address and performs the handshake.  When Config
// has no ServerName the host part of address is used.
func (d *TLSDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer, err := d.netDialer(network)
	if err != nil {
		return nil, err
	}
	cfg := d.Config
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	td := &tls.Dialer{NetDialer: dialer, Config: cfg}
	conn, err := td.DialContext(ctx, network, address)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return nil, errors.Wrap("dial", address, err)
		}
		return nil, &errors.TLSError{Op: "handshake", Err: err}
	}
	return conn, nil
}

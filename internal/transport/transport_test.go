package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayd/internal/certs"
	"relayd/internal/errors"
	"relayd/util"
)

func serverTLS(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	_, err := certs.NewManager(util.NewLogger(0)).EnsureCertificate("relay.test", certPath, keyPath)
	require.NoError(t, err)

	cfg, err := certs.LoadServerTLSConfig(certPath, keyPath)
	require.NoError(t, err)
	pool, err := certs.LoadCertPool(certPath)
	require.NoError(t, err)
	return cfg, pool
}

// greet accepts one connection, completes the handshake and writes msg.
func greet(ln net.Listener, msg string) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	if err := Handshake(context.Background(), conn); err != nil {
		return
	}
	conn.Write([]byte(msg)) //nolint:errcheck
}

func TestTCPDialer_Connect(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()
	go greet(ln, "hello from server\n")

	d := &TCPDialer{Timeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello from server\n", string(got))
}

func TestTCPDialer_ContextCancel(t *testing.T) {
	d := &TCPDialer{Timeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dial(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)
	var ne *errors.NetworkError
	assert.True(t, errors.As(err, &ne))
}

func TestTCPDialer_Close(t *testing.T) {
	d := &TCPDialer{}
	assert.NoError(t, d.Close())
}

func TestTLS_RoundTrip(t *testing.T) {
	srvCfg, pool := serverTLS(t)
	ln, err := Listen(context.Background(), "127.0.0.1:0", srvCfg)
	require.NoError(t, err)
	defer ln.Close()
	go greet(ln, "secure hello")

	d := &TLSDialer{
		TCPDialer: TCPDialer{Timeout: 2 * time.Second},
		Config:    &tls.Config{RootCAs: pool, ServerName: "relay.test", MinVersion: tls.VersionTLS12},
	}
	conn, err := d.Dial(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "secure hello", string(got))
}

func TestTLS_LoopbackIPSAN(t *testing.T) {
	srvCfg, pool := serverTLS(t)
	ln, err := Listen(context.Background(), "127.0.0.1:0", srvCfg)
	require.NoError(t, err)
	defer ln.Close()
	go greet(ln, "ip ok")

	d := &TLSDialer{Config: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}
	conn, err := d.Dial(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestTLS_UntrustedServerFails(t *testing.T) {
	srvCfg, _ := serverTLS(t)
	ln, err := Listen(context.Background(), "127.0.0.1:0", srvCfg)
	require.NoError(t, err)
	defer ln.Close()
	go greet(ln, "nope")

	d := &TLSDialer{Config: &tls.Config{ServerName: "relay.test", MinVersion: tls.VersionTLS12}}
	_, err = d.Dial(context.Background(), "tcp", ln.Addr().String())
	require.Error(t, err)
	var te *errors.TLSError
	assert.True(t, errors.As(err, &te), "got %v", err)
}

func TestHandshake_PlainConnIsNoop(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	assert.NoError(t, Handshake(context.Background(), a))
}

func TestHandshake_GarbageClient(t *testing.T) {
	srvCfg, _ := serverTLS(t)
	ln, err := Listen(context.Background(), "127.0.0.1:0", srvCfg)
	require.NoError(t, err)
	defer ln.Close()

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		errCh <- Handshake(context.Background(), conn)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Write([]byte("GET / HTTP/1.0\r\n\r\n")) //nolint:errcheck
	conn.Close()

	select {
	case err := <-errCh:
		var te *errors.TLSError
		assert.True(t, errors.As(err, &te), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not fail")
	}
}

func TestListen_AddressInUse(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(context.Background(), ln.Addr().String(), nil)
	require.Error(t, err)
	var ne *errors.NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "listen", ne.Op)
}

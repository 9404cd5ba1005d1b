package core

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"sync"
	"time"

	"relayd/internal/capability"
	"relayd/internal/errors"
	"relayd/internal/metrics"
	"relayd/internal/proxy"
	"relayd/internal/registry"
	"relayd/internal/session"
	"relayd/internal/transport"
	"relayd/util"
)

// Accept-loop backoff bounds for transient errors.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server accepts connections and runs a capability on each one in
// its own goroutine.
type Server struct {
	Address    string
	TLS        *tls.Config // nil: plain TCP
	Capability capability.Capability
	Proxy      *proxy.Supervisor    // optional SOCKS5 sidecar
	Registry   *registry.Registry   // c2 mode only
	MaxClients int                  // 0: unlimited
	Allowed    []netip.Prefix       // empty: every peer
	Logger     *util.Logger
	Metrics    *metrics.Collector
}

// Run starts the proxy, binds the listener and serves until ctx is
// cancelled.  Startup failures are returned; per-connection failures
// are only logged.
func (s *Server) Run(ctx context.Context) error {
	if s.Proxy != nil {
		if err := s.Proxy.Start(); err != nil {
			return err
		}

		watchCtx, stopWatch := context.WithCancel(ctx)
		var watcher sync.WaitGroup
		watcher.Add(1)
		go func() {
			defer watcher.Done()
			if err := s.Proxy.Watch(watchCtx); err != nil {
				s.Logger.Warn().Err(err).Msg("users file watcher stopped")
			}
		}()
		defer func() {
			stopWatch()
			watcher.Wait()
			s.Proxy.Close()
		}()
	}

	ln, err := transport.Listen(ctx, s.Address, s.TLS)
	if err != nil {
		return err
	}

	ev := s.Logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.TLS != nil).
		Int("max_clients", s.MaxClients)
	if s.Proxy != nil && s.Proxy.IsRunning() {
		ev = ev.Str("socks5", s.Proxy.ProxyURL())
	}
	ev.Msg("listening")

	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln until ctx is cancelled or ln fails
// permanently.  It closes ln and waits for in-flight connections
// before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	var sem chan struct{}
	if s.MaxClients > 0 {
		sem = make(chan struct{}, s.MaxClients)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	backoff := minAcceptBackoff
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.Wrap("accept", s.Address, err)
			}
			s.Logger.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			s.Metrics.RecordError(err.Error())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff = min(backoff*2, maxAcceptBackoff)
			continue
		}
		backoff = minAcceptBackoff

		if err := s.admit(conn); err != nil {
			s.Logger.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("connection rejected")
			s.Metrics.ConnectionRejected()
			conn.Close()
			continue
		}

		if sem != nil {
			select {
			case sem <- struct{}{}:
			default:
				s.Logger.Warn().Err(errors.ErrServerFull).Str("peer", conn.RemoteAddr().String()).Msg("connection rejected")
				s.Metrics.ConnectionRejected()
				conn.Close()
				continue
			}
		}

		s.Metrics.ConnectionOpened()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
			if sem != nil {
				<-sem
			}
			s.Metrics.ConnectionClosed()
		}()
	}
}

// admit applies the peer filter.
func (s *Server) admit(conn net.Conn) error {
	if len(s.Allowed) == 0 {
		return nil
	}
	ip, ok := util.PeerIP(conn.RemoteAddr())
	if !ok {
		return errors.ErrPeerNotAllowed
	}
	for _, p := range s.Allowed {
		if p.Contains(ip) {
			return nil
		}
	}
	return errors.ErrPeerNotAllowed
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := session.New(conn, s.Logger)
	sess.Logger.Verbose().Msg("connection accepted")

	if err := transport.Handshake(ctx, conn); err != nil {
		sess.Logger.Warn().Err(err).Msg("tls handshake failed")
		s.Metrics.RecordError(err.Error())
		return
	}

	err := s.Capability.Handle(ctx, sess)
	switch {
	case err == nil, util.IsExpectedClose(err):
	case errors.IsDecode(err),
		errors.Is(err, errors.ErrAuthFailed),
		errors.Is(err, errors.ErrRateLimited):
		sess.Logger.Warn().Err(err).Msg("message rejected")
		s.Metrics.RecordError(err.Error())
	default:
		sess.Logger.Error().Err(err).Msg("connection failed")
		s.Metrics.RecordError(err.Error())
	}
	sess.Logger.Verbose().Dur("took", util.Since(sess.Started)).Msg("connection closed")
}

// ListAgents returns a snapshot of the checked-in agents.  Servers
// without a registry report none.
func (s *Server) ListAgents() []registry.Agent {
	if s.Registry == nil {
		return []registry.Agent{}
	}
	return s.Registry.List()
}

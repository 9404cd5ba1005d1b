// Package proxy supervises the co-located merino SOCKS5 proxy.
//
// The Supervisor owns at most one child process.  Start replaces a
// running child, Stop terminates it and waits, and IsRunning notices a
// child that died on its own.  There is no automatic restart; the only
// restarts come from Watch reacting to users-file changes.
package proxy

import (
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"relayd/config"
	"relayd/internal/errors"
	"relayd/internal/metrics"
	"relayd/util"
)

// outputTail bounds how much child output is kept for diagnostics.
const outputTail = 8 * 1024

// Supervisor manages the lifetime of one merino process.
type Supervisor struct {
	cfg     config.Socks5Config
	logger  *util.Logger
	metrics *metrics.Collector

	// GracePeriod is how long Stop waits after SIGTERM before killing.
	GracePeriod time.Duration

	mu     sync.Mutex
	proc   *child
	closed bool // set by Close; Start refuses afterwards
}

type child struct {
	cmd    *exec.Cmd
	output *tailBuffer
	done   chan struct{}
	err    error // valid once done is closed
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	URL     string `json:"url"`
}

// New returns a Supervisor for cfg.  Nothing is started.
func New(cfg config.Socks5Config, logger *util.Logger, m *metrics.Collector) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		logger:      logger.With("component", "socks5"),
		metrics:     m,
		GracePeriod: config.DefaultGracePeriod,
	}
}

// ProxyURL is the client-facing address of the proxy.
func (s *Supervisor) ProxyURL() string {
	return "socks5://" + util.FormatAddr(s.cfg.IP, s.cfg.Port)
}

// BuildArgs returns the merino command line.  A configured users file
// that does not exist downgrades to --no-auth with a warning.
func (s *Supervisor) BuildArgs() []string {
	args := []string{"--ip", s.cfg.IP, "--port", strconv.Itoa(s.cfg.Port)}

	switch {
	case s.cfg.NoAuth:
		args = append(args, "--no-auth")
	case fileExists(s.cfg.UsersCSV):
		args = append(args, "--users", s.cfg.UsersCSV)
	default:
		s.logger.Warn().
			Str("users_csv", s.cfg.UsersCSV).
			Msg("users file not found, starting proxy without authentication")
		args = append(args, "--no-auth")
	}
	return args
}

func (s *Supervisor) binary() string {
	if s.cfg.Binary != "" {
		return s.cfg.Binary
	}
	return config.DefaultSocksBinary
}

// Start launches the proxy.  It is a no-op when the proxy is disabled
// and stops any running child first.  After Close it returns
// ErrProxyClosed.
func (s *Supervisor) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("socks5 proxy disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrProxyClosed
	}

	if s.proc != nil {
		if err := s.stopLocked(); err != nil {
			return err
		}
	}

	args := s.BuildArgs()
	cmd := exec.Command(s.binary(), args...)
	out := newTailBuffer(outputTail)
	cmd.Stdout = out
	cmd.Stderr = out
	// Bound Wait when a grandchild keeps the output pipe open.
	cmd.WaitDelay = time.Second
	util.SetProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return &errors.ProcessError{Op: "spawn", Command: s.binary(), Err: err}
	}

	c := &child{cmd: cmd, output: out, done: make(chan struct{})}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
	}()
	s.proc = c

	s.logger.Info().
		Int("pid", cmd.Process.Pid).
		Strs("args", args).
		Str("url", s.ProxyURL()).
		Msg("socks5 proxy started")
	return nil
}

// Restart stops and starts the proxy and counts the restart.
func (s *Supervisor) Restart() error {
	s.metrics.ProxyRestart()
	return s.Start()
}

// Stop terminates the child and blocks until it has exited.  It is a
// no-op when nothing is running, so repeated calls are safe.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

// Close stops the proxy for good.  Servers defer it so the child never
// outlives the scope that started it; a racing Restart cannot spawn a
// new one.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	c := s.proc
	if c == nil {
		return nil
	}
	s.proc = nil

	select {
	case <-c.done:
		return nil
	default:
	}

	pid := c.cmd.Process.Pid
	if err := util.TerminateGroup(c.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn().Err(err).Int("pid", pid).Msg("SIGTERM failed, killing proxy")
		if kerr := util.KillGroup(c.cmd.Process); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return &errors.ProcessError{Op: "signal", Command: s.binary(), Err: kerr}
		}
	}

	grace := s.GracePeriod
	if grace <= 0 {
		grace = config.DefaultGracePeriod
	}
	select {
	case <-c.done:
	case <-time.After(grace):
		s.logger.Warn().Int("pid", pid).Dur("grace", grace).Msg("proxy ignored SIGTERM, killing")
		util.KillGroup(c.cmd.Process) //nolint:errcheck
		<-c.done
	}

	s.logger.Info().Int("pid", pid).Msg("socks5 proxy stopped")
	return nil
}

// IsRunning polls the child without blocking.  A child that exited on
// its own is logged, forgotten, and reported as not running.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		return false
	}
	select {
	case <-s.proc.done:
		ev := s.logger.Error().Int("pid", s.proc.cmd.Process.Pid)
		if s.proc.err != nil {
			ev = ev.Err(s.proc.err)
		}
		ev.Msg("socks5 proxy terminated unexpectedly")
		s.logger.Verbose().Str("output", s.proc.output.String()).Msg("last proxy output")
		s.metrics.RecordError("socks5 proxy exited")
		s.proc = nil
		return false
	default:
		return true
	}
}

// Status reports the enabled flag, liveness, pid and URL.
func (s *Supervisor) Status() Status {
	st := Status{Enabled: s.cfg.Enabled, URL: s.ProxyURL()}
	if s.IsRunning() {
		st.Running = true
		s.mu.Lock()
		if s.proc != nil {
			st.PID = s.proc.cmd.Process.Pid
		}
		s.mu.Unlock()
	}
	return st
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

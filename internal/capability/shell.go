package capability

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"

	"relayd/internal/errors"
	"relayd/internal/metrics"
	"relayd/internal/session"
	"relayd/util"
)

// Shell bridges a connection to a freshly spawned program.
type Shell struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE overrides on top of the server environment
	PTY     bool     // run under a pseudo-terminal
	Metrics *metrics.Collector
}

// drainTimeout bounds how long teardown waits for the output relay
// after the child was killed.
const drainTimeout = time.Second

type relayResult struct {
	name string
	n    int64
	err  error
}

// Handle spawns the program and runs the relays until the first one
// finishes.  The child is then killed, pending output is flushed, the
// connection is closed and the child reaped before the remaining
// relays are waited for.
func (s *Shell) Handle(ctx context.Context, sess *session.Session) error {
	if s.PTY {
		return s.handlePTY(ctx, sess)
	}

	cmd := s.command()
	util.SetProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.spawnError(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.spawnError(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.spawnError(err)
	}
	if err := cmd.Start(); err != nil {
		return s.spawnError(err)
	}
	s.started(sess, cmd)

	done := make(chan relayResult, 3)
	go func() {
		n, err := util.Pump(stdin, sess.Conn, s.countIn)
		stdin.Close()
		done <- relayResult{"input", n, err}
	}()
	go func() {
		n, err := relayLines(sess.Conn, stdout, s.countOut)
		done <- relayResult{"output", n, err}
	}()
	go func() {
		n, err := util.Pump(io.Discard, stderr, nil)
		done <- relayResult{"errors", n, err}
	}()

	return s.teardown(ctx, sess, cmd, done, 3, stdin)
}

func (s *Shell) handlePTY(ctx context.Context, sess *session.Session) error {
	cmd := s.command()
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return s.spawnError(err)
	}
	s.started(sess, cmd)

	done := make(chan relayResult, 2)
	go func() {
		n, err := util.Pump(ptmx, sess.Conn, s.countIn)
		done <- relayResult{"input", n, err}
	}()
	go func() {
		n, err := util.Pump(sess.Conn, ptyReader{ptmx}, s.countOut)
		done <- relayResult{"output", n, err}
	}()

	return s.teardown(ctx, sess, cmd, done, 2, ptmx)
}

func (s *Shell) teardown(ctx context.Context, sess *session.Session, cmd *exec.Cmd,
	done chan relayResult, relays int, stdin io.Closer) error {

	stop := context.AfterFunc(ctx, func() { sess.Conn.Close() })
	defer stop()

	first := <-done
	sess.Logger.Verbose().Str("relay", first.name).Int64("bytes", first.n).Msg("relay finished, ending session")

	if err := util.KillGroup(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		sess.Logger.Verbose().Err(err).Msg("kill shell")
	}

	// Output already written by the child is still forwarded.
	results := []relayResult{first}
	if first.name != "output" {
		timer := time.NewTimer(drainTimeout)
		defer timer.Stop()
	drain:
		for len(results) < relays {
			select {
			case r := <-done:
				results = append(results, r)
				if r.name == "output" {
					break drain
				}
			case <-timer.C:
				break drain
			}
		}
	}

	sess.Conn.Close()
	stdin.Close()
	waitErr := cmd.Wait()
	for len(results) < relays {
		results = append(results, <-done)
	}
	for _, r := range results {
		if r.err != nil && !util.IsExpectedClose(r.err) {
			sess.Logger.Verbose().Str("relay", r.name).Err(r.err).Msg("relay error")
		}
	}

	sess.Logger.Info().
		Int("pid", cmd.Process.Pid).
		Str("exit", exitState(cmd, waitErr)).
		Dur("took", util.Since(sess.Started)).
		Msg("shell session closed")
	return nil
}

func (s *Shell) command() *exec.Cmd {
	cmd := exec.Command(s.Command, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.WaitDelay = time.Second
	return cmd
}

func (s *Shell) started(sess *session.Session, cmd *exec.Cmd) {
	s.Metrics.ShellStarted()
	sess.Logger.Info().
		Str("command", cmd.String()).
		Int("pid", cmd.Process.Pid).
		Bool("pty", s.PTY).
		Msg("shell started")
}

func (s *Shell) spawnError(err error) error {
	return &errors.ProcessError{Op: "spawn", Command: s.Command, Err: err}
}

func (s *Shell) countIn(n int)  { s.Metrics.BytesReceived(int64(n)) }
func (s *Shell) countOut(n int) { s.Metrics.BytesSent(int64(n)) }

// relayLines forwards src to dst one line at a time, terminator
// included.  A final unterminated line is forwarded at EOF.
func relayLines(dst io.Writer, src io.Reader, onChunk func(int)) (int64, error) {
	br := bufio.NewReaderSize(src, util.DefaultBufSize)
	var total int64
	for {
		line, rerr := br.ReadString('\n')
		if len(line) > 0 {
			n, werr := io.WriteString(dst, line)
			total += int64(n)
			onChunk(n)
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if util.IsExpectedClose(rerr) {
				return total, nil
			}
			return total, rerr
		}
	}
}

// ptyReader reports the EIO a Linux PTY master returns once the child
// side has closed as a normal end of stream.
type ptyReader struct{ r io.Reader }

func (p ptyReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

func exitState(cmd *exec.Cmd, waitErr error) string {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.String()
	}
	if waitErr != nil {
		return waitErr.Error()
	}
	return "unknown"
}

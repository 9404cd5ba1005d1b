// Package agent is the client side of the control protocol: it dials
// a relayd server, sends one message per connection and reads the
// reply.  The checkin CLI mode and the end-to-end tests use it.
package agent

import (
	"context"
	"net"
	"os"
	"os/user"
	"runtime"
	"time"

	"relayd/internal/errors"
	"relayd/internal/protocol"
	"relayd/internal/registry"
	"relayd/internal/retry"
	"relayd/internal/transport"
	"relayd/util"
)

// Client talks to one server address.
type Client struct {
	Dialer  transport.Dialer
	Address string
	Backoff *retry.Backoff // nil: retry.DefaultBackoff; copied per Send
	Token   string         // attached as auth_token when set
	Logger  *util.Logger
}

// Send delivers msg on a fresh connection and returns the reply.  A
// server that closes without answering yields (nil, nil).  Dials are
// retried while the failure looks transient.
func (c *Client) Send(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if c.Token != "" && msg.AuthToken == "" {
		m := *msg
		m.AuthToken = c.Token
		msg = &m
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := protocol.WriteMessage(conn, msg, false); err != nil {
		return nil, errors.Wrap("write", c.Address, err)
	}

	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if util.IsExpectedClose(err) {
			return nil, nil
		}
		return nil, errors.Wrap("read", c.Address, err)
	}
	return protocol.Decode(frame)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	b := retry.DefaultBackoff()
	if c.Backoff != nil {
		cp := *c.Backoff
		b = &cp
	}
	if b.Retryable == nil {
		b.Retryable = errors.IsRetryable
	}
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.Logger.Verbose().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("dial failed")
	}

	var conn net.Conn
	err := b.Do(ctx, func(int) error {
		var err error
		conn, err = c.Dialer.Dial(ctx, "tcp", c.Address)
		return err
	})
	return conn, err
}

// Checkin registers agent under id.  An empty id asks the server to
// assign one; it comes back as the reply's agent_id.
func (c *Client) Checkin(ctx context.Context, id string, agent registry.Agent) (*protocol.Message, error) {
	msg, err := protocol.NewMessage(id, protocol.Checkin, agent)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, msg)
}

// Report sends a task result for id.
func (c *Client) Report(ctx context.Context, id, result string) (*protocol.Message, error) {
	return c.Send(ctx, &protocol.Message{AgentID: id, Type: protocol.TaskResponse, Payload: result})
}

// LocalAgent describes the current host.
func LocalAgent(id string) registry.Agent {
	a := registry.Agent{
		ID:          id,
		OS:          runtime.GOOS,
		ConnectedAt: time.Now().UTC().Format(time.RFC3339),
	}
	a.Hostname, _ = os.Hostname()
	if u, err := user.Current(); err == nil {
		a.Username = u.Username
	}
	return a
}

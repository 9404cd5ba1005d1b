package capability

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"relayd/config"
	"relayd/internal/errors"
	"relayd/internal/metrics"
	"relayd/internal/protocol"
	"relayd/internal/ratelimit"
	"relayd/internal/registry"
	"relayd/internal/session"
	"relayd/util"
)

// C2 answers agent control messages and keeps the agent registry.
type C2 struct {
	Registry *registry.Registry
	Framing  string             // config.FramingSingle (default) or config.FramingNDJSON
	Auth     *TokenAuth         // nil: no auth
	Limiter  *ratelimit.Limiter // nil: no rate limit
	Metrics  *metrics.Collector

	// Now stamps agents that report no connected_at.  Defaults to
	// time.Now.
	Now func() time.Time
}

// Handle serves one connection.  In single framing it reads one
// frame, dispatches it and replies at most once; in ndjson framing it
// repeats that per line until the peer closes.
func (c *C2) Handle(ctx context.Context, sess *session.Session) error {
	stop := context.AfterFunc(ctx, func() { sess.Conn.Close() })
	defer stop()

	if c.Framing == config.FramingNDJSON {
		return c.serveStream(sess)
	}

	frame, err := protocol.ReadFrame(sess.Conn)
	if err != nil {
		if util.IsExpectedClose(err) {
			sess.Logger.Verbose().Msg("peer closed before sending")
			return nil
		}
		return errors.Wrap("read", sess.Peer, err)
	}
	return c.serveFrame(sess, frame, false)
}

func (c *C2) serveStream(sess *session.Session) error {
	fr := protocol.NewFrameReader(sess.Conn)
	for {
		frame, err := fr.Next()
		if err != nil {
			if util.IsExpectedClose(err) {
				return nil
			}
			if errors.IsDecode(err) {
				return err
			}
			return errors.Wrap("read", sess.Peer, err)
		}
		if err := c.serveFrame(sess, frame, true); err != nil {
			return err
		}
	}
}

func (c *C2) serveFrame(sess *session.Session, frame []byte, newline bool) error {
	c.Metrics.BytesReceived(int64(len(frame)))

	reply, err := c.Process(sess.PeerKey(), frame, sess.Logger)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	data, err := protocol.Encode(reply)
	if err != nil {
		return err
	}
	if newline {
		data = append(data, '\n')
	}
	n, err := sess.Conn.Write(data)
	c.Metrics.BytesSent(int64(n))
	if err != nil {
		return errors.Wrap("write", sess.Peer, err)
	}
	return nil
}

// Process decodes one frame from peer, applies auth and rate limiting
// and dispatches it.  It returns the reply to send, or nil when the
// message type gets none.  A non-nil error means the connection must
// be closed without a reply and the registry was not touched.
func (c *C2) Process(peer string, frame []byte, log *util.Logger) (*protocol.Message, error) {
	msg, err := protocol.Decode(bytes.TrimSpace(frame))
	if err != nil {
		return nil, err
	}
	if err := c.Auth.Verify(msg.AuthToken); err != nil {
		return nil, err
	}
	if !c.Limiter.Allow(peer) {
		return nil, errors.ErrRateLimited
	}
	c.Metrics.MessageHandled(string(msg.Type))

	log = log.With("agent_id", msg.AgentID)
	switch msg.Type {
	case protocol.Checkin:
		return c.checkin(msg, log)
	case protocol.TaskResponse:
		log.Info().Str("payload", msg.Payload).Msg("task response")
		return protocol.Reply(msg.AgentID, protocol.ReplyACK), nil
	default:
		log.Warn().Str("message_type", string(msg.Type)).Msg("unhandled message type")
		return nil, nil
	}
}

func (c *C2) checkin(msg *protocol.Message, log *util.Logger) (*protocol.Message, error) {
	var agent registry.Agent
	if err := msg.DecodePayload(&agent); err != nil {
		return nil, err
	}

	id := msg.AgentID
	if id == "" {
		id = uuid.NewString()
		log = log.With("agent_id", id)
		log.Verbose().Msg("assigned agent id")
	}
	if agent.ID == "" {
		agent.ID = id
	}
	if agent.ConnectedAt == "" {
		agent.ConnectedAt = c.now().UTC().Format(time.RFC3339)
	}

	fresh := c.Registry.Upsert(id, agent)
	log.Info().
		Str("hostname", agent.Hostname).
		Str("username", agent.Username).
		Str("os", agent.OS).
		Bool("new", fresh).
		Msg("agent checked in")

	return protocol.Reply(id, protocol.ReplyOK), nil
}

func (c *C2) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

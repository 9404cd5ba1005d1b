package core

import (
	"context"
	"fmt"
	"io"
	"os"

	"relayd/internal/agent"
	"relayd/internal/protocol"
	"relayd/internal/registry"
	"relayd/util"
)

// CheckinMode dials a server once, registers an agent and prints the
// reply.  It is the client counterpart of the c2 server, used for
// smoke-testing a deployment.
type CheckinMode struct {
	Client  *agent.Client
	AgentID string
	Agent   registry.Agent
	Logger  *util.Logger

	// Stdout defaults to os.Stdout when nil.  Override in tests for
	// deterministic output.
	Stdout io.Writer
}

func (m *CheckinMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run sends the Checkin and writes the reply as one JSON line.  The
// dialer is closed when Run returns.
func (m *CheckinMode) Run(ctx context.Context) error {
	defer m.Client.Dialer.Close()

	m.Logger.Verbose().Str("addr", m.Client.Address).Str("agent_id", m.AgentID).Msg("checking in")

	reply, err := m.Client.Checkin(ctx, m.AgentID, m.Agent)
	if err != nil {
		return fmt.Errorf("checkin to %s: %w", m.Client.Address, err)
	}
	if reply == nil {
		return fmt.Errorf("checkin to %s: server closed without a reply", m.Client.Address)
	}
	return protocol.WriteMessage(m.stdout(), reply, true)
}

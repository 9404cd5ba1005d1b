// Package metrics provides lightweight counters and gauges for a
// running relayd server.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one server.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	connectionsActive   atomic.Int64
	connectionsTotal    atomic.Int64
	connectionsRejected atomic.Int64
	bytesIn             atomic.Int64
	bytesOut            atomic.Int64
	shellSessions       atomic.Int64
	proxyRestarts       atomic.Int64
	errorsTotal         atomic.Int64

	mu           sync.RWMutex
	messages     map[string]int64
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now(), messages: make(map[string]int64)}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ConnectionRejected counts a connection closed at accept time by the
// peer filter or the client cap.
func (c *Collector) ConnectionRejected() {
	if c == nil {
		return
	}
	c.connectionsRejected.Add(1)
}

// ActiveConnections returns the current number of open connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// RejectedConnections returns the lifetime rejection count.
func (c *Collector) RejectedConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsRejected.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from a peer.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to a peer.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Protocol metrics ─────────────────────────────────────────────────

// MessageHandled counts one dispatched message of the given type.
func (c *Collector) MessageHandled(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.messages[kind]++
	c.mu.Unlock()
}

// Messages returns the count for one message type.
func (c *Collector) Messages(kind string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages[kind]
}

// ShellStarted counts a spawned shell session.
func (c *Collector) ShellStarted() {
	if c == nil {
		return
	}
	c.shellSessions.Add(1)
}

// ShellSessions returns the lifetime shell session count.
func (c *Collector) ShellSessions() int64 {
	if c == nil {
		return 0
	}
	return c.shellSessions.Load()
}

// ── Proxy metrics ────────────────────────────────────────────────────

// ProxyRestart records a supervisor-initiated proxy restart.
func (c *Collector) ProxyRestart() {
	if c == nil {
		return
	}
	c.proxyRestarts.Add(1)
}

// ProxyRestarts returns the total proxy restart count.
func (c *Collector) ProxyRestarts() int64 {
	if c == nil {
		return 0
	}
	return c.proxyRestarts.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime              string           `json:"uptime"`
	ConnectionsActive   int64            `json:"connections_active"`
	ConnectionsTotal    int64            `json:"connections_total"`
	ConnectionsRejected int64            `json:"connections_rejected"`
	BytesIn             int64            `json:"bytes_in"`
	BytesOut            int64            `json:"bytes_out"`
	Messages            map[string]int64 `json:"messages,omitempty"`
	ShellSessions       int64            `json:"shell_sessions"`
	ProxyRestarts       int64            `json:"proxy_restarts"`
	ErrorsTotal         int64            `json:"errors_total"`
	LastError           string           `json:"last_error,omitempty"`
	LastErrorMessage    string           `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:              time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive:   c.connectionsActive.Load(),
		ConnectionsTotal:    c.connectionsTotal.Load(),
		ConnectionsRejected: c.connectionsRejected.Load(),
		BytesIn:             c.bytesIn.Load(),
		BytesOut:            c.bytesOut.Load(),
		ShellSessions:       c.shellSessions.Load(),
		ProxyRestarts:       c.proxyRestarts.Load(),
		ErrorsTotal:         c.errorsTotal.Load(),
	}
	if len(c.messages) > 0 {
		s.Messages = make(map[string]int64, len(c.messages))
		for k, v := range c.messages {
			s.Messages[k] = v
		}
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// MessageKinds lists the message types seen so far, sorted.
func (s Snapshot) MessageKinds() []string {
	out := make([]string, 0, len(s.Messages))
	for k := range s.Messages {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

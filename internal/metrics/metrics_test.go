package metrics

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Connections(t *testing.T) {
	c := New()

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionRejected()
	assert.EqualValues(t, 2, c.ActiveConnections())
	assert.EqualValues(t, 2, c.TotalConnections())
	assert.EqualValues(t, 1, c.RejectedConnections())

	c.ConnectionClosed()
	assert.EqualValues(t, 1, c.ActiveConnections())
	assert.EqualValues(t, 2, c.TotalConnections(), "total never decreases")
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesReceived(1024)
	c.BytesSent(512)
	c.BytesReceived(100)

	assert.EqualValues(t, 1124, c.TotalBytesIn())
	assert.EqualValues(t, 512, c.TotalBytesOut())
}

func TestCollector_MessagesConcurrent(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.MessageHandled("Checkin")
			c.MessageHandled("TaskResponse")
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 50, c.Messages("Checkin"))
	assert.EqualValues(t, 50, c.Messages("TaskResponse"))
	assert.Zero(t, c.Messages("Execute"))
	assert.Equal(t, []string{"Checkin", "TaskResponse"}, c.Snapshot().MessageKinds())
}

func TestCollector_ShellAndProxy(t *testing.T) {
	c := New()
	c.ShellStarted()
	c.ProxyRestart()
	c.ProxyRestart()

	assert.EqualValues(t, 1, c.ShellSessions())
	assert.EqualValues(t, 2, c.ProxyRestarts())
}

func TestCollector_Snapshot(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.BytesReceived(100)
	c.MessageHandled("Checkin")
	c.RecordError("test")

	snap := c.Snapshot()
	assert.EqualValues(t, 1, snap.ConnectionsActive)
	assert.EqualValues(t, 100, snap.BytesIn)
	assert.EqualValues(t, 1, snap.ErrorsTotal)
	assert.Equal(t, "test", snap.LastErrorMessage)
	assert.NotEmpty(t, snap.LastError)

	// The snapshot map is a copy.
	snap.Messages["Checkin"] = 99
	assert.EqualValues(t, 1, c.Messages("Checkin"))
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.BytesSent(42)
	c.MessageHandled("TaskResponse")

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(c.JSON()), &snap))
	assert.EqualValues(t, 1, snap.ConnectionsActive)
	assert.EqualValues(t, 42, snap.BytesOut)
	assert.EqualValues(t, 1, snap.Messages["TaskResponse"])
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	c.ConnectionOpened()
	c.ConnectionClosed()
	c.ConnectionRejected()
	c.BytesReceived(100)
	c.BytesSent(100)
	c.MessageHandled("Checkin")
	c.ShellStarted()
	c.ProxyRestart()
	c.RecordError("test")

	assert.Zero(t, c.ActiveConnections())
	assert.Zero(t, c.TotalBytesIn())
	assert.Zero(t, c.Messages("Checkin"))
	assert.Zero(t, c.ErrorCount())
	assert.Zero(t, c.Snapshot().ConnectionsActive)
	assert.NotEmpty(t, c.JSON())
}

package metrics

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Sessions(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.SessionOpened()
	assert.Equal(t, int64(2), c.ActiveSessions())
	assert.Equal(t, int64(2), c.TotalSessions())

	c.SessionClosed()
	assert.Equal(t, int64(1), c.ActiveSessions())
	assert.Equal(t, int64(2), c.TotalSessions(), "total never decreases")
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesReceived(1024)
	c.BytesSent(512)
	c.BytesReceived(100)

	assert.Equal(t, int64(1124), c.TotalBytesIn())
	assert.Equal(t, int64(512), c.TotalBytesOut())
}

func TestCollector_Concurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.BytesSent(2)
			c.DatagramReceived()
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(100), snap.BytesOut)
	assert.Equal(t, int64(50), snap.DatagramsIn)
}

func TestCollector_Snapshot(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.ConnectionAccepted()
	c.BytesReceived(100)
	c.DatagramSent()
	c.HandshakeCompleted()
	c.HandshakeFailed()
	c.TunnelRetry()
	c.RecordError("first")
	c.RecordError("second")

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.SessionsActive)
	assert.Equal(t, int64(1), snap.Accepted)
	assert.Equal(t, int64(100), snap.BytesIn)
	assert.Equal(t, int64(1), snap.DatagramsOut)
	assert.Equal(t, int64(1), snap.TLSHandshakes)
	assert.Equal(t, int64(1), snap.TLSFailures)
	assert.Equal(t, int64(1), snap.TunnelRetries)
	assert.Equal(t, int64(2), snap.ErrorsTotal)
	assert.Equal(t, "second", snap.LastErrorMessage)
	assert.NotEmpty(t, snap.LastError)
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.BytesSent(42)

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(c.JSON()), &snap))
	assert.Equal(t, int64(1), snap.SessionsActive)
	assert.Equal(t, int64(42), snap.BytesOut)
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.SessionOpened()
		c.SessionClosed()
		c.ConnectionAccepted()
		c.BytesReceived(100)
		c.BytesSent(100)
		c.DatagramReceived()
		c.DatagramSent()
		c.HandshakeCompleted()
		c.HandshakeFailed()
		c.TunnelRetry()
		c.RecordError("test")
	})

	assert.Zero(t, c.ActiveSessions())
	assert.Zero(t, c.TotalBytesIn())
	assert.Zero(t, c.ErrorCount())
	assert.Equal(t, Snapshot{}, c.Snapshot())
	assert.NotEmpty(t, c.JSON())
}

package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	name string

	mu       sync.Mutex
	sent     [][]byte
	volatile [][]byte
	sendErr  error
	closed   bool
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{name: name}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) SendVolatile(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volatile = append(c.volatile, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.name }

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// frames decodes every batch received so far into generic JSON objects.
func (c *fakeConn) frames(t *testing.T) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, msg := range c.messages() {
		raw, err := DecodeBatch(msg, 1<<20)
		require.NoError(t, err)
		for _, f := range raw {
			out = append(out, decodeFrame(t, f))
		}
	}
	return out
}

func decodeFrame(t *testing.T, frame []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &m), "frame %s", frame)
	return m
}

// seqIDs returns a deterministic IDSource: prefix1, prefix2, ...
func seqIDs(prefix string) IDSource {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// actions extracts the "action" of each emission's frame.
func actions(t *testing.T, out []Emission) []string {
	t.Helper()
	names := make([]string, 0, len(out))
	for _, e := range out {
		names = append(names, decodeFrame(t, e.Frame)["action"].(string))
	}
	return names
}

// recipients returns the connection of each emission.
func recipients(out []Emission) []Connection {
	conns := make([]Connection, 0, len(out))
	for _, e := range out {
		conns = append(conns, e.Conn)
	}
	return conns
}

func mustBatch(t *testing.T, frames ...string) []byte {
	t.Helper()
	raw := make([][]byte, 0, len(frames))
	for _, f := range frames {
		raw = append(raw, []byte(f))
	}
	data, err := EncodeBatch(raw, -1)
	require.NoError(t, err)
	return data
}

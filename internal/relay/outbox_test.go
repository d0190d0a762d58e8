package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_EnqueueAndDrain(t *testing.T) {
	o := NewOutbox()
	a, b := newFakeConn("a"), newFakeConn("b")

	o.Enqueue(Emission{Conn: a, PlayerID: "p1", Frame: []byte("1")})
	o.Enqueue(Emission{Conn: b, Frame: []byte("2")})
	o.Enqueue(Emission{Conn: a, PlayerID: "p1", Frame: []byte("3")})

	assert.Equal(t, 2, o.Pending(a))
	assert.Equal(t, 1, o.Pending(b))
	assert.Equal(t, 2, o.Len())

	drained := o.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, []queued{{playerID: "p1", frame: []byte("1")}, {playerID: "p1", frame: []byte("3")}}, drained[a])
	assert.Equal(t, []queued{{frame: []byte("2")}}, drained[b])

	assert.Equal(t, 0, o.Len())
	assert.Nil(t, o.Drain())
}

func TestOutbox_DetachDropsQueue(t *testing.T) {
	o := NewOutbox()
	a := newFakeConn("a")
	o.Attach(a)
	o.Enqueue(Emission{Conn: a, Frame: []byte("x")})
	assert.True(t, o.Attached(a))

	o.Detach(a)
	assert.False(t, o.Attached(a))
	assert.Equal(t, 0, o.Pending(a))
	assert.Nil(t, o.Drain())
}

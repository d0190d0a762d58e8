package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testHubConfig() HubConfig {
	return HubConfig{
		FlushInterval:     10 * time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
		InactivityTimeout: 10 * time.Second,
		MaxBatchBytes:     1 << 20,
		CompressionLevel:  -1,
		FlushWorkers:      4,
	}
}

func newTestHub(t *testing.T, clock *fakeClock) *Hub {
	return NewHub(testHubConfig(), zaptest.NewLogger(t),
		WithClock(clock.Now),
		WithIDSource(seqIDs("h")),
	)
}

func attached(h *Hub, names ...string) []*fakeConn {
	conns := make([]*fakeConn, 0, len(names))
	for _, n := range names {
		c := newFakeConn(n)
		h.Attach(c)
		conns = append(conns, c)
	}
	return conns
}

func createAndFlush(t *testing.T, h *Hub, conn *fakeConn, version string) string {
	t.Helper()
	h.HandleMessage(conn, mustBatch(t,
		`{"action":"createRoom","roomName":"Arena","scene":3,"scenepath":"Assets/Arena.unity","gameversion":"`+version+`","maxplayers":4}`,
	))
	h.Flush(context.Background())
	var roomID string
	h.View(func(d *Directory) {
		p := d.PlayerByConn(conn)
		require.NotNil(t, p)
		roomID = p.RoomID
	})
	return roomID
}

func joinMsg(roomID, version string) string {
	return `{"action":"joinRoom","roomId":"` + roomID + `","gameversion":"` + version + `"}`
}

func TestHub_FlushSendsOneMessagePerConnection(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	c := attached(h, "a")[0]

	h.HandleMessage(c, mustBatch(t,
		`{"action":"getroomlist"}`,
		`{"action":"createRoom","roomName":"Arena","scene":"1","gameversion":"1.0","maxplayers":4}`,
		`{"action":"getcurrentplayers"}`,
		`{"action":"getroomlist","amount":5}`,
	))
	assert.Empty(t, c.messages(), "nothing is sent before the flush tick")

	assert.Equal(t, 1, h.Flush(context.Background()))
	require.Len(t, c.messages(), 1)

	var got []string
	for _, f := range c.frames(t) {
		got = append(got, f["action"].(string))
	}
	assert.Equal(t, []string{ActionRoomInfo, ActionCurrentPlayers, ActionRoomListInfo}, got,
		"frames keep emission order; the first listing was empty")

	assert.Equal(t, 0, h.Flush(context.Background()), "queues are cleared after a flush")
	assert.Len(t, c.messages(), 1)
}

func TestHub_MalformedFrameDoesNotStopSiblings(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	c := attached(h, "a")[0]

	h.HandleMessage(c, mustBatch(t,
		`{"action":"createRoom","roomName":"A","gameversion":"1.0","maxplayers":2}`,
		`{not json`,
		`{"action":"createRoom","roomName":{"nested":true}}`,
		``,
		`{"action":"getcurrentplayers"}`,
	))
	h.Flush(context.Background())

	frames := c.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, ActionRoomInfo, frames[0]["action"])
	assert.Equal(t, ActionCurrentPlayers, frames[1]["action"])
}

func TestHub_UndecodableMessageIsDropped(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	c := attached(h, "a")[0]

	h.HandleMessage(c, []byte("plainly not gzip"))
	assert.Equal(t, 0, h.Flush(context.Background()))
	h.View(func(d *Directory) { assert.Equal(t, 0, d.PlayerCount()) })
}

func TestHub_OversizedBatchIsDropped(t *testing.T) {
	cfg := testHubConfig()
	cfg.MaxBatchBytes = 16
	h := NewHub(cfg, zaptest.NewLogger(t))
	c := newFakeConn("a")
	h.Attach(c)

	h.HandleMessage(c, mustBatch(t, `{"action":"createRoom","roomName":"long enough to exceed"}`))
	h.View(func(d *Directory) { assert.Equal(t, 0, d.RoomCount()) })
}

func TestHub_UnknownActionIgnored(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	c := attached(h, "a")[0]

	h.HandleMessage(c, mustBatch(t, `{"action":"teleport"}`, `{"noaction":1}`))
	assert.Equal(t, 0, h.Flush(context.Background()))
}

func TestHub_RPCFanout(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	conns := attached(h, "a", "b", "c")
	roomID := createAndFlush(t, h, conns[0], "1.0")
	h.HandleMessage(conns[1], mustBatch(t, joinMsg(roomID, "1.0")))
	h.HandleMessage(conns[2], mustBatch(t, joinMsg(roomID, "1.0")))
	h.Flush(context.Background())

	var sender string
	h.View(func(d *Directory) { sender = d.PlayerByConn(conns[2]).ID })

	h.HandleMessage(conns[2], mustBatch(t, `{"action":"rpc","rpc":"{\"shoot\":1}"}`))
	assert.Equal(t, 3, h.Flush(context.Background()))

	for _, c := range conns {
		frames := c.frames(t)
		last := frames[len(frames)-1]
		assert.Equal(t, ActionRPC, last["action"], c.name)
		assert.Equal(t, sender, last["sender"], c.name)
		assert.Equal(t, `{"shoot":1}`, last["rpc"], c.name)
	}
}

func TestHub_VersionMismatchYieldsNoReply(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	conns := attached(h, "a", "b")
	roomID := createAndFlush(t, h, conns[0], "1.3")

	h.HandleMessage(conns[1], mustBatch(t, joinMsg(roomID, "1.2")))
	assert.Equal(t, 0, h.Flush(context.Background()))
	assert.Empty(t, conns[1].messages())
}

func TestHub_NumericVersionsCompareAsText(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	conns := attached(h, "a", "b")
	h.HandleMessage(conns[0], mustBatch(t, `{"action":"createRoom","roomName":"A","gameversion":1.5,"maxplayers":2}`))
	h.Flush(context.Background())
	var roomID string
	h.View(func(d *Directory) { roomID = d.PlayerByConn(conns[0]).RoomID })

	h.HandleMessage(conns[1], mustBatch(t, `{"action":"joinRoom","roomId":"`+roomID+`","gameversion":"1.5"}`))
	h.Flush(context.Background())
	h.View(func(d *Directory) { assert.NotNil(t, d.PlayerByConn(conns[1])) })
}

func TestHub_DiscardsFramesForDepartedPlayer(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	conns := attached(h, "a", "b")
	roomID := createAndFlush(t, h, conns[0], "1.0")
	h.HandleMessage(conns[1], mustBatch(t, joinMsg(roomID, "1.0")))
	h.Flush(context.Background())
	before := len(conns[1].messages())

	// b is addressed by the RPC, then leaves before the tick.
	h.HandleMessage(conns[0], mustBatch(t, `{"action":"rpc","rpc":"x"}`))
	h.HandleMessage(conns[1], mustBatch(t, `{"action":"leave"}`))
	h.Flush(context.Background())

	assert.Len(t, conns[1].messages(), before, "departed player receives nothing")
	frames := conns[0].frames(t)
	assert.Equal(t, ActionRoomInfo, frames[len(frames)-1]["action"])
}

func TestHub_DiscardsFramesForRejoinedConnection(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	conns := attached(h, "a", "b")
	roomID := createAndFlush(t, h, conns[0], "1.0")
	h.HandleMessage(conns[1], mustBatch(t, joinMsg(roomID, "1.0")))
	h.Flush(context.Background())
	before := len(conns[1].frames(t))

	// A frame addressed to b's old player id must not leak to b's new player.
	h.HandleMessage(conns[0], mustBatch(t, `{"action":"rpc","rpc":"old"}`))
	h.HandleMessage(conns[1], mustBatch(t, `{"action":"leave"}`, joinMsg(roomID, "1.0")))
	h.Flush(context.Background())

	for _, f := range conns[1].frames(t)[before:] {
		assert.NotEqual(t, "old", f["rpc"])
	}
}

func TestHub_LobbyRoomListReachesAttachedConnection(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	conns := attached(h, "host", "viewer")
	createAndFlush(t, h, conns[0], "1.0")

	h.HandleMessage(conns[1], mustBatch(t, `{"action":"getroomlist","amount":10,"emptyonly":"true"}`))
	assert.Equal(t, 1, h.Flush(context.Background()))

	frames := conns[1].frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, ActionRoomListInfo, frames[0]["action"])
	assert.Equal(t, "Arena", frames[0]["roomName"])
}

func TestHub_LobbyFramesDroppedAfterDisconnect(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	conns := attached(h, "host", "viewer")
	createAndFlush(t, h, conns[0], "1.0")

	h.HandleMessage(conns[1], mustBatch(t, `{"action":"getroomlist"}`))
	h.Disconnect(conns[1])
	assert.Equal(t, 0, h.Flush(context.Background()))
	assert.Empty(t, conns[1].messages())
}

func TestHub_DisconnectMigratesHost(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	conns := attached(h, "a", "b", "c")
	roomID := createAndFlush(t, h, conns[0], "1.0")
	h.HandleMessage(conns[1], mustBatch(t, joinMsg(roomID, "1.0")))
	h.HandleMessage(conns[2], mustBatch(t, joinMsg(roomID, "1.0")))
	h.Flush(context.Background())

	var newHost string
	h.View(func(d *Directory) { newHost = d.PlayerByConn(conns[1]).ID })

	h.Disconnect(conns[0])
	h.Flush(context.Background())

	for _, c := range conns[1:] {
		frames := c.frames(t)
		require.GreaterOrEqual(t, len(frames), 2)
		rpc := frames[len(frames)-2]
		assert.Equal(t, ActionRPC, rpc["action"])
		var hc HostChange
		require.NoError(t, json.Unmarshal([]byte(rpc["rpc"].(string)), &hc))
		assert.Equal(t, HostChange{Type: "newhost", NewHostID: newHost}, hc)
		assert.Equal(t, ActionRoomInfo, frames[len(frames)-1]["action"])
	}
	h.View(func(d *Directory) {
		assert.True(t, d.PlayerByConn(conns[1]).IsHost)
		require.NoError(t, d.CheckInvariants())
	})
}

func TestHub_SweepEvictsSilentPlayers(t *testing.T) {
	clock := newFakeClock()
	h := newTestHub(t, clock)
	conns := attached(h, "a", "b")
	roomID := createAndFlush(t, h, conns[0], "1.0")
	h.HandleMessage(conns[1], mustBatch(t, joinMsg(roomID, "1.0")))
	h.Flush(context.Background())

	clock.Advance(6 * time.Second)
	h.Heartbeat(conns[1], json.RawMessage(`1`))
	assert.Equal(t, 0, h.Sweep())

	clock.Advance(4 * time.Second)
	assert.Equal(t, 1, h.Sweep(), "silence equal to the timeout evicts")

	h.View(func(d *Directory) {
		assert.Nil(t, d.PlayerByConn(conns[0]))
		p := d.PlayerByConn(conns[1])
		require.NotNil(t, p)
		assert.True(t, p.IsHost)
	})
	assert.Equal(t, 1, h.Flush(context.Background()))

	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, h.Sweep())
	h.View(func(d *Directory) { assert.Equal(t, 0, d.RoomCount()) })
}

func TestHub_RPCRefreshesLiveness(t *testing.T) {
	clock := newFakeClock()
	h := newTestHub(t, clock)
	c := attached(h, "a")[0]
	createAndFlush(t, h, c, "1.0")

	clock.Advance(9 * time.Second)
	h.HandleMessage(c, mustBatch(t, `{"action":"rpc","rpc":"x"}`))
	clock.Advance(9 * time.Second)
	assert.Equal(t, 0, h.Sweep())
}

func TestHub_HeartbeatEchoesTimestamp(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	c := attached(h, "a")[0]

	h.Heartbeat(c, json.RawMessage(`1712345678.25`))
	require.Len(t, c.volatile, 1)
	assert.JSONEq(t, `{"event":"pong","timestamp":1712345678.25}`, string(c.volatile[0]))
	assert.Empty(t, c.messages(), "pong bypasses the batched channel")
}

func TestHub_SendErrorIsNotFatal(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	conns := attached(h, "a", "b")
	roomID := createAndFlush(t, h, conns[0], "1.0")
	h.HandleMessage(conns[1], mustBatch(t, joinMsg(roomID, "1.0")))

	conns[0].mu.Lock()
	conns[0].sendErr = errors.New("broken pipe")
	conns[0].mu.Unlock()

	assert.Equal(t, 1, h.Flush(context.Background()))
	assert.NotEmpty(t, conns[1].messages())
	h.View(func(d *Directory) { assert.NotNil(t, d.PlayerByConn(conns[0])) })
}

func TestHub_EvictByID(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	c := attached(h, "a")[0]
	createAndFlush(t, h, c, "1.0")

	var id string
	h.View(func(d *Directory) { id = d.PlayerByConn(c).ID })
	assert.True(t, h.Evict(id))
	assert.False(t, h.Evict(id))

	rooms, players := h.Summaries()
	assert.Empty(t, rooms)
	assert.Equal(t, 0, players)
}

func TestHub_Summaries(t *testing.T) {
	h := newTestHub(t, newFakeClock())
	conns := attached(h, "a", "b")
	roomID := createAndFlush(t, h, conns[0], "1.0")
	h.HandleMessage(conns[1], mustBatch(t, joinMsg(roomID, "1.0")))

	rooms, players := h.Summaries()
	require.Len(t, rooms, 1)
	assert.Equal(t, RoomSummary{ID: roomID, Name: "Arena", MemberCount: 2, MaxMembers: 4, GameVersion: "1.0"}, rooms[0])
	assert.Equal(t, 2, players)
}

func TestHub_ScheduleFlushesOnTick(t *testing.T) {
	h := NewHub(testHubConfig(), zaptest.NewLogger(t))
	c := newFakeConn("a")
	h.Attach(c)

	s := NewScheduler(zaptest.NewLogger(t))
	h.Schedule(s)
	s.Start(context.Background())
	defer s.Stop()

	h.HandleMessage(c, mustBatch(t, `{"action":"createRoom","roomName":"A","gameversion":"1","maxplayers":2}`))
	require.Eventually(t, func() bool { return len(c.messages()) == 1 }, time.Second, 5*time.Millisecond)
}

package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HubConfig holds the tunables of a Hub.
type HubConfig struct {
	// FlushInterval is the outbound batching tick used by Schedule.
	FlushInterval time.Duration
	// SweepInterval is the liveness sweep tick used by Schedule.
	SweepInterval time.Duration
	// InactivityTimeout is how long a player may stay silent before eviction.
	InactivityTimeout time.Duration
	// MaxBatchBytes bounds a decompressed inbound batch.
	MaxBatchBytes int64
	// CompressionLevel is the gzip level of outbound batches.
	CompressionLevel int
	// FlushWorkers bounds concurrent compress-and-send jobs per flush.
	FlushWorkers int
}

// Option customizes a Hub.
type Option func(*Hub)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithIDSource replaces the identifier source, for tests.
func WithIDSource(ids IDSource) Option {
	return func(h *Hub) { h.ids = ids }
}

// Hub owns the Directory and Outbox and serializes every access to them.
//
// Inbound messages, timer ticks, and disconnects all funnel through the hub
// lock. Only compression and transport writes run outside it.
type Hub struct {
	cfg    HubConfig
	logger *zap.Logger
	now    func() time.Time
	ids    IDSource

	mu  sync.Mutex
	dir *Directory
	out *Outbox
}

// NewHub creates a Hub with an empty directory.
//
// Precondition: logger must be non-nil; cfg intervals and limits must be positive.
func NewHub(cfg HubConfig, logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		ids:    UUIDSource,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cfg.FlushWorkers < 1 {
		h.cfg.FlushWorkers = 1
	}
	h.dir = NewDirectory(logger.Named("directory"), h.ids)
	h.out = NewOutbox()
	return h
}

// Attach registers a newly connected client.
func (h *Hub) Attach(conn Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.out.Attach(conn)
}

// Disconnect removes conn's player, if any, and drops its pending frames.
func (h *Hub) Disconnect(conn Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueue(h.dir.Leave(conn))
	h.out.Detach(conn)
}

// HandleMessage decompresses one inbound transport message and dispatches
// each frame in order. A frame that fails to parse is skipped; its siblings
// are still processed.
func (h *Hub) HandleMessage(conn Connection, data []byte) {
	frames, err := DecodeBatch(data, h.cfg.MaxBatchBytes)
	if err != nil {
		h.logger.Debug("dropping undecodable message",
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Error(err),
		)
		return
	}

	reqs := make([]Request, 0, len(frames))
	for i, f := range frames {
		req, err := ParseRequest(f)
		if err != nil {
			h.logger.Debug("skipping malformed frame",
				zap.String("remote_addr", conn.RemoteAddr()),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		reqs = append(reqs, req)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, req := range reqs {
		h.dispatch(conn, req)
	}
}

// Dispatch applies a single decoded request.
func (h *Hub) Dispatch(conn Connection, req Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatch(conn, req)
}

func (h *Hub) dispatch(conn Connection, req Request) {
	now := h.now()
	switch req.Action {
	case ActionCreateRoom:
		out, _ := h.dir.CreateRoom(conn, CreateRoomRequest{
			Name:        string(req.RoomName),
			SceneID:     string(req.Scene),
			ScenePath:   string(req.ScenePath),
			GameVersion: string(req.GameVersion),
			MaxPlayers:  int(req.MaxPlayers),
		}, now)
		h.enqueueAll(out)
	case ActionJoinRoom:
		h.enqueue(h.dir.JoinRoom(conn, string(req.RoomID), string(req.GameVersion), now))
	case ActionRPC:
		h.enqueue(h.dir.RelayRPC(conn, req.RPC, now))
	case ActionGetRoomList:
		h.enqueueAll(h.dir.RoomList(conn, int(req.Amount), bool(req.EmptyOnly)))
	case ActionGetCurrentPlayers:
		h.enqueueAll(h.dir.CurrentPlayers(conn))
	case ActionLeave:
		h.enqueue(h.dir.Leave(conn))
	default:
		h.logger.Debug("ignoring unknown action",
			zap.String("action", req.Action),
			zap.String("remote_addr", conn.RemoteAddr()),
		)
	}
}

// Heartbeat refreshes conn's liveness and echoes timestamp back through the
// volatile channel.
func (h *Hub) Heartbeat(conn Connection, timestamp json.RawMessage) {
	h.mu.Lock()
	h.dir.Touch(conn, h.now())
	h.mu.Unlock()

	pong, err := json.Marshal(ControlMessage{Event: EventPong, Timestamp: timestamp})
	if err != nil {
		h.logger.Debug("encoding pong", zap.Error(err))
		return
	}
	if err := conn.SendVolatile(pong); err != nil {
		h.logger.Debug("pong dropped",
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Error(err),
		)
	}
}

type batch struct {
	conn   Connection
	frames [][]byte
}

// Flush drains every pending queue, discards frames whose recipient is gone,
// and sends each connection's remaining frames as one compressed message.
//
// Postcondition: Returns the number of messages handed to the transport.
func (h *Hub) Flush(ctx context.Context) int {
	h.mu.Lock()
	pending := h.out.Drain()
	batches := make([]batch, 0, len(pending))
	for conn, q := range pending {
		if frames := h.deliverable(conn, q); len(frames) > 0 {
			batches = append(batches, batch{conn: conn, frames: frames})
		}
	}
	h.mu.Unlock()

	if len(batches) == 0 {
		return 0
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		sent int
	)
	g.SetLimit(h.cfg.FlushWorkers)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if h.send(b) {
				mu.Lock()
				sent++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return sent
}

// deliverable filters q down to frames whose recipient still owns conn.
// Caller must hold h.mu.
func (h *Hub) deliverable(conn Connection, q []queued) [][]byte {
	var current string
	if p := h.dir.PlayerByConn(conn); p != nil {
		current = p.ID
	}
	attached := h.out.Attached(conn)

	frames := make([][]byte, 0, len(q))
	for _, e := range q {
		switch {
		case e.playerID == "" && attached:
		case e.playerID != "" && e.playerID == current:
		default:
			continue
		}
		frames = append(frames, e.frame)
	}
	if dropped := len(q) - len(frames); dropped > 0 {
		h.logger.Debug("discarding frames for departed recipient",
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Int("dropped", dropped),
		)
	}
	return frames
}

func (h *Hub) send(b batch) bool {
	data, err := EncodeBatch(b.frames, h.cfg.CompressionLevel)
	if err != nil {
		h.logger.Error("compressing batch",
			zap.String("remote_addr", b.conn.RemoteAddr()),
			zap.Int("frames", len(b.frames)),
			zap.Error(err),
		)
		return false
	}
	if err := b.conn.Send(data); err != nil {
		h.logger.Warn("sending batch",
			zap.String("remote_addr", b.conn.RemoteAddr()),
			zap.Int("frames", len(b.frames)),
			zap.Int("bytes", len(data)),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Sweep evicts every player silent for at least the inactivity timeout,
// exactly as if they had left.
//
// Postcondition: Returns the number of players evicted.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-h.cfg.InactivityTimeout)
	stale := h.dir.StaleSince(cutoff)
	for _, id := range stale {
		if p, ok := h.dir.Player(id); ok {
			h.logger.Info("evicting inactive player",
				zap.String("player", id),
				zap.String("room", p.RoomID),
				zap.Duration("idle", h.now().Sub(p.LastActivity)),
			)
		}
		h.enqueue(h.dir.Evict(id))
	}
	return len(stale)
}

// Evict removes a player by id. Evicting an absent player is a no-op.
func (h *Hub) Evict(playerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	out, ok := h.dir.Evict(playerID)
	h.enqueueAll(out)
	return ok
}

// Schedule registers the flush and sweep ticks on s.
func (h *Hub) Schedule(s *Scheduler) {
	s.Every("flush", h.cfg.FlushInterval, func(ctx context.Context) { h.Flush(ctx) })
	s.Every("sweep", h.cfg.SweepInterval, func(context.Context) {
		if n := h.Sweep(); n > 0 {
			h.logger.Debug("sweep complete", zap.Int("evicted", n))
		}
	})
}

// Summaries returns a snapshot of every room and the total player count.
func (h *Hub) Summaries() ([]RoomSummary, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dir.Rooms(), h.dir.PlayerCount()
}

// View runs fn with the directory under the hub lock. fn must not retain d.
func (h *Hub) View(fn func(d *Directory)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.dir)
}

func (h *Hub) enqueue(out []Emission, _ bool) {
	h.enqueueAll(out)
}

func (h *Hub) enqueueAll(out []Emission) {
	for _, e := range out {
		h.out.Enqueue(e)
	}
}

package relay

// queued is one pending frame and the player it was addressed to.
type queued struct {
	playerID string
	frame    []byte
}

// Outbox holds the pending outbound frames of every connection.
//
// Outbox is not safe for concurrent use; Hub serializes all access.
type Outbox struct {
	queues   map[Connection][]queued
	attached map[Connection]struct{}
}

// NewOutbox creates an empty Outbox.
func NewOutbox() *Outbox {
	return &Outbox{
		queues:   make(map[Connection][]queued),
		attached: make(map[Connection]struct{}),
	}
}

// Attach marks conn as live.
func (o *Outbox) Attach(conn Connection) {
	o.attached[conn] = struct{}{}
}

// Detach forgets conn and drops its pending frames.
func (o *Outbox) Detach(conn Connection) {
	delete(o.attached, conn)
	delete(o.queues, conn)
}

// Attached reports whether conn is live.
func (o *Outbox) Attached(conn Connection) bool {
	_, ok := o.attached[conn]
	return ok
}

// Enqueue appends e to its connection's queue. Frames are never sent here.
func (o *Outbox) Enqueue(e Emission) {
	o.queues[e.Conn] = append(o.queues[e.Conn], queued{playerID: e.PlayerID, frame: e.Frame})
}

// Drain returns every non-empty queue and clears them.
func (o *Outbox) Drain() map[Connection][]queued {
	if len(o.queues) == 0 {
		return nil
	}
	drained := o.queues
	o.queues = make(map[Connection][]queued, len(drained))
	return drained
}

// Pending returns the number of frames queued for conn.
func (o *Outbox) Pending(conn Connection) int {
	return len(o.queues[conn])
}

// Len returns the number of connections with pending frames.
func (o *Outbox) Len() int {
	return len(o.queues)
}

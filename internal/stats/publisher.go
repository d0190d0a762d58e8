package stats

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/protoshock/Server-Files/internal/relay"
)

// Source supplies the room and player counts of a snapshot.
type Source interface {
	Summaries() ([]relay.RoomSummary, int)
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithMemoryProbe replaces the system memory probe.
func WithMemoryProbe(p MemoryProbe) CollectorOption {
	return func(c *Collector) { c.memory = p }
}

// WithClock replaces the wall clock used for uptime.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

// Collector builds Snapshots from a Source.
type Collector struct {
	source   Source
	logger   *zap.Logger
	maxRooms int
	memory   MemoryProbe
	now      func() time.Time
	started  time.Time
}

// NewCollector creates a Collector whose uptime counts from now.
//
// Precondition: source and logger must be non-nil; maxRooms <= 0 disables the cap.
func NewCollector(source Source, logger *zap.Logger, maxRooms int, opts ...CollectorOption) *Collector {
	c := &Collector{
		source:   source,
		logger:   logger,
		maxRooms: maxRooms,
		memory:   MemoryUsedMB,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.now()
	return c
}

// Collect returns the current snapshot. A failed memory probe reports zero.
func (c *Collector) Collect() Snapshot {
	summaries, players := c.source.Summaries()
	if c.maxRooms > 0 && len(summaries) > c.maxRooms {
		summaries = summaries[:c.maxRooms]
	}
	rooms := make([]RoomStat, 0, len(summaries))
	for _, s := range summaries {
		rooms = append(rooms, RoomStat{
			ID:          s.ID,
			Name:        s.Name,
			MemberCount: s.MemberCount,
			MaxMembers:  s.MaxMembers,
			GameVersion: s.GameVersion,
		})
	}

	used, err := c.memory()
	if err != nil {
		c.logger.Debug("memory probe failed", zap.Error(err))
		used = 0
	}

	return Snapshot{
		Rooms:        rooms,
		TotalPlayers: players,
		Uptime:       FormatUptime(c.now().Sub(c.started)),
		MemoryUsage:  used,
	}
}

// Publisher pushes snapshots to subscribers on every tick.
type Publisher struct {
	collector *Collector

	mu          sync.Mutex
	subscribers map[chan<- Snapshot]struct{}
}

// NewPublisher creates a Publisher with no subscribers.
//
// Precondition: collector must be non-nil.
func NewPublisher(collector *Collector) *Publisher {
	return &Publisher{
		collector:   collector,
		subscribers: make(map[chan<- Snapshot]struct{}),
	}
}

// Subscribe registers ch to receive a Snapshot on each tick.
// If ch is full, the snapshot is dropped for that subscriber.
//
// Precondition: ch must not be nil.
func (p *Publisher) Subscribe(ch chan<- Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[ch] = struct{}{}
}

// Unsubscribe removes ch from the subscriber list.
func (p *Publisher) Unsubscribe(ch chan<- Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribers, ch)
}

// Subscribers returns the number of registered subscribers.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Collect returns a fresh snapshot without publishing it.
func (p *Publisher) Collect() Snapshot {
	return p.collector.Collect()
}

// Publish collects one snapshot and fans it out, skipping the collection
// entirely when nobody is listening.
//
// Postcondition: Returns the number of subscribers that accepted the snapshot.
func (p *Publisher) Publish() int {
	p.mu.Lock()
	subs := make([]chan<- Snapshot, 0, len(p.subscribers))
	for ch := range p.subscribers {
		subs = append(subs, ch)
	}
	p.mu.Unlock()

	if len(subs) == 0 {
		return 0
	}
	snap := p.collector.Collect()
	delivered := 0
	for _, ch := range subs {
		select {
		case ch <- snap:
			delivered++
		default:
		}
	}
	return delivered
}

// Schedule registers the publish tick on s.
//
// Precondition: interval must be > 0.
func (p *Publisher) Schedule(s *relay.Scheduler, interval time.Duration) {
	s.Every("stats", interval, func(context.Context) { p.Publish() })
}

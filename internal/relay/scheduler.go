package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs named jobs, each on its own fixed-period ticker.
//
// Invariant: a job's callback never overlaps with itself; a slow run causes
// ticks to be skipped rather than queued.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	jobs    []job
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type job struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
}

// NewScheduler returns an idle Scheduler.
//
// Precondition: logger must be non-nil.
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Every registers fn to run once per interval after Start.
//
// Precondition: interval must be > 0; Start must not have been called.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		panic(fmt.Sprintf("relay.Scheduler.Every: interval for %q must be > 0", name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, interval: interval, fn: fn})
}

// Start launches one loop per job and returns immediately. Loops exit when
// ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, j := range s.jobs {
		j := j
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, j)
		}()
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels every loop and waits for in-flight callbacks to return.
// Calling Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, j)
		}
	}
}

// run invokes one callback, containing any panic to that tick.
func (s *Scheduler) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked",
				zap.String("job", j.name),
				zap.Any("panic", r),
			)
		}
	}()
	j.fn(ctx)
}

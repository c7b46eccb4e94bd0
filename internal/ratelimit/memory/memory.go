// Package memory is a process-local ratelimit.Store.
//
// Each process counts on its own: behind a load balancer with N instances a
// key can be admitted up to N times its limit.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AlexKimmel/quotagate/internal/ratelimit"
)

type counter struct {
	count int64
	start time.Time
	reset time.Time
}

type Store struct {
	mu       sync.Mutex
	counters map[string]*counter

	stopOnce sync.Once
	stop     chan struct{}
}

var _ ratelimit.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		counters: make(map[string]*counter),
		stop:     make(chan struct{}),
	}
}

func (s *Store) Increment(_ context.Context, key string, window time.Duration, now time.Time) (ratelimit.Counter, error) {
	start, end := ratelimit.WindowBounds(now, window)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		c = &counter{start: start, reset: end}
		s.counters[key] = c
	} else if c.start.Before(start) {
		c.count, c.start, c.reset = 0, start, end
	}
	c.count++

	return ratelimit.Counter{Count: c.count, WindowStart: c.start, ResetAt: c.reset}, nil
}

func (s *Store) Peek(_ context.Context, key string, now time.Time) (ratelimit.Counter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !now.Before(c.reset) {
		return ratelimit.Counter{}, false, nil
	}
	return ratelimit.Counter{Count: c.count, WindowStart: c.start, ResetAt: c.reset}, true, nil
}

func (s *Store) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.counters, key)
	s.mu.Unlock()
	return nil
}

// Sweep drops every counter whose window ended at or before now and returns
// how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, c := range s.counters {
		if !now.Before(c.reset) {
			delete(s.counters, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// StartJanitor sweeps expired counters every interval until ctx is done or
// the store is closed.
func (s *Store) StartJanitor(ctx context.Context, every time.Duration, now func() time.Time) {
	if every <= 0 {
		return
	}
	if now == nil {
		now = time.Now
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-t.C:
				s.Sweep(now())
			}
		}
	}()
}

func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

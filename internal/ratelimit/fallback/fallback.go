// Package fallback chains a primary ratelimit.Store with an optional local
// secondary used while the primary fails.
//
// A fallback event is recorded once per outage: the first failing call after
// a healthy period counts, later failures during the same outage do not. The
// first successful primary call ends the outage. Every call served by the
// secondary is counted separately.
package fallback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/quotagate/internal/obs"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
)

type Store struct {
	primary   ratelimit.Store
	secondary ratelimit.Store
	log       zerolog.Logger
	metrics   *obs.Metrics

	mu       sync.Mutex
	degraded bool
	since    time.Time

	events   atomic.Uint64
	requests atomic.Uint64
}

var _ ratelimit.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New returns a chain over primary. secondary may be nil, in which case
// primary errors are returned unchanged.
func New(primary, secondary ratelimit.Store, opts ...Option) *Store {
	s := &Store{
		primary:   primary,
		secondary: secondary,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (ratelimit.Counter, error) {
	c, err := s.primary.Increment(ctx, key, window, now)
	if err == nil || s.secondary == nil {
		s.observe(err)
		return c, err
	}
	s.fail(err)
	return s.secondary.Increment(ctx, key, window, now)
}

func (s *Store) Peek(ctx context.Context, key string, now time.Time) (ratelimit.Counter, bool, error) {
	c, ok, err := s.primary.Peek(ctx, key, now)
	if err == nil || s.secondary == nil {
		s.observe(err)
		return c, ok, err
	}
	s.fail(err)
	return s.secondary.Peek(ctx, key, now)
}

// Reset clears the key on both stores so a stale local count does not
// outlive the override. A primary failure is reported to the caller.
func (s *Store) Reset(ctx context.Context, key string) error {
	err := s.primary.Reset(ctx, key)
	if s.secondary != nil {
		err = errors.Join(err, s.secondary.Reset(ctx, key))
	}
	return err
}

func (s *Store) Close() error {
	err := s.primary.Close()
	if s.secondary != nil {
		if serr := s.secondary.Close(); err == nil {
			err = serr
		}
	}
	return err
}

// Degraded reports whether the chain is currently serving from the secondary.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Events returns the number of outages seen so far.
func (s *Store) Events() uint64 { return s.events.Load() }

// FallbackRequests returns the number of calls served by the secondary.
func (s *Store) FallbackRequests() uint64 { return s.requests.Load() }

func (s *Store) fail(err error) {
	s.requests.Add(1)
	s.metrics.IncFallbackRequest()

	s.mu.Lock()
	first := !s.degraded
	if first {
		s.degraded = true
		s.since = time.Now()
	}
	s.mu.Unlock()

	if first {
		s.events.Add(1)
		s.metrics.IncFallbackEvent()
		s.log.Warn().Err(err).Msg("primary counter store failed, enforcing with local store")
	}
}

func (s *Store) observe(err error) {
	if err != nil {
		return
	}
	s.mu.Lock()
	recovered := s.degraded
	since := s.since
	s.degraded = false
	s.mu.Unlock()

	if recovered {
		s.log.Info().Dur("outage", time.Since(since)).Msg("primary counter store recovered")
	}
}

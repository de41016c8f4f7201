package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	value      []byte
	expiration time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && !now.Before(e.expiration)
}

// MemoryStore implements Store in process memory. It backs single-instance
// deployments and tests; entries expire lazily on read and are swept
// periodically.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]*memoryEntry
	clock  clockwork.Clock
	done   chan struct{}
	closed bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	clock         clockwork.Clock
	sweepInterval time.Duration
}

// WithClock sets the clock used for expiry.
func WithClock(clock clockwork.Clock) MemoryOption {
	return func(o *memoryOptions) {
		o.clock = clock
	}
}

// WithSweepInterval sets how often expired entries are purged.
func WithSweepInterval(interval time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		o.sweepInterval = interval
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	o := memoryOptions{
		clock:         clockwork.NewRealClock(),
		sweepInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &MemoryStore{
		data:  make(map[string]*memoryEntry),
		clock: o.clock,
		done:  make(chan struct{}),
	}

	go s.sweep(o.sweepInterval)

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(s.clock.Now()) {
		delete(s.data, key)
		return nil, ErrNotFound
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &memoryEntry{value: v, expiration: s.expiry(ttl)}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(s.clock.Now()) {
		s.data[key] = &memoryEntry{
			value:      []byte(strconv.FormatInt(delta, 10)),
			expiration: s.expiry(ttl),
		}
		return delta, nil
	}

	current, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("increment %s: value is not an integer", key)
	}
	current += delta
	e.value = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Store. Close is idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for _, e := range s.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.purgeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) purgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
		}
	}
}

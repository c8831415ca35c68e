package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/asksql/asksql/internal/cache"
)

const DefaultMaxEntries = 1024

type item struct {
	value     []byte
	expiresAt time.Time
}

// Store keeps values in a bounded LRU and counters in a plain map. Counters
// are never evicted.
type Store struct {
	// entriesMu makes the expiry check and removal in Get atomic with Set.
	entriesMu sync.Mutex
	entries   *lru.Cache[string, item]

	mu       sync.Mutex
	counters map[string]int64

	now func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(maxEntries int, opts ...Option) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	entries, err := lru.New[string, item](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	store := &Store{entries: entries, counters: map[string]int64{}, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	entry, ok := s.entries.Get(key)
	if !ok {
		return nil, cache.ErrNotFound
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		s.entries.Remove(key)
		return nil, cache.ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := item{value: append([]byte(nil), value...)}
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries.Add(key, entry)
	return nil
}

func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]++
	return s.counters[key], nil
}

func (s *Store) Counter(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key], nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) Close() error {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	s.entries.Purge()
	return nil
}

var _ cache.Store = (*Store)(nil)

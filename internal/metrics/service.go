package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/asksql/asksql/internal/cache"
	"github.com/asksql/asksql/internal/observability"
)

const (
	HitsKey   = "metrics:cache_hits"
	MissesKey = "metrics:cache_misses"
)

type Snapshot struct {
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
}

// Service owns the persistent hit/miss counters. They live in the cache store
// so every replica shares them.
type Service struct {
	store  cache.Store
	logger *slog.Logger
}

func NewService(store cache.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: observability.Component(logger, "metrics")}
}

func (s *Service) RecordHit(ctx context.Context) error {
	observability.ObserveCacheLookup(true)
	return s.incr(ctx, HitsKey)
}

func (s *Service) RecordMiss(ctx context.Context) error {
	observability.ObserveCacheLookup(false)
	return s.incr(ctx, MissesKey)
}

func (s *Service) incr(ctx context.Context, key string) error {
	if _, err := s.store.Incr(ctx, key); err != nil {
		observability.IncrementCacheError("incr")
		return fmt.Errorf("increment %s: %w", key, err)
	}
	return nil
}

// Snapshot reports unreadable counters as zero alongside the joined error.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	hits, hitsErr := s.store.Counter(ctx, HitsKey)
	if hitsErr != nil {
		hits = 0
		hitsErr = fmt.Errorf("read %s: %w", HitsKey, hitsErr)
	}
	misses, missesErr := s.store.Counter(ctx, MissesKey)
	if missesErr != nil {
		misses = 0
		missesErr = fmt.Errorf("read %s: %w", MissesKey, missesErr)
	}
	err := errors.Join(hitsErr, missesErr)
	if err != nil {
		observability.IncrementCacheError("counter")
		s.logger.WarnContext(ctx, "metrics counters unavailable", slog.Any("error", err))
	}
	return Snapshot{CacheHits: hits, CacheMisses: misses}, err
}

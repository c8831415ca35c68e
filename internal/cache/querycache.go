package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/asksql/asksql/internal/observability"
)

const (
	KeyPrefix  = "querycache:"
	DefaultTTL = 5 * time.Minute
)

// Normalize lower-cases and trims a question. Differently worded questions
// with the same meaning get different keys.
func Normalize(question string) string {
	return strings.ToLower(strings.TrimSpace(question))
}

func Key(normalized string) string {
	return KeyPrefix + normalized
}

type Entry struct {
	SQL      string           `json:"sql"`
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	CachedAt time.Time        `json:"cached_at"`
}

type QueryCache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewQueryCache(store Store, ttl time.Duration, logger *slog.Logger) *QueryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &QueryCache{store: store, ttl: ttl, logger: observability.Component(logger, "cache")}
}

// Lookup never fails: store and decode errors are logged and reported as a miss.
func (c *QueryCache) Lookup(ctx context.Context, normalized string) (Entry, bool) {
	key := Key(normalized)
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			observability.IncrementCacheError("get")
			c.logger.WarnContext(ctx, "cache lookup failed", slog.String("key", key), slog.Any("error", err))
		}
		return Entry{}, false
	}

	entry, err := decodeEntry(raw)
	if err != nil {
		observability.IncrementCacheError("decode")
		c.logger.WarnContext(ctx, "cache entry unreadable", slog.String("key", key), slog.Any("error", err))
		return Entry{}, false
	}
	return entry, true
}

func (c *QueryCache) Put(ctx context.Context, normalized string, entry Entry) error {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}
	if entry.Rows == nil {
		entry.Rows = make([]map[string]any, 0)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.store.Set(ctx, Key(normalized), payload, c.ttl); err != nil {
		observability.IncrementCacheError("set")
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// decodeEntry also accepts the legacy format, a bare JSON array of rows.
func decodeEntry(raw []byte) (Entry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Entry{}, fmt.Errorf("empty cache value")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	if trimmed[0] == '[' {
		var rows []map[string]any
		if err := decoder.Decode(&rows); err != nil {
			return Entry{}, fmt.Errorf("decode legacy cache rows: %w", err)
		}
		if rows == nil {
			rows = make([]map[string]any, 0)
		}
		return Entry{Columns: columnsOf(rows), Rows: rows}, nil
	}

	var entry Entry
	if err := decoder.Decode(&entry); err != nil {
		return Entry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	if entry.Rows == nil {
		entry.Rows = make([]map[string]any, 0)
	}
	if entry.Columns == nil {
		entry.Columns = columnsOf(entry.Rows)
	}
	return entry, nil
}

func columnsOf(rows []map[string]any) []string {
	if len(rows) == 0 {
		return []string{}
	}
	columns := make([]string, 0, len(rows[0]))
	for column := range rows[0] {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

// Package cache keeps the query-time dashboard summary in Redis between
// refreshes.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/sunflower-analytics/ziplisten/internal/metrics"
	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/storage"
	"go.uber.org/zap"
)

// DefaultKey is the Redis key of the cached dashboard summary.
const DefaultKey = "ziplisten:dashboard:summary"

// Store holds one dashboard summary. Every invalidation bumps a generation
// number, and a write made for an older generation is dropped, so a summary
// computed before a refresh cannot land after that refresh's invalidation.
type Store interface {
	// Get returns the cached summary, or nil on a miss, together with the
	// current generation.
	Get(ctx context.Context) (*models.DashboardSummary, int64, error)
	// Set stores s if the generation is still gen.
	Set(ctx context.Context, gen int64, s *models.DashboardSummary) error
	Invalidate(ctx context.Context) error
}

// setScript writes the summary only while the generation key holds ARGV[1].
var setScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[2])
if not gen then
	gen = "0"
end
if gen ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// SummaryCache stores the summary as JSON under a single key with a TTL.
type SummaryCache struct {
	client *redis.Client
	key    string
	genKey string
	ttl    time.Duration
}

// NewSummaryCache creates a Redis-backed cache.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	return &SummaryCache{client: client, key: DefaultKey, genKey: DefaultKey + ":generation", ttl: ttl}
}

func (c *SummaryCache) Get(ctx context.Context) (*models.DashboardSummary, int64, error) {
	vals, err := c.client.MGet(ctx, c.key, c.genKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read cached summary: %w", err)
	}

	var gen int64
	if g, ok := vals[1].(string); ok {
		if gen, err = strconv.ParseInt(g, 10, 64); err != nil {
			return nil, 0, fmt.Errorf("failed to parse cache generation: %w", err)
		}
	}

	data, ok := vals[0].(string)
	if !ok {
		return nil, gen, nil
	}
	var s models.DashboardSummary
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, gen, fmt.Errorf("failed to decode cached summary: %w", err)
	}
	return &s, gen, nil
}

func (c *SummaryCache) Set(ctx context.Context, gen int64, s *models.DashboardSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	err = setScript.Run(ctx, c.client, []string{c.key, c.genKey},
		strconv.FormatInt(gen, 10), data, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to cache summary: %w", err)
	}
	return nil
}

func (c *SummaryCache) Invalidate(ctx context.Context) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey)
		pipe.Del(ctx, c.key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate cached summary: %w", err)
	}
	return nil
}

// CachedReader serves DashboardSummary from a Store and everything else
// from the wrapped reader. Cache failures fall back to the reader.
type CachedReader struct {
	storage.SummaryReader
	cache   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCachedReader wraps reader. m may be nil.
func NewCachedReader(reader storage.SummaryReader, c Store, logger *zap.Logger, m *metrics.Metrics) *CachedReader {
	return &CachedReader{
		SummaryReader: reader,
		cache:         c,
		logger:        logger.With(zap.String("component", "cache")),
		metrics:       m,
	}
}

func (r *CachedReader) DashboardSummary(ctx context.Context) (*models.DashboardSummary, error) {
	cached, gen, err := r.cache.Get(ctx)
	if err != nil {
		r.logger.Warn("dashboard cache read failed", zap.Error(err))
	}
	if cached != nil {
		r.record(true)
		return cached, nil
	}
	r.record(false)

	summary, err := r.SummaryReader.DashboardSummary(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, gen, summary); err != nil {
		r.logger.Warn("dashboard cache write failed", zap.Error(err))
	}
	return summary, nil
}

func (r *CachedReader) record(hit bool) {
	if r.metrics != nil {
		r.metrics.RecordCacheLookup(hit)
	}
}

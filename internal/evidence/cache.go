package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openresearchlab/orchestrator/internal/config"
	"github.com/openresearchlab/orchestrator/internal/metrics"
	"github.com/openresearchlab/orchestrator/internal/search"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

// FetchFunc performs the external lookup on a cache miss.
type FetchFunc func(ctx context.Context) (*search.Result, error)

// Lookup identifies one cacheable search and the agent performing it.
type Lookup struct {
	Text    string
	Params  search.Params
	RunID   uuid.UUID
	AgentID string
}

// entry is the stored value: the raw lookup result plus its creation time.
// Entries are immutable; expiry is enforced by the Redis TTL.
type entry struct {
	Result    *search.Result `json:"result"`
	CreatedAt time.Time      `json:"created_at"`
}

// Cache deduplicates external lookups behind a normalized fingerprint.
// Storage is Redis with a native TTL; an in-process singleflight group
// guarantees at most one in-flight fetch per fingerprint, with concurrent
// requesters sharing its outcome. Fetch failures propagate and are never
// stored.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	log    *thoughtlog.Log
	logger *zap.Logger
}

// NewCache connects to Redis and verifies the connection.
func NewCache(cfg config.RedisConfig, ttl time.Duration, log *thoughtlog.Log, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Cache{client: client, ttl: ttl, log: log, logger: logger}, nil
}

// NewCacheWithClient wraps an existing client, for tests.
func NewCacheWithClient(client *redis.Client, ttl time.Duration, log *thoughtlog.Log, logger *zap.Logger) *Cache {
	return &Cache{client: client, ttl: ttl, log: log, logger: logger}
}

// GetOrFetch returns the cached result for the lookup's fingerprint, or runs
// fetch exactly once per fingerprint and stores its result. The second
// return reports whether the result came from cache.
func (c *Cache) GetOrFetch(ctx context.Context, lk Lookup, fetch FetchFunc) (*search.Result, bool, error) {
	fp := Fingerprint(lk.Text, lk.Params)

	if res, ok := c.lookup(ctx, fp); ok {
		metrics.CacheHits.Inc()
		c.event(lk, thoughtlog.CategorySearching, fmt.Sprintf("Cache hit for %q", lk.Text),
			map[string]interface{}{"fingerprint": fp, "cached": true})
		return res, true, nil
	}
	metrics.CacheMisses.Inc()

	v, err, shared := c.group.Do(fp, func() (interface{}, error) {
		// A concurrent requester may have stored the entry between our miss
		// and entering the flight.
		if res, ok := c.lookup(ctx, fp); ok {
			return res, nil
		}
		res, err := fetch(ctx)
		if err != nil {
			metrics.CacheFetchErrors.Inc()
			return nil, err
		}
		c.store(ctx, fp, res)
		return res, nil
	})
	if shared {
		metrics.CacheSharedFetches.Inc()
	}
	if err != nil {
		return nil, false, err
	}

	c.event(lk, thoughtlog.CategorySearching, fmt.Sprintf("Fetched %q from provider", lk.Text),
		map[string]interface{}{"fingerprint": fp, "cached": false, "shared": shared})
	return v.(*search.Result), false, nil
}

func (c *Cache) lookup(ctx context.Context, fp string) (*search.Result, bool) {
	data, err := c.client.Get(ctx, cacheKey(fp)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("Evidence cache read failed, treating as miss", zap.Error(err))
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("Evidence cache entry corrupt, treating as miss", zap.Error(err))
		return nil, false
	}
	return e.Result, true
}

func (c *Cache) store(ctx context.Context, fp string, res *search.Result) {
	data, err := json.Marshal(entry{Result: res, CreatedAt: time.Now()})
	if err != nil {
		c.logger.Warn("Evidence cache entry marshal failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, cacheKey(fp), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Evidence cache write failed", zap.Error(err))
	}
}

func (c *Cache) event(lk Lookup, category, content string, meta map[string]interface{}) {
	if c.log == nil {
		return
	}
	c.log.Append(thoughtlog.ThoughtEvent{
		RunID:    lk.RunID,
		AgentID:  lk.AgentID,
		Category: category,
		Content:  content,
		Metadata: meta,
	})
}

// Ping verifies the Redis connection is alive.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (c *Cache) Close() error { return c.client.Close() }

func cacheKey(fp string) string { return "evidence:" + fp }

// Fingerprint derives the cache key for a lookup: a hash of the normalized
// query text combined with the provider parameters. Distinct parameters are
// distinct lookups even for identical text.
func Fingerprint(text string, p search.Params) string {
	h := sha256.New()
	h.Write([]byte(Normalize(text)))
	fmt.Fprintf(h, "|%s|%d", p.Depth, p.MaxResults)
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize lowercases the text, collapses runs of whitespace, and strips
// punctuation that carries no search semantics. Two spellings of the same
// query normalize to the same string.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		case strings.ContainsRune(`.,;:!?"'()[]{}`, r):
			// insignificant to search semantics
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

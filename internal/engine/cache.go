package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/practice-measure-engine/internal/domain"
)

const redisCalculatedKey = "measure-engine:calculated-definitions"

// CacheStats tracks definition cache effectiveness for telemetry.
type CacheStats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
	StaleServed   uint64 `json:"stale_served"`
}

// CacheOptions configures the definition cache.
type CacheOptions struct {
	TTL                 time.Duration
	MaxEntries          int
	RedisTTL            time.Duration
	BreakerMaxFailures  uint32
	BreakerOpenInterval time.Duration
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 512
	}
	if o.RedisTTL <= 0 {
		o.RedisTTL = o.TTL
	}
	if o.BreakerMaxFailures == 0 {
		o.BreakerMaxFailures = 5
	}
	if o.BreakerOpenInterval <= 0 {
		o.BreakerOpenInterval = 30 * time.Second
	}
	return o
}

// DefinitionCache is a time-bounded read-through cache over the measure
// catalog. Tier 1 is process-local (TTL snapshot of the calculated set plus
// an expirable LRU for by-name lookups); tier 2 is an optional Redis cache so
// multiple instances converge after an invalidation. Catalog reads go through
// a circuit breaker; while the breaker is open the last snapshot is served
// stale rather than failing cascades outright.
type DefinitionCache struct {
	catalog  domain.MeasureCatalog
	logger   *logrus.Logger
	redis    *redis.Client
	breaker  *gobreaker.CircuitBreaker
	ttl      time.Duration
	redisTTL time.Duration

	byName *expirable.LRU[string, *domain.MeasureDefinition]

	mu         sync.RWMutex
	calculated []*domain.MeasureDefinition
	fetchedAt  time.Time

	statsMu sync.Mutex
	stats   CacheStats
}

// NewDefinitionCache creates a definition cache. redisClient may be nil, in
// which case the distributed tier is disabled.
func NewDefinitionCache(catalog domain.MeasureCatalog, redisClient *redis.Client, opts CacheOptions, logger *logrus.Logger) *DefinitionCache {
	opts = opts.withDefaults()

	c := &DefinitionCache{
		catalog:  catalog,
		logger:   logger,
		redis:    redisClient,
		ttl:      opts.TTL,
		redisTTL: opts.RedisTTL,
		byName:   expirable.NewLRU[string, *domain.MeasureDefinition](opts.MaxEntries, nil, opts.TTL),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "measure-catalog",
		Timeout: opts.BreakerOpenInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Measure catalog circuit breaker state changed")
		},
	})

	return c
}

// ListCalculated returns all active calculated definitions, served from
// cache within the TTL.
func (c *DefinitionCache) ListCalculated(ctx context.Context) ([]*domain.MeasureDefinition, error) {
	c.mu.RLock()
	if c.calculated != nil && time.Since(c.fetchedAt) < c.ttl {
		defs := c.calculated
		c.mu.RUnlock()
		c.countHit()
		return defs, nil
	}
	c.mu.RUnlock()
	c.countMiss()

	defs, err := c.fetchCalculated(ctx)
	if err != nil {
		// Serve the stale snapshot, if any, while the catalog is unhealthy.
		c.mu.RLock()
		stale := c.calculated
		c.mu.RUnlock()
		if stale != nil {
			c.logger.WithError(err).Warn("Serving stale calculated definitions, catalog fetch failed")
			c.countStale()
			return stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.calculated = defs
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	for _, def := range defs {
		c.byName.Add(def.Name, def)
	}
	return defs, nil
}

// ByName returns the definition for a measure name, any type, cached with
// the same TTL as the calculated set.
func (c *DefinitionCache) ByName(ctx context.Context, name string) (*domain.MeasureDefinition, error) {
	if def, ok := c.byName.Get(name); ok {
		c.countHit()
		return def, nil
	}
	c.countMiss()

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.catalog.FindDefinitionByName(ctx, name)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrCatalogUnavailable, err)
	}

	def := res.(*domain.MeasureDefinition)
	if err := ensureParsed(def); err != nil {
		return nil, err
	}
	c.byName.Add(name, def)
	return def, nil
}

// Invalidate drops every cached definition. Called whenever a definition
// changes. Last writer wins on a concurrent repopulation, which is fine
// because staleness stays bounded by the TTL.
func (c *DefinitionCache) Invalidate() {
	c.mu.Lock()
	c.calculated = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
	c.byName.Purge()

	if c.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.redis.Del(ctx, redisCalculatedKey).Err(); err != nil {
			c.logger.WithError(err).Warn("Failed to invalidate redis definition cache")
		}
	}

	c.statsMu.Lock()
	c.stats.Invalidations++
	c.statsMu.Unlock()

	c.logger.Debug("Definition cache invalidated")
}

// Stats returns a snapshot of cache statistics.
func (c *DefinitionCache) Stats() CacheStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// fetchCalculated loads the calculated definition set from the redis tier or,
// failing that, from the catalog through the circuit breaker.
func (c *DefinitionCache) fetchCalculated(ctx context.Context) ([]*domain.MeasureDefinition, error) {
	if c.redis != nil {
		data, err := c.redis.Get(ctx, redisCalculatedKey).Bytes()
		if err == nil {
			var defs []*domain.MeasureDefinition
			if err := json.Unmarshal(data, &defs); err == nil {
				return parseAll(defs, c.logger), nil
			}
			c.logger.Warn("Discarding undecodable redis definition cache entry")
		} else if err != redis.Nil {
			c.logger.WithError(err).Warn("Redis definition cache read failed")
		}
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.catalog.FindCalculatedDefinitions(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCatalogUnavailable, err)
	}
	defs := parseAll(res.([]*domain.MeasureDefinition), c.logger)

	if c.redis != nil {
		if data, err := json.Marshal(defs); err == nil {
			if err := c.redis.Set(ctx, redisCalculatedKey, data, c.redisTTL).Err(); err != nil {
				c.logger.WithError(err).Warn("Redis definition cache write failed")
			}
		}
	}
	return defs, nil
}

// parseAll parses declared dependencies on every definition. A definition
// with an unparsable dependency list is dropped from the working set and
// logged; it must not poison the others.
func parseAll(defs []*domain.MeasureDefinition, logger *logrus.Logger) []*domain.MeasureDefinition {
	valid := make([]*domain.MeasureDefinition, 0, len(defs))
	for _, def := range defs {
		if err := ensureParsed(def); err != nil {
			logger.WithError(err).WithField("measure", def.Name).
				Warn("Skipping calculated measure with invalid dependency list")
			continue
		}
		valid = append(valid, def)
	}
	return valid
}

func ensureParsed(def *domain.MeasureDefinition) error {
	if len(def.Dependencies) == len(def.DeclaredDependencies) {
		return nil
	}
	return def.ParseDependencies()
}

func (c *DefinitionCache) countHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
}

func (c *DefinitionCache) countMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
}

func (c *DefinitionCache) countStale() {
	c.statsMu.Lock()
	c.stats.StaleServed++
	c.statsMu.Unlock()
}

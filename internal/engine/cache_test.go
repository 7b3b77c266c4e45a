package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practice-measure-engine/internal/domain"
)

func TestDefinitionCache_ServesFromCacheWithinTTL(t *testing.T) {
	bmi := calculatedDef("bmi", "{weight}/{height}", []string{"weight", "height"}, 1)
	catalog := newFakeCatalog(bmi)
	cache := NewDefinitionCache(catalog, nil, CacheOptions{TTL: time.Minute}, testLogger())

	ctx := context.Background()
	first, err := cache.ListCalculated(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := cache.ListCalculated(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Equal(t, 1, catalog.listCalls(), "second read must be served from cache")

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestDefinitionCache_TTLExpiry(t *testing.T) {
	bmi := calculatedDef("bmi", "{weight}/{height}", []string{"weight", "height"}, 1)
	catalog := newFakeCatalog(bmi)
	cache := NewDefinitionCache(catalog, nil, CacheOptions{TTL: 10 * time.Millisecond}, testLogger())

	ctx := context.Background()
	_, err := cache.ListCalculated(ctx)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = cache.ListCalculated(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.listCalls())
}

func TestDefinitionCache_Invalidate(t *testing.T) {
	bmi := calculatedDef("bmi", "{weight}/{height}", []string{"weight", "height"}, 1)
	catalog := newFakeCatalog(bmi)
	cache := NewDefinitionCache(catalog, nil, CacheOptions{TTL: time.Minute}, testLogger())

	ctx := context.Background()
	_, err := cache.ListCalculated(ctx)
	require.NoError(t, err)

	cache.Invalidate()

	_, err = cache.ListCalculated(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.listCalls())
	assert.Equal(t, uint64(1), cache.Stats().Invalidations)
}

func TestDefinitionCache_IndependentInstances(t *testing.T) {
	bmi := calculatedDef("bmi", "{weight}/{height}", []string{"weight", "height"}, 1)
	catalogA := newFakeCatalog(bmi)
	catalogB := newFakeCatalog()

	cacheA := NewDefinitionCache(catalogA, nil, CacheOptions{TTL: time.Minute}, testLogger())
	cacheB := NewDefinitionCache(catalogB, nil, CacheOptions{TTL: time.Minute}, testLogger())

	ctx := context.Background()
	defsA, err := cacheA.ListCalculated(ctx)
	require.NoError(t, err)
	assert.Len(t, defsA, 1)

	defsB, err := cacheB.ListCalculated(ctx)
	require.NoError(t, err)
	assert.Empty(t, defsB, "no cross-instance state")
}

func TestDefinitionCache_ByName(t *testing.T) {
	weight := numericDef("weight")
	catalog := newFakeCatalog(weight)
	cache := NewDefinitionCache(catalog, nil, CacheOptions{TTL: time.Minute}, testLogger())

	ctx := context.Background()
	def, err := cache.ByName(ctx, "weight")
	require.NoError(t, err)
	assert.Equal(t, weight.ID, def.ID)

	_, err = cache.ByName(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDefinitionCache_StaleSnapshotOnCatalogFailure(t *testing.T) {
	bmi := calculatedDef("bmi", "{weight}/{height}", []string{"weight", "height"}, 1)
	catalog := newFakeCatalog(bmi)
	cache := NewDefinitionCache(catalog, nil, CacheOptions{TTL: 10 * time.Millisecond}, testLogger())

	ctx := context.Background()
	_, err := cache.ListCalculated(ctx)
	require.NoError(t, err)

	catalog.err = errors.New("database unavailable")
	time.Sleep(20 * time.Millisecond)

	defs, err := cache.ListCalculated(ctx)
	require.NoError(t, err, "stale snapshot must be served while the catalog is down")
	assert.Len(t, defs, 1)
	assert.Equal(t, uint64(1), cache.Stats().StaleServed)
}

func TestDefinitionCache_SkipsInvalidDependencyList(t *testing.T) {
	good := calculatedDef("good", "{weight}", []string{"weight"}, 1)
	bad := calculatedDef("bad", "{median:weight}", []string{"median:weight"}, 1)
	catalog := newFakeCatalog(good, bad)
	cache := NewDefinitionCache(catalog, nil, CacheOptions{TTL: time.Minute}, testLogger())

	defs, err := cache.ListCalculated(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "good", defs[0].Name)
}

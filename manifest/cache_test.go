package manifest_test

import (
	"sync"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/semql/manifest"
	"github.com/shibukawa/semql/testhelper"
)

func TestCacheReusesAnalysis(t *testing.T) {
	cache := manifest.NewCache()

	first, err := cache.Analyzed(testhelper.OrdersManifest(t), nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)

	// a structurally equal manifest hits the cache even through a different
	// pointer
	second, err := cache.Analyzed(testhelper.OrdersManifest(t), nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCacheKeyIncludesModeAndProperties(t *testing.T) {
	cache := manifest.NewCache()

	dynamic, err := cache.Analyzed(testhelper.OrdersManifest(t), nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)

	full, err := cache.Analyzed(testhelper.OrdersManifest(t), nil, manifest.ModeFullMaterialization)
	assert.NoError(t, err)

	assert.Equal(t, manifest.ModeDynamicFields, dynamic.Mode())
	assert.Equal(t, manifest.ModeFullMaterialization, full.Mode())

	withProps, err := cache.Analyzed(testhelper.OrdersManifest(t), map[string]string{"team": "core"}, manifest.ModeDynamicFields)
	assert.NoError(t, err)
	assert.Equal(t, "core", withProps.Properties()["team"])
}

func TestCacheBounded(t *testing.T) {
	cache := manifest.NewCacheWithSize(1, 1)

	first := testhelper.OrdersManifest(t)
	second := testhelper.OrdersManifest(t)
	second.Catalog = "other"

	_, err := cache.Analyzed(first, nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)
	_, err = cache.Analyzed(second, nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)

	// evicted entries recompute without error; values stay stable
	recomputed, err := cache.Analyzed(first, nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)

	catalog, _ := recomputed.CatalogSchemaPrefix()
	assert.Equal(t, "semql", catalog)
}

func TestCacheConcurrentAccess(t *testing.T) {
	cache := manifest.NewCache()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			am, err := cache.Analyzed(testhelper.OrdersManifest(t), nil, manifest.ModeDynamicFields)
			if err != nil || am == nil {
				t.Error("concurrent analysis failed")
			}
		}()
	}
	wg.Wait()
}

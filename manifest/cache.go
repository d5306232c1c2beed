package manifest

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/shibukawa/semql"
)

// Default cache bounds. Analysis results are small relative to manifests, so
// the derived level can hold more entries than the structural level.
const (
	DefaultManifestCacheSize = 16
	DefaultAnalyzedCacheSize = 128
)

// Cache memoizes manifest analysis on two levels: structural analysis keyed by
// the manifest content hash, and the (hash, properties, mode) triple keyed
// derivation. Both levels are bounded LRU and safe for concurrent use.
// Duplicate computation on a racing miss is acceptable; the cached value is
// stable because Analyze is pure.
type Cache struct {
	structural *lru.Cache[uint64, *AnalyzedManifest]
	derived    *lru.Cache[string, *AnalyzedManifest]
}

// NewCache creates a cache with the default bounds.
func NewCache() *Cache {
	return NewCacheWithSize(DefaultManifestCacheSize, DefaultAnalyzedCacheSize)
}

// NewCacheWithSize creates a cache with explicit bounds.
func NewCacheWithSize(structuralSize, derivedSize int) *Cache {
	structural, err := lru.New[uint64, *AnalyzedManifest](structuralSize)
	if err != nil {
		panic(err)
	}
	derived, err := lru.New[string, *AnalyzedManifest](derivedSize)
	if err != nil {
		panic(err)
	}
	return &Cache{structural: structural, derived: derived}
}

// ManifestHash computes the structural content hash of a manifest. The hash is
// stable across processes and independent of pointer identity.
func ManifestHash(m *Manifest) (uint64, error) {
	hash, err := hashstructure.Hash(m, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: hashing manifest: %v", semql.ErrInternal, err)
	}
	return hash, nil
}

// Analyzed returns the analyzed manifest for (m, properties, mode), reusing
// prior analysis when the content hash matches.
func (c *Cache) Analyzed(m *Manifest, properties map[string]string, mode Mode) (*AnalyzedManifest, error) {
	if mode == "" {
		mode = ModeDynamicFields
	}

	hash, err := ManifestHash(m)
	if err != nil {
		return nil, err
	}

	derivedKey := derivedCacheKey(hash, properties, mode)
	if am, ok := c.derived.Get(derivedKey); ok {
		return am, nil
	}

	base, ok := c.structural.Get(hash)
	if !ok {
		base, err = Analyze(m, nil, ModeDynamicFields)
		if err != nil {
			return nil, err
		}
		c.structural.Add(hash, base)
	}

	derived := base
	if mode != base.mode || len(properties) > 0 {
		// Structural indexes are shared; only the request-scoped settings
		// differ between derivations.
		clone := *base
		clone.properties = properties
		clone.mode = mode
		derived = &clone
	}

	c.derived.Add(derivedKey, derived)

	return derived, nil
}

func derivedCacheKey(hash uint64, properties map[string]string, mode Mode) string {
	keys := make([]string, 0, len(properties))
	for key := range properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	fmt.Fprintf(&builder, "%d|%s", hash, mode)
	for _, key := range keys {
		fmt.Fprintf(&builder, "|%s=%s", key, properties[key])
	}

	return builder.String()
}

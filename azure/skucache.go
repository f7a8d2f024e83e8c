package azure

import (
	lru "github.com/hashicorp/golang-lru"
)

const skuCacheSize = 256

type skuEntry struct {
	vcpus  int
	family string
}

// skuCache bounds the set of (location, vmSize) -> (vCPUs, family)
// lookups a long-lived manager accumulates, generalizing the
// teacher's unbounded sync.Map image/SKU caches into a structure
// with a fixed memory ceiling.
type skuCache struct {
	cache *lru.Cache
}

func newSKUCache() *skuCache {
	c, err := lru.New(skuCacheSize)
	if err != nil {
		// lru.New only fails for a non-positive size, which skuCacheSize
		// never is.
		panic(err)
	}
	return &skuCache{cache: c}
}

func (c *skuCache) get(location, vmSize string) (vcpus int, family string, ok bool) {
	v, ok := c.cache.Get(location + "/" + vmSize)
	if !ok {
		return 0, "", false
	}
	e := v.(skuEntry)
	return e.vcpus, e.family, true
}

func (c *skuCache) put(location, vmSize string, vcpus int, family string) {
	c.cache.Add(location+"/"+vmSize, skuEntry{vcpus: vcpus, family: family})
}

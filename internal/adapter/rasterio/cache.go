package rasterio

import (
	"fmt"
	"sync"

	"github.com/robgpita/inundation-mapping/internal/observability"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

// Cache is a read-through LRU over watershed-level rasters. Branch
// partitioning clips the same source grids once per branch; with workers
// running in parallel the cache keeps each source raster in memory once
// instead of re-decoding it per branch.
type Cache struct {
	lru     *lruCache
	metrics *observability.Metrics
}

// NewCache creates a raster cache holding at most maxEntries grids.
func NewCache(maxEntries int, metrics *observability.Metrics) *Cache {
	return &Cache{
		lru:     newLRUCache(maxEntries),
		metrics: metrics,
	}
}

// Grid returns the float raster at path, reading it on first use.
func (c *Cache) Grid(path string) (*raster.Grid, error) {
	key := "f:" + path
	if v, ok := c.lru.get(key); ok {
		c.metrics.RasterCache.WithLabelValues("float", "hit").Inc()
		return v.(*raster.Grid), nil
	}
	c.metrics.RasterCache.WithLabelValues("float", "miss").Inc()

	g, err := ReadGrid(path)
	if err != nil {
		return nil, fmt.Errorf("cache read %s: %w", path, err)
	}
	c.lru.put(key, g)
	return g, nil
}

// IntGrid returns the label raster at path, reading it on first use.
func (c *Cache) IntGrid(path string) (*raster.IntGrid, error) {
	key := "i:" + path
	if v, ok := c.lru.get(key); ok {
		c.metrics.RasterCache.WithLabelValues("int", "hit").Inc()
		return v.(*raster.IntGrid), nil
	}
	c.metrics.RasterCache.WithLabelValues("int", "miss").Inc()

	g, err := ReadIntGrid(path)
	if err != nil {
		return nil, fmt.Errorf("cache read %s: %w", path, err)
	}
	c.lru.put(key, g)
	return g, nil
}

// lruCache is a simple thread-safe LRU keyed by raster path.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   string
	value any
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}

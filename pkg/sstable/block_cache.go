package sstable

import (
	"sync"
	"sync/atomic"
)

// BlockKey identifies a decoded data block.
type BlockKey struct {
	Path   string
	Offset int64
}

// BlockCache is an LRU of decoded blocks bounded by total bytes. It is shared
// by every facade of the process.
type BlockCache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	items    map[BlockKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheItem struct {
	key   BlockKey
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

// NewBlockCache creates a cache holding up to capacity bytes. A zero
// capacity disables caching.
func NewBlockCache(capacity int64) *BlockCache {
	return &BlockCache{
		capacity: capacity,
		items:    make(map[BlockKey]*cacheItem),
	}
}

func (bc *BlockCache) Get(key BlockKey) ([]byte, bool) {
	if bc == nil {
		return nil, false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[key]
	if !found {
		bc.misses.Add(1)
		return nil, false
	}
	bc.hits.Add(1)
	bc.moveToHead(item)
	return item.value, true
}

func (bc *BlockCache) Set(key BlockKey, value []byte) {
	if bc == nil || int64(len(value)) > bc.capacity {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[key]; found {
		bc.used += int64(len(value) - len(item.value))
		item.value = value
		bc.moveToHead(item)
	} else {
		item := &cacheItem{key: key, value: value}
		bc.addToHead(item)
		bc.items[key] = item
		bc.used += int64(len(value))
	}

	for bc.used > bc.capacity && bc.tail != nil {
		bc.evictLRU()
	}
}

// Evict drops every block of the file at path.
func (bc *BlockCache) Evict(path string) {
	if bc == nil {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for key, item := range bc.items {
		if key.Path == path {
			bc.unlink(item)
			delete(bc.items, key)
			bc.used -= int64(len(item.value))
		}
	}
}

// CacheStats is a point-in-time view of the cache counters.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Bytes  int64
	Blocks int
}

func (bc *BlockCache) Stats() CacheStats {
	if bc == nil {
		return CacheStats{}
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return CacheStats{
		Hits:   bc.hits.Load(),
		Misses: bc.misses.Load(),
		Bytes:  bc.used,
		Blocks: len(bc.items),
	}
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		bc.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		bc.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head
	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item
	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) evictLRU() {
	item := bc.tail
	bc.unlink(item)
	delete(bc.items, item.key)
	bc.used -= int64(len(item.value))
}

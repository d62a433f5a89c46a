package utils

import (
	"container/list"
	"sync"
)

// An item in the LRU cache.
type LRUItem interface {
	Path() string
	Size() int64
}

// Called when an item is selected for eviction.
// Return false to keep the item, in which case the next
// least recently used item is considered instead.
type EvictFunc[E LRUItem] func(item E) bool

// A size bounded LRU index of items, typically files.
// A maximum size of 0 disables eviction.
type LRU[E LRUItem] struct {
	mu sync.Mutex

	maxSize     int64
	currentSize int64

	// Most recently used items at the front.
	cacheList *list.List
	cacheMap  map[string]*list.Element

	onEvict EvictFunc[E]
}

func NewLRU[E LRUItem](maxSize int64, onEvict EvictFunc[E]) *LRU[E] {
	return &LRU[E]{
		maxSize:   maxSize,
		cacheList: list.New(),
		cacheMap:  make(map[string]*list.Element),
		onEvict:   onEvict,
	}
}

// Add a new item to the cache, or refresh an existing one.
func (lru *LRU[E]) Add(item E) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if ee, ok := lru.cacheMap[item.Path()]; ok {
		lru.currentSize -= ee.Value.(E).Size()
		lru.currentSize += item.Size()
		ee.Value = item
		lru.cacheList.MoveToFront(ee)
	} else {
		ele := lru.cacheList.PushFront(item)
		lru.cacheMap[item.Path()] = ele
		lru.currentSize += item.Size()
	}

	lru.evict()
}

// Get an item from the cache and mark it as recently used.
func (lru *LRU[E]) Get(path string) (item E, ok bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if ele, hit := lru.cacheMap[path]; hit {
		lru.cacheList.MoveToFront(ele)
		return ele.Value.(E), true
	}
	return
}

// Remove an item without calling the eviction function.
func (lru *LRU[E]) Remove(path string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if ele, hit := lru.cacheMap[path]; hit {
		lru.removeElement(ele)
	}
}

// Total size of all items.
func (lru *LRU[E]) Size() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.currentSize
}

// Number of items.
func (lru *LRU[E]) Len() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.cacheList.Len()
}

func (lru *LRU[E]) evict() {
	if lru.maxSize <= 0 {
		return
	}

	ele := lru.cacheList.Back()
	for lru.currentSize > lru.maxSize && ele != nil {
		prev := ele.Prev()
		if lru.onEvict == nil || lru.onEvict(ele.Value.(E)) {
			lru.removeElement(ele)
		}
		ele = prev
	}
}

func (lru *LRU[E]) removeElement(e *list.Element) {
	lru.cacheList.Remove(e)
	kv := e.Value.(E)
	delete(lru.cacheMap, kv.Path())
	lru.currentSize -= kv.Size()
}

package cache

import (
	"sync"
	"time"
)

// Cache is a byte-value cache with per-entry TTL. The rule store keeps its
// decoded rule sets behind one, so the hot request path reads rules from
// memory instead of storage.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte, ttl time.Duration) bool
	Delete(key string) bool
	Clear()
	Stats() Stats
}

type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	Capacity  int
}

// LRU implements a least-recently-used cache with TTL support. Expired
// entries are dropped lazily on access.
type LRU struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*entry
	head     *entry
	tail     *entry

	hits      int64
	misses    int64
	evictions int64
}

type entry struct {
	key       string
	value     []byte
	expiresAt *time.Time
	prev      *entry
	next      *entry
}

func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 1000
	}

	c := &LRU{
		capacity: capacity,
		items:    make(map[string]*entry),
	}

	// Doubly linked list with dummy head and tail
	c.head = &entry{}
	c.tail = &entry{}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.items[key]
	if !exists {
		c.misses++
		return nil, false
	}

	if e.expiresAt != nil && time.Now().After(*e.expiresAt) {
		c.remove(e)
		c.misses++
		return nil, false
	}

	c.moveToFront(e)
	c.hits++

	// Copy so callers cannot mutate the cached value
	valueCopy := make([]byte, len(e.value))
	copy(valueCopy, e.value)
	return valueCopy, true
}

func (c *LRU) Put(key string, value []byte, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	if existing, exists := c.items[key]; exists {
		existing.value = valueCopy
		existing.expiresAt = expiry(ttl)
		c.moveToFront(existing)
		return true
	}

	e := &entry{
		key:       key,
		value:     valueCopy,
		expiresAt: expiry(ttl),
	}

	c.addToFront(e)
	c.items[key] = e

	if len(c.items) > c.capacity {
		c.evictLRU()
	}

	return true
}

func (c *LRU) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.items[key]
	if !exists {
		return false
	}

	c.remove(e)
	return true
}

func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry)
	c.head.next = c.tail
	c.tail.prev = c.head
}

func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.items),
		Capacity:  c.capacity,
	}
}

func expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}

func (c *LRU) moveToFront(e *entry) {
	c.unlink(e)
	c.addToFront(e)
}

func (c *LRU) addToFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *LRU) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (c *LRU) remove(e *entry) {
	delete(c.items, e.key)
	c.unlink(e)
}

func (c *LRU) evictLRU() {
	if c.tail.prev == c.head {
		return
	}

	lru := c.tail.prev
	c.remove(lru)
	c.evictions++
}

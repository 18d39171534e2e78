package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"sentinel/internal/rules"
)

const shardCount = 32

// Counter is the mutable state for one (identifier, rule) pair.
type Counter struct {
	Identifier   string
	RuleName     string
	RequestCount int
	WindowStart  time.Time
	LastRequest  time.Time
	Blocked      bool
	BlockedUntil time.Time
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*Counter
}

// MemoryStore keeps counters in a sharded map with per-shard locking, so the
// whole check-increment-compare sequence for a key runs under one lock while
// unrelated keys proceed in parallel.
type MemoryStore struct {
	shards      [shardCount]*shard
	cleanupStop chan struct{}
	stopOnce    sync.Once
}

func NewMemoryStore(cleanupInterval, maxIdleTime time.Duration) *MemoryStore {
	s := &MemoryStore{
		cleanupStop: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{counters: make(map[string]*Counter)}
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval, maxIdleTime)
	}

	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Hit applies the fixed-window evaluation under the shard lock:
// blocked short-circuit (with self-healing once the block elapses), window
// reset, increment, limit comparison.
func (s *MemoryStore) Hit(_ context.Context, rule *rules.RateLimitRule, identifier string, now time.Time) (Result, error) {
	key := rule.Name + "\x00" + identifier
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if !ok {
		c = &Counter{
			Identifier:  identifier,
			RuleName:    rule.Name,
			WindowStart: now,
		}
		sh.counters[key] = c
	}

	if c.Blocked {
		if now.Before(c.BlockedUntil) {
			return Result{Blocked: true, RetryAfter: c.BlockedUntil.Sub(now), Count: c.RequestCount}, nil
		}
		// Block elapsed: self-heal.
		c.Blocked = false
		c.BlockedUntil = time.Time{}
		c.RequestCount = 0
		c.WindowStart = now
	}

	if !now.Before(c.WindowStart.Add(rule.Window())) {
		c.RequestCount = 0
		c.WindowStart = now
		c.Blocked = false
		c.BlockedUntil = time.Time{}
	}

	c.RequestCount++
	c.LastRequest = now

	if c.RequestCount > rule.MaxRequests {
		c.Blocked = true
		c.BlockedUntil = now.Add(rule.BlockFor())
		return Result{Blocked: true, RetryAfter: rule.BlockFor(), Count: c.RequestCount}, nil
	}

	return Result{Count: c.RequestCount}, nil
}

func (s *MemoryStore) cleanupLoop(interval, maxIdleTime time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now(), maxIdleTime)
		case <-s.cleanupStop:
			return
		}
	}
}

// cleanup drops counters idle past maxIdleTime. Blocked counters are kept
// until their block elapses regardless of idleness.
func (s *MemoryStore) cleanup(now time.Time, maxIdleTime time.Duration) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, c := range sh.counters {
			if c.Blocked && now.Before(c.BlockedUntil) {
				continue
			}
			if now.Sub(c.LastRequest) > maxIdleTime {
				delete(sh.counters, key)
			}
		}
		sh.mu.Unlock()
	}
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.cleanupStop)
	})
	return nil
}

package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sentinel/internal/cache"
	"sentinel/internal/logging"
	"sentinel/internal/storage"
)

const (
	blacklistKeyPrefix = "rule:bl:"
	rateLimitKeyPrefix = "rule:rl:"

	blacklistCacheKey = "rules:blacklist"
	rateLimitCacheKey = "rules:ratelimit"

	matchQueueSize = 256
)

// Store persists blacklist and rate-limit rules and answers the hot-path
// matching queries. The rule set is read-mostly: list reads go through a
// short-TTL cache that is invalidated on every administrative mutation and on
// seed-file changes. Match-count updates are applied off the request path by
// a single writer goroutine.
type Store struct {
	engine   storage.Engine
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *logging.Logger

	matchCh   chan string
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	badPatterns sync.Map // rule ID -> struct{}, for log-once on malformed patterns
}

func NewStore(engine storage.Engine, logger *logging.Logger, cacheTTL time.Duration) *Store {
	s := &Store{
		engine:   engine,
		cache:    cache.NewLRU(16),
		cacheTTL: cacheTTL,
		logger:   logger,
		matchCh:  make(chan string, matchQueueSize),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.matchWriter()

	return s
}

// Close stops the match writer after draining pending increments.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// Invalidate drops the cached rule lists. Called after every administrative
// mutation so rule changes take effect within one request.
func (s *Store) Invalidate() {
	s.cache.Delete(blacklistCacheKey)
	s.cache.Delete(rateLimitCacheKey)
}

// SaveBlacklistRule validates and persists a rule, assigning a stable ID
// derived from kind and pattern when none is set.
func (s *Store) SaveBlacklistRule(r *BlacklistRule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid blacklist rule: %w", err)
	}
	if r.ID == "" {
		r.ID = RuleID(r.Kind, r.Pattern)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode blacklist rule: %w", err)
	}
	if err := s.engine.Put([]byte(blacklistKeyPrefix+r.ID), data); err != nil {
		return fmt.Errorf("failed to persist blacklist rule: %w", err)
	}

	s.Invalidate()
	return nil
}

func (s *Store) GetBlacklistRule(id string) (*BlacklistRule, error) {
	data, err := s.engine.Get([]byte(blacklistKeyPrefix + id))
	if err != nil {
		return nil, err
	}
	var r BlacklistRule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode blacklist rule %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) DeleteBlacklistRule(id string) error {
	if err := s.engine.Delete([]byte(blacklistKeyPrefix + id)); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

// ListBlacklistRules returns all rules, newest first.
func (s *Store) ListBlacklistRules() ([]BlacklistRule, error) {
	raw, err := s.engine.List([]byte(blacklistKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist rules: %w", err)
	}

	rules := make([]BlacklistRule, 0, len(raw))
	for key, data := range raw {
		var r BlacklistRule
		if err := json.Unmarshal(data, &r); err != nil {
			s.logger.Warn("Skipping undecodable blacklist rule", "key", key, "error", err)
			continue
		}
		rules = append(rules, r)
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].CreatedAt.After(rules[j].CreatedAt)
	})
	return rules, nil
}

func (s *Store) SaveRateLimitRule(r *RateLimitRule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit rule: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode rate limit rule: %w", err)
	}
	if err := s.engine.Put([]byte(rateLimitKeyPrefix+r.Name), data); err != nil {
		return fmt.Errorf("failed to persist rate limit rule: %w", err)
	}

	s.Invalidate()
	return nil
}

func (s *Store) GetRateLimitRule(name string) (*RateLimitRule, error) {
	data, err := s.engine.Get([]byte(rateLimitKeyPrefix + name))
	if err != nil {
		return nil, err
	}
	var r RateLimitRule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode rate limit rule %s: %w", name, err)
	}
	return &r, nil
}

func (s *Store) DeleteRateLimitRule(name string) error {
	if err := s.engine.Delete([]byte(rateLimitKeyPrefix + name)); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

func (s *Store) ListRateLimitRules() ([]RateLimitRule, error) {
	raw, err := s.engine.List([]byte(rateLimitKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list rate limit rules: %w", err)
	}

	rules := make([]RateLimitRule, 0, len(raw))
	for key, data := range raw {
		var r RateLimitRule
		if err := json.Unmarshal(data, &r); err != nil {
			s.logger.Warn("Skipping undecodable rate limit rule", "key", key, "error", err)
			continue
		}
		rules = append(rules, r)
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
	return rules, nil
}

// EffectiveBlacklistRules returns the rules participating in matching,
// served from cache when fresh.
func (s *Store) EffectiveBlacklistRules(now time.Time) ([]BlacklistRule, error) {
	if data, ok := s.cache.Get(blacklistCacheKey); ok {
		var cached []BlacklistRule
		if err := json.Unmarshal(data, &cached); err == nil {
			return filterEffective(cached, now), nil
		}
	}

	all, err := s.ListBlacklistRules()
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(all); err == nil {
		s.cache.Put(blacklistCacheKey, data, s.cacheTTL)
	}
	return filterEffective(all, now), nil
}

func filterEffective(all []BlacklistRule, now time.Time) []BlacklistRule {
	effective := make([]BlacklistRule, 0, len(all))
	for _, r := range all {
		if r.Effective(now) {
			effective = append(effective, r)
		}
	}
	return effective
}

// ActiveRateLimitRules returns active rules ordered by ascending priority,
// served from cache when fresh.
func (s *Store) ActiveRateLimitRules() ([]RateLimitRule, error) {
	if data, ok := s.cache.Get(rateLimitCacheKey); ok {
		var cached []RateLimitRule
		if err := json.Unmarshal(data, &cached); err == nil {
			return filterActive(cached), nil
		}
	}

	all, err := s.ListRateLimitRules()
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(all); err == nil {
		s.cache.Put(rateLimitCacheKey, data, s.cacheTTL)
	}
	return filterActive(all), nil
}

func filterActive(all []RateLimitRule) []RateLimitRule {
	active := make([]RateLimitRule, 0, len(all))
	for _, r := range all {
		if r.Active {
			active = append(active, r)
		}
	}
	return active
}

// MatchBlacklist evaluates the effective blacklist against the request
// attributes in the fixed kind order. The first match wins; its counters are
// updated off the request path.
func (s *Store) MatchBlacklist(attrs *RequestAttributes, now time.Time) (*BlacklistRule, bool) {
	effective, err := s.EffectiveBlacklistRules(now)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load blacklist rules, skipping blacklist check")
		return nil, false
	}

	for _, kind := range EvaluationOrder {
		value, ok := attrs.valueFor(kind)
		if !ok {
			continue
		}
		for i := range effective {
			r := &effective[i]
			if r.Kind != kind {
				continue
			}
			if err := r.Validate(); err != nil {
				s.logMalformedOnce(r, err)
				continue
			}
			if r.Matches(value) {
				s.RecordMatch(r.ID)
				matched := *r
				return &matched, true
			}
		}
	}

	return nil, false
}

func (s *Store) logMalformedOnce(r *BlacklistRule, err error) {
	if _, loaded := s.badPatterns.LoadOrStore(r.ID, struct{}{}); !loaded {
		s.logger.Warn("Blacklist rule has malformed pattern and will never match",
			"rule_id", r.ID,
			"kind", string(r.Kind),
			"error", err.Error(),
		)
	}
}

// RecordMatch queues a match-count increment for the rule. The increment is
// applied by the writer goroutine; if the queue is full it is applied in its
// own goroutine instead so no update is lost.
func (s *Store) RecordMatch(id string) {
	select {
	case s.matchCh <- id:
	default:
		go s.applyMatch(id)
	}
}

func (s *Store) matchWriter() {
	defer s.wg.Done()
	for {
		select {
		case id := <-s.matchCh:
			s.applyMatch(id)
		case <-s.done:
			// Drain whatever is still queued before shutting down.
			for {
				select {
				case id := <-s.matchCh:
					s.applyMatch(id)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) applyMatch(id string) {
	key := []byte(blacklistKeyPrefix + id)
	err := s.engine.Update(key, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, storage.ErrNotFound
		}
		var r BlacklistRule
		if err := json.Unmarshal(current, &r); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		r.MatchCount++
		r.LastMatched = &now
		return json.Marshal(&r)
	})
	if err != nil {
		s.logger.Warn("Failed to record blacklist match", "rule_id", id, "error", err)
	}
}

// Watch reloads the seed file and invalidates the rule cache whenever the
// file changes on disk. Blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, seedFile string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(seedFile); err != nil {
		return fmt.Errorf("failed to watch rule seed file: %w", err)
	}

	s.logger.Info("Watching rule seed file", "file", seedFile)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.LoadSeedFile(seedFile); err != nil {
				s.logger.WithError(err).Error("Failed to reload rule seed file")
				continue
			}
			s.logger.Info("Reloaded rule seed file", "file", seedFile)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("Rule watcher error")
		}
	}
}

// Package ratelimit enforces per-identifier request budgets with fixed time
// windows and temporary block periods. Counters live in a pluggable store:
// in-process sharded maps for single-instance deployments, redis for
// multi-instance ones.
package ratelimit

import (
	"context"
	"net"
	"strings"
	"time"

	"sentinel/internal/logging"
	"sentinel/internal/rules"
)

// Result is the outcome of evaluating one rule against one identifier.
type Result struct {
	Blocked    bool
	RetryAfter time.Duration
	Count      int
}

// CounterStore evaluates a request against a rule's counter. Implementations
// must serialize the window-check/increment/limit-check sequence per
// (identifier, rule) pair: two concurrent requests at the limit boundary must
// never both be admitted.
type CounterStore interface {
	Hit(ctx context.Context, rule *rules.RateLimitRule, identifier string, now time.Time) (Result, error)
	Close() error
}

// Request carries what the limiter needs to pick and evaluate rules.
type Request struct {
	Path          string
	Identifier    string
	IP            string
	Authenticated bool
	Now           time.Time
}

// Decision is the limiter's verdict for one request.
type Decision struct {
	Blocked    bool
	Rule       *rules.RateLimitRule
	RetryAfter time.Duration
	Exempt     bool
}

// RuleSource is the slice of the rule store the limiter reads.
type RuleSource interface {
	ActiveRateLimitRules() ([]rules.RateLimitRule, error)
}

type Limiter struct {
	store    CounterStore
	rules    RuleSource
	logger   *logging.Logger
	trusted  []*net.IPNet
	relaxed  bool
}

// NewLimiter builds a limiter. trustedRanges are CIDR strings of callers
// exempt from rate limiting; relaxed additionally exempts everyone (debug
// deployments only).
func NewLimiter(store CounterStore, ruleSource RuleSource, logger *logging.Logger, trustedRanges []string, relaxed bool) *Limiter {
	var trusted []*net.IPNet
	for _, cidr := range trustedRanges {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			logger.Warn("Ignoring invalid trusted range", "range", cidr, "error", err)
			continue
		}
		trusted = append(trusted, network)
	}

	return &Limiter{
		store:   store,
		rules:   ruleSource,
		logger:  logger,
		trusted: trusted,
		relaxed: relaxed,
	}
}

// Exempt reports whether the caller bypasses rate limiting entirely. The
// exemption is checked before any counter is touched and is only ever logged
// at debug level.
func (l *Limiter) Exempt(ip string) bool {
	if l.relaxed {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range l.trusted {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// Check evaluates the active rate-limit rules against the request. Rules are
// considered in ascending priority order; each path-matching rule whose scope
// applies is evaluated, and the first one that signals blocked ends the scan.
// Store failures never block a request; they are logged and the rule skipped.
func (l *Limiter) Check(ctx context.Context, req *Request) Decision {
	if l.Exempt(req.IP) {
		l.logger.DebugContext(ctx, "Rate limiting skipped for exempt caller", "ip", req.IP, "path", req.Path)
		return Decision{Exempt: true}
	}

	active, err := l.rules.ActiveRateLimitRules()
	if err != nil {
		l.logger.WithError(err).Error("Failed to load rate limit rules, skipping rate limit check")
		return Decision{}
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	for i := range active {
		rule := &active[i]
		if !rule.MatchesPath(req.Path) {
			continue
		}
		if !rule.AppliesTo(req.Authenticated) {
			continue
		}

		result, err := l.store.Hit(ctx, rule, req.Identifier, now)
		if err != nil {
			l.logger.WarnContext(ctx, "Rate limit counter store failed, skipping rule",
				"rule", rule.Name,
				"identifier", req.Identifier,
				"error", err,
			)
			continue
		}

		if result.Blocked {
			retryAfter := result.RetryAfter
			if retryAfter <= 0 {
				retryAfter = rule.BlockFor()
			}
			matched := *rule
			return Decision{
				Blocked:    true,
				Rule:       &matched,
				RetryAfter: retryAfter,
			}
		}
	}

	return Decision{}
}

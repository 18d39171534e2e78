package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// Kind enumerates the blacklist rule variants. Matching is a closed switch
// over this enum so a new kind cannot be added without a matcher.
type Kind string

const (
	KindIP        Kind = "ip"
	KindIPRange   Kind = "ip_range"
	KindUserAgent Kind = "user_agent"
	KindPath      Kind = "path"
	KindCountry   Kind = "country"
	KindReferer   Kind = "referer"
)

// EvaluationOrder is the fixed order in which request attributes are checked
// against blacklist rules. Country comes last and only participates when
// geolocation data is present on the request.
var EvaluationOrder = []Kind{KindIP, KindIPRange, KindUserAgent, KindPath, KindReferer, KindCountry}

// BlacklistRule unconditionally blocks matching requests.
type BlacklistRule struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Pattern     string     `json:"pattern"`
	Reason      string     `json:"reason"`
	Active      bool       `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	MatchCount  int64      `json:"match_count"`
	LastMatched *time.Time `json:"last_matched,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RuleID derives a stable identifier from a rule's kind and pattern, so
// seeding the same rule twice lands on the same record.
func RuleID(kind Kind, pattern string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + pattern))
	return hex.EncodeToString(sum[:])[:16]
}

// Effective reports whether the rule participates in matching: active and
// either unexpired or without an expiry.
func (r *BlacklistRule) Effective(now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return true
}

// Matches tests value against the rule's pattern according to its kind.
// Malformed patterns never match and never propagate an error.
func (r *BlacklistRule) Matches(value string) bool {
	if value == "" {
		return false
	}

	switch r.Kind {
	case KindIP:
		return value == r.Pattern
	case KindIPRange:
		_, network, err := net.ParseCIDR(r.Pattern)
		if err != nil {
			return false
		}
		ip := net.ParseIP(value)
		if ip == nil {
			return false
		}
		return network.Contains(ip)
	case KindUserAgent, KindPath, KindReferer:
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	case KindCountry:
		return strings.EqualFold(r.Pattern, value)
	default:
		return false
	}
}

// Validate enforces the per-kind pattern invariants.
func (r *BlacklistRule) Validate() error {
	if r.Pattern == "" {
		return fmt.Errorf("pattern cannot be empty")
	}

	switch r.Kind {
	case KindIP:
		// Literal address match; nothing to compile.
	case KindIPRange:
		if _, _, err := net.ParseCIDR(r.Pattern); err != nil {
			return fmt.Errorf("pattern must be a CIDR network: %w", err)
		}
	case KindUserAgent, KindPath, KindReferer:
		if _, err := regexp.Compile("(?i)" + r.Pattern); err != nil {
			return fmt.Errorf("pattern must compile as a regular expression: %w", err)
		}
	case KindCountry:
		if len(r.Pattern) != 2 {
			return fmt.Errorf("country pattern must be a 2-letter code: %q", r.Pattern)
		}
	default:
		return fmt.Errorf("unknown rule kind: %q", r.Kind)
	}

	return nil
}

// Scope controls which callers a rate-limit rule applies to.
type Scope string

const (
	ScopeAll           Scope = "all"
	ScopeAuthenticated Scope = "authenticated"
	ScopeAnonymous     Scope = "anonymous"
	ScopePerIP         Scope = "ip"
)

// RateLimitRule bounds request volume per identifier within a fixed window,
// with a block period on violation. Lower priority wins.
type RateLimitRule struct {
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	PathPattern   string    `json:"path_pattern"`
	MaxRequests   int       `json:"max_requests"`
	TimeWindow    int       `json:"time_window"`    // seconds
	BlockDuration int       `json:"block_duration"` // seconds
	Scope         Scope     `json:"scope"`
	Active        bool      `json:"active"`
	Priority      int       `json:"priority"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// MatchesPath reports whether the rule governs the given URL path.
// A malformed path pattern never matches.
func (r *RateLimitRule) MatchesPath(path string) bool {
	re, err := regexp.Compile("(?i)" + r.PathPattern)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

// AppliesTo reports whether the rule's scope covers a caller with the given
// authentication state.
func (r *RateLimitRule) AppliesTo(authenticated bool) bool {
	switch r.Scope {
	case ScopeAll, ScopePerIP:
		return true
	case ScopeAuthenticated:
		return authenticated
	case ScopeAnonymous:
		return !authenticated
	default:
		return false
	}
}

// Window returns the rule's time window as a duration.
func (r *RateLimitRule) Window() time.Duration {
	return time.Duration(r.TimeWindow) * time.Second
}

// BlockFor returns the rule's block period as a duration.
func (r *RateLimitRule) BlockFor() time.Duration {
	return time.Duration(r.BlockDuration) * time.Second
}

func (r *RateLimitRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if r.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be positive: %d", r.MaxRequests)
	}
	if r.TimeWindow <= 0 {
		return fmt.Errorf("time_window must be positive: %d", r.TimeWindow)
	}
	if r.BlockDuration < 0 {
		return fmt.Errorf("block_duration cannot be negative: %d", r.BlockDuration)
	}
	if _, err := regexp.Compile("(?i)" + r.PathPattern); err != nil {
		return fmt.Errorf("path_pattern must compile as a regular expression: %w", err)
	}
	switch r.Scope {
	case ScopeAll, ScopeAuthenticated, ScopeAnonymous, ScopePerIP:
	default:
		return fmt.Errorf("unknown scope: %q", r.Scope)
	}
	return nil
}

// RequestAttributes carries the request fields blacklist rules match against.
// Country is empty when no geolocation data accompanied the request.
type RequestAttributes struct {
	IP        string
	UserAgent string
	Path      string
	Referer   string
	Country   string
}

// valueFor resolves the attribute a rule kind is matched against. The second
// return is false when the attribute is unavailable for this request.
func (a *RequestAttributes) valueFor(kind Kind) (string, bool) {
	switch kind {
	case KindIP, KindIPRange:
		return a.IP, a.IP != ""
	case KindUserAgent:
		return a.UserAgent, a.UserAgent != ""
	case KindPath:
		return a.Path, a.Path != ""
	case KindReferer:
		return a.Referer, a.Referer != ""
	case KindCountry:
		return a.Country, a.Country != ""
	default:
		return "", false
	}
}

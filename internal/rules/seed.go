package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleSet is the on-disk rule seed format.
type RuleSet struct {
	Blacklist  []SeedBlacklistRule `yaml:"blacklist"`
	RateLimits []SeedRateLimitRule `yaml:"rate_limits"`
}

type SeedBlacklistRule struct {
	Kind    string `yaml:"kind"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

type SeedRateLimitRule struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	PathPattern   string `yaml:"path_pattern"`
	MaxRequests   int    `yaml:"max_requests"`
	TimeWindow    int    `yaml:"time_window"`
	BlockDuration int    `yaml:"block_duration"`
	Scope         string `yaml:"scope"`
	Priority      int    `yaml:"priority"`
}

// LoadSeedFile reads a yaml rule set and upserts it into the store. Existing
// blacklist rules keep their match counters because rule IDs are derived from
// kind and pattern.
func (s *Store) LoadSeedFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rule seed file: %w", err)
	}

	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("failed to parse rule seed file: %w", err)
	}

	return s.Seed(&set, "seed-file")
}

// Seed upserts a rule set. Rules that already exist are left untouched so
// operator edits and accumulated counters survive reseeding.
func (s *Store) Seed(set *RuleSet, createdBy string) error {
	for _, seed := range set.Blacklist {
		rule := BlacklistRule{
			Kind:      Kind(seed.Kind),
			Pattern:   seed.Pattern,
			Reason:    seed.Reason,
			Active:    true,
			CreatedBy: createdBy,
		}
		rule.ID = RuleID(rule.Kind, rule.Pattern)

		if _, err := s.GetBlacklistRule(rule.ID); err == nil {
			continue
		}
		if err := s.SaveBlacklistRule(&rule); err != nil {
			return fmt.Errorf("failed to seed blacklist rule %q: %w", seed.Pattern, err)
		}
	}

	for _, seed := range set.RateLimits {
		scope := Scope(seed.Scope)
		if scope == "" {
			scope = ScopePerIP
		}
		rule := RateLimitRule{
			Name:          seed.Name,
			Description:   seed.Description,
			PathPattern:   seed.PathPattern,
			MaxRequests:   seed.MaxRequests,
			TimeWindow:    seed.TimeWindow,
			BlockDuration: seed.BlockDuration,
			Scope:         scope,
			Active:        true,
			Priority:      seed.Priority,
			CreatedBy:     createdBy,
		}

		if _, err := s.GetRateLimitRule(rule.Name); err == nil {
			continue
		}
		if err := s.SaveRateLimitRule(&rule); err != nil {
			return fmt.Errorf("failed to seed rate limit rule %q: %w", seed.Name, err)
		}
	}

	return nil
}

// DefaultRuleSet is the stock policy installed by sentinelctl seed: general
// API and admin limits, tight limits on authentication and contact-form
// endpoints, and blacklist entries for common attack tooling.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		RateLimits: []SeedRateLimitRule{
			{
				Name:          "API General Rate Limit",
				Description:   "General rate limiting for API endpoints",
				PathPattern:   `^/api/.*`,
				MaxRequests:   100,
				TimeWindow:    300,
				BlockDuration: 600,
				Scope:         string(ScopePerIP),
				Priority:      100,
			},
			{
				Name:          "Admin Rate Limit",
				Description:   "Rate limiting for the admin interface",
				PathPattern:   `^/admin/.*`,
				MaxRequests:   50,
				TimeWindow:    300,
				BlockDuration: 900,
				Scope:         string(ScopePerIP),
				Priority:      50,
			},
			{
				Name:          "Authentication Rate Limit",
				Description:   "Rate limiting for authentication endpoints",
				PathPattern:   `.*(login|auth|signin).*`,
				MaxRequests:   10,
				TimeWindow:    300,
				BlockDuration: 1800,
				Scope:         string(ScopePerIP),
				Priority:      10,
			},
			{
				Name:          "Contact Form Rate Limit",
				Description:   "Rate limiting for contact form submissions",
				PathPattern:   `^/api/v1/contact.*`,
				MaxRequests:   5,
				TimeWindow:    3600,
				BlockDuration: 3600,
				Scope:         string(ScopePerIP),
				Priority:      20,
			},
		},
		Blacklist: []SeedBlacklistRule{
			{Kind: string(KindUserAgent), Pattern: `sqlmap`, Reason: "SQL injection tool"},
			{Kind: string(KindUserAgent), Pattern: `nikto`, Reason: "Web vulnerability scanner"},
			{Kind: string(KindUserAgent), Pattern: `nmap`, Reason: "Network scanner"},
			{Kind: string(KindUserAgent), Pattern: `masscan`, Reason: "Port scanner"},
			{Kind: string(KindUserAgent), Pattern: `acunetix`, Reason: "Web vulnerability scanner"},
			{Kind: string(KindUserAgent), Pattern: `nessus`, Reason: "Vulnerability scanner"},
			{Kind: string(KindUserAgent), Pattern: `metasploit`, Reason: "Exploitation framework"},
			{Kind: string(KindPath), Pattern: `/\.env`, Reason: "Environment file probe"},
			{Kind: string(KindPath), Pattern: `/\.git`, Reason: "Repository probe"},
			{Kind: string(KindPath), Pattern: `/phpmyadmin`, Reason: "Database admin probe"},
		},
	}
}

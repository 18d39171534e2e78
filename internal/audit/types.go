package audit

import (
	"time"

	"sentinel/internal/useragent"
)

// IPRecord aggregates the history of one client address. Reputation runs
// 0-100, higher meaning more trustworthy.
type IPRecord struct {
	Address            string    `json:"address"`
	ReputationScore    int       `json:"reputation_score"`
	TotalRequests      int64     `json:"total_requests"`
	SuspiciousRequests int64     `json:"suspicious_requests"`
	BlockedRequests    int64     `json:"blocked_requests"`
	Blacklisted        bool      `json:"blacklisted"`
	Whitelisted        bool      `json:"whitelisted"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
}

// UpdateReputation recomputes the reputation score from the counters.
// Idempotent: calling it twice with unchanged counters yields the same score.
// Whitelist and blacklist flags override the computed value.
func (r *IPRecord) UpdateReputation() {
	score := 50

	if r.TotalRequests > 0 {
		ratio := float64(r.SuspiciousRequests) / float64(r.TotalRequests)
		switch {
		case ratio > 0.5:
			score -= 30
		case ratio > 0.25:
			score -= 15
		case ratio > 0.1:
			score -= 5
		}
	}

	switch {
	case r.TotalRequests > 10000:
		score -= 20
	case r.TotalRequests > 1000:
		score -= 10
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	if r.Whitelisted {
		score = 100
	}
	if r.Blacklisted {
		score = 0
	}

	r.ReputationScore = score
}

// UserAgentRecord aggregates the history of one user-agent signature, keyed
// by its content hash.
type UserAgentRecord struct {
	Hash         string            `json:"hash"`
	UserAgent    string            `json:"user_agent"`
	Profile      useragent.Profile `json:"profile"`
	RequestCount int64             `json:"request_count"`
	FirstSeen    time.Time         `json:"first_seen"`
	LastSeen     time.Time         `json:"last_seen"`
}

// Entry is the immutable record of one inspected request. It is written once
// per request-response cycle, after response metadata is known.
type Entry struct {
	Timestamp        time.Time `json:"timestamp"`
	Method           string    `json:"method"`
	Path             string    `json:"path"`
	Query            string    `json:"query,omitempty"`
	Referer          string    `json:"referer,omitempty"`
	Host             string    `json:"host,omitempty"`
	ContentType      string    `json:"content_type,omitempty"`
	IP               string    `json:"ip"`
	UserAgent        string    `json:"user_agent,omitempty"`
	UserAgentHash    string    `json:"user_agent_hash"`
	Suspicious       bool      `json:"suspicious"`
	RiskLevel        string    `json:"risk_level"`
	RiskScore        int       `json:"risk_score"`
	Blocked          bool      `json:"blocked"`
	BlockReason      string    `json:"block_reason,omitempty"`
	ResponseStatus   int       `json:"response_status,omitempty"`
	ResponseTimeMs   float64   `json:"response_time_ms,omitempty"`
	MatchedRules     []string  `json:"matched_rules,omitempty"`
	ThreatIndicators []string  `json:"threat_indicators,omitempty"`
}

type AlertType string

const (
	AlertRateLimit          AlertType = "rate_limit"
	AlertSuspiciousActivity AlertType = "suspicious_activity"
	AlertBlacklistMatch     AlertType = "blacklist_match"
	AlertHighRiskRequest    AlertType = "high_risk_request"
	AlertAttackPattern      AlertType = "attack_pattern"
	AlertSystemError        AlertType = "system_error"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is an operator-facing notification raised when a threshold is
// crossed. Only the acknowledgement fields mutate after creation.
type Alert struct {
	ID             string     `json:"id"`
	Type           AlertType  `json:"type"`
	Severity       Severity   `json:"severity"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	IP             string     `json:"ip,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// Package pipeline orchestrates per-request security inspection: blacklist
// check, rate-limit check, threat analysis, decision, and the asynchronous
// audit write once the response has been observed.
package pipeline

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"sentinel/internal/analyzer"
	"sentinel/internal/audit"
	"sentinel/internal/logging"
	"sentinel/internal/ratelimit"
	"sentinel/internal/rules"
)

// Descriptor is the normalized view of one inbound request. The pipeline
// never touches the raw *http.Request after construction.
type Descriptor struct {
	Timestamp     time.Time
	Method        string
	Path          string
	Query         string
	IP            string
	UserAgent     string
	Referer       string
	Host          string
	ContentType   string
	Country       string
	Authenticated bool
	UserID        string
}

// FromRequest normalizes an inbound request. The client address honors
// X-Forwarded-For and X-Real-IP the way the surrounding proxies populate
// them; country comes from the CF-IPCountry header when an edge provides it.
func FromRequest(r *http.Request) *Descriptor {
	return &Descriptor{
		Timestamp:   time.Now().UTC(),
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
		Referer:     r.Referer(),
		Host:        r.Host,
		ContentType: r.Header.Get("Content-Type"),
		Country:     r.Header.Get("CF-IPCountry"),
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Identifier returns the rate-limit key for the caller: the user for
// authenticated requests, the address otherwise.
func (d *Descriptor) Identifier() string {
	if d.Authenticated && d.UserID != "" {
		return "user:" + d.UserID
	}
	return "ip:" + d.IP
}

// Decision is the pipeline's verdict for one request.
type Decision struct {
	Allow      bool
	StatusCode int
	Reason     string
	RetryAfter time.Duration
	Analysis   *analyzer.Result
}

// Config tunes pipeline thresholds.
type Config struct {
	HighRiskThreshold int
	DefaultRetryAfter time.Duration
}

// Pipeline wires the rule store, rate limiter and audit sink into the
// per-request inspection state machine.
type Pipeline struct {
	rules   *rules.Store
	limiter *ratelimit.Limiter
	sink    *audit.Sink
	logger  *logging.Logger
	config  Config

	// IdentityFunc resolves the authenticated caller, when the wrapped
	// application has one. Nil means every caller is anonymous.
	IdentityFunc func(*http.Request) (userID string, ok bool)
}

func New(ruleStore *rules.Store, limiter *ratelimit.Limiter, sink *audit.Sink, logger *logging.Logger, config Config) *Pipeline {
	if config.HighRiskThreshold <= 0 {
		config.HighRiskThreshold = 80
	}
	if config.DefaultRetryAfter <= 0 {
		config.DefaultRetryAfter = 300 * time.Second
	}

	return &Pipeline{
		rules:   ruleStore,
		limiter: limiter,
		sink:    sink,
		logger:  logger,
		config:  config,
	}
}

// Inspect runs the decision states for one request: blacklist, rate limit,
// then threat analysis. Blocked requests get their audit entry written here;
// allowed requests carry their analysis until Observe finalizes the entry
// with response metadata.
func (p *Pipeline) Inspect(ctx context.Context, desc *Descriptor) Decision {
	now := desc.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
		desc.Timestamp = now
	}

	exempt := p.limiter.Exempt(desc.IP)

	// Blacklist check. Exempted callers reaching the admin surface bypass it
	// so a misconfigured path rule cannot lock operators out.
	if exempt && strings.HasPrefix(desc.Path, "/admin/") {
		p.logger.DebugContext(ctx, "Blacklist check skipped for exempt admin access", "ip", desc.IP, "path", desc.Path)
	} else {
		attrs := rules.RequestAttributes{
			IP:        desc.IP,
			UserAgent: desc.UserAgent,
			Path:      desc.Path,
			Referer:   desc.Referer,
			Country:   desc.Country,
		}
		if rule, ok := p.rules.MatchBlacklist(&attrs, now); ok {
			reason := fmt.Sprintf("Blacklist match: %s", rule.Reason)
			p.logger.SecurityEvent(ctx, "request_blocked", desc.IP, "warning", map[string]interface{}{
				"reason":  reason,
				"method":  desc.Method,
				"path":    desc.Path,
				"rule_id": rule.ID,
			})
			p.submitBlocked(desc, reason, []string{rule.ID}, nil)
			return Decision{Allow: false, StatusCode: http.StatusForbidden, Reason: "blacklist"}
		}
	}

	// Rate limit check. Exemption is handled inside the limiter, before any
	// counter is touched.
	rl := p.limiter.Check(ctx, &ratelimit.Request{
		Path:          desc.Path,
		Identifier:    desc.Identifier(),
		IP:            desc.IP,
		Authenticated: desc.Authenticated,
		Now:           now,
	})
	if rl.Blocked {
		retryAfter := rl.RetryAfter
		ruleName := "unknown"
		if rl.Rule != nil {
			ruleName = rl.Rule.Name
		}
		if retryAfter <= 0 {
			// Block signaled without a resolvable rule: fail safe with the
			// conservative default rather than failing open.
			retryAfter = p.config.DefaultRetryAfter
		}

		p.sink.RaiseAlert(&audit.Alert{
			Type:        audit.AlertRateLimit,
			Severity:    audit.SeverityWarning,
			Title:       fmt.Sprintf("Rate limit exceeded for %s", desc.Identifier()),
			Description: fmt.Sprintf("Rule: %s, Path: %s", ruleName, desc.Path),
			IP:          desc.IP,
			CreatedAt:   now,
		})
		p.submitBlocked(desc, "Rate limit exceeded: "+ruleName, nil, nil)
		return Decision{
			Allow:      false,
			StatusCode: http.StatusTooManyRequests,
			Reason:     "rate_limit",
			RetryAfter: retryAfter,
		}
	}

	// Threat analysis always runs when not short-circuited above.
	result := analyzer.Analyze(&analyzer.Request{
		Method:      desc.Method,
		Path:        desc.Path,
		Query:       desc.Query,
		UserAgent:   desc.UserAgent,
		Referer:     desc.Referer,
		Host:        desc.Host,
		ContentType: desc.ContentType,
	})

	if result.Score >= p.config.HighRiskThreshold {
		p.sink.RaiseAlert(&audit.Alert{
			Type:        audit.AlertHighRiskRequest,
			Severity:    audit.SeverityError,
			Title:       fmt.Sprintf("High risk request blocked (Score: %d)", result.Score),
			Description: fmt.Sprintf("Path: %s, Indicators: %s", desc.Path, strings.Join(result.Indicators, ", ")),
			IP:          desc.IP,
			CreatedAt:   now,
		})
		p.submitBlocked(desc, fmt.Sprintf("High risk score: %d", result.Score), nil, &result)
		return Decision{Allow: false, StatusCode: http.StatusForbidden, Reason: "high_risk", Analysis: &result}
	}

	return Decision{Allow: true, Analysis: &result}
}

// Observe finalizes the audit record for an allowed request once the
// downstream response (or its absence) is known.
func (p *Pipeline) Observe(desc *Descriptor, analysis *analyzer.Result, status int, latency time.Duration) {
	entry := p.baseEntry(desc)
	if analysis != nil {
		entry.Suspicious = analysis.Suspicious
		entry.RiskScore = analysis.Score
		entry.RiskLevel = analyzer.RiskLevel(analysis.Score)
		entry.ThreatIndicators = analysis.Indicators
	}
	entry.ResponseStatus = status
	entry.ResponseTimeMs = float64(latency.Microseconds()) / 1000.0

	p.sink.Submit(entry)
}

func (p *Pipeline) submitBlocked(desc *Descriptor, reason string, matchedRules []string, analysis *analyzer.Result) {
	entry := p.baseEntry(desc)
	entry.Suspicious = true
	entry.Blocked = true
	entry.BlockReason = reason
	entry.MatchedRules = matchedRules
	if analysis != nil {
		entry.RiskScore = analysis.Score
		entry.RiskLevel = analyzer.RiskLevel(analysis.Score)
		entry.ThreatIndicators = analysis.Indicators
	} else {
		entry.RiskLevel = analyzer.RiskLevel(0)
	}

	p.sink.Submit(entry)
}

func (p *Pipeline) baseEntry(desc *Descriptor) *audit.Entry {
	return &audit.Entry{
		Timestamp:   desc.Timestamp,
		Method:      desc.Method,
		Path:        desc.Path,
		Query:       desc.Query,
		Referer:     desc.Referer,
		Host:        desc.Host,
		ContentType: desc.ContentType,
		IP:          desc.IP,
		UserAgent:   desc.UserAgent,
	}
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"sentinel/internal/audit"
	"sentinel/internal/logging"
	"sentinel/internal/rules"
	"sentinel/internal/storage"
)

// RESTHandler serves the administrative API: rule management, identity
// lookups, alerts and audit history.
type RESTHandler struct {
	rules   *rules.Store
	audit   *audit.Store
	sink    *audit.Sink
	logger  *logging.Logger
	started time.Time
}

func NewRESTHandler(ruleStore *rules.Store, auditStore *audit.Store, sink *audit.Sink, logger *logging.Logger) *RESTHandler {
	return &RESTHandler{
		rules:   ruleStore,
		audit:   auditStore,
		sink:    sink,
		logger:  logger,
		started: time.Now(),
	}
}

// Request/Response types for JSON handling

// BlacklistRuleRequest creates or replaces a blacklist rule.
type BlacklistRuleRequest struct {
	Kind      string `json:"kind"`
	Pattern   string `json:"pattern"`
	Reason    string `json:"reason"`
	Active    *bool  `json:"active,omitempty"`
	TTLHours  *int   `json:"ttl_hours,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

// BlacklistRuleResponse wraps a single rule.
type BlacklistRuleResponse struct {
	Rule  *rules.BlacklistRule `json:"rule,omitempty"`
	Error string               `json:"error,omitempty"`
}

// BlacklistRulesResponse wraps a rule listing.
type BlacklistRulesResponse struct {
	Rules []rules.BlacklistRule `json:"rules"`
	Count int                   `json:"count"`
	Error string                `json:"error,omitempty"`
}

// RateLimitRuleRequest creates or replaces a rate-limit rule.
type RateLimitRuleRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	PathPattern   string `json:"path_pattern"`
	MaxRequests   int    `json:"max_requests"`
	TimeWindow    int    `json:"time_window"`
	BlockDuration int    `json:"block_duration"`
	Scope         string `json:"scope,omitempty"`
	Active        *bool  `json:"active,omitempty"`
	Priority      int    `json:"priority"`
	CreatedBy     string `json:"created_by,omitempty"`
}

// RateLimitRuleResponse wraps a single rule.
type RateLimitRuleResponse struct {
	Rule  *rules.RateLimitRule `json:"rule,omitempty"`
	Error string               `json:"error,omitempty"`
}

// RateLimitRulesResponse wraps a rule listing.
type RateLimitRulesResponse struct {
	Rules []rules.RateLimitRule `json:"rules"`
	Count int                   `json:"count"`
	Error string                `json:"error,omitempty"`
}

// IPResponse wraps one address record.
type IPResponse struct {
	Record *audit.IPRecord `json:"record,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// IPFlagsRequest sets the whitelist/blacklist overrides for an address.
type IPFlagsRequest struct {
	Blacklisted bool `json:"blacklisted"`
	Whitelisted bool `json:"whitelisted"`
}

// UserAgentResponse wraps one user-agent record.
type UserAgentResponse struct {
	Record *audit.UserAgentRecord `json:"record,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// AuditEntriesResponse wraps the recent audit history, newest first.
type AuditEntriesResponse struct {
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
	Error   string        `json:"error,omitempty"`
}

// AlertsResponse wraps an alert listing, newest first.
type AlertsResponse struct {
	Alerts []audit.Alert `json:"alerts"`
	Count  int           `json:"count"`
	Error  string        `json:"error,omitempty"`
}

// AlertAckRequest acknowledges an alert.
type AlertAckRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

// AlertResponse wraps a single alert.
type AlertResponse struct {
	Alert *audit.Alert `json:"alert,omitempty"`
	Error string       `json:"error,omitempty"`
}

// StatsResponse reports pipeline bookkeeping counters.
type StatsResponse struct {
	Audit audit.SinkStats `json:"audit"`
	Error string          `json:"error,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Healthy       bool   `json:"healthy"`
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version"`
	Timestamp     int64  `json:"timestamp"`
}

// ErrorResponse represents a generic error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/v1/rules/blacklist
func (h *RESTHandler) CreateBlacklistRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BlacklistRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "Blacklist rule request with invalid JSON", "error", err.Error())
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request")
		return
	}

	rule := rules.BlacklistRule{
		Kind:      rules.Kind(req.Kind),
		Pattern:   req.Pattern,
		Reason:    req.Reason,
		Active:    true,
		CreatedBy: req.CreatedBy,
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if req.TTLHours != nil && *req.TTLHours > 0 {
		expires := time.Now().UTC().Add(time.Duration(*req.TTLHours) * time.Hour)
		rule.ExpiresAt = &expires
	}

	if err := h.rules.SaveBlacklistRule(&rule); err != nil {
		h.logger.WarnContext(ctx, "Rejected blacklist rule", "kind", req.Kind, "error", err.Error())
		h.writeJSONResponse(w, http.StatusBadRequest, BlacklistRuleResponse{Error: err.Error()})
		return
	}

	h.logger.InfoContext(ctx, "Blacklist rule saved",
		"rule_id", rule.ID,
		"kind", string(rule.Kind),
		"created_by", rule.CreatedBy,
	)
	h.writeJSONResponse(w, http.StatusCreated, BlacklistRuleResponse{Rule: &rule})
}

// GET /api/v1/rules/blacklist
func (h *RESTHandler) ListBlacklistRules(w http.ResponseWriter, r *http.Request) {
	all, err := h.rules.ListBlacklistRules()
	if err != nil {
		h.logger.WithError(err).Error("Failed to list blacklist rules")
		h.writeJSONResponse(w, http.StatusInternalServerError, BlacklistRulesResponse{Error: err.Error()})
		return
	}

	h.writeJSONResponse(w, http.StatusOK, BlacklistRulesResponse{Rules: all, Count: len(all)})
}

// GET /api/v1/rules/blacklist/{id}
func (h *RESTHandler) GetBlacklistRule(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	rule, err := h.rules.GetBlacklistRule(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeErrorResponse(w, http.StatusNotFound, "Rule not found")
			return
		}
		h.logger.WithError(err).WithField("rule_id", id).Error("Failed to get blacklist rule")
		h.writeJSONResponse(w, http.StatusInternalServerError, BlacklistRuleResponse{Error: err.Error()})
		return
	}

	h.writeJSONResponse(w, http.StatusOK, BlacklistRuleResponse{Rule: rule})
}

// DELETE /api/v1/rules/blacklist/{id}
func (h *RESTHandler) DeleteBlacklistRule(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	if err := h.rules.DeleteBlacklistRule(id); err != nil {
		h.logger.WithError(err).WithField("rule_id", id).Error("Failed to delete blacklist rule")
		h.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "Blacklist rule deleted", "rule_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/rules/blacklist/{id}/activate
// POST /api/v1/rules/blacklist/{id}/deactivate
func (h *RESTHandler) SetBlacklistRuleActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := pathVar(r, "id")

		rule, err := h.rules.GetBlacklistRule(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				h.writeErrorResponse(w, http.StatusNotFound, "Rule not found")
				return
			}
			h.writeJSONResponse(w, http.StatusInternalServerError, BlacklistRuleResponse{Error: err.Error()})
			return
		}

		rule.Active = active
		if err := h.rules.SaveBlacklistRule(rule); err != nil {
			h.writeJSONResponse(w, http.StatusInternalServerError, BlacklistRuleResponse{Error: err.Error()})
			return
		}

		h.logger.InfoContext(r.Context(), "Blacklist rule state changed", "rule_id", id, "active", active)
		h.writeJSONResponse(w, http.StatusOK, BlacklistRuleResponse{Rule: rule})
	}
}

// POST /api/v1/rules/ratelimit
func (h *RESTHandler) CreateRateLimitRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RateLimitRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "Rate limit rule request with invalid JSON", "error", err.Error())
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request")
		return
	}

	scope := rules.Scope(req.Scope)
	if req.Scope == "" {
		scope = rules.ScopeAll
	}
	rule := rules.RateLimitRule{
		Name:          req.Name,
		Description:   req.Description,
		PathPattern:   req.PathPattern,
		MaxRequests:   req.MaxRequests,
		TimeWindow:    req.TimeWindow,
		BlockDuration: req.BlockDuration,
		Scope:         scope,
		Active:        true,
		Priority:      req.Priority,
		CreatedBy:     req.CreatedBy,
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if err := h.rules.SaveRateLimitRule(&rule); err != nil {
		h.logger.WarnContext(ctx, "Rejected rate limit rule", "name", req.Name, "error", err.Error())
		h.writeJSONResponse(w, http.StatusBadRequest, RateLimitRuleResponse{Error: err.Error()})
		return
	}

	h.logger.InfoContext(ctx, "Rate limit rule saved",
		"name", rule.Name,
		"max_requests", rule.MaxRequests,
		"time_window", rule.TimeWindow,
	)
	h.writeJSONResponse(w, http.StatusCreated, RateLimitRuleResponse{Rule: &rule})
}

// GET /api/v1/rules/ratelimit
func (h *RESTHandler) ListRateLimitRules(w http.ResponseWriter, r *http.Request) {
	all, err := h.rules.ListRateLimitRules()
	if err != nil {
		h.logger.WithError(err).Error("Failed to list rate limit rules")
		h.writeJSONResponse(w, http.StatusInternalServerError, RateLimitRulesResponse{Error: err.Error()})
		return
	}

	h.writeJSONResponse(w, http.StatusOK, RateLimitRulesResponse{Rules: all, Count: len(all)})
}

// GET /api/v1/rules/ratelimit/{name}
func (h *RESTHandler) GetRateLimitRule(w http.ResponseWriter, r *http.Request) {
	name := pathVar(r, "name")

	rule, err := h.rules.GetRateLimitRule(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeErrorResponse(w, http.StatusNotFound, "Rule not found")
			return
		}
		h.logger.WithError(err).WithField("name", name).Error("Failed to get rate limit rule")
		h.writeJSONResponse(w, http.StatusInternalServerError, RateLimitRuleResponse{Error: err.Error()})
		return
	}

	h.writeJSONResponse(w, http.StatusOK, RateLimitRuleResponse{Rule: rule})
}

// DELETE /api/v1/rules/ratelimit/{name}
func (h *RESTHandler) DeleteRateLimitRule(w http.ResponseWriter, r *http.Request) {
	name := pathVar(r, "name")

	if err := h.rules.DeleteRateLimitRule(name); err != nil {
		h.logger.WithError(err).WithField("name", name).Error("Failed to delete rate limit rule")
		h.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "Rate limit rule deleted", "name", name)
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/ips/{address}
func (h *RESTHandler) GetIP(w http.ResponseWriter, r *http.Request) {
	address := pathVar(r, "address")

	record, err := h.audit.GetIP(address)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeErrorResponse(w, http.StatusNotFound, "Address not seen")
			return
		}
		h.logger.WithError(err).WithField("ip", address).Error("Failed to get ip record")
		h.writeJSONResponse(w, http.StatusInternalServerError, IPResponse{Error: err.Error()})
		return
	}

	h.writeJSONResponse(w, http.StatusOK, IPResponse{Record: record})
}

// PUT /api/v1/ips/{address}/flags
func (h *RESTHandler) SetIPFlags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := pathVar(r, "address")

	var req IPFlagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request")
		return
	}

	record, err := h.audit.SetIPFlags(address, req.Blacklisted, req.Whitelisted, time.Now().UTC())
	if err != nil {
		h.logger.WithError(err).WithField("ip", address).Error("Failed to set ip flags")
		h.writeJSONResponse(w, http.StatusInternalServerError, IPResponse{Error: err.Error()})
		return
	}

	h.logger.InfoContext(ctx, "IP flags updated",
		"ip", address,
		"blacklisted", req.Blacklisted,
		"whitelisted", req.Whitelisted,
	)
	h.writeJSONResponse(w, http.StatusOK, IPResponse{Record: record})
}

// GET /api/v1/useragents/{hash}
func (h *RESTHandler) GetUserAgent(w http.ResponseWriter, r *http.Request) {
	hash := pathVar(r, "hash")

	record, err := h.audit.GetUserAgent(hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeErrorResponse(w, http.StatusNotFound, "User agent not seen")
			return
		}
		h.logger.WithError(err).WithField("hash", hash).Error("Failed to get user agent record")
		h.writeJSONResponse(w, http.StatusInternalServerError, UserAgentResponse{Error: err.Error()})
		return
	}

	h.writeJSONResponse(w, http.StatusOK, UserAgentResponse{Record: record})
}

// GET /api/v1/audit?limit={n}
func (h *RESTHandler) RecentAuditEntries(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)

	entries, err := h.audit.RecentEntries(limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list audit entries")
		h.writeJSONResponse(w, http.StatusInternalServerError, AuditEntriesResponse{Error: err.Error()})
		return
	}

	h.writeJSONResponse(w, http.StatusOK, AuditEntriesResponse{Entries: entries, Count: len(entries)})
}

// GET /api/v1/alerts?limit={n}
func (h *RESTHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)

	alerts, err := h.audit.ListAlerts(limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list alerts")
		h.writeJSONResponse(w, http.StatusInternalServerError, AlertsResponse{Error: err.Error()})
		return
	}

	h.writeJSONResponse(w, http.StatusOK, AlertsResponse{Alerts: alerts, Count: len(alerts)})
}

// POST /api/v1/alerts/{id}/ack
func (h *RESTHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := pathVar(r, "id")

	var req AlertAckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request")
		return
	}
	if req.AcknowledgedBy == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "acknowledged_by cannot be empty")
		return
	}

	alert, err := h.audit.AcknowledgeAlert(id, req.AcknowledgedBy, time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeErrorResponse(w, http.StatusNotFound, "Alert not found")
			return
		}
		h.logger.WithError(err).WithField("alert_id", id).Error("Failed to acknowledge alert")
		h.writeJSONResponse(w, http.StatusInternalServerError, AlertResponse{Error: err.Error()})
		return
	}

	h.logger.InfoContext(ctx, "Alert acknowledged", "alert_id", id, "by", req.AcknowledgedBy)
	h.writeJSONResponse(w, http.StatusOK, AlertResponse{Alert: alert})
}

// GET /api/v1/stats
func (h *RESTHandler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, StatsResponse{Audit: h.sink.Stats()})
}

// GET /health and /api/v1/health
func (h *RESTHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, HealthResponse{
		Healthy:       true,
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Version:       "1.0.0",
		Timestamp:     time.Now().Unix(),
	})
}

func (h *RESTHandler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (h *RESTHandler) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSONResponse(w, statusCode, ErrorResponse{
		Error:   message,
		Code:    statusCode,
		Message: http.StatusText(statusCode),
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

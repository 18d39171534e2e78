package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sentinel/internal/audit"
	"sentinel/internal/logging"
	"sentinel/internal/ratelimit"
	"sentinel/internal/rules"
	"sentinel/internal/storage"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type testStack struct {
	pipeline *Pipeline
	rules    *rules.Store
	audit    *audit.Store
	sink     *audit.Sink
}

func setupTestStack(t *testing.T, trustedRanges []string) *testStack {
	t.Helper()

	engine, err := storage.NewEngine(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage engine: %v", err)
	}
	t.Cleanup(func() {
		engine.Close()
	})

	testLogConfig := logging.TestLoggingConfig()
	logger := logging.NewLogger(&testLogConfig)

	ruleStore := rules.NewStore(engine, logger, time.Minute)
	t.Cleanup(ruleStore.Close)

	counters := ratelimit.NewMemoryStore(0, 0)
	t.Cleanup(func() {
		counters.Close()
	})
	limiter := ratelimit.NewLimiter(counters, ruleStore, logger, trustedRanges, false)

	auditStore := audit.NewStore(engine)
	sink := audit.NewSink(auditStore, logger, audit.SinkConfig{})
	t.Cleanup(sink.Close)

	return &testStack{
		pipeline: New(ruleStore, limiter, sink, logger, Config{}),
		rules:    ruleStore,
		audit:    auditStore,
		sink:     sink,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

func TestMiddleware_AllowsCleanRequest(t *testing.T) {
	stack := setupTestStack(t, nil)
	handler := SecurityHeaders(stack.pipeline.Middleware(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/posts", nil)
	req.Header.Set("User-Agent", chromeUA)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", rec.Body.String())
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}

	stack.sink.Close()
	entries, err := stack.audit.RecentEntries(10)
	if err != nil {
		t.Fatalf("RecentEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Blocked || entry.ResponseStatus != http.StatusOK {
		t.Errorf("audit entry = %+v, want allowed 200", entry)
	}
	if entry.IP != "192.0.2.1" {
		t.Errorf("audit entry ip = %q, want 192.0.2.1", entry.IP)
	}
}

func TestMiddleware_BlocksBlacklistedUserAgent(t *testing.T) {
	stack := setupTestStack(t, nil)
	if err := stack.rules.SaveBlacklistRule(&rules.BlacklistRule{
		Kind:    rules.KindUserAgent,
		Pattern: "sqlmap",
		Reason:  "SQL injection scanner",
		Active:  true,
	}); err != nil {
		t.Fatalf("SaveBlacklistRule() error = %v", err)
	}

	downstream := false
	handler := stack.pipeline.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downstream = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/posts", nil)
	req.Header.Set("User-Agent", "sqlmap/1.7.2#stable")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "Access denied" {
		t.Errorf("body = %q, want Access denied", got)
	}
	if downstream {
		t.Error("blocked request reached the downstream handler")
	}

	stack.sink.Close()
	entries, err := stack.audit.RecentEntries(10)
	if err != nil {
		t.Fatalf("RecentEntries() error = %v", err)
	}
	if len(entries) != 1 || !entries[0].Blocked {
		t.Fatalf("audit entries = %+v, want one blocked entry", entries)
	}
	if !strings.Contains(entries[0].BlockReason, "Blacklist match") {
		t.Errorf("BlockReason = %q", entries[0].BlockReason)
	}
	if len(entries[0].MatchedRules) != 1 {
		t.Errorf("MatchedRules = %v, want one rule id", entries[0].MatchedRules)
	}
}

func TestMiddleware_RateLimitResponse(t *testing.T) {
	stack := setupTestStack(t, nil)
	if err := stack.rules.SaveRateLimitRule(&rules.RateLimitRule{
		Name:          "api",
		PathPattern:   `^/api/.*`,
		MaxRequests:   2,
		TimeWindow:    60,
		BlockDuration: 120,
		Scope:         rules.ScopePerIP,
		Active:        true,
		Priority:      10,
	}); err != nil {
		t.Fatalf("SaveRateLimitRule() error = %v", err)
	}

	handler := stack.pipeline.Middleware(okHandler())

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/posts", nil)
		req.Header.Set("User-Agent", chromeUA)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send(); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "120" {
		t.Errorf("Retry-After = %q, want 120", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body is not JSON: %v", err)
	}
	if body.Error != "Rate limit exceeded" || body.RetryAfter != 120 {
		t.Errorf("body = %+v", body)
	}
}

func TestMiddleware_BlocksHighRiskRequest(t *testing.T) {
	stack := setupTestStack(t, nil)
	handler := stack.pipeline.Middleware(okHandler())

	// Scanner-style probe: env file under a CMS admin path with an injection
	// attempt in the query. Scores well past the blocking threshold.
	req := httptest.NewRequest(http.MethodGet, "/wp-admin/.env?q=union%20select", nil)
	req.Header.Set("User-Agent", chromeUA)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	stack.sink.Close()
	entries, err := stack.audit.RecentEntries(10)
	if err != nil {
		t.Fatalf("RecentEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if !entry.Blocked || entry.RiskScore < 80 {
		t.Errorf("audit entry = blocked=%v score=%d, want blocked high score", entry.Blocked, entry.RiskScore)
	}
	if len(entry.ThreatIndicators) == 0 {
		t.Error("audit entry carries no threat indicators")
	}

	alerts, err := stack.audit.ListAlerts(10)
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	found := false
	for _, a := range alerts {
		if a.Type == audit.AlertHighRiskRequest {
			found = true
		}
	}
	if !found {
		t.Errorf("no high_risk_request alert raised, alerts = %+v", alerts)
	}
}

func TestMiddleware_ExemptAdminBypassesBlacklist(t *testing.T) {
	stack := setupTestStack(t, []string{"127.0.0.0/8"})
	if err := stack.rules.SaveBlacklistRule(&rules.BlacklistRule{
		Kind:    rules.KindPath,
		Pattern: "^/admin/secret",
		Reason:  "locked down",
		Active:  true,
	}); err != nil {
		t.Fatalf("SaveBlacklistRule() error = %v", err)
	}

	handler := stack.pipeline.Middleware(okHandler())

	trusted := httptest.NewRequest(http.MethodGet, "/admin/secret", nil)
	trusted.Header.Set("User-Agent", chromeUA)
	trusted.Header.Set("X-Forwarded-For", "127.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, trusted)
	if rec.Code != http.StatusOK {
		t.Errorf("trusted admin request status = %d, want 200", rec.Code)
	}

	outsider := httptest.NewRequest(http.MethodGet, "/admin/secret", nil)
	outsider.Header.Set("User-Agent", chromeUA)
	outsider.Header.Set("X-Forwarded-For", "198.51.100.9")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, outsider)
	if rec.Code != http.StatusForbidden {
		t.Errorf("outsider admin request status = %d, want 403", rec.Code)
	}
}

func TestMiddleware_ClientDisconnectBeforeHandler(t *testing.T) {
	stack := setupTestStack(t, nil)

	downstream := false
	handler := stack.pipeline.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downstream = true
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/posts", nil).WithContext(ctx)
	req.Header.Set("User-Agent", chromeUA)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if downstream {
		t.Error("handler ran for a disconnected client")
	}

	stack.sink.Close()
	entries, err := stack.audit.RecentEntries(10)
	if err != nil {
		t.Fatalf("RecentEntries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ResponseStatus != StatusClientClosedRequest {
		t.Errorf("audit entries = %+v, want one entry with status 499", entries)
	}
}

func TestMiddleware_IdentityFunc(t *testing.T) {
	stack := setupTestStack(t, nil)
	if err := stack.rules.SaveRateLimitRule(&rules.RateLimitRule{
		Name:          "anon",
		PathPattern:   `^/api/.*`,
		MaxRequests:   1,
		TimeWindow:    60,
		BlockDuration: 60,
		Scope:         rules.ScopeAnonymous,
		Active:        true,
		Priority:      10,
	}); err != nil {
		t.Fatalf("SaveRateLimitRule() error = %v", err)
	}

	stack.pipeline.IdentityFunc = func(r *http.Request) (string, bool) {
		if token := r.Header.Get("Authorization"); token != "" {
			return strings.TrimPrefix(token, "Bearer "), true
		}
		return "", false
	}
	handler := stack.pipeline.Middleware(okHandler())

	authed := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/posts", nil)
		req.Header.Set("User-Agent", chromeUA)
		req.Header.Set("Authorization", "Bearer 42")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 5; i++ {
		if code := authed(); code != http.StatusOK {
			t.Fatalf("authenticated request %d status = %d, want 200", i+1, code)
		}
	}

	anon := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/posts", nil)
		req.Header.Set("User-Agent", chromeUA)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	anon()
	if code := anon(); code != http.StatusTooManyRequests {
		t.Errorf("second anonymous request status = %d, want 429", code)
	}
}

func TestFromRequest_ClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "203.0.113.7:52100",
			want:       "203.0.113.7",
		},
		{
			name:       "forwarded-for wins",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"},
			want:       "198.51.100.1",
		},
		{
			name:       "real-ip fallback",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{"X-Real-IP": "198.51.100.2"},
			want:       "198.51.100.2",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.7",
			want:       "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			desc := FromRequest(req)
			if desc.IP != tt.want {
				t.Errorf("IP = %q, want %q", desc.IP, tt.want)
			}
		})
	}
}

func TestDescriptor_Identifier(t *testing.T) {
	anon := &Descriptor{IP: "198.51.100.1"}
	if got := anon.Identifier(); got != "ip:198.51.100.1" {
		t.Errorf("Identifier() = %q, want ip:198.51.100.1", got)
	}

	authed := &Descriptor{IP: "198.51.100.1", Authenticated: true, UserID: "42"}
	if got := authed.Identifier(); got != "user:42" {
		t.Errorf("Identifier() = %q, want user:42", got)
	}
}

package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StatusClientClosedRequest is recorded when the caller disconnected before
// the downstream handler produced a response.
const StatusClientClosedRequest = 499

// Middleware wraps a handler with the full inspection pipeline. Blocked
// requests are answered here and never reach next; allowed requests are
// observed after next completes so the audit entry carries the response
// status and latency.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		desc := FromRequest(r)
		if p.IdentityFunc != nil {
			if userID, ok := p.IdentityFunc(r); ok {
				desc.Authenticated = true
				desc.UserID = userID
			}
		}

		decision := p.Inspect(r.Context(), desc)
		if !decision.Allow {
			writeBlocked(w, decision)
			return
		}

		if r.Context().Err() != nil {
			// Caller gave up while we were deciding; skip downstream work but
			// still account for the request.
			p.Observe(desc, decision.Analysis, StatusClientClosedRequest, time.Since(desc.Timestamp))
			return
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if r.Context().Err() != nil && !recorder.wrote {
			status = StatusClientClosedRequest
		}
		p.Observe(desc, decision.Analysis, status, time.Since(start))
		p.logger.RequestEnd(r.Context(), desc.Method, desc.Path, status, time.Since(start))
	})
}

func writeBlocked(w http.ResponseWriter, decision Decision) {
	if decision.StatusCode == http.StatusTooManyRequests {
		seconds := int(decision.RetryAfter / time.Second)
		if seconds <= 0 {
			seconds = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":       "Rate limit exceeded",
			"retry_after": seconds,
		})
		return
	}

	// Blocked responses stay terse so probes learn nothing about why.
	http.Error(w, "Access denied", decision.StatusCode)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// SecurityHeaders sets the standard hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

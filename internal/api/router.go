package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures the administrative API routes.
func (h *RESTHandler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(h.CORSMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Blacklist rules
	v1.HandleFunc("/rules/blacklist", h.CreateBlacklistRule).Methods(http.MethodPost)
	v1.HandleFunc("/rules/blacklist", h.ListBlacklistRules).Methods(http.MethodGet)
	v1.HandleFunc("/rules/blacklist/{id}", h.GetBlacklistRule).Methods(http.MethodGet)
	v1.HandleFunc("/rules/blacklist/{id}", h.DeleteBlacklistRule).Methods(http.MethodDelete)
	v1.HandleFunc("/rules/blacklist/{id}/activate", h.SetBlacklistRuleActive(true)).Methods(http.MethodPost)
	v1.HandleFunc("/rules/blacklist/{id}/deactivate", h.SetBlacklistRuleActive(false)).Methods(http.MethodPost)

	// Rate limit rules
	v1.HandleFunc("/rules/ratelimit", h.CreateRateLimitRule).Methods(http.MethodPost)
	v1.HandleFunc("/rules/ratelimit", h.ListRateLimitRules).Methods(http.MethodGet)
	v1.HandleFunc("/rules/ratelimit/{name}", h.GetRateLimitRule).Methods(http.MethodGet)
	v1.HandleFunc("/rules/ratelimit/{name}", h.DeleteRateLimitRule).Methods(http.MethodDelete)

	// Identity records
	v1.HandleFunc("/ips/{address}", h.GetIP).Methods(http.MethodGet)
	v1.HandleFunc("/ips/{address}/flags", h.SetIPFlags).Methods(http.MethodPut)
	v1.HandleFunc("/useragents/{hash}", h.GetUserAgent).Methods(http.MethodGet)

	// Audit history and alerts
	v1.HandleFunc("/audit", h.RecentAuditEntries).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", h.ListAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/ack", h.AcknowledgeAlert).Methods(http.MethodPost)

	v1.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	v1.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	// CORS preflight
	v1.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/", h.RootHandler).Methods(http.MethodGet)

	return router
}

// RootHandler describes the API surface.
func (h *RESTHandler) RootHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service":     "Sentinel Security Gateway",
		"version":     "1.0.0",
		"api_version": "v1",
		"endpoints": map[string]interface{}{
			"health": "/health or /api/v1/health",
			"stats":  "/api/v1/stats",
			"rules": map[string]string{
				"blacklist_list":   "GET /api/v1/rules/blacklist",
				"blacklist_create": "POST /api/v1/rules/blacklist",
				"blacklist_get":    "GET /api/v1/rules/blacklist/{id}",
				"blacklist_delete": "DELETE /api/v1/rules/blacklist/{id}",
				"ratelimit_list":   "GET /api/v1/rules/ratelimit",
				"ratelimit_create": "POST /api/v1/rules/ratelimit",
			},
			"identities": map[string]string{
				"ip_get":        "GET /api/v1/ips/{address}",
				"ip_flags":      "PUT /api/v1/ips/{address}/flags",
				"useragent_get": "GET /api/v1/useragents/{hash}",
			},
			"audit": map[string]string{
				"entries":   "GET /api/v1/audit?limit={n}",
				"alerts":    "GET /api/v1/alerts?limit={n}",
				"alert_ack": "POST /api/v1/alerts/{id}/ack",
			},
		},
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// CORS middleware
func (h *RESTHandler) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

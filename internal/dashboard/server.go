// Package dashboard serves the live operator view: a websocket stream of
// alerts plus a metrics snapshot endpoint.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sentinel/internal/audit"
	"sentinel/internal/config"
	"sentinel/internal/logging"
)

// Server pushes alerts to connected websocket clients as they are raised and
// answers metrics snapshot requests.
type Server struct {
	config    config.DashboardConfig
	sink      *audit.Sink
	store     *audit.Store
	logger    *logging.Logger
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex
}

func NewServer(cfg config.DashboardConfig, sink *audit.Sink, store *audit.Store, logger *logging.Logger) *Server {
	return &Server{
		config: cfg,
		sink:   sink,
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // operator surface, firewalled separately
			},
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// Start runs the dashboard server until ctx is done.
func (s *Server) Start(ctx context.Context) {
	go s.broadcastLoop(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/", s.handleIndex)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		s.logger.Info("Dashboard server listening", "address", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Dashboard server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}

func (s *Server) broadcastLoop(ctx context.Context) {
	alerts := s.sink.Alerts()
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-alerts:
			if !ok {
				return
			}
			s.broadcast(alert)
		}
	}
}

func (s *Server) broadcast(alert audit.Alert) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		if err := client.WriteJSON(alert); err != nil {
			s.logger.Debug("Dropping websocket client", "error", err)
			client.Close()
			go s.removeClient(client)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	s.logger.Debug("WebSocket client connected", "remote", r.RemoteAddr)

	for {
		if _, _, err := conn.NextReader(); err != nil {
			s.removeClient(conn)
			break
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, conn)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"audit":     s.sink.Stats(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListAlerts(50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Sentinel Security Dashboard</title>
    <style>
        body {
            font-family: Arial, sans-serif;
            margin: 0;
            padding: 20px;
            background: #1a1a1a;
            color: #fff;
        }
        .container {
            max-width: 1400px;
            margin: 0 auto;
        }
        h1 {
            color: #4CAF50;
        }
        .metrics-grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(250px, 1fr));
            gap: 20px;
            margin: 20px 0;
        }
        .metric-card {
            background: #2a2a2a;
            padding: 20px;
            border-radius: 8px;
            border-left: 4px solid #4CAF50;
        }
        .metric-value {
            font-size: 2em;
            font-weight: bold;
            color: #4CAF50;
        }
        .metric-label {
            color: #999;
            font-size: 0.9em;
        }
        .alert {
            padding: 15px;
            margin: 10px 0;
            border-radius: 8px;
        }
        .alert-warning { background: #ff9800; }
        .alert-error { background: #ff5722; }
        .alert-critical { background: #d32f2f; }
        .alert-info { background: #2a2a2a; }
        .status {
            color: #4CAF50;
            font-size: 0.9em;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>Sentinel Security Dashboard</h1>
        <div class="status" id="status">Connecting to server...</div>

        <div class="metrics-grid" id="metrics">
            <div class="metric-card">
                <div class="metric-label">Entries Processed</div>
                <div class="metric-value" id="processed">0</div>
            </div>
            <div class="metric-card">
                <div class="metric-label">Alerts Raised</div>
                <div class="metric-value" id="alerts-raised">0</div>
            </div>
            <div class="metric-card">
                <div class="metric-label">Queue Depth</div>
                <div class="metric-value" id="queue-depth">0</div>
            </div>
            <div class="metric-card">
                <div class="metric-label">Dropped Jobs</div>
                <div class="metric-value" id="dropped">0</div>
            </div>
        </div>

        <h2>Live Alerts</h2>
        <div id="alerts"></div>
    </div>

    <script>
        const ws = new WebSocket('ws://' + window.location.host + '/ws');
        const statusEl = document.getElementById('status');
        const alertsEl = document.getElementById('alerts');

        ws.onopen = () => {
            statusEl.textContent = 'Connected';
        };

        ws.onclose = () => {
            statusEl.textContent = 'Disconnected';
        };

        ws.onmessage = (event) => {
            const alert = JSON.parse(event.data);
            const div = document.createElement('div');
            div.className = 'alert alert-' + alert.severity;
            div.innerHTML = '<strong>' + alert.type.toUpperCase() + '</strong> - ' +
                alert.title + '<br>' + alert.description +
                (alert.ip ? '<br>IP: ' + alert.ip : '');
            alertsEl.insertBefore(div, alertsEl.firstChild);

            while (alertsEl.children.length > 20) {
                alertsEl.removeChild(alertsEl.lastChild);
            }
        };

        async function refreshMetrics() {
            try {
                const res = await fetch('/api/metrics');
                const data = await res.json();
                document.getElementById('processed').textContent = data.audit.processed;
                document.getElementById('alerts-raised').textContent = data.audit.alerts_raised;
                document.getElementById('queue-depth').textContent = data.audit.queue_depth;
                document.getElementById('dropped').textContent = data.audit.dropped_jobs;
            } catch (e) {
                // server going away; the websocket status reflects it
            }
        }
        refreshMetrics();
        setInterval(refreshMetrics, 5000);
    </script>
</body>
</html>`

	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}

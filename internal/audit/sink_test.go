package audit

import (
	"fmt"
	"testing"
	"time"

	"sentinel/internal/logging"
	"sentinel/internal/storage"
)

func setupTestSink(t *testing.T, cfg SinkConfig) (*Sink, *Store) {
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

	store := NewStore(engine)
	sink := NewSink(store, logger, cfg)
	t.Cleanup(sink.Close)

	return sink, store
}

func TestSink_SubmitWritesEverything(t *testing.T) {
	sink, store := setupTestSink(t, SinkConfig{})
	now := time.Now().UTC()

	sink.Submit(&Entry{
		Timestamp: now,
		Method:    "GET",
		Path:      "/api/v1/posts",
		IP:        "198.51.100.1",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0 Safari/537.36",
		RiskScore: 0,
		RiskLevel: "low",
	})
	sink.Close()

	rec, err := store.GetIP("198.51.100.1")
	if err != nil {
		t.Fatalf("GetIP() error = %v", err)
	}
	if rec.TotalRequests != 1 || rec.SuspiciousRequests != 0 {
		t.Errorf("ip record = %+v", rec)
	}

	entries, err := store.RecentEntries(10)
	if err != nil {
		t.Fatalf("RecentEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("RecentEntries() returned %d entries, want 1", len(entries))
	}
	if entries[0].UserAgentHash == "" {
		t.Error("audit entry missing user agent hash")
	}

	ua, err := store.GetUserAgent(entries[0].UserAgentHash)
	if err != nil {
		t.Fatalf("GetUserAgent() error = %v", err)
	}
	if ua.RequestCount != 1 {
		t.Errorf("user agent record = %+v", ua)
	}

	if stats := sink.Stats(); stats.Processed != 1 || stats.DroppedJobs != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestSink_SuspiciousActivityAlert(t *testing.T) {
	sink, store := setupTestSink(t, SinkConfig{AlertThreshold: 60, HighSeverityAt: 80})
	now := time.Now().UTC()

	tests := []struct {
		name         string
		entry        Entry
		wantAlert    bool
		wantSeverity Severity
	}{
		{
			name:  "below threshold",
			entry: Entry{Timestamp: now, IP: "198.51.100.1", Path: "/a", Suspicious: true, RiskScore: 59},
		},
		{
			name:         "at threshold",
			entry:        Entry{Timestamp: now, IP: "198.51.100.2", Path: "/b", Suspicious: true, RiskScore: 60},
			wantAlert:    true,
			wantSeverity: SeverityWarning,
		},
		{
			name:         "high severity",
			entry:        Entry{Timestamp: now, IP: "198.51.100.3", Path: "/c", Suspicious: true, RiskScore: 85},
			wantAlert:    true,
			wantSeverity: SeverityError,
		},
		{
			name:  "blocked entries do not double alert",
			entry: Entry{Timestamp: now, IP: "198.51.100.4", Path: "/d", Suspicious: true, Blocked: true, RiskScore: 90},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, _ := store.ListAlerts(0)
			base := sink.Stats().Processed

			sink.Submit(&tt.entry)
			waitForProcessed(t, sink, base+1)

			after, err := store.ListAlerts(0)
			if err != nil {
				t.Fatalf("ListAlerts() error = %v", err)
			}

			if !tt.wantAlert {
				if len(after) != len(before) {
					t.Errorf("unexpected alert raised: %+v", after[0])
				}
				return
			}

			if len(after) != len(before)+1 {
				t.Fatalf("alert count = %d, want %d", len(after), len(before)+1)
			}
			newest := after[0]
			if newest.Type != AlertSuspiciousActivity {
				t.Errorf("alert type = %q, want suspicious_activity", newest.Type)
			}
			if newest.Severity != tt.wantSeverity {
				t.Errorf("alert severity = %q, want %q", newest.Severity, tt.wantSeverity)
			}
		})
	}
}

func waitForProcessed(t *testing.T, sink *Sink, target int64) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.Stats().Processed >= target {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink did not process %d jobs in time", target)
}

func TestSink_RaiseAlertFansOut(t *testing.T) {
	sink, store := setupTestSink(t, SinkConfig{})
	now := time.Now().UTC()

	sink.RaiseAlert(&Alert{
		Type:        AlertRateLimit,
		Severity:    SeverityWarning,
		Title:       "Rate limit exceeded for ip:198.51.100.1",
		Description: "Rule: api",
		IP:          "198.51.100.1",
		CreatedAt:   now,
	})

	select {
	case alert := <-sink.Alerts():
		if alert.Type != AlertRateLimit {
			t.Errorf("fanned-out alert type = %q", alert.Type)
		}
		if alert.ID == "" {
			t.Error("fanned-out alert has no ID")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert fanned out")
	}

	alerts, err := store.ListAlerts(0)
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("persisted alerts = %d, want 1", len(alerts))
	}
}

func TestSink_DropsOldestWhenSaturated(t *testing.T) {
	sink, _ := setupTestSink(t, SinkConfig{QueueSize: 4})
	now := time.Now().UTC()

	// Flood well past the queue size. Some jobs will be dropped, but Submit
	// must never block the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			sink.Submit(&Entry{
				Timestamp: now,
				Path:      fmt.Sprintf("/api/v1/posts/%d", i),
				IP:        "198.51.100.1",
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Submit blocked under saturation")
	}

	sink.Close()

	stats := sink.Stats()
	if stats.Processed+stats.DroppedJobs < 500 {
		t.Errorf("processed %d + dropped %d, want >= 500", stats.Processed, stats.DroppedJobs)
	}
}

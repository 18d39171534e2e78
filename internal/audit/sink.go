package audit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/internal/logging"
)

// SinkConfig tunes the asynchronous audit writer.
type SinkConfig struct {
	QueueSize      int
	AlertThreshold int // suspicious_activity alert at or above this score
	HighSeverityAt int // alert severity escalates to error at or above
}

// Sink decouples audit persistence from request latency. Work is queued and
// applied by a single worker, which preserves per-request ordering (a block
// decision is enqueued before its audit write can be). When the queue is
// full the oldest pending job is dropped rather than stalling a request.
// Persistence failures are logged and never surface to the request path.
type Sink struct {
	store  *Store
	logger *logging.Logger
	config SinkConfig

	queue     chan func()
	alertCh   chan Alert
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	processed    int64
	droppedJobs  int64
	alertsRaised int64
}

func NewSink(store *Store, logger *logging.Logger, config SinkConfig) *Sink {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.AlertThreshold <= 0 {
		config.AlertThreshold = 60
	}
	if config.HighSeverityAt <= 0 {
		config.HighSeverityAt = 80
	}

	s := &Sink{
		store:   store,
		logger:  logger,
		config:  config,
		queue:   make(chan func(), config.QueueSize),
		alertCh: make(chan Alert, 64),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.worker()

	return s
}

// Submit queues the full audit write for one inspected request: identity
// record updates, the audit entry itself, and the suspicious-activity alert
// when the score crosses the threshold on an allowed request.
func (s *Sink) Submit(e *Entry) {
	entry := *e
	s.enqueue(func() {
		s.apply(&entry)
	})
}

// RaiseAlert queues alert creation and fans the alert out to subscribers.
func (s *Sink) RaiseAlert(a *Alert) {
	alert := *a
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	s.enqueue(func() {
		s.persistAlert(&alert)
	})
}

// Alerts exposes the stream of raised alerts. A slow consumer misses alerts
// rather than stalling the worker.
func (s *Sink) Alerts() <-chan Alert {
	return s.alertCh
}

type SinkStats struct {
	Processed    int64 `json:"processed"`
	DroppedJobs  int64 `json:"dropped_jobs"`
	AlertsRaised int64 `json:"alerts_raised"`
	QueueDepth   int   `json:"queue_depth"`
}

func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Processed:    atomic.LoadInt64(&s.processed),
		DroppedJobs:  atomic.LoadInt64(&s.droppedJobs),
		AlertsRaised: atomic.LoadInt64(&s.alertsRaised),
		QueueDepth:   len(s.queue),
	}
}

// Close drains pending work and stops the worker.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Sink) enqueue(job func()) {
	for {
		select {
		case s.queue <- job:
			return
		default:
		}
		// Queue full: drop the oldest pending job to make room.
		select {
		case <-s.queue:
			atomic.AddInt64(&s.droppedJobs, 1)
		default:
		}
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.queue:
			job()
			atomic.AddInt64(&s.processed, 1)
		case <-s.done:
			for {
				select {
				case job := <-s.queue:
					job()
					atomic.AddInt64(&s.processed, 1)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) apply(e *Entry) {
	now := e.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
		e.Timestamp = now
	}

	if _, err := s.store.TouchIP(e.IP, e.Suspicious, e.Blocked, now); err != nil {
		s.logger.WithError(err).Error("Failed to update ip record", "ip", e.IP)
	}

	if rec, err := s.store.TouchUserAgent(e.UserAgent, now); err != nil {
		s.logger.WithError(err).Error("Failed to update user agent record")
	} else {
		e.UserAgentHash = rec.Hash
	}

	if err := s.store.AppendEntry(e); err != nil {
		s.logger.WithError(err).Error("Failed to write audit entry", "ip", e.IP, "path", e.Path)
	}

	if !e.Blocked && e.RiskScore >= s.config.AlertThreshold {
		severity := SeverityWarning
		if e.RiskScore >= s.config.HighSeverityAt {
			severity = SeverityError
		}
		s.persistAlert(&Alert{
			Type:        AlertSuspiciousActivity,
			Severity:    severity,
			Title:       fmt.Sprintf("Suspicious activity detected (Score: %d)", e.RiskScore),
			Description: fmt.Sprintf("Path: %s, IP: %s", e.Path, e.IP),
			IP:          e.IP,
			CreatedAt:   now,
		})
	}
}

func (s *Sink) persistAlert(a *Alert) {
	if err := s.store.CreateAlert(a); err != nil {
		s.logger.WithError(err).Error("Failed to create alert", "type", string(a.Type))
		return
	}
	atomic.AddInt64(&s.alertsRaised, 1)

	select {
	case s.alertCh <- *a:
	default:
	}
}

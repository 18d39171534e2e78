package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"sentinel/internal/storage"
	"sentinel/internal/useragent"
)

const (
	ipKeyPrefix    = "ip:"
	uaKeyPrefix    = "ua:"
	entryKeyPrefix = "audit:"
	alertKeyPrefix = "alert:"
)

// Store persists identity records, audit entries and alerts. Counter updates
// go through the engine's transactional Update so concurrent increments on
// the same natural key serialize instead of losing writes.
type Store struct {
	engine storage.Engine
	seq    uint64 // tie-breaker for entry keys created in the same nanosecond
}

func NewStore(engine storage.Engine) *Store {
	return &Store{engine: engine}
}

// TouchIP applies one observation to the address record, creating it on
// first sight. Reputation is recomputed whenever the observation was
// suspicious, and also on creation so new records carry a valid score.
func (s *Store) TouchIP(address string, suspicious, blocked bool, now time.Time) (*IPRecord, error) {
	key := []byte(ipKeyPrefix + address)
	var result IPRecord

	err := s.engine.Update(key, func(current []byte) ([]byte, error) {
		var rec IPRecord
		if current == nil {
			rec = IPRecord{
				Address:         address,
				ReputationScore: 50,
				FirstSeen:       now,
			}
		} else if err := json.Unmarshal(current, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode ip record: %w", err)
		}

		rec.TotalRequests++
		if suspicious {
			rec.SuspiciousRequests++
		}
		if blocked {
			rec.BlockedRequests++
		}
		rec.LastSeen = now

		if suspicious || blocked {
			rec.UpdateReputation()
		}

		result = rec
		return json.Marshal(&rec)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Store) GetIP(address string) (*IPRecord, error) {
	data, err := s.engine.Get([]byte(ipKeyPrefix + address))
	if err != nil {
		return nil, err
	}
	var rec IPRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode ip record: %w", err)
	}
	return &rec, nil
}

// SetIPFlags sets the whitelist/blacklist overrides and recomputes the
// reputation under them.
func (s *Store) SetIPFlags(address string, blacklisted, whitelisted bool, now time.Time) (*IPRecord, error) {
	key := []byte(ipKeyPrefix + address)
	var result IPRecord

	err := s.engine.Update(key, func(current []byte) ([]byte, error) {
		var rec IPRecord
		if current == nil {
			rec = IPRecord{
				Address:         address,
				ReputationScore: 50,
				FirstSeen:       now,
				LastSeen:        now,
			}
		} else if err := json.Unmarshal(current, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode ip record: %w", err)
		}

		rec.Blacklisted = blacklisted
		rec.Whitelisted = whitelisted
		rec.UpdateReputation()

		result = rec
		return json.Marshal(&rec)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// TouchUserAgent applies one observation to the agent record keyed by the
// content hash, creating and parsing it on first sight.
func (s *Store) TouchUserAgent(raw string, now time.Time) (*UserAgentRecord, error) {
	hash := useragent.Hash(raw)
	key := []byte(uaKeyPrefix + hash)
	var result UserAgentRecord

	err := s.engine.Update(key, func(current []byte) ([]byte, error) {
		var rec UserAgentRecord
		if current == nil {
			rec = UserAgentRecord{
				Hash:      hash,
				UserAgent: raw,
				Profile:   useragent.Parse(raw),
				FirstSeen: now,
			}
		} else if err := json.Unmarshal(current, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode user agent record: %w", err)
		}

		rec.RequestCount++
		rec.LastSeen = now

		result = rec
		return json.Marshal(&rec)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Store) GetUserAgent(hash string) (*UserAgentRecord, error) {
	data, err := s.engine.Get([]byte(uaKeyPrefix + hash))
	if err != nil {
		return nil, err
	}
	var rec UserAgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode user agent record: %w", err)
	}
	return &rec, nil
}

// AppendEntry persists one audit entry. Keys sort by timestamp; a process-
// local sequence breaks ties within a nanosecond.
func (s *Store) AppendEntry(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	seq := atomic.AddUint64(&s.seq, 1)
	key := fmt.Sprintf("%s%020d:%08d", entryKeyPrefix, e.Timestamp.UnixNano(), seq)
	return s.engine.Put([]byte(key), data)
}

// RecentEntries returns up to limit entries, newest first.
func (s *Store) RecentEntries(limit int) ([]Entry, error) {
	raw, err := s.engine.List([]byte(entryKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		var e Entry
		if err := json.Unmarshal(raw[key], &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) CreateAlert(a *Alert) error {
	if a.ID == "" {
		seq := atomic.AddUint64(&s.seq, 1)
		a.ID = fmt.Sprintf("%020d-%08d", a.CreatedAt.UnixNano(), seq)
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	return s.engine.Put([]byte(alertKeyPrefix+a.ID), data)
}

func (s *Store) ListAlerts(limit int) ([]Alert, error) {
	raw, err := s.engine.List([]byte(alertKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	alerts := make([]Alert, 0, len(raw))
	for _, data := range raw {
		var a Alert
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}

	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging twice is a
// no-op that preserves the original acknowledgement.
func (s *Store) AcknowledgeAlert(id, by string, now time.Time) (*Alert, error) {
	key := []byte(alertKeyPrefix + id)
	var result Alert

	err := s.engine.Update(key, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, storage.ErrNotFound
		}
		var a Alert
		if err := json.Unmarshal(current, &a); err != nil {
			return nil, fmt.Errorf("failed to decode alert: %w", err)
		}

		if !a.Acknowledged {
			a.Acknowledged = true
			a.AcknowledgedBy = by
			a.AcknowledgedAt = &now
		}

		result = a
		return json.Marshal(&a)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

package audit

import "testing"

func TestIPRecord_UpdateReputation(t *testing.T) {
	tests := []struct {
		name string
		rec  IPRecord
		want int
	}{
		{"fresh record", IPRecord{TotalRequests: 0}, 50},
		{"clean history", IPRecord{TotalRequests: 100}, 50},
		{"low suspicious ratio", IPRecord{TotalRequests: 100, SuspiciousRequests: 5}, 50},
		{"ratio above ten percent", IPRecord{TotalRequests: 100, SuspiciousRequests: 15}, 45},
		{"ratio above quarter", IPRecord{TotalRequests: 100, SuspiciousRequests: 30}, 35},
		{"ratio above half", IPRecord{TotalRequests: 100, SuspiciousRequests: 60}, 20},
		{"high volume", IPRecord{TotalRequests: 2000}, 40},
		{"very high volume", IPRecord{TotalRequests: 20000}, 30},
		{"worst case clamps at zero", IPRecord{TotalRequests: 20000, SuspiciousRequests: 15000}, 0},
		{"whitelist overrides history", IPRecord{TotalRequests: 100, SuspiciousRequests: 90, Whitelisted: true}, 100},
		{"blacklist overrides history", IPRecord{TotalRequests: 100, Blacklisted: true}, 0},
		{"blacklist beats whitelist", IPRecord{Whitelisted: true, Blacklisted: true}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rec.UpdateReputation()
			if tt.rec.ReputationScore != tt.want {
				t.Errorf("ReputationScore = %d, want %d", tt.rec.ReputationScore, tt.want)
			}
		})
	}
}

func TestIPRecord_UpdateReputationIdempotent(t *testing.T) {
	rec := IPRecord{TotalRequests: 100, SuspiciousRequests: 30, BlockedRequests: 10}

	rec.UpdateReputation()
	first := rec.ReputationScore

	for i := 0; i < 5; i++ {
		rec.UpdateReputation()
		if rec.ReputationScore != first {
			t.Fatalf("UpdateReputation() drifted: %d -> %d", first, rec.ReputationScore)
		}
	}
}

package analyzer

import (
	"strings"
	"testing"
)

func TestAnalyze_Scores(t *testing.T) {
	tests := []struct {
		name          string
		req           Request
		wantScore     int
		wantLevel     string
		wantIndicator string
	}{
		{
			name: "clean api request",
			req: Request{
				Method:    "GET",
				Path:      "/api/v1/posts",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:      "example.com",
			},
			wantScore: 0,
			wantLevel: "low",
		},
		{
			name: "root path",
			req: Request{
				Method:    "GET",
				Path:      "/",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:      "example.com",
			},
			wantScore: 0,
			wantLevel: "low",
		},
		{
			name: "legitimate bot on root",
			req: Request{
				Method:    "GET",
				Path:      "/",
				UserAgent: "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
				Host:      "example.com",
			},
			wantScore: 0,
			wantLevel: "low",
		},
		{
			name: "cms admin probe",
			req: Request{
				Method:    "GET",
				Path:      "/wp-admin/setup.php",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:      "example.com",
			},
			wantScore:     35, // suspicious path 25, unknown path 10
			wantLevel:     "medium",
			wantIndicator: "Path not in legitimate paths",
		},
		{
			name: "empty user agent",
			req: Request{
				Method:    "GET",
				Path:      "/api/v1/posts",
				UserAgent: "",
				Host:      "example.com",
			},
			wantScore:     15,
			wantLevel:     "low",
			wantIndicator: "Empty or missing user agent",
		},
		{
			name: "attack tool user agent",
			req: Request{
				Method:    "GET",
				Path:      "/api/v1/posts",
				UserAgent: "sqlmap/1.7.2#stable (http://sqlmap.org)",
				Host:      "example.com",
			},
			wantScore: 30,
			wantLevel: "medium",
		},
		{
			name: "path traversal",
			req: Request{
				Method:    "GET",
				Path:      "/../../etc/passwd",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:      "example.com",
			},
			wantScore:     40, // unknown path 10, traversal 30
			wantLevel:     "high",
			wantIndicator: "Path traversal attempt",
		},
		{
			name: "url encoding evasion",
			req: Request{
				Method:    "GET",
				Path:      "/%2e%2e/secret",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:      "example.com",
			},
			wantScore:     30, // unknown path 10, encoding evasion 20
			wantLevel:     "medium",
			wantIndicator: "URL encoding evasion attempt",
		},
		{
			name: "sql injection in path",
			req: Request{
				Method:    "GET",
				Path:      "/products/union all select password",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:      "example.com",
			},
			wantScore: 45, // unknown path 10, sql pattern 35
			wantLevel: "high",
		},
		{
			name: "sql injection in query",
			req: Request{
				Method:    "GET",
				Path:      "/api/v1/search",
				Query:     "q=1+union+select+password",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:      "example.com",
			},
			wantScore: 25,
			wantLevel: "medium",
		},
		{
			name: "xss in query",
			req: Request{
				Method:    "GET",
				Path:      "/api/v1/search",
				Query:     "q=<script>alert(1)</script>",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:      "example.com",
			},
			wantScore: 50, // <script 25, script.*alert 25
			wantLevel: "high",
		},
		{
			name: "base64 encoded payload",
			req: Request{
				Method:    "GET",
				Path:      "/api/v1/search",
				Query:     "mode=base64&data=PHNjcmlwdD5hbGVydCgxKTwvc2NyaXB0Pg==",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:      "example.com",
			},
			wantScore:     20,
			wantLevel:     "medium",
			wantIndicator: "Suspicious base64 encoded content",
		},
		{
			name: "excessively long query",
			req: Request{
				Method:    "GET",
				Path:      "/api/v1/search",
				Query:     "q=" + strings.Repeat("a", 2100),
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:      "example.com",
			},
			wantScore:     15,
			wantLevel:     "low",
			wantIndicator: "Excessively long query string",
		},
		{
			name: "unusual method",
			req: Request{
				Method:    "TRACE",
				Path:      "/api/v1/posts",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:      "example.com",
			},
			wantScore:     10,
			wantLevel:     "low",
			wantIndicator: "Unusual HTTP method: TRACE",
		},
		{
			name: "form content type on post",
			req: Request{
				Method:      "POST",
				Path:        "/api/v1/contact/",
				ContentType: "application/x-www-form-urlencoded",
				UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:        "example.com",
			},
			wantScore: 5,
			wantLevel: "low",
		},
		{
			name: "shortener referer",
			req: Request{
				Method:    "GET",
				Path:      "/api/v1/posts",
				Referer:   "http://bit.ly/xyz",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Host:      "example.com",
			},
			wantScore: 10,
			wantLevel: "low",
		},
		{
			name: "missing host header",
			req: Request{
				Method:    "GET",
				Path:      "/api/v1/posts",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			},
			wantScore:     15,
			wantLevel:     "low",
			wantIndicator: "Missing Host header",
		},
		{
			name: "score capped at 100",
			req: Request{
				Method:    "GET",
				Path:      "/wp-admin/.env",
				UserAgent: "sqlmap",
			},
			wantScore: 100, // raw sum exceeds the cap
			wantLevel: "critical",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Analyze(&tt.req)

			if got.Score != tt.wantScore {
				t.Errorf("Analyze() score = %d, want %d (indicators: %v)", got.Score, tt.wantScore, got.Indicators)
			}
			if level := RiskLevel(got.Score); level != tt.wantLevel {
				t.Errorf("RiskLevel(%d) = %q, want %q", got.Score, level, tt.wantLevel)
			}
			if got.Suspicious != (tt.wantScore > 0) {
				t.Errorf("Analyze() suspicious = %v with score %d", got.Suspicious, got.Score)
			}
			if tt.wantIndicator != "" && !hasIndicator(got.Indicators, tt.wantIndicator) {
				t.Errorf("Analyze() indicators = %v, want one containing %q", got.Indicators, tt.wantIndicator)
			}
		})
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	req := Request{
		Method:    "GET",
		Path:      "/wp-admin/../config.php",
		Query:     "id=1+union+select+2",
		UserAgent: "python-requests/2.31",
		Host:      "example.com",
	}

	first := Analyze(&req)
	for i := 0; i < 10; i++ {
		got := Analyze(&req)
		if got.Score != first.Score || len(got.Indicators) != len(first.Indicators) {
			t.Fatalf("Analyze() not deterministic: run %d got score %d, want %d", i, got.Score, first.Score)
		}
	}
}

func TestRiskLevel_Bands(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{0, "low"},
		{19, "low"},
		{20, "medium"},
		{39, "medium"},
		{40, "high"},
		{69, "high"},
		{70, "critical"},
		{100, "critical"},
	}

	for _, tt := range tests {
		if got := RiskLevel(tt.score); got != tt.want {
			t.Errorf("RiskLevel(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func hasIndicator(indicators []string, want string) bool {
	for _, ind := range indicators {
		if strings.Contains(ind, want) {
			return true
		}
	}
	return false
}

// Package analyzer scores HTTP request metadata for threat likelihood. All
// detection is static pattern matching over the request descriptor; there is
// no I/O and no learned state, so a given input always produces the same
// score and indicators.
package analyzer

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// Request is the normalized request metadata the analyzer inspects.
type Request struct {
	Method      string
	Path        string
	Query       string
	UserAgent   string
	Referer     string
	Host        string
	ContentType string
}

// Result is the outcome of a threat analysis. Suspicious is true iff at
// least one sub-analysis contributed an indicator.
type Result struct {
	Suspicious bool
	Score      int
	Indicators []string
}

// Paths probed by scanners and bots: AI API endpoints, env/config files,
// CMS admin panels, web shells.
var suspiciousPaths = compileAll([]string{
	`/v1/models`,
	`/api/v1/models`,
	`/models`,
	`/openai`,
	`/gpt`,
	`/claude`,
	`/anthropic`,
	`/\.env`,
	`/\.git`,
	`/wp-admin`,
	`/wp-login\.php`,
	`/phpmyadmin`,
	`/adminer`,
	`/xmlrpc\.php`,
	`/config\.php`,
	`/backup`,
	`/uploads`,
	`/shell`,
	`/cmd`,
	`/eval`,
	`/api/graphql`,
	`/graphql`,
	`/\.well-known`,
	`/robots\.txt`,
	`/sitemap\.xml`,
	`/favicon\.ico`,
})

// Prefixes the application actually serves.
var legitimatePaths = compileAll([]string{
	`^/api/v1/`,
	`^/admin/`,
	`^/static/`,
	`^/media/`,
	`^/$`,
	`^/favicon\.ico$`,
	`^/robots\.txt$`,
	`^/sitemap\.xml$`,
})

var legitimateBots = compileAll([]string{
	`googlebot`,
	`bingbot`,
	`slurp`,
	`duckduckbot`,
	`baiduspider`,
	`yandexbot`,
	`facebookexternalhit`,
	`twitterbot`,
	`linkedinbot`,
	`whatsapp`,
	`telegrambot`,
})

var suspiciousUserAgents = compileAll([]string{
	`sqlmap`,
	`nikto`,
	`nmap`,
	`masscan`,
	`zap`,
	`burp`,
	`acunetix`,
	`nessus`,
	`openvas`,
	`w3af`,
	`skipfish`,
	`dirb`,
	`dirbuster`,
	`gobuster`,
	`ffuf`,
	`wfuzz`,
	`hydra`,
	`medusa`,
	`john`,
	`hashcat`,
	`metasploit`,
	`exploit`,
	`payload`,
	`shell`,
	`backdoor`,
	`webshell`,
	`<script`,
	`javascript:`,
	`eval\(`,
	`base64`,
	`wget`,
	`curl.*-o`,
	`python.*requests`,
	`bot.*scan`,
	`scan.*bot`,
})

var scriptClientPatterns = compileAll([]string{
	`python`,
	`perl`,
	`ruby`,
	`java`,
	`go-http`,
	`libwww`,
})

var sqlPathPatterns = compileAll([]string{
	`union.*select`,
	`drop.*table`,
	`insert.*into`,
	`delete.*from`,
})

var queryInjectionPatterns = compileAll([]string{
	`union.*select`,
	`drop.*table`,
	`insert.*into`,
	`delete.*from`,
	`exec.*\(`,
	`script.*alert`,
	`javascript:`,
	`<script`,
	`onload=`,
	`onerror=`,
	`onclick=`,
})

var suspiciousRefererPatterns = compileAll([]string{
	`\.tk$`,
	`\.ml$`,
	`\.ga$`,
	`\.cf$`,
	`bit\.ly`,
	`tinyurl`,
	`goo\.gl`,
	`localhost`,
	`127\.0\.0\.1`,
})

func compileAll(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile("(?i)" + p)
	}
	return compiled
}

// Analyze runs every sub-analysis and sums their scores, capped at 100.
func Analyze(req *Request) Result {
	var indicators []string
	score := 0

	s, ind := analyzePath(req.Path)
	score += s
	indicators = append(indicators, ind...)

	s, ind = analyzeUserAgent(req.UserAgent)
	score += s
	indicators = append(indicators, ind...)

	s, ind = analyzeMethod(req.Method, req.ContentType)
	score += s
	indicators = append(indicators, ind...)

	s, ind = analyzeQuery(req.Query)
	score += s
	indicators = append(indicators, ind...)

	s, ind = analyzeHeaders(req.Referer, req.Host)
	score += s
	indicators = append(indicators, ind...)

	if score > 100 {
		score = 100
	}

	return Result{
		Suspicious: len(indicators) > 0,
		Score:      score,
		Indicators: indicators,
	}
}

func analyzePath(path string) (int, []string) {
	var indicators []string
	score := 0

	for _, re := range suspiciousPaths {
		if re.MatchString(path) {
			indicators = append(indicators, "Suspicious path pattern: "+trimFlags(re))
			score += 25
		}
	}

	legitimate := false
	for _, re := range legitimatePaths {
		if re.MatchString(path) {
			legitimate = true
			break
		}
	}
	if !legitimate && path != "/" {
		indicators = append(indicators, "Path not in legitimate paths")
		score += 10
	}

	if strings.Contains(path, "../") || strings.Contains(path, `..\`) {
		indicators = append(indicators, "Path traversal attempt")
		score += 30
	}

	if strings.Contains(path, "%") {
		lower := strings.ToLower(path)
		for _, encoded := range []string{"%2e", "%2f", "%5c"} {
			if strings.Contains(lower, encoded) {
				indicators = append(indicators, "URL encoding evasion attempt")
				score += 20
				break
			}
		}
	}

	for _, re := range sqlPathPatterns {
		if re.MatchString(path) {
			indicators = append(indicators, "SQL injection pattern in path: "+trimFlags(re))
			score += 35
		}
	}

	return score, indicators
}

func analyzeUserAgent(userAgent string) (int, []string) {
	switch strings.ToLower(userAgent) {
	case "", "unknown", "-":
		return 15, []string{"Empty or missing user agent"}
	}

	var indicators []string
	score := 0

	for _, re := range suspiciousUserAgents {
		if re.MatchString(userAgent) {
			indicators = append(indicators, "Suspicious user agent pattern: "+trimFlags(re))
			score += 30
		}
	}

	legitimateBot := false
	for _, re := range legitimateBots {
		if re.MatchString(userAgent) {
			legitimateBot = true
			break
		}
	}

	if len(userAgent) < 10 && !legitimateBot {
		indicators = append(indicators, "Unusually short user agent")
		score += 10
	}

	for _, re := range scriptClientPatterns {
		if re.MatchString(userAgent) && !legitimateBot {
			indicators = append(indicators, "Script-like user agent: "+trimFlags(re))
			score += 15
		}
	}

	return score, indicators
}

func analyzeMethod(method, contentType string) (int, []string) {
	var indicators []string
	score := 0

	switch method {
	case "TRACE", "CONNECT", "PATCH":
		indicators = append(indicators, "Unusual HTTP method: "+method)
		score += 10
	}

	if contentType != "" {
		lower := strings.ToLower(contentType)
		suspicious := strings.Contains(lower, "application/x-www-form-urlencoded") ||
			strings.Contains(lower, "text/xml") ||
			strings.Contains(lower, "application/xml")
		bodyMethod := method == "POST" || method == "PUT" || method == "PATCH"
		if suspicious && bodyMethod {
			indicators = append(indicators, "Potentially suspicious content type: "+contentType)
			score += 5
		}
	}

	return score, indicators
}

func analyzeQuery(query string) (int, []string) {
	if query == "" {
		return 0, nil
	}

	var indicators []string
	score := 0

	for _, re := range queryInjectionPatterns {
		if re.MatchString(query) {
			indicators = append(indicators, "Injection pattern in query: "+trimFlags(re))
			score += 25
		}
	}

	if len(query) > 2000 {
		indicators = append(indicators, "Excessively long query string")
		score += 15
	}

	if strings.Contains(strings.ToLower(query), "base64") || len(query) > 100 {
		if hasSuspiciousBase64(query) {
			indicators = append(indicators, "Suspicious base64 encoded content")
			score += 20
		}
	}

	return score, indicators
}

// hasSuspiciousBase64 looks for parameter values that decode from base64 to
// payload-like text.
func hasSuspiciousBase64(query string) bool {
	for _, part := range strings.Split(query, "&") {
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			continue
		}
		value := part[idx+1:]
		if len(value) <= 20 || !base64Alphabet(value) {
			continue
		}

		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(value)
			if err != nil {
				continue
			}
		}

		lower := strings.ToLower(string(decoded))
		if strings.Contains(lower, "script") || strings.Contains(lower, "eval") || strings.Contains(lower, "exec") {
			return true
		}
	}
	return false
}

func base64Alphabet(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '+', r == '/', r == '=':
		default:
			return false
		}
	}
	return true
}

func analyzeHeaders(referer, host string) (int, []string) {
	var indicators []string
	score := 0

	if referer != "" && referer != "None" {
		for _, re := range suspiciousRefererPatterns {
			if re.MatchString(referer) {
				indicators = append(indicators, "Suspicious referer pattern: "+trimFlags(re))
				score += 10
			}
		}
	}

	if host == "" {
		indicators = append(indicators, "Missing Host header")
		score += 15
	}

	return score, indicators
}

// RiskLevel maps a score to its band.
func RiskLevel(score int) string {
	switch {
	case score >= 70:
		return "critical"
	case score >= 40:
		return "high"
	case score >= 20:
		return "medium"
	default:
		return "low"
	}
}

func trimFlags(re *regexp.Regexp) string {
	return strings.TrimPrefix(re.String(), "(?i)")
}

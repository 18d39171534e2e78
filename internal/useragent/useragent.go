// Package useragent parses raw user-agent strings into structured attributes
// and derives the stable identity key used to deduplicate agents in storage.
package useragent

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Profile holds the parsed attributes of a user-agent string.
type Profile struct {
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browser_version,omitempty"`
	OS             string `json:"os,omitempty"`
	OSVersion      string `json:"os_version,omitempty"`
	DeviceType     string `json:"device_type"`
	IsBot          bool   `json:"is_bot"`
	IsMobile       bool   `json:"is_mobile"`
}

var botPatterns = []*regexp.Regexp{
	regexp.MustCompile(`bot`),
	regexp.MustCompile(`crawler`),
	regexp.MustCompile(`spider`),
	regexp.MustCompile(`scraper`),
	regexp.MustCompile(`fetcher`),
	regexp.MustCompile(`googlebot`),
	regexp.MustCompile(`bingbot`),
	regexp.MustCompile(`slurp`),
	regexp.MustCompile(`duckduckbot`),
	regexp.MustCompile(`facebookexternalhit`),
	regexp.MustCompile(`twitterbot`),
	regexp.MustCompile(`linkedinbot`),
}

var mobilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`mobile`),
	regexp.MustCompile(`android`),
	regexp.MustCompile(`iphone`),
	regexp.MustCompile(`ipad`),
	regexp.MustCompile(`tablet`),
}

type browserPattern struct {
	re   *regexp.Regexp
	name string
}

var browserPatterns = []browserPattern{
	{regexp.MustCompile(`chrome/(\d+)`), "Chrome"},
	{regexp.MustCompile(`firefox/(\d+)`), "Firefox"},
	{regexp.MustCompile(`safari/(\d+)`), "Safari"},
	{regexp.MustCompile(`edge/(\d+)`), "Edge"},
	{regexp.MustCompile(`opera/(\d+)`), "Opera"},
}

var osPatterns = []browserPattern{
	{regexp.MustCompile(`windows nt (\d+\.\d+)`), "Windows"},
	{regexp.MustCompile(`mac os x (\d+[._]\d+)`), "macOS"},
	{regexp.MustCompile(`linux`), "Linux"},
	{regexp.MustCompile(`android (\d+)`), "Android"},
	{regexp.MustCompile(`ios (\d+)`), "iOS"},
}

// Parse extracts structured attributes from a raw user-agent string.
// Parsing is deterministic: the same input always yields the same profile.
func Parse(raw string) Profile {
	if raw == "" {
		return Profile{DeviceType: "unknown"}
	}

	lower := strings.ToLower(raw)

	isBot := matchAny(botPatterns, lower)
	isMobile := matchAny(mobilePatterns, lower)

	var browser, browserVersion string
	for _, bp := range browserPatterns {
		if m := bp.re.FindStringSubmatch(lower); m != nil {
			browser = bp.name
			browserVersion = m[1]
			break
		}
	}

	var osName, osVersion string
	for _, op := range osPatterns {
		if m := op.re.FindStringSubmatch(lower); m != nil {
			osName = op.name
			if len(m) > 1 {
				osVersion = strings.ReplaceAll(m[1], "_", ".")
			}
			break
		}
	}

	deviceType := "unknown"
	switch {
	case isBot:
		deviceType = "bot"
	case strings.Contains(lower, "tablet") || strings.Contains(lower, "ipad"):
		deviceType = "tablet"
	case isMobile:
		deviceType = "mobile"
	case browser != "":
		deviceType = "desktop"
	}

	return Profile{
		Browser:        browser,
		BrowserVersion: browserVersion,
		OS:             osName,
		OSVersion:      osVersion,
		DeviceType:     deviceType,
		IsBot:          isBot,
		IsMobile:       isMobile,
	}
}

// Hash returns the stable identity key for a user-agent string. The empty
// string maps to the literal key "empty" so missing agents share one record.
func Hash(raw string) string {
	if raw == "" {
		return "empty"
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

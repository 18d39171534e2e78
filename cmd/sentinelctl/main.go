package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/logging"
	"sentinel/internal/rules"
	"sentinel/internal/storage"
)

var (
	address    = flag.String("addr", "http://localhost:8081", "Admin API base URL")
	timeout    = flag.Duration("timeout", 10*time.Second, "Request timeout")
	jsonOutput = flag.Bool("json", false, "Output raw JSON")
	dataPath   = flag.String("data", "./data/sentinel", "Storage path for offline commands")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "blacklist-list":
		handleGet("/api/v1/rules/blacklist")
	case "blacklist-add":
		handleBlacklistAdd(args[1:])
	case "blacklist-del":
		requireArgs(args[1:], 1, "blacklist-del <id>")
		handleDelete("/api/v1/rules/blacklist/" + args[1])
	case "ratelimit-list":
		handleGet("/api/v1/rules/ratelimit")
	case "ratelimit-add":
		handleRateLimitAdd(args[1:])
	case "ratelimit-del":
		requireArgs(args[1:], 1, "ratelimit-del <name>")
		handleDelete("/api/v1/rules/ratelimit/" + args[1])
	case "ip":
		requireArgs(args[1:], 1, "ip <address>")
		handleGet("/api/v1/ips/" + args[1])
	case "ip-flags":
		handleIPFlags(args[1:])
	case "alerts":
		handleGet("/api/v1/alerts" + limitQuery(args[1:]))
	case "ack":
		handleAck(args[1:])
	case "audit":
		handleGet("/api/v1/audit" + limitQuery(args[1:]))
	case "stats":
		handleGet("/api/v1/stats")
	case "health":
		handleGet("/health")
	case "seed":
		handleSeed()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handleBlacklistAdd(args []string) {
	requireArgs(args, 3, "blacklist-add <kind> <pattern> <reason> [ttl_hours]")

	body := map[string]interface{}{
		"kind":       args[0],
		"pattern":    args[1],
		"reason":     args[2],
		"created_by": "sentinelctl",
	}
	if len(args) > 3 {
		ttl, err := strconv.Atoi(args[3])
		if err != nil {
			log.Fatalf("Invalid ttl_hours: %v", err)
		}
		body["ttl_hours"] = ttl
	}

	handlePost("/api/v1/rules/blacklist", body)
}

func handleRateLimitAdd(args []string) {
	requireArgs(args, 5, "ratelimit-add <name> <path_pattern> <max_requests> <window_seconds> <block_seconds> [priority]")

	maxRequests, err := strconv.Atoi(args[2])
	if err != nil {
		log.Fatalf("Invalid max_requests: %v", err)
	}
	window, err := strconv.Atoi(args[3])
	if err != nil {
		log.Fatalf("Invalid window_seconds: %v", err)
	}
	block, err := strconv.Atoi(args[4])
	if err != nil {
		log.Fatalf("Invalid block_seconds: %v", err)
	}

	body := map[string]interface{}{
		"name":           args[0],
		"path_pattern":   args[1],
		"max_requests":   maxRequests,
		"time_window":    window,
		"block_duration": block,
		"created_by":     "sentinelctl",
	}
	if len(args) > 5 {
		priority, err := strconv.Atoi(args[5])
		if err != nil {
			log.Fatalf("Invalid priority: %v", err)
		}
		body["priority"] = priority
	}

	handlePost("/api/v1/rules/ratelimit", body)
}

func handleIPFlags(args []string) {
	requireArgs(args, 3, "ip-flags <address> <blacklisted:true|false> <whitelisted:true|false>")

	blacklisted, err := strconv.ParseBool(args[1])
	if err != nil {
		log.Fatalf("Invalid blacklisted flag: %v", err)
	}
	whitelisted, err := strconv.ParseBool(args[2])
	if err != nil {
		log.Fatalf("Invalid whitelisted flag: %v", err)
	}

	handlePut("/api/v1/ips/"+args[0]+"/flags", map[string]interface{}{
		"blacklisted": blacklisted,
		"whitelisted": whitelisted,
	})
}

func handleAck(args []string) {
	requireArgs(args, 2, "ack <alert_id> <acknowledged_by>")
	handlePost("/api/v1/alerts/"+args[0]+"/ack", map[string]interface{}{
		"acknowledged_by": args[1],
	})
}

// handleSeed writes the default rule set directly into the data directory.
// Offline command: run it before first start, or while the server is stopped.
func handleSeed() {
	engine, err := storage.NewEngine(storage.Config{
		DataPath:   *dataPath,
		GCInterval: time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to open storage at %s: %v", *dataPath, err)
	}
	defer engine.Close()

	logger := logging.NewLogger(&config.LoggingConfig{Level: "warn", Format: "text", Output: "stderr"})
	store := rules.NewStore(engine, logger, time.Minute)
	defer store.Close()

	if err := store.Seed(rules.DefaultRuleSet(), "sentinelctl"); err != nil {
		log.Fatalf("Failed to seed default rules: %v", err)
	}

	fmt.Println("Default rules seeded")
}

func handleGet(path string) {
	printResponse(doRequest(http.MethodGet, path, nil))
}

func handleDelete(path string) {
	resp := doRequest(http.MethodDelete, path, nil)
	if resp.StatusCode == http.StatusNoContent {
		fmt.Println("Deleted")
		resp.Body.Close()
		return
	}
	printResponse(resp)
}

func handlePost(path string, body interface{}) {
	printResponse(doRequest(http.MethodPost, path, body))
}

func handlePut(path string, body interface{}) {
	printResponse(doRequest(http.MethodPut, path, body))
}

func doRequest(method, path string, body interface{}) *http.Response {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("Failed to encode request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, *address+path, reader)
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	return resp
}

func printResponse(resp *http.Response) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}

	if *jsonOutput {
		fmt.Println(string(data))
		return
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(pretty.String())

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func limitQuery(args []string) string {
	if len(args) > 0 {
		if _, err := strconv.Atoi(args[0]); err == nil {
			return "?limit=" + args[0]
		}
	}
	return ""
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Printf("Usage: sentinelctl %s\n", usage)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`Sentinel Control Tool

Usage:
  sentinelctl [options] <command> [args]

Commands:
  blacklist-list                                        List blacklist rules
  blacklist-add <kind> <pattern> <reason> [ttl_hours]   Add a blacklist rule
  blacklist-del <id>                                    Delete a blacklist rule
  ratelimit-list                                        List rate limit rules
  ratelimit-add <name> <path> <max> <window> <block>    Add a rate limit rule
  ratelimit-del <name>                                  Delete a rate limit rule
  ip <address>                                          Show an address record
  ip-flags <address> <blacklisted> <whitelisted>        Set address overrides
  alerts [limit]                                        List recent alerts
  ack <alert_id> <by>                                   Acknowledge an alert
  audit [limit]                                         Show recent audit entries
  stats                                                 Show pipeline statistics
  health                                                Check admin API health
  seed                                                  Seed default rules (offline)

Options:
  -addr string      Admin API base URL (default "http://localhost:8081")
  -data string      Storage path for offline commands (default "./data/sentinel")
  -timeout duration Request timeout (default 10s)
  -json             Output raw JSON
`)
}

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"sentinel/internal/config"
	"sentinel/internal/server"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	srv, err := server.NewServer(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func printUsage() {
	fmt.Printf(`Sentinel Security Gateway

Usage:
  %s [options]

Options:
  -config string
        Path to configuration file (YAML)
  -h, --help
        Show this help message

Environment Variables:
  Configuration can be overridden using environment variables with the
  SENTINEL_ prefix, for example SENTINEL_SERVER_PORT=9000.

Examples:
  # Start with built-in defaults
  %s

  # Start with a config file
  %s -config /etc/sentinel/config.yaml

  # Start with a redis-backed rate limiter
  SENTINEL_RATELIMIT_STORE=redis SENTINEL_REDIS_ADDR=localhost:6379 %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

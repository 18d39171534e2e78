package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Admin      AdminConfig      `yaml:"admin" json:"admin"`
	Dashboard  DashboardConfig  `yaml:"dashboard" json:"dashboard"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Pipeline   PipelineConfig   `yaml:"pipeline" json:"pipeline"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Exemptions ExemptionsConfig `yaml:"exemptions" json:"exemptions"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxBodySize  int64         `yaml:"max_body_size" json:"max_body_size"`
}

// AdminConfig configures the rule-administration REST API. It listens on its
// own port so the protected application surface and the operator surface can
// be firewalled independently.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
}

type StorageConfig struct {
	DataPath   string        `yaml:"data_path" json:"data_path"`
	InMemory   bool          `yaml:"in_memory" json:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes" json:"sync_writes"`
	ValueLogGC bool          `yaml:"value_log_gc" json:"value_log_gc"`
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// PipelineConfig tunes the request inspection pipeline.
type PipelineConfig struct {
	HighRiskThreshold int           `yaml:"high_risk_threshold" json:"high_risk_threshold"` // block at or above
	AlertThreshold    int           `yaml:"alert_threshold" json:"alert_threshold"`         // alert at or above
	RuleCacheTTL      time.Duration `yaml:"rule_cache_ttl" json:"rule_cache_ttl"`
	RuleSeedFile      string        `yaml:"rule_seed_file" json:"rule_seed_file"`
	AuditQueueSize    int           `yaml:"audit_queue_size" json:"audit_queue_size"`
	AuditRetention    int           `yaml:"audit_retention" json:"audit_retention"` // max entries returned per query
}

type RateLimitConfig struct {
	Store             string        `yaml:"store" json:"store"` // memory or redis
	DefaultRetryAfter time.Duration `yaml:"default_retry_after" json:"default_retry_after"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time" json:"max_idle_time"`
	Redis             RedisConfig   `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr" json:"addr"`
	Password  string        `yaml:"password" json:"password"`
	Database  int           `yaml:"database" json:"database"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// ExemptionsConfig lists callers that bypass rate limiting (and the admin-path
// blacklist check). Exemptions are explicit: an empty list with RelaxedMode
// off means no caller is exempt, in production or otherwise.
type ExemptionsConfig struct {
	TrustedRanges []string `yaml:"trusted_ranges" json:"trusted_ranges"`
	RelaxedMode   bool     `yaml:"relaxed_mode" json:"relaxed_mode"`
}

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxBodySize:  1024 * 1024, // 1MB
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    8081,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    8082,
		},
		Storage: StorageConfig{
			DataPath:   "./data/sentinel",
			InMemory:   false,
			SyncWrites: false,
			ValueLogGC: true,
			GCInterval: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Pipeline: PipelineConfig{
			HighRiskThreshold: 80,
			AlertThreshold:    60,
			RuleCacheTTL:      30 * time.Second,
			RuleSeedFile:      "",
			AuditQueueSize:    1024,
			AuditRetention:    500,
		},
		RateLimit: RateLimitConfig{
			Store:             "memory",
			DefaultRetryAfter: 300 * time.Second,
			CleanupInterval:   10 * time.Minute,
			MaxIdleTime:       time.Hour,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Database:  0,
				KeyPrefix: "sentinel:rl:",
				Timeout:   2 * time.Second,
			},
		},
		Exemptions: ExemptionsConfig{
			TrustedRanges: []string{"127.0.0.0/8", "::1/128"},
			RelaxedMode:   false,
		},
	}
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func loadFromEnvironment(config *Config) {
	// Server configuration
	if host := os.Getenv("SENTINEL_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SENTINEL_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if port := os.Getenv("SENTINEL_ADMIN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Admin.Port = p
		}
	}
	if port := os.Getenv("SENTINEL_DASHBOARD_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Dashboard.Port = p
		}
	}

	// Storage configuration
	if dataPath := os.Getenv("SENTINEL_STORAGE_DATA_PATH"); dataPath != "" {
		config.Storage.DataPath = dataPath
	}
	if inMemory := os.Getenv("SENTINEL_STORAGE_IN_MEMORY"); inMemory != "" {
		if b, err := strconv.ParseBool(inMemory); err == nil {
			config.Storage.InMemory = b
		}
	}
	if syncWrites := os.Getenv("SENTINEL_STORAGE_SYNC_WRITES"); syncWrites != "" {
		if b, err := strconv.ParseBool(syncWrites); err == nil {
			config.Storage.SyncWrites = b
		}
	}

	// Logging configuration
	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("SENTINEL_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	// Rate limit configuration
	if store := os.Getenv("SENTINEL_RATELIMIT_STORE"); store != "" {
		config.RateLimit.Store = store
	}
	if addr := os.Getenv("SENTINEL_REDIS_ADDR"); addr != "" {
		config.RateLimit.Redis.Addr = addr
	}
	if password := os.Getenv("SENTINEL_REDIS_PASSWORD"); password != "" {
		config.RateLimit.Redis.Password = password
	}

	// Exemptions
	if ranges := os.Getenv("SENTINEL_TRUSTED_RANGES"); ranges != "" {
		config.Exemptions.TrustedRanges = strings.Split(ranges, ",")
	}
	if relaxed := os.Getenv("SENTINEL_RELAXED_MODE"); relaxed != "" {
		if b, err := strconv.ParseBool(relaxed); err == nil {
			config.Exemptions.RelaxedMode = b
		}
	}
}

func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.Server.MaxBodySize <= 0 {
		return fmt.Errorf("max body size must be positive")
	}
	if c.Admin.Enabled {
		if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
			return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
		}
		if c.Admin.Port == c.Server.Port {
			return fmt.Errorf("admin port conflicts with server port: %d", c.Admin.Port)
		}
	}
	if c.Dashboard.Enabled {
		if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
			return fmt.Errorf("invalid dashboard port: %d", c.Dashboard.Port)
		}
		if c.Dashboard.Port == c.Server.Port || (c.Admin.Enabled && c.Dashboard.Port == c.Admin.Port) {
			return fmt.Errorf("dashboard port conflicts with other ports")
		}
	}

	// Storage validation
	if !c.Storage.InMemory && c.Storage.DataPath == "" {
		return fmt.Errorf("data path cannot be empty when not using in-memory storage")
	}
	if c.Storage.GCInterval <= 0 {
		return fmt.Errorf("GC interval must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Pipeline validation
	if c.Pipeline.HighRiskThreshold < 0 || c.Pipeline.HighRiskThreshold > 100 {
		return fmt.Errorf("high risk threshold must be in [0,100]: %d", c.Pipeline.HighRiskThreshold)
	}
	if c.Pipeline.AlertThreshold < 0 || c.Pipeline.AlertThreshold > 100 {
		return fmt.Errorf("alert threshold must be in [0,100]: %d", c.Pipeline.AlertThreshold)
	}
	if c.Pipeline.AuditQueueSize <= 0 {
		return fmt.Errorf("audit queue size must be positive")
	}
	if c.Pipeline.RuleCacheTTL <= 0 {
		return fmt.Errorf("rule cache TTL must be positive")
	}

	// Rate limit validation
	switch c.RateLimit.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid rate limit store: %s", c.RateLimit.Store)
	}
	if c.RateLimit.DefaultRetryAfter <= 0 {
		return fmt.Errorf("default retry-after must be positive")
	}
	if c.RateLimit.Store == "redis" && c.RateLimit.Redis.Addr == "" {
		return fmt.Errorf("redis addr cannot be empty when redis store is selected")
	}

	// Exemptions must parse as CIDR networks
	for _, cidr := range c.Exemptions.TrustedRanges {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("invalid trusted range %q: %w", cidr, err)
		}
	}

	return nil
}

func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

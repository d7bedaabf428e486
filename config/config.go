package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"EnigmaNetz/Enigma-PCAP-Retriever/internal/logger"
)

// Output formats accepted by output_format.
const (
	FormatPcap   = "pcap"
	FormatPcapNG = "pcapng"
)

// LoggingConfig controls the agent log sinks.
type LoggingConfig struct {
	// Level is the minimum log level to output (debug, info, warn, error)
	Level string `json:"level" env:"PCAP_LOG_LEVEL"`
	// File is the path to the log file. If empty, logs to stdout only
	File string `json:"file" env:"PCAP_LOG_FILE"`
	// MaxSizeMB is the maximum size of log file before rotation
	MaxSizeMB int `json:"max_size_mb" env:"PCAP_LOG_MAX_SIZE_MB"`
	// LogRetentionDays is how long rotated log files are kept
	LogRetentionDays int `json:"log_retention_days" env:"PCAP_LOG_RETENTION_DAYS"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address string `json:"address" env:"PCAP_SERVER_ADDRESS"`
	Port    int    `json:"port" env:"PCAP_SERVER_PORT"`
	// Cert and Key enable TLS when both are set
	Cert string `json:"cert" env:"PCAP_SERVER_CERT"`
	Key  string `json:"key" env:"PCAP_SERVER_KEY"`
}

// SearchConfig tunes candidate selection.
type SearchConfig struct {
	// MaxParallelDirectories bounds Phase 1 fan-out; 0 means one goroutine per directory
	MaxParallelDirectories int `json:"max_parallel_directories" env:"PCAP_SEARCH_MAX_PARALLEL_DIRECTORIES"`
	// DisableHeaderPeek stops the selector from reading first packet timestamps
	DisableHeaderPeek bool `json:"disable_header_peek" env:"PCAP_SEARCH_DISABLE_HEADER_PEEK"`
	// HeaderCacheSize is the number of first-packet timestamps kept in memory
	HeaderCacheSize int `json:"header_cache_size" env:"PCAP_SEARCH_HEADER_CACHE_SIZE"`
}

// RateLimitConfig configures the token bucket in front of /pcap.
type RateLimitConfig struct {
	// RequestsPerSecond of 0 disables rate limiting
	RequestsPerSecond float64 `json:"requests_per_second" env:"PCAP_RATE_LIMIT_RPS"`
	Burst             int     `json:"burst" env:"PCAP_RATE_LIMIT_BURST"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" env:"PCAP_METRICS_ENABLED"`
}

// HealthConfig configures the optional gRPC health server.
type HealthConfig struct {
	// GRPCAddress is host:port for grpc.health.v1; empty disables it
	GRPCAddress string `json:"grpc_address" env:"PCAP_HEALTH_GRPC_ADDRESS"`
	// ProbeIntervalSeconds is how often storage directories are checked
	ProbeIntervalSeconds int `json:"probe_interval_seconds" env:"PCAP_HEALTH_PROBE_INTERVAL_SECONDS"`
}

// Config represents the application configuration
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// PcapDirectory is a comma-separated list of capture storage directories
	PcapDirectory string `json:"pcap_directory" env:"PCAP_DIRECTORY"`
	// OutputDirectory is where synthesized captures are written
	OutputDirectory string `json:"output_directory" env:"PCAP_OUTPUT_DIRECTORY"`
	// OutputFormat is "pcap" or "pcapng"
	OutputFormat string `json:"output_format" env:"PCAP_OUTPUT_FORMAT"`
	EnableCORS   bool   `json:"enable_cors" env:"PCAP_ENABLE_CORS"`

	Server    ServerConfig    `json:"server"`
	Search    SearchConfig    `json:"search"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Metrics   MetricsConfig   `json:"metrics"`
	Health    HealthConfig    `json:"health"`
}

// LoadConfig loads configuration from a JSON file, then applies .env and
// PCAP_* environment overrides and fills defaults.
func LoadConfig(configPath string) (*Config, error) {
	// Set default config path if not provided
	if configPath == "" {
		configPath = "config.json"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// .env is optional, only meant for local runs
	_ = godotenv.Load()
	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100 // 100MB default
	}
	if c.Logging.LogRetentionDays == 0 {
		c.Logging.LogRetentionDays = 7
	}
	if c.OutputFormat == "" {
		c.OutputFormat = FormatPcap
	}
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Search.HeaderCacheSize == 0 {
		c.Search.HeaderCacheSize = 4096
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 1
	}
	if c.Health.ProbeIntervalSeconds == 0 {
		c.Health.ProbeIntervalSeconds = 30
	}
}

// Validate checks the settings the retrieval path cannot run without.
func (c *Config) Validate() error {
	dirs := c.PcapDirectories()
	if len(dirs) == 0 {
		return errors.New("pcap_directory must list at least one directory")
	}
	for _, dir := range dirs {
		if err := validateDirectoryName(dir); err != nil {
			return fmt.Errorf("invalid pcap directory '%s': %w", dir, err)
		}
	}
	if strings.TrimSpace(c.OutputDirectory) == "" {
		return errors.New("output_directory must be set")
	}
	if err := validateDirectoryName(c.OutputDirectory); err != nil {
		return fmt.Errorf("invalid output directory '%s': %w", c.OutputDirectory, err)
	}
	if (c.Server.Cert == "") != (c.Server.Key == "") {
		return errors.New("server.cert and server.key must be set together")
	}
	if c.OutputFormat != FormatPcap && c.OutputFormat != FormatPcapNG {
		return fmt.Errorf("unknown output_format: %s", c.OutputFormat)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative")
	}
	return nil
}

// validateDirectoryName rejects directory entries that cannot be real paths.
func validateDirectoryName(dir string) error {
	if dir == "" {
		return fmt.Errorf("directory name cannot be empty")
	}
	if len(dir) > 4096 {
		return fmt.Errorf("directory name too long: %d characters", len(dir))
	}
	if strings.ContainsAny(dir, "\x00\n\r") {
		return fmt.Errorf("directory name contains invalid characters")
	}
	return nil
}

// PcapDirectories splits pcap_directory on commas, trimming whitespace and
// dropping empty segments. Order is preserved.
func (c *Config) PcapDirectories() []string {
	var dirs []string
	for _, part := range strings.Split(c.PcapDirectory, ",") {
		if dir := strings.TrimSpace(part); dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return c.Server.Address + ":" + strconv.Itoa(c.Server.Port)
}

// TLSEnabled reports whether both certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.Server.Cert != "" && c.Server.Key != ""
}

// LoggerConfig converts the logging section into a logger.Config.
func (c *Config) LoggerConfig() (logger.Config, error) {
	level, err := logger.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return logger.Config{}, fmt.Errorf("invalid log level: %w", err)
	}
	return logger.Config{
		LogLevel:      level,
		LogFile:       c.Logging.File,
		MaxSizeMB:     c.Logging.MaxSizeMB,
		RetentionDays: c.Logging.LogRetentionDays,
	}, nil
}

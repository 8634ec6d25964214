// Package config loads, defaults, and validates the riskbuilder configuration.
//
// Configuration is a single YAML document. Environment variables are expanded
// before parsing (${VAR} syntax), and a .env/.env.local file is loaded first
// when present so tokens never have to live in the YAML itself.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for all riskbuilder processes. The worker
// daemon, the webhook server, and the CLI all load the same document and pick
// out the sections they need.
type Config struct {
	Version    string            `yaml:"version"`
	DataDir    string            `yaml:"data_dir,omitempty"`
	Store      StoreConfig       `yaml:"store,omitempty"`
	Redis      RedisConfig       `yaml:"redis,omitempty"`
	Events     EventsConfig      `yaml:"events,omitempty"`
	Provider   ProviderConfig    `yaml:"provider"`
	Runtime    RuntimeConfig     `yaml:"runtime,omitempty"`
	Ingestion  IngestionConfig   `yaml:"ingestion,omitempty"`
	Extraction ExtractionConfig  `yaml:"extraction,omitempty"`
	Scans      ScanConfig        `yaml:"scans,omitempty"`
	Dataset    DatasetConfig     `yaml:"dataset,omitempty"`
	HTTP       HTTPConfig        `yaml:"http,omitempty"`
	Monitoring *MonitoringConfig `yaml:"monitoring,omitempty"`
}

// StoreConfig configures the SQLite-backed metadata store.
type StoreConfig struct {
	Path        string `yaml:"path,omitempty"`         // Database file, defaults under data_dir
	BusyTimeout string `yaml:"busy_timeout,omitempty"` // SQLite busy timeout, e.g. "5s"
	MaxOpenConn int    `yaml:"max_open_conns,omitempty"`
}

// RedisConfig configures the task broker connection.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	KeyTTL   string `yaml:"key_ttl,omitempty"` // Result/bookkeeping key expiry, e.g. "24h"
}

// EventsConfig configures the optional NATS lifecycle event stream.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled,omitempty"`
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"` // Defaults to "riskbuilder"
}

// ProviderConfig configures the CI provider the fetchers and ingesters talk to.
type ProviderConfig struct {
	Kind          ProviderKind  `yaml:"kind,omitempty"` // Only "github" today
	APIURL        string        `yaml:"api_url,omitempty"`
	BaseURL       string        `yaml:"base_url,omitempty"`
	Tokens        []string      `yaml:"tokens,omitempty"`         // Rotated round-robin, cooled down on rate limit
	TokenCooldown string        `yaml:"token_cooldown,omitempty"` // e.g. "60s"
	PerPage       int           `yaml:"per_page,omitempty"`
	Breaker       BreakerConfig `yaml:"breaker,omitempty"`
}

// ProviderKind enumerates supported CI providers.
type ProviderKind string

const (
	ProviderGitHub ProviderKind = "github"
)

// NormalizeProviderKind canonicalizes user input returning empty string if unknown.
func NormalizeProviderKind(raw string) ProviderKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ProviderGitHub):
		return ProviderGitHub
	default:
		return ""
	}
}

// BreakerConfig tunes the circuit breaker wrapped around provider calls.
type BreakerConfig struct {
	MaxFailures uint32 `yaml:"max_failures,omitempty"` // Consecutive failures before opening
	OpenTimeout string `yaml:"open_timeout,omitempty"` // How long the breaker stays open, e.g. "30s"
}

// QueueConfig declares a named task queue and its worker concurrency.
type QueueConfig struct {
	Name        string `yaml:"name"`
	Concurrency int    `yaml:"concurrency,omitempty"`
}

// RuntimeConfig tunes the task runtime: retry policy, time limits, and the
// named queues workers consume from.
type RuntimeConfig struct {
	Queues            []QueueConfig `yaml:"queues,omitempty"`
	DefaultQueue      string        `yaml:"default_queue,omitempty"`
	MaxRetries        int           `yaml:"max_retries,omitempty"`
	BackoffBase       string        `yaml:"backoff_base,omitempty"`           // First retry delay, e.g. "2s"
	BackoffCap        string        `yaml:"backoff_cap,omitempty"`            // Ceiling for exponential growth, e.g. "10m"
	RateLimitFloor    string        `yaml:"rate_limit_floor,omitempty"`       // Minimum delay once rate limited, e.g. "60s"
	RateLimitFloorAt  int           `yaml:"rate_limit_floor_after,omitempty"` // Attempt count where the floor kicks in
	SoftTimeLimit     string        `yaml:"soft_time_limit,omitempty"`
	HardTimeLimit     string        `yaml:"hard_time_limit,omitempty"`
	ResultTTL         string        `yaml:"result_ttl,omitempty"`
	SchedulerInterval string        `yaml:"scheduler_interval,omitempty"` // Delayed-task promotion cadence
}

// IngestionConfig tunes clone, worktree, and build log acquisition.
type IngestionConfig struct {
	CloneConcurrency  int    `yaml:"clone_concurrency,omitempty"`
	WorktreeBatchSize int    `yaml:"worktree_batch_size,omitempty"`
	LogMaxBytes       int64  `yaml:"log_max_bytes,omitempty"`
	ExpiredLogStreak  int    `yaml:"expired_log_streak,omitempty"` // Consecutive expired logs that abort a batch
	MaxBuildsPerRepo  int    `yaml:"max_builds_per_repo,omitempty"`
	CloneTimeout      string `yaml:"clone_timeout,omitempty"`
}

// ExtractionConfig tunes the feature graph execution.
type ExtractionConfig struct {
	Parallelism int      `yaml:"parallelism,omitempty"`
	Nodes       []string `yaml:"nodes,omitempty"` // Node name patterns, supports trailing-* wildcards
}

// ScanConfig configures static analysis enrichment.
type ScanConfig struct {
	Enabled          bool        `yaml:"enabled,omitempty"`
	BatchSize        int         `yaml:"batch_size,omitempty"`
	BatchDelay       string      `yaml:"batch_delay,omitempty"`
	WatchdogInterval string      `yaml:"watchdog_interval,omitempty"`
	PendingTimeout   string      `yaml:"pending_timeout,omitempty"` // Sonar webhook wait before a scan is declared lost
	Sonar            SonarConfig `yaml:"sonar,omitempty"`
	Trivy            TrivyConfig `yaml:"trivy,omitempty"`
}

// SonarConfig configures the SonarQube integration.
type SonarConfig struct {
	HostURL         string `yaml:"host_url,omitempty"`
	Token           string `yaml:"token,omitempty"`
	WebhookSecret   string `yaml:"webhook_secret,omitempty"`
	ComponentPrefix string `yaml:"component_prefix,omitempty"`
	ScannerBinary   string `yaml:"scanner_binary,omitempty"`
	ScanTimeout     string `yaml:"scan_timeout,omitempty"`
}

// TrivyConfig configures the Trivy filesystem scanner.
type TrivyConfig struct {
	Binary   string `yaml:"binary,omitempty"`
	CacheDir string `yaml:"cache_dir,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"`
	Severity string `yaml:"severity,omitempty"` // Comma-separated levels passed through to trivy
}

// DatasetConfig holds global dataset assembly defaults. Per-scenario settings
// override these at split time.
type DatasetConfig struct {
	OutputDir  string   `yaml:"output_dir,omitempty"`
	Formats    []string `yaml:"formats,omitempty"` // csv, parquet, pickle
	Seed       int64    `yaml:"seed,omitempty"`
	TrainRatio float64  `yaml:"train_ratio,omitempty"`
}

// HTTPConfig configures the webhook and admin listeners.
type HTTPConfig struct {
	WebhookPort int `yaml:"webhook_port,omitempty"`
	AdminPort   int `yaml:"admin_port,omitempty"`
}

// MonitoringConfig represents monitoring and observability configuration.
type MonitoringConfig struct {
	Metrics MonitoringMetrics `yaml:"metrics"`
	Health  MonitoringHealth  `yaml:"health"`
	Logging MonitoringLogging `yaml:"logging"`
}

// MonitoringMetrics represents metrics configuration.
type MonitoringMetrics struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MonitoringHealth represents health check configuration.
type MonitoringHealth struct {
	Path string `yaml:"path"`
}

// MonitoringLogging represents logging configuration.
type MonitoringLogging struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Load loads a configuration file (version 1.x).
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	if err := loadEnvFile(); err != nil {
		// Don't fail if .env doesn't exist, just log it
		fmt.Fprintf(os.Stderr, "Note: .env file not found or couldn't be loaded: %v\n", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate version
	if config.Version != "" && !strings.HasPrefix(config.Version, "1.") {
		return nil, fmt.Errorf("unsupported configuration version: %s (expected 1.x)", config.Version)
	}

	// Apply defaults before validation so canonical values drive the checks
	if err := applyDefaults(&config); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	// Validate configuration
	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads environment variables from .env/.env.local files.
// It attempts each supported filename in order and stops at the first
// successfully parsed file. Existing process environment always wins.
func loadEnvFile() error {
	envPaths := []string{".env", ".env.local"}
	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			fmt.Fprintf(os.Stderr, "Loaded environment variables from %s\n", envPath)
			return nil
		}
	}
	return fmt.Errorf("no .env file found")
}

// Init writes an example configuration file (version 1.0).
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	exampleConfig := Config{
		Version: "1.0",
		DataDir: "./data",
		Store: StoreConfig{
			Path:        "./data/riskbuilder.db",
			BusyTimeout: "5s",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			KeyTTL: "24h",
		},
		Events: EventsConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "riskbuilder",
		},
		Provider: ProviderConfig{
			Kind:          ProviderGitHub,
			APIURL:        "https://api.github.com",
			BaseURL:       "https://github.com",
			Tokens:        []string{"${GITHUB_TOKEN}"},
			TokenCooldown: "60s",
			PerPage:       100,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: "30s",
			},
		},
		Runtime: RuntimeConfig{
			Queues: []QueueConfig{
				{Name: "ingestion", Concurrency: 6},
				{Name: "processing", Concurrency: 4},
				{Name: "scenario_ingestion", Concurrency: 2},
				{Name: "scenario_processing", Concurrency: 2},
				{Name: "scenario_scanning", Concurrency: 2},
				{Name: "sonar_scan", Concurrency: 2},
				{Name: "trivy_scan", Concurrency: 2},
				{Name: "maintenance", Concurrency: 1},
			},
			DefaultQueue:   "ingestion",
			MaxRetries:     5,
			BackoffBase:    "2s",
			BackoffCap:     "10m",
			RateLimitFloor: "60s",
			SoftTimeLimit:  "15m",
			HardTimeLimit:  "20m",
			ResultTTL:      "24h",
		},
		Ingestion: IngestionConfig{
			CloneConcurrency:  4,
			WorktreeBatchSize: 20,
			LogMaxBytes:       8 << 20,
			ExpiredLogStreak:  10,
		},
		Extraction: ExtractionConfig{
			Parallelism: 4,
			Nodes:       []string{"*"},
		},
		Scans: ScanConfig{
			Enabled:    false,
			BatchSize:  100,
			BatchDelay: "500ms",
			Sonar: SonarConfig{
				HostURL:         "http://localhost:9000",
				Token:           "${SONAR_TOKEN}",
				WebhookSecret:   "${SONAR_WEBHOOK_SECRET}",
				ComponentPrefix: "riskbuilder",
			},
			Trivy: TrivyConfig{
				Binary: "trivy",
			},
		},
		Dataset: DatasetConfig{
			OutputDir:  "./data/datasets",
			Formats:    []string{"csv", "parquet"},
			TrainRatio: 0.8,
		},
		HTTP: HTTPConfig{
			WebhookPort: 8081,
			AdminPort:   8082,
		},
		Monitoring: &MonitoringConfig{
			Metrics: MonitoringMetrics{Enabled: true, Path: "/metrics"},
			Health:  MonitoringHealth{Path: "/health"},
			Logging: MonitoringLogging{Level: LogLevelInfo, Format: LogFormatJSON},
		},
	}

	data, err := yaml.Marshal(&exampleConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

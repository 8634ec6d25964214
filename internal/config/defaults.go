package config

import (
	"fmt"
	"path/filepath"
)

// ConfigDefaultApplier applies defaults for a specific configuration domain.
type ConfigDefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

// applyDefaults applies default values to configuration.
func applyDefaults(config *Config) error {
	return NewDefaultApplier().ApplyDefaults(config)
}

// CompositeDefaultApplier applies defaults across all configuration domains.
type CompositeDefaultApplier struct {
	appliers []ConfigDefaultApplier
}

// NewDefaultApplier creates a composite default applier with all domain appliers.
func NewDefaultApplier() *CompositeDefaultApplier {
	return &CompositeDefaultApplier{
		appliers: []ConfigDefaultApplier{
			&StorageDefaultApplier{},
			&BrokerDefaultApplier{},
			&ProviderDefaultApplier{},
			&RuntimeDefaultApplier{},
			&IngestionDefaultApplier{},
			&ExtractionDefaultApplier{},
			&ScanDefaultApplier{},
			&DatasetDefaultApplier{},
			&HTTPDefaultApplier{},
			&MonitoringDefaultApplier{},
		},
	}
}

// ApplyDefaults applies defaults for all configuration domains.
func (c *CompositeDefaultApplier) ApplyDefaults(cfg *Config) error {
	for _, applier := range c.appliers {
		if err := applier.ApplyDefaults(cfg); err != nil {
			return fmt.Errorf("applying defaults for %s: %w", applier.Domain(), err)
		}
	}
	return nil
}

// GetApplierByDomain returns a specific domain applier (useful for testing).
func (c *CompositeDefaultApplier) GetApplierByDomain(domain string) ConfigDefaultApplier {
	for _, applier := range c.appliers {
		if applier.Domain() == domain {
			return applier
		}
	}
	return nil
}

// StorageDefaultApplier handles data directory and store defaults.
type StorageDefaultApplier struct{}

func (s *StorageDefaultApplier) Domain() string { return "storage" }

func (s *StorageDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "riskbuilder.db")
	}
	if cfg.Store.BusyTimeout == "" {
		cfg.Store.BusyTimeout = "5s"
	}
	if cfg.Store.MaxOpenConn <= 0 {
		// modernc sqlite serializes writes anyway, keep the pool tiny
		cfg.Store.MaxOpenConn = 4
	}
	return nil
}

// BrokerDefaultApplier handles Redis broker defaults.
type BrokerDefaultApplier struct{}

func (b *BrokerDefaultApplier) Domain() string { return "broker" }

func (b *BrokerDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.KeyTTL == "" {
		cfg.Redis.KeyTTL = "24h"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "riskbuilder"
	}
	return nil
}

// ProviderDefaultApplier handles CI provider defaults.
type ProviderDefaultApplier struct{}

func (p *ProviderDefaultApplier) Domain() string { return "provider" }

func (p *ProviderDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Provider.Kind == "" {
		cfg.Provider.Kind = ProviderGitHub
	} else if kind := NormalizeProviderKind(string(cfg.Provider.Kind)); kind != "" {
		cfg.Provider.Kind = kind
	}
	if cfg.Provider.Kind == ProviderGitHub {
		if cfg.Provider.APIURL == "" {
			cfg.Provider.APIURL = "https://api.github.com"
		}
		if cfg.Provider.BaseURL == "" {
			cfg.Provider.BaseURL = "https://github.com"
		}
	}
	if cfg.Provider.PerPage <= 0 || cfg.Provider.PerPage > 100 {
		cfg.Provider.PerPage = 100
	}
	if cfg.Provider.TokenCooldown == "" {
		cfg.Provider.TokenCooldown = "60s"
	}
	if cfg.Provider.Breaker.MaxFailures == 0 {
		cfg.Provider.Breaker.MaxFailures = 5
	}
	if cfg.Provider.Breaker.OpenTimeout == "" {
		cfg.Provider.Breaker.OpenTimeout = "30s"
	}
	return nil
}

// RuntimeDefaultApplier handles task runtime defaults.
type RuntimeDefaultApplier struct{}

func (r *RuntimeDefaultApplier) Domain() string { return "runtime" }

func (r *RuntimeDefaultApplier) ApplyDefaults(cfg *Config) error {
	rt := &cfg.Runtime
	if len(rt.Queues) == 0 {
		rt.Queues = []QueueConfig{
			{Name: "ingestion", Concurrency: 6},
			{Name: "processing", Concurrency: 4},
			{Name: "scenario_ingestion", Concurrency: 2},
			{Name: "scenario_processing", Concurrency: 2},
			{Name: "scenario_scanning", Concurrency: 2},
			{Name: "sonar_scan", Concurrency: 2},
			{Name: "trivy_scan", Concurrency: 2},
			{Name: "maintenance", Concurrency: 1},
		}
	}
	for i := range rt.Queues {
		if rt.Queues[i].Concurrency <= 0 {
			rt.Queues[i].Concurrency = 1
		}
	}
	if rt.DefaultQueue == "" {
		rt.DefaultQueue = rt.Queues[0].Name
	}
	if rt.MaxRetries <= 0 {
		rt.MaxRetries = 5
	}
	if rt.BackoffBase == "" {
		rt.BackoffBase = "2s"
	}
	if rt.BackoffCap == "" {
		rt.BackoffCap = "10m"
	}
	if rt.RateLimitFloor == "" {
		rt.RateLimitFloor = "60s"
	}
	if rt.RateLimitFloorAt <= 0 {
		rt.RateLimitFloorAt = 1
	}
	if rt.SoftTimeLimit == "" {
		rt.SoftTimeLimit = "15m"
	}
	if rt.HardTimeLimit == "" {
		rt.HardTimeLimit = "20m"
	}
	if rt.ResultTTL == "" {
		rt.ResultTTL = "24h"
	}
	if rt.SchedulerInterval == "" {
		rt.SchedulerInterval = "1s"
	}
	return nil
}

// IngestionDefaultApplier handles ingestion defaults.
type IngestionDefaultApplier struct{}

func (i *IngestionDefaultApplier) Domain() string { return "ingestion" }

func (i *IngestionDefaultApplier) ApplyDefaults(cfg *Config) error {
	ing := &cfg.Ingestion
	if ing.CloneConcurrency <= 0 {
		ing.CloneConcurrency = 4
	}
	if ing.WorktreeBatchSize <= 0 {
		ing.WorktreeBatchSize = 20
	}
	if ing.LogMaxBytes <= 0 {
		ing.LogMaxBytes = 8 << 20
	}
	if ing.ExpiredLogStreak <= 0 {
		ing.ExpiredLogStreak = 10
	}
	if ing.CloneTimeout == "" {
		ing.CloneTimeout = "10m"
	}
	return nil
}

// ExtractionDefaultApplier handles feature extraction defaults.
type ExtractionDefaultApplier struct{}

func (e *ExtractionDefaultApplier) Domain() string { return "extraction" }

func (e *ExtractionDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Extraction.Parallelism <= 0 {
		cfg.Extraction.Parallelism = 4
	}
	if len(cfg.Extraction.Nodes) == 0 {
		cfg.Extraction.Nodes = []string{"*"}
	}
	return nil
}

// ScanDefaultApplier handles scan enrichment defaults.
type ScanDefaultApplier struct{}

func (s *ScanDefaultApplier) Domain() string { return "scans" }

func (s *ScanDefaultApplier) ApplyDefaults(cfg *Config) error {
	sc := &cfg.Scans
	if sc.BatchSize <= 0 {
		sc.BatchSize = 100
	}
	if sc.BatchDelay == "" {
		sc.BatchDelay = "500ms"
	}
	if sc.WatchdogInterval == "" {
		sc.WatchdogInterval = "5m"
	}
	if sc.PendingTimeout == "" {
		sc.PendingTimeout = "30m"
	}
	if sc.Sonar.ComponentPrefix == "" {
		sc.Sonar.ComponentPrefix = "riskbuilder"
	}
	if sc.Sonar.ScannerBinary == "" {
		sc.Sonar.ScannerBinary = "sonar-scanner"
	}
	if sc.Sonar.ScanTimeout == "" {
		sc.Sonar.ScanTimeout = "15m"
	}
	if sc.Trivy.Binary == "" {
		sc.Trivy.Binary = "trivy"
	}
	if sc.Trivy.Timeout == "" {
		sc.Trivy.Timeout = "10m"
	}
	if sc.Trivy.Severity == "" {
		sc.Trivy.Severity = "LOW,MEDIUM,HIGH,CRITICAL"
	}
	return nil
}

// DatasetDefaultApplier handles dataset defaults.
type DatasetDefaultApplier struct{}

func (d *DatasetDefaultApplier) Domain() string { return "dataset" }

func (d *DatasetDefaultApplier) ApplyDefaults(cfg *Config) error {
	ds := &cfg.Dataset
	if ds.OutputDir == "" {
		ds.OutputDir = filepath.Join(cfg.DataDir, "datasets")
	}
	if len(ds.Formats) == 0 {
		ds.Formats = []string{"csv"}
	}
	for i, f := range ds.Formats {
		ds.Formats[i] = string(NormalizeExportFormat(f))
	}
	if ds.TrainRatio <= 0 || ds.TrainRatio >= 1 {
		ds.TrainRatio = 0.8
	}
	return nil
}

// HTTPDefaultApplier handles listener defaults.
type HTTPDefaultApplier struct{}

func (h *HTTPDefaultApplier) Domain() string { return "http" }

func (h *HTTPDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.HTTP.WebhookPort == 0 {
		cfg.HTTP.WebhookPort = 8081
	}
	if cfg.HTTP.AdminPort == 0 {
		cfg.HTTP.AdminPort = 8082
	}
	return nil
}

// MonitoringDefaultApplier handles monitoring defaults.
type MonitoringDefaultApplier struct{}

func (m *MonitoringDefaultApplier) Domain() string { return "monitoring" }

func (m *MonitoringDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Monitoring == nil {
		cfg.Monitoring = &MonitoringConfig{}
	}
	mon := cfg.Monitoring
	if mon.Metrics.Path == "" {
		mon.Metrics.Path = "/metrics"
	}
	if mon.Health.Path == "" {
		mon.Health.Path = "/health"
	}
	mon.Logging.Level = NormalizeLogLevel(string(mon.Logging.Level))
	mon.Logging.Format = NormalizeLogFormat(string(mon.Logging.Format))
	return nil
}

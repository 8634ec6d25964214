package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "riskbuilder.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configContent := "version: \"1.0\"\n" +
		"data_dir: ./testdata-dir\n" +
		"redis:\n" +
		"  addr: redis.internal:6380\n" +
		"  db: 3\n" +
		"provider:\n" +
		"  kind: github\n" +
		"  tokens:\n" +
		"    - tok-a\n" +
		"    - tok-b\n" +
		"runtime:\n" +
		"  queues:\n" +
		"    - name: fetch\n" +
		"      concurrency: 8\n" +
		"    - name: ingest\n" +
		"    - name: maintenance\n" +
		"      concurrency: 1\n" +
		"  default_queue: fetch\n" +
		"  backoff_cap: 10m\n" +
		"scans:\n" +
		"  enabled: true\n" +
		"  sonar:\n" +
		"    host_url: http://sonar.internal:9000\n" +
		"    token: sonar-token\n" +
		"dataset:\n" +
		"  formats: [csv, parquet, pkl]\n"

	path := writeConfig(t, configContent)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("expected redis addr override, got %s", cfg.Redis.Addr)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("expected redis db 3, got %d", cfg.Redis.DB)
	}
	if len(cfg.Provider.Tokens) != 2 {
		t.Errorf("expected 2 tokens, got %d", len(cfg.Provider.Tokens))
	}
	if len(cfg.Runtime.Queues) != 3 {
		t.Fatalf("expected 3 queues, got %d", len(cfg.Runtime.Queues))
	}
	if cfg.Runtime.Queues[0].Concurrency != 8 {
		t.Errorf("expected fetch concurrency 8, got %d", cfg.Runtime.Queues[0].Concurrency)
	}
	// Unspecified concurrency defaults to 1.
	if cfg.Runtime.Queues[1].Concurrency != 1 {
		t.Errorf("expected defaulted concurrency 1, got %d", cfg.Runtime.Queues[1].Concurrency)
	}
	if cfg.Runtime.BackoffCapDuration() != 10*time.Minute {
		t.Errorf("expected 10m backoff cap, got %s", cfg.Runtime.BackoffCapDuration())
	}
	// Dataset formats are normalized, pkl folds into pickle.
	want := []string{"csv", "parquet", "pickle"}
	for i, f := range cfg.Dataset.Formats {
		if f != want[i] {
			t.Errorf("format[%d]: expected %s, got %s", i, want[i], f)
		}
	}
	// Derived defaults land under data_dir.
	if cfg.Store.Path != filepath.Join("./testdata-dir", "riskbuilder.db") {
		t.Errorf("expected store path under data_dir, got %s", cfg.Store.Path)
	}
	if cfg.Dataset.OutputDir != filepath.Join("./testdata-dir", "datasets") {
		t.Errorf("expected dataset dir under data_dir, got %s", cfg.Dataset.OutputDir)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "version: \"1.0\"\nprovider:\n  kind: github\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Provider.APIURL != "https://api.github.com" {
		t.Errorf("expected github api default, got %s", cfg.Provider.APIURL)
	}
	if cfg.Provider.PerPage != 100 {
		t.Errorf("expected per_page 100, got %d", cfg.Provider.PerPage)
	}
	if len(cfg.Runtime.Queues) != 5 {
		t.Errorf("expected 5 default queues, got %d", len(cfg.Runtime.Queues))
	}
	if cfg.Runtime.DefaultQueue != "fetch" {
		t.Errorf("expected default queue fetch, got %s", cfg.Runtime.DefaultQueue)
	}
	if cfg.Runtime.MaxRetries != 5 {
		t.Errorf("expected 5 max retries, got %d", cfg.Runtime.MaxRetries)
	}
	if cfg.Runtime.RateLimitFloorDuration() != time.Minute {
		t.Errorf("expected 60s rate limit floor, got %s", cfg.Runtime.RateLimitFloorDuration())
	}
	if cfg.Ingestion.ExpiredLogStreak != 10 {
		t.Errorf("expected expired log streak 10, got %d", cfg.Ingestion.ExpiredLogStreak)
	}
	if cfg.Extraction.Parallelism != 4 {
		t.Errorf("expected extraction parallelism 4, got %d", cfg.Extraction.Parallelism)
	}
	if cfg.Scans.BatchSize != 100 {
		t.Errorf("expected scan batch size 100, got %d", cfg.Scans.BatchSize)
	}
	if cfg.Monitoring == nil || cfg.Monitoring.Metrics.Path != "/metrics" {
		t.Error("expected monitoring defaults to be applied")
	}
	if cfg.Monitoring.Logging.Level != LogLevelInfo {
		t.Errorf("expected info log level default, got %s", cfg.Monitoring.Logging.Level)
	}
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("RB_TEST_TOKEN", "expanded-token")

	path := writeConfig(t, "version: \"1.0\"\nprovider:\n  kind: github\n  tokens:\n    - ${RB_TEST_TOKEN}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Provider.Tokens[0] != "expanded-token" {
		t.Errorf("expected env expansion, got %s", cfg.Provider.Tokens[0])
	}
}

func TestLoadConfigRejectsBadVersion(t *testing.T) {
	path := writeConfig(t, "version: \"9.0\"\nprovider:\n  kind: github\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported configuration version") {
		t.Errorf("expected version error, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Version: "1.0", Provider: ProviderConfig{Kind: ProviderGitHub}}
		if err := applyDefaults(cfg); err != nil {
			t.Fatalf("defaults: %v", err)
		}
		return cfg
	}

	t.Run("valid baseline", func(t *testing.T) {
		if err := ValidateConfig(valid()); err != nil {
			t.Errorf("expected valid config, got %v", err)
		}
	})

	t.Run("unknown provider kind", func(t *testing.T) {
		cfg := valid()
		cfg.Provider.Kind = "bitbucket"
		if err := ValidateConfig(cfg); err == nil {
			t.Error("expected error for unknown provider")
		}
	})

	t.Run("duplicate queue names", func(t *testing.T) {
		cfg := valid()
		cfg.Runtime.Queues = append(cfg.Runtime.Queues, QueueConfig{Name: "fetch", Concurrency: 1})
		if err := ValidateConfig(cfg); err == nil || !strings.Contains(err.Error(), "duplicate queue") {
			t.Errorf("expected duplicate queue error, got %v", err)
		}
	})

	t.Run("default queue must exist", func(t *testing.T) {
		cfg := valid()
		cfg.Runtime.DefaultQueue = "nope"
		if err := ValidateConfig(cfg); err == nil {
			t.Error("expected error for unknown default queue")
		}
	})

	t.Run("hard limit must exceed soft limit", func(t *testing.T) {
		cfg := valid()
		cfg.Runtime.SoftTimeLimit = "20m"
		cfg.Runtime.HardTimeLimit = "10m"
		if err := ValidateConfig(cfg); err == nil || !strings.Contains(err.Error(), "hard_time_limit") {
			t.Errorf("expected time limit error, got %v", err)
		}
	})

	t.Run("invalid duration string", func(t *testing.T) {
		cfg := valid()
		cfg.Runtime.BackoffCap = "ten minutes"
		if err := ValidateConfig(cfg); err == nil || !strings.Contains(err.Error(), "invalid duration") {
			t.Errorf("expected duration error, got %v", err)
		}
	})

	t.Run("scans enabled require sonar", func(t *testing.T) {
		cfg := valid()
		cfg.Scans.Enabled = true
		cfg.Scans.Sonar.HostURL = ""
		if err := ValidateConfig(cfg); err == nil || !strings.Contains(err.Error(), "host_url") {
			t.Errorf("expected sonar host error, got %v", err)
		}
	})

	t.Run("train ratio bounds", func(t *testing.T) {
		cfg := valid()
		cfg.Dataset.TrainRatio = 1.5
		if err := ValidateConfig(cfg); err == nil || !strings.Contains(err.Error(), "train_ratio") {
			t.Errorf("expected ratio error, got %v", err)
		}
	})
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "riskbuilder.yaml")

	if err := Init(path, false); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	// The generated example must load cleanly.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(example) error: %v", err)
	}
	if cfg.Provider.Kind != ProviderGitHub {
		t.Errorf("expected github example provider, got %s", cfg.Provider.Kind)
	}

	// Refuses to overwrite without force.
	if err := Init(path, false); err == nil {
		t.Error("expected error when file exists")
	}
	if err := Init(path, true); err != nil {
		t.Errorf("expected force overwrite to succeed, got %v", err)
	}
}

func TestNormalizeExportFormat(t *testing.T) {
	cases := map[string]ExportFormat{
		"CSV":     ExportCSV,
		"Parquet": ExportParquet,
		"pkl":     ExportPickle,
		"pickle":  ExportPickle,
		"bogus":   ExportCSV, // default
	}
	for raw, want := range cases {
		if got := NormalizeExportFormat(raw); got != want {
			t.Errorf("NormalizeExportFormat(%q) = %s, want %s", raw, got, want)
		}
	}

	if _, err := ParseExportFormat("bogus"); err == nil {
		t.Error("expected error for unknown format")
	}
	if !strings.Contains(func() string { _, err := ParseExportFormat("bogus"); return err.Error() }(), "export format") {
		t.Error("expected error to name the enum")
	}
}

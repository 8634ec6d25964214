package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
)

// ScanRequest carries one trivy filesystem scan.
type ScanRequest struct {
	Worktree   string
	ConfigPath string // materialised trivy.yaml, optional
}

// Trivy abstracts the trivy integration. Production shells out to the
// binary; tests swap in a stub report.
type Trivy interface {
	Scan(ctx context.Context, req ScanRequest) (*TrivyReport, error)
}

// TrivyReport is the subset of trivy's JSON output the metric
// computation needs.
type TrivyReport struct {
	Results []TrivyResult `json:"Results"`
}

// TrivyResult is one scanned target within a report.
type TrivyResult struct {
	Target            string                  `json:"Target"`
	Vulnerabilities   []TrivyVulnerability    `json:"Vulnerabilities"`
	Misconfigurations []TrivyMisconfiguration `json:"Misconfigurations"`
	Secrets           []TrivySecret           `json:"Secrets"`
}

type TrivyVulnerability struct {
	VulnerabilityID string `json:"VulnerabilityID"`
	Severity        string `json:"Severity"`
	FixedVersion    string `json:"FixedVersion"`
}

type TrivyMisconfiguration struct {
	ID       string `json:"ID"`
	Severity string `json:"Severity"`
	Status   string `json:"Status"`
}

type TrivySecret struct {
	RuleID   string `json:"RuleID"`
	Severity string `json:"Severity"`
}

// MetricValues flattens the report into the metric vocabulary scenarios
// select from. Every key is always present so selected-but-zero metrics
// backfill as 0 rather than null.
func (r *TrivyReport) MetricValues() map[string]float64 {
	v := map[string]float64{
		"vulns":              0,
		"critical_vulns":     0,
		"high_vulns":         0,
		"medium_vulns":       0,
		"low_vulns":          0,
		"fixable_vulns":      0,
		"misconfigs":         0,
		"misconfig_failures": 0,
		"secrets":            0,
		"affected_targets":   0,
	}
	for _, res := range r.Results {
		affected := false
		for _, vuln := range res.Vulnerabilities {
			v["vulns"]++
			affected = true
			switch strings.ToUpper(vuln.Severity) {
			case "CRITICAL":
				v["critical_vulns"]++
			case "HIGH":
				v["high_vulns"]++
			case "MEDIUM":
				v["medium_vulns"]++
			case "LOW":
				v["low_vulns"]++
			}
			if vuln.FixedVersion != "" {
				v["fixable_vulns"]++
			}
		}
		for _, mc := range res.Misconfigurations {
			v["misconfigs"]++
			if strings.EqualFold(mc.Status, "FAIL") {
				v["misconfig_failures"]++
				affected = true
			}
		}
		if n := len(res.Secrets); n > 0 {
			v["secrets"] += float64(n)
			affected = true
		}
		if affected {
			v["affected_targets"]++
		}
	}
	return v
}

type trivyRunner struct {
	cfg config.TrivyConfig
}

// NewTrivyRunner builds the production trivy backend from configuration.
func NewTrivyRunner(cfg config.TrivyConfig) Trivy {
	return &trivyRunner{cfg: cfg}
}

func (r *trivyRunner) Scan(ctx context.Context, req ScanRequest) (*TrivyReport, error) {
	if _, err := exec.LookPath(r.cfg.Binary); err != nil {
		return nil, ferrors.ScanError("trivy binary not found").WithCause(err).
			WithContext("binary", r.cfg.Binary).Build()
	}
	args := []string{"fs", "--format", "json", "--quiet", "--scanners", "vuln,misconfig,secret"}
	if r.cfg.Severity != "" {
		args = append(args, "--severity", r.cfg.Severity)
	}
	if r.cfg.CacheDir != "" {
		args = append(args, "--cache-dir", r.cfg.CacheDir)
	}
	if req.ConfigPath != "" {
		args = append(args, "--config", req.ConfigPath)
	}
	args = append(args, req.Worktree)

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, ferrors.ScanError("trivy scan failed").WithCause(err).
			WithContext("worktree", req.Worktree).
			WithContext("output", tail(strings.TrimSpace(stderr.String()), 2000)).Build()
	}

	var report TrivyReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return nil, ferrors.ScanError("decode trivy report").WithCause(err).Build()
	}
	slog.Debug("trivy scan finished",
		slog.String("worktree", req.Worktree), logfields.Count(len(report.Results)))
	return &report, nil
}

// StartTrivyScan runs trivy against the commit's worktree and backfills the
// selected metrics synchronously. Unlike sonar there is no callback leg: the
// task itself settles the scan either way.
func (t *Tasks) StartTrivyScan(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var payload TrivyScanPayload
	if err := inv.Decode(&payload); err != nil {
		return nil, err
	}
	log := inv.Logger().With(
		logfields.ScenarioID(payload.ScenarioID),
		logfields.Repository(payload.FullName),
		logfields.Commit(payload.CommitSHA),
		logfields.Tool(scenario.ToolTrivy),
	)

	worktree := t.layout.WorktreeDir(payload.RawRepoID, payload.EffectiveSHA)
	if st, err := os.Stat(worktree); err != nil || !st.IsDir() {
		t.settle(ctx, payload.ScenarioID, scenario.ToolTrivy, false, log)
		log.Warn("trivy scan failed", slog.String("reason", "worktree missing"))
		return ScanTaskResult{Status: "failed", Error: "worktree missing: " + worktree}, nil
	}

	started := time.Now()
	report, err := t.trivy.Scan(ctx, ScanRequest{Worktree: worktree, ConfigPath: payload.ConfigPath})
	t.recorder.ObserveScanDuration(scenario.ToolTrivy, time.Since(started))
	if err != nil {
		t.settle(ctx, payload.ScenarioID, scenario.ToolTrivy, false, log)
		log.Warn("trivy scan failed", logfields.Error(err))
		return ScanTaskResult{Status: "failed", Error: err.Error()}, nil
	}

	values := report.MetricValues()
	patch := make(map[string]any, len(payload.Metrics))
	for _, m := range payload.Metrics {
		if v, ok := values[m]; ok {
			patch["trivy_"+m] = v
		} else {
			patch["trivy_"+m] = nil
		}
	}
	n, err := t.store.Vectors.BackfillScanMetrics(ctx, model.ScopeScenario, payload.ScenarioID, payload.RawRepoID, payload.CommitSHA, patch)
	if err != nil {
		t.settle(ctx, payload.ScenarioID, scenario.ToolTrivy, false, log)
		log.Error("trivy backfill failed", logfields.Error(err))
		return ScanTaskResult{Status: "failed", Error: err.Error()}, nil
	}

	t.settle(ctx, payload.ScenarioID, scenario.ToolTrivy, true, log)
	log.Info("trivy metrics backfilled", logfields.Count(int(n)))
	return ScanTaskResult{Status: "completed", Backfill: n}, nil
}

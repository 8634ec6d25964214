package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
)

// AnalyzeRequest carries one scanner CLI invocation.
type AnalyzeRequest struct {
	Worktree     string
	ComponentKey string
	ConfigPath   string // materialised properties file, optional
}

// Sonar abstracts the SonarQube integration: launching the scanner CLI
// against a worktree and reading analysis measures back from the server.
// Tests swap in a stub; production uses the binary-backed gateway.
type Sonar interface {
	Analyze(ctx context.Context, req AnalyzeRequest) error
	Measures(ctx context.Context, componentKey string, metricKeys []string) (map[string]float64, error)
}

type sonarGateway struct {
	cfg  config.SonarConfig
	http *http.Client
}

// NewSonarGateway builds the production Sonar backend from configuration.
func NewSonarGateway(cfg config.SonarConfig) Sonar {
	return &sonarGateway{cfg: cfg, http: &http.Client{Timeout: 30 * time.Second}}
}

func (g *sonarGateway) Analyze(ctx context.Context, req AnalyzeRequest) error {
	if _, err := exec.LookPath(g.cfg.ScannerBinary); err != nil {
		return ferrors.ScanError("sonar scanner binary not found").WithCause(err).
			WithContext("binary", g.cfg.ScannerBinary).Build()
	}
	args := []string{
		"-Dsonar.projectKey=" + req.ComponentKey,
		"-Dsonar.projectBaseDir=" + req.Worktree,
		"-Dsonar.host.url=" + g.cfg.HostURL,
	}
	if req.ConfigPath != "" {
		args = append(args, "-Dproject.settings="+req.ConfigPath)
	}
	cmd := exec.CommandContext(ctx, g.cfg.ScannerBinary, args...)
	cmd.Dir = req.Worktree
	// The token goes through the environment, never argv.
	cmd.Env = append(os.Environ(), "SONAR_TOKEN="+g.cfg.Token)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}
		return ferrors.ScanError("sonar scanner failed").WithCause(err).
			WithContext("component_key", req.ComponentKey).
			WithContext("output", tail(output, 2000)).Build()
	}
	slog.Debug("sonar scanner finished", slog.String("component_key", req.ComponentKey))
	return nil
}

func (g *sonarGateway) Measures(ctx context.Context, componentKey string, metricKeys []string) (map[string]float64, error) {
	endpoint := strings.TrimRight(g.cfg.HostURL, "/") + "/api/measures/component"
	q := url.Values{}
	q.Set("component", componentKey)
	q.Set("metricKeys", strings.Join(metricKeys, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, ferrors.ScanError("build measures request").WithCause(err).Build()
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, ferrors.ScanError("sonar measures request failed").WithCause(err).
			WithContext("component_key", componentKey).Build()
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, ferrors.ScanError("read measures response").WithCause(err).Build()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ferrors.ScanError("sonar measures request rejected").
			WithContext("component_key", componentKey).
			WithContext("status", strconv.Itoa(resp.StatusCode)).
			WithContext("body", tail(string(body), 500)).Build()
	}

	var payload struct {
		Component struct {
			Measures []struct {
				Metric string `json:"metric"`
				Value  string `json:"value"`
			} `json:"measures"`
		} `json:"component"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, ferrors.ScanError("decode measures response").WithCause(err).Build()
	}
	measures := make(map[string]float64, len(payload.Component.Measures))
	for _, m := range payload.Component.Measures {
		v, err := strconv.ParseFloat(m.Value, 64)
		if err != nil {
			slog.Warn("non-numeric sonar measure skipped",
				slog.String("metric", m.Metric), slog.String("value", m.Value))
			continue
		}
		measures[m.Metric] = v
	}
	return measures, nil
}

// tail keeps the last max bytes of scanner output for error context.
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

// StartSonarScan launches the scanner CLI against the commit's worktree. The
// analysis result arrives later via the webhook; this task only settles the
// scan when the launch itself fails.
func (t *Tasks) StartSonarScan(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var payload SonarScanPayload
	if err := inv.Decode(&payload); err != nil {
		return nil, err
	}
	log := inv.Logger().With(
		logfields.ScenarioID(payload.ScenarioID),
		logfields.Repository(payload.FullName),
		logfields.Commit(payload.CommitSHA),
		logfields.Tool(scenario.ToolSonarQube),
	)

	worktree := t.layout.WorktreeDir(payload.RawRepoID, payload.EffectiveSHA)
	if st, err := os.Stat(worktree); err != nil || !st.IsDir() {
		return t.failSonar(ctx, payload, "worktree missing: "+worktree, log), nil
	}

	started := time.Now()
	err := t.sonar.Analyze(ctx, AnalyzeRequest{
		Worktree:     worktree,
		ComponentKey: payload.ComponentKey,
		ConfigPath:   payload.ConfigPath,
	})
	t.recorder.ObserveScanDuration(scenario.ToolSonarQube, time.Since(started))
	if err != nil {
		return t.failSonar(ctx, payload, err.Error(), log), nil
	}

	log.Info("sonar analysis submitted", slog.String("component_key", payload.ComponentKey))
	return ScanTaskResult{Status: "scanning"}, nil
}

// failSonar resolves the pending row and settles the scan as failed. The
// resolve guard keeps a racing webhook and a failing task from settling the
// same scan twice.
func (t *Tasks) failSonar(ctx context.Context, payload SonarScanPayload, reason string, log *slog.Logger) ScanTaskResult {
	resolved, err := t.store.ScanPendings.Resolve(ctx, payload.ComponentKey, model.ScanPendingFailed, reason)
	if err != nil {
		log.Error("pending scan resolve failed", logfields.Error(err))
	}
	if resolved {
		t.settle(ctx, payload.ScenarioID, scenario.ToolSonarQube, false, log)
	}
	log.Warn("sonar scan failed", slog.String("reason", reason))
	return ScanTaskResult{Status: "failed", Error: reason}
}

// OnSonarAnalysisComplete is the webhook entry point. The HTTP layer owns
// authentication and hands over the analysed component key plus whether the
// analysis succeeded. Callbacks for unknown or already-settled keys are
// dropped; a row cancelled with its scenario has nothing left to do.
func (t *Tasks) OnSonarAnalysisComplete(ctx context.Context, componentKey string, analysisOK bool) error {
	log := slog.Default().With(
		slog.String("component_key", componentKey),
		logfields.Tool(scenario.ToolSonarQube),
	)
	pending, err := t.store.ScanPendings.ByComponentKey(ctx, componentKey)
	if err != nil {
		if ferrors.HasCategory(err, ferrors.CategoryNotFound) {
			log.Debug("callback for unknown component dropped")
			return nil
		}
		return err
	}
	if pending.Status != model.ScanPendingScanning {
		log.Debug("late scan callback dropped", slog.String("status", string(pending.Status)))
		return nil
	}
	log = log.With(logfields.ScenarioID(pending.ScenarioID), logfields.Commit(pending.CommitSHA))

	if !analysisOK {
		resolved, err := t.store.ScanPendings.Resolve(ctx, componentKey, model.ScanPendingFailed, "analysis failed")
		if err != nil {
			return err
		}
		if resolved {
			t.settle(ctx, pending.ScenarioID, scenario.ToolSonarQube, false, log)
		}
		log.Warn("sonar analysis failed")
		return nil
	}

	spec, err := t.loadSpec(ctx, pending.ScenarioID)
	if err != nil {
		return err
	}
	selected := spec.Features.ScanMetrics.SonarQube

	measures, err := t.sonar.Measures(ctx, componentKey, selected)
	if err != nil {
		resolved, rerr := t.store.ScanPendings.Resolve(ctx, componentKey, model.ScanPendingFailed, err.Error())
		if rerr == nil && resolved {
			t.settle(ctx, pending.ScenarioID, scenario.ToolSonarQube, false, log)
		}
		log.Warn("sonar measures fetch failed", logfields.Error(err))
		return nil
	}

	// Every selected metric becomes a key on every matching vector; absent
	// measures stay null so downstream frames keep the column.
	patch := make(map[string]any, len(selected))
	for _, m := range selected {
		if v, ok := measures[m]; ok {
			patch["sonar_"+m] = v
		} else {
			patch["sonar_"+m] = nil
		}
	}
	n, err := t.store.Vectors.BackfillScanMetrics(ctx, model.ScopeScenario, pending.ScenarioID, pending.RawRepoID, pending.CommitSHA, patch)
	if err != nil {
		resolved, rerr := t.store.ScanPendings.Resolve(ctx, componentKey, model.ScanPendingFailed, err.Error())
		if rerr == nil && resolved {
			t.settle(ctx, pending.ScenarioID, scenario.ToolSonarQube, false, log)
		}
		return err
	}

	resolved, err := t.store.ScanPendings.Resolve(ctx, componentKey, model.ScanPendingCompleted, "")
	if err != nil {
		return err
	}
	if resolved {
		t.settle(ctx, pending.ScenarioID, scenario.ToolSonarQube, true, log)
	}
	log.Info("sonar metrics backfilled", logfields.Count(int(n)))
	return nil
}

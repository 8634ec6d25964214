// Package scan enriches feature vectors with static analysis results. Scans
// are expensive and run off the critical processing path: the dispatcher
// deduplicates commits, fans scan tasks out in rate-limited batches, and the
// per-tool tasks backfill their metrics into every matching vector.
//
// SonarQube is webhook-driven: the scan task launches the scanner CLI and a
// tracking row waits for the server's analysis callback before measures are
// fetched and backfilled. Trivy runs synchronously inside its task.
package scan

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	"git.home.luguber.info/inful/riskbuilder/internal/events"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/metrics"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
	"git.home.luguber.info/inful/riskbuilder/internal/workspace"
)

// Task names registered by this package.
const (
	TaskDispatchScanBatch = "dispatch_scan_batch"
	TaskStartSonarScan    = "start_sonar_scan"
	TaskStartTrivyScan    = "start_trivy_scan"
)

// Unit is one deduplicated (repository, commit) scan target. EffectiveSHA
// names the worktree on disk; CommitSHA is the identity metrics are keyed by.
type Unit struct {
	RawRepoID    string `json:"raw_repo_id"`
	FullName     string `json:"full_name"`
	CommitSHA    string `json:"commit_sha"`
	EffectiveSHA string `json:"effective_sha"`
}

// BatchPayload is the input of dispatch_scan_batch. Batches run as a
// sequential chain; every batch after the first waits DelayMS before
// dispatching so external scanners see a bounded request rate.
type BatchPayload struct {
	ScenarioID string   `json:"scenario_id"`
	Index      int      `json:"index"`
	DelayMS    int64    `json:"delay_ms,omitempty"`
	Tools      []string `json:"tools"`
	Units      []Unit   `json:"units"`
}

// BatchResult summarises one batch dispatch.
type BatchResult struct {
	Dispatched int  `json:"dispatched"`
	Failed     int  `json:"failed"`
	Stale      bool `json:"stale,omitempty"`
}

// SonarScanPayload is the input of start_sonar_scan.
type SonarScanPayload struct {
	ScenarioID   string `json:"scenario_id"`
	RawRepoID    string `json:"raw_repo_id"`
	FullName     string `json:"full_name"`
	CommitSHA    string `json:"commit_sha"`
	EffectiveSHA string `json:"effective_sha"`
	ComponentKey string `json:"component_key"`
	ConfigPath   string `json:"config_path,omitempty"`
}

// TrivyScanPayload is the input of start_trivy_scan.
type TrivyScanPayload struct {
	ScenarioID   string   `json:"scenario_id"`
	RawRepoID    string   `json:"raw_repo_id"`
	FullName     string   `json:"full_name"`
	CommitSHA    string   `json:"commit_sha"`
	EffectiveSHA string   `json:"effective_sha"`
	Metrics      []string `json:"metrics"`
	ConfigPath   string   `json:"config_path,omitempty"`
}

// ScanTaskResult is the terminal state of one scan task.
type ScanTaskResult struct {
	Status   string `json:"status"` // scanning | completed | failed
	Backfill int64  `json:"backfilled_vectors,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Tasks bundles the scan handlers, the dispatcher, and the webhook entry
// point with their dependencies. One instance serves a worker process.
type Tasks struct {
	cfg       config.ScanConfig
	layout    *workspace.Layout
	store     *store.Store
	broker    *taskqueue.Broker
	sonar     Sonar
	trivy     Trivy
	recorder  metrics.Recorder
	publisher *events.Publisher
}

// NewTasks wires the scan task handlers. Sonar and trivy backends default to
// the binary-backed gateways; tests inject stubs.
func NewTasks(cfg config.ScanConfig, l *workspace.Layout, st *store.Store, broker *taskqueue.Broker) *Tasks {
	return &Tasks{
		cfg:      cfg,
		layout:   l,
		store:    st,
		broker:   broker,
		sonar:    NewSonarGateway(cfg.Sonar),
		trivy:    NewTrivyRunner(cfg.Trivy),
		recorder: metrics.NoopRecorder{},
	}
}

// SetRecorder replaces the metrics recorder. Nil restores the no-op.
func (t *Tasks) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	t.recorder = r
}

// SetPublisher injects the event publisher. Nil keeps events off.
func (t *Tasks) SetPublisher(p *events.Publisher) { t.publisher = p }

// SetSonar replaces the Sonar backend.
func (t *Tasks) SetSonar(s Sonar) { t.sonar = s }

// SetTrivy replaces the Trivy backend.
func (t *Tasks) SetTrivy(tr Trivy) { t.trivy = tr }

// Register adds the scan task definitions to the registry. Scan tasks run a
// single attempt: their failures settle the scenario's scan counters
// immediately and the retry surface is RetryCommitScan, not redelivery.
func (t *Tasks) Register(reg *taskqueue.Registry) {
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskDispatchScanBatch,
		Queue:       taskqueue.QueueScenarioScanning,
		SoftLimit:   10 * time.Minute,
		MaxAttempts: 1,
		Handler:     t.DispatchScanBatch,
	})
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskStartSonarScan,
		Queue:       taskqueue.QueueSonarScan,
		SoftLimit:   t.cfg.Sonar.ScanTimeoutDuration(),
		MaxAttempts: 1,
		Handler:     t.StartSonarScan,
	})
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskStartTrivyScan,
		Queue:       taskqueue.QueueTrivyScan,
		SoftLimit:   t.cfg.Trivy.TimeoutDuration(),
		MaxAttempts: 1,
		Handler:     t.StartTrivyScan,
	})
}

// ComponentKey builds the Sonar project key for one commit scan:
// <prefix>_<owner_repo>_<sha12>. The prefix carries a scenario discriminator
// so concurrent scenarios scanning the same commit own separate analyses.
func ComponentKey(prefix, fullName, sha string) string {
	repo := strings.ReplaceAll(fullName, "/", "_")
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return prefix + "_" + repo + "_" + sha
}

// ScenarioPrefix derives the per-scenario component key prefix from the
// configured base.
func ScenarioPrefix(base, scenarioID string) string {
	short := strings.ReplaceAll(scenarioID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return base + "-" + short
}

// loadSpec fetches a scenario row and parses its stored configuration.
func (t *Tasks) loadSpec(ctx context.Context, scenarioID string) (*scenario.Spec, error) {
	scen, err := t.store.Scenarios.ByID(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	spec, err := scenario.Load([]byte(scen.ConfigYAML))
	if err != nil {
		return nil, ferrors.ScanError("stored scenario config unparseable").
			WithCause(err).WithContext("scenario_id", scenarioID).Build()
	}
	return spec, nil
}

// settle records one scan's terminal outcome on the scenario: the matching
// counter increments and, when this was the last outstanding scan, the
// completion flag flips and a final SCAN_UPDATE goes out.
func (t *Tasks) settle(ctx context.Context, scenarioID, tool string, success bool, log *slog.Logger) {
	counter := store.CounterScansFailed
	result := "failed"
	if success {
		counter = store.CounterScansCompleted
		result = "completed"
	}
	t.recorder.IncScanResult(tool, result)
	if err := t.store.Scenarios.Increment(ctx, scenarioID, counter, 1); err != nil {
		log.Error("scan counter update failed", logfields.Error(err))
		return
	}
	final, err := t.store.Scenarios.MarkScanExtractionComplete(ctx, scenarioID)
	if err != nil {
		log.Error("scan completion check failed", logfields.Error(err))
		return
	}
	scen, err := t.store.Scenarios.ByID(ctx, scenarioID)
	if err == nil {
		t.publisher.ScanUpdate(scenarioID, scen.ScansCompleted, scen.ScansFailed, scen.ScansTotal, scen.ScanExtractionCompleted)
	}
	if final {
		log.Info("scan extraction completed", logfields.ScenarioID(scenarioID))
	}
}

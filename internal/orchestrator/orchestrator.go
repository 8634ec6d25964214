// Package orchestrator owns every scenario-level state transition. It turns
// a stored scenario configuration into the four-phase pipeline (filter,
// ingest, process, split), registers the task handlers that drive it, and
// exposes the lifecycle API used by the CLI and HTTP surfaces. No other
// package moves a scenario between states.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	"git.home.luguber.info/inful/riskbuilder/internal/dataset"
	"git.home.luguber.info/inful/riskbuilder/internal/events"
	"git.home.luguber.info/inful/riskbuilder/internal/features"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/metrics"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/scan"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
	"git.home.luguber.info/inful/riskbuilder/internal/workspace"
)

// Task names owned by the orchestrator.
const (
	TaskScenarioFilter     = "scenario_filter"
	TaskAggregateIngestion = "aggregate_ingestion"
	TaskProcessBuild       = "process_build"
	TaskFinalizeProcessing = "finalize_processing"
	TaskSplitScenario      = "split_scenario"
	TaskDispatchScans      = "dispatch_scans"
)

// Phase names recorded on PipelineRun sub-records.
const (
	PhaseFilter  = "filter"
	PhaseIngest  = "ingest"
	PhaseProcess = "process"
	PhaseSplit   = "split"
)

// Deps carries the orchestrator's collaborators. Everything is required
// except Scans, which may be nil when no scan backend is configured.
type Deps struct {
	Ingestion config.IngestionConfig
	Dataset   config.DatasetConfig
	Store     *store.Store
	Broker    *taskqueue.Broker
	Layout    *workspace.Layout
	Engine    *features.Engine
	Extractor *features.Extractor
	Generator *dataset.Generator
	Scans     *scan.Tasks
}

// Orchestrator drives scenarios through the pipeline. One instance serves a
// worker process; the lifecycle methods are safe for concurrent use because
// every transition is a guarded store update.
type Orchestrator struct {
	ingCfg    config.IngestionConfig
	dsCfg     config.DatasetConfig
	store     *store.Store
	broker    *taskqueue.Broker
	layout    *workspace.Layout
	engine    *features.Engine
	extractor *features.Extractor
	generator *dataset.Generator
	scans     *scan.Tasks
	recorder  metrics.Recorder
	publisher *events.Publisher
}

// New wires the orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		ingCfg:    d.Ingestion,
		dsCfg:     d.Dataset,
		store:     d.Store,
		broker:    d.Broker,
		layout:    d.Layout,
		engine:    d.Engine,
		extractor: d.Extractor,
		generator: d.Generator,
		scans:     d.Scans,
		recorder:  metrics.NoopRecorder{},
	}
}

// SetRecorder replaces the metrics recorder. Nil restores the no-op.
func (o *Orchestrator) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	o.recorder = r
}

// SetPublisher injects the event publisher. Nil keeps events off.
func (o *Orchestrator) SetPublisher(p *events.Publisher) { o.publisher = p }

// Register adds the pipeline task definitions. Filter and aggregate run a
// single attempt: the first bulk-creates child rows and the second drains
// the correlation result list destructively, so neither is safe to replay.
// Process tasks retry once; the finalizer sweeps whatever still failed.
func (o *Orchestrator) Register(reg *taskqueue.Registry) {
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskScenarioFilter,
		Queue:       taskqueue.QueueScenarioIngestion,
		SoftLimit:   5 * time.Minute,
		MaxAttempts: 1,
		Handler:     o.ScenarioFilter,
	})
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskAggregateIngestion,
		Queue:       taskqueue.QueueScenarioIngestion,
		SoftLimit:   5 * time.Minute,
		MaxAttempts: 1,
		Handler:     o.AggregateIngestion,
	})
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskProcessBuild,
		Queue:       taskqueue.QueueScenarioProcessing,
		SoftLimit:   10 * time.Minute,
		MaxAttempts: 2,
		Handler:     o.ProcessBuild,
	})
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskFinalizeProcessing,
		Queue:       taskqueue.QueueScenarioProcessing,
		SoftLimit:   5 * time.Minute,
		MaxAttempts: 1,
		Handler:     o.FinalizeProcessing,
	})
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskSplitScenario,
		Queue:       taskqueue.QueueScenarioProcessing,
		SoftLimit:   10 * time.Minute,
		MaxAttempts: 1,
		Handler:     o.SplitScenario,
	})
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskDispatchScans,
		Queue:       taskqueue.QueueScenarioScanning,
		SoftLimit:   5 * time.Minute,
		MaxAttempts: 1,
		Handler:     o.DispatchScans,
	})
}

// CreateScenario validates the configuration and persists a new scenario in
// the queued state. An empty name falls back to the name declared inside
// the configuration.
func (o *Orchestrator) CreateScenario(ctx context.Context, owner, name, configYAML string) (*model.Scenario, error) {
	spec, err := scenario.Load([]byte(configYAML))
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = spec.Name
	}
	scen, err := o.store.Scenarios.Create(ctx, owner, name, configYAML)
	if err != nil {
		return nil, err
	}
	o.publisher.ScenarioUpdate(scen)
	return scen, nil
}

// UpdateScenario replaces the stored configuration. The store rejects the
// update while a pipeline is active; on success the scenario resets to
// queued so the next generation runs against the new configuration.
func (o *Orchestrator) UpdateScenario(ctx context.Context, id, configYAML string) error {
	if _, err := scenario.Load([]byte(configYAML)); err != nil {
		return err
	}
	if err := o.store.Scenarios.UpdateConfig(ctx, id, configYAML); err != nil {
		return err
	}
	o.publishState(ctx, id)
	return nil
}

// DeleteScenario removes a scenario, its child rows, and its on-disk
// artifacts. Active scenarios are rejected: in-flight tasks would recreate
// state behind the delete.
func (o *Orchestrator) DeleteScenario(ctx context.Context, id string) error {
	scen, err := o.store.Scenarios.ByID(ctx, id)
	if err != nil {
		return err
	}
	for _, st := range model.ActiveScenarioStatuses {
		if scen.Status == st {
			return ferrors.ConflictError("scenario has an active pipeline").
				WithContext("scenario_id", id).
				WithContext("status", string(scen.Status)).Build()
		}
	}
	if err := o.store.Scenarios.Delete(ctx, id); err != nil {
		return err
	}
	if err := o.layout.RemoveScenario(id); err != nil {
		return err
	}
	o.publisher.Publish(events.Update{Type: events.TypeScenario, ID: id, Status: "deleted"})
	return nil
}

// GetScenarioSplits returns the recorded dataset splits of a scenario.
func (o *Orchestrator) GetScenarioSplits(ctx context.Context, id string) ([]model.DatasetSplit, error) {
	return o.store.Splits.ByScenario(ctx, id)
}

// SplitFilePath resolves the absolute path of one exported split file.
func (o *Orchestrator) SplitFilePath(scenarioID, splitType, format string) string {
	return o.layout.SplitFilePath(scenarioID, splitType, format)
}

// loadSpec parses a scenario's stored configuration. When the scenario
// omits split ratios and the runtime configures a train ratio, the
// remainder is divided evenly between validation and test before the stock
// defaults would apply.
func (o *Orchestrator) loadSpec(scen *model.Scenario) (*scenario.Spec, error) {
	spec, err := scenario.Load([]byte(scen.ConfigYAML))
	if err != nil {
		return nil, ferrors.ValidationError("stored scenario config unparseable").
			WithCause(err).WithContext("scenario_id", scen.ID).Build()
	}
	if t := o.dsCfg.TrainRatio; t > 0 && t < 1 {
		if raw, err := scenario.Parse([]byte(scen.ConfigYAML)); err == nil && len(raw.Splitting.Ratios) == 0 {
			rest := (1 - t) / 2
			spec.Splitting.Ratios = []float64{t, rest, rest}
		}
	}
	return spec, nil
}

// scenarioFor loads the scenario behind a task envelope and reports whether
// the envelope belongs to a superseded run. Stale tasks are dropped without
// touching state: a newer dispatch owns the scenario now.
func (o *Orchestrator) scenarioFor(ctx context.Context, inv *taskqueue.Invocation, scenarioID string) (*model.Scenario, bool, error) {
	scen, err := o.store.Scenarios.ByID(ctx, scenarioID)
	if err != nil {
		return nil, false, err
	}
	if inv.Epoch() > 0 && scen.Epoch != inv.Epoch() {
		inv.Logger().Info("stale scenario task dropped",
			logfields.ScenarioID(scenarioID),
			slog.Int64("task_epoch", inv.Epoch()),
			slog.Int64("scenario_epoch", scen.Epoch))
		return scen, true, nil
	}
	return scen, false, nil
}

// startRun mints a correlation id, bumps the scenario epoch, and opens the
// pipeline run record. The epoch bump strands every envelope of the
// previous run.
func (o *Orchestrator) startRun(ctx context.Context, scenarioID string) (string, int64, error) {
	corrID := uuid.NewString()
	epoch, err := o.store.Scenarios.SetCorrelation(ctx, scenarioID, corrID)
	if err != nil {
		return "", 0, err
	}
	if _, err := o.store.PipelineRuns.StartRun(ctx, scenarioID, corrID); err != nil {
		return "", 0, err
	}
	return corrID, epoch, nil
}

// finishPhase closes a phase record and emits its metrics. The duration
// derives from the stored record so it covers the queue and member task
// time, not just the closing handler.
func (o *Orchestrator) finishPhase(ctx context.Context, corrID, phase, status string, done, failed int64, errMsg string, log *slog.Logger) {
	if err := o.store.PipelineRuns.FinishPhase(ctx, corrID, phase, status, done, failed, errMsg); err != nil {
		log.Warn("finish phase", logfields.Phase(phase), logfields.Error(err))
		return
	}
	o.recorder.IncPhaseOutcome(phase, status)
	run, err := o.store.PipelineRuns.ByCorrelation(ctx, corrID)
	if err != nil {
		return
	}
	phases, err := o.store.PipelineRuns.Phases(ctx, run.ID)
	if err != nil {
		return
	}
	for _, ph := range phases {
		if ph.Phase == phase && ph.CompletedAt.Valid {
			o.recorder.ObservePhaseDuration(phase, ph.CompletedAt.Time.Sub(ph.StartedAt))
		}
	}
}

// failScenario marks the scenario failed and closes the current phase and
// run. Bookkeeping errors are logged rather than propagated so the original
// cause is what the task reports.
func (o *Orchestrator) failScenario(ctx context.Context, scenarioID, corrID, phase, msg string, log *slog.Logger) {
	if err := o.store.Scenarios.Fail(ctx, scenarioID, msg); err != nil {
		log.Error("scenario fail transition", logfields.ScenarioID(scenarioID), logfields.Error(err))
	}
	if phase != "" {
		o.finishPhase(ctx, corrID, phase, store.RunFailed, 0, 0, msg, log)
	}
	if err := o.store.PipelineRuns.FinishRun(ctx, corrID, store.RunFailed, msg); err != nil {
		log.Warn("finish run", logfields.CorrelationID(corrID), logfields.Error(err))
	}
	o.publishState(ctx, scenarioID)
}

// publishState reloads the scenario row and publishes a SCENARIO_UPDATE.
func (o *Orchestrator) publishState(ctx context.Context, scenarioID string) {
	scen, err := o.store.Scenarios.ByID(ctx, scenarioID)
	if err != nil {
		return
	}
	o.publisher.ScenarioUpdate(scen)
}

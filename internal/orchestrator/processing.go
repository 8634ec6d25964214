package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"git.home.luguber.info/inful/riskbuilder/internal/features"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// ProcessPayload identifies one enrichment build for feature extraction.
type ProcessPayload struct {
	ScenarioID   string `json:"scenario_id"`
	EnrichmentID string `json:"enrichment_id"`
}

// FinalizePayload identifies the scenario a process chain finalizes.
type FinalizePayload struct {
	ScenarioID string `json:"scenario_id"`
}

// SplitPayload identifies the scenario to split.
type SplitPayload struct {
	ScenarioID string `json:"scenario_id"`
}

// ScanDispatchPayload identifies the scenario whose scans to fan out.
type ScanDispatchPayload struct {
	ScenarioID string `json:"scenario_id"`
}

// ProcessResult reports one build's extraction outcome.
type ProcessResult struct {
	Status model.ExtractionStatus `json:"status,omitempty"`
	Stale  bool                   `json:"stale,omitempty"`
}

// FinalizeResult reports the settled processing counts.
type FinalizeResult struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Stale     bool  `json:"stale,omitempty"`
}

// SplitResult reports the exported dataset splits.
type SplitResult struct {
	Splits  int   `json:"splits"`
	Records int64 `json:"records"`
	Stale   bool  `json:"stale,omitempty"`
}

// ScanDispatchResult reports how many scan batches went out.
type ScanDispatchResult struct {
	Dispatched int64 `json:"dispatched"`
	Stale      bool  `json:"stale,omitempty"`
}

// StartProcessing moves an ingested scenario into the processing phase: one
// EnrichmentBuild per ingested IngestionBuild, ordered ascending by build
// start so history features observe consistent prior state, then a
// sequential chain process_build_1 .. process_build_n, finalize_processing.
// Scan dispatch runs fire-and-forget alongside when the scenario selects
// scan metrics.
func (o *Orchestrator) StartProcessing(ctx context.Context, scenarioID string) (string, error) {
	scen, err := o.store.Scenarios.ByID(ctx, scenarioID)
	if err != nil {
		return "", err
	}
	spec, err := o.loadSpec(scen)
	if err != nil {
		return "", err
	}
	if err := o.store.Scenarios.Transition(ctx, scenarioID,
		[]model.ScenarioStatus{model.ScenarioIngested}, model.ScenarioProcessing); err != nil {
		return "", err
	}
	corrID, epoch, err := o.startRun(ctx, scenarioID)
	if err != nil {
		return "", err
	}

	ingested, err := o.store.Ingestions.ByScenario(ctx, scenarioID, model.IngestionIngested)
	if err != nil {
		return "", err
	}
	if len(ingested) == 0 {
		msg := "no ingested builds to process"
		if err := o.store.Scenarios.Fail(ctx, scenarioID, msg); err != nil {
			return "", err
		}
		if err := o.store.PipelineRuns.FinishRun(ctx, corrID, store.RunFailed, msg); err != nil {
			return "", err
		}
		o.publishState(ctx, scenarioID)
		return "", ferrors.ConflictError(msg).WithContext("scenario_id", scenarioID).Build()
	}

	runIDs := make([]string, len(ingested))
	for i := range ingested {
		runIDs[i] = ingested[i].RawBuildRunID
	}
	runs, err := o.store.Builds.ByIDs(ctx, runIDs)
	if err != nil {
		return "", err
	}
	for _, ib := range ingested {
		if runs[ib.RawBuildRunID] == nil {
			return "", ferrors.StoreError("build run missing for ingestion build").
				WithContext("ingestion_build_id", ib.ID).Build()
		}
	}
	sort.SliceStable(ingested, func(i, j int) bool {
		ri, rj := runs[ingested[i].RawBuildRunID], runs[ingested[j].RawBuildRunID]
		if !ri.StartedAt.Equal(rj.StartedAt) {
			return ri.StartedAt.Before(rj.StartedAt)
		}
		return ri.BuildNumber < rj.BuildNumber
	})

	enrich := make([]model.EnrichmentBuild, 0, len(ingested))
	for _, ib := range ingested {
		run := runs[ib.RawBuildRunID]
		outcome := 1
		if strings.EqualFold(run.Conclusion, "success") {
			outcome = 0
		}
		enrich = append(enrich, model.EnrichmentBuild{
			ScenarioID:       scenarioID,
			IngestionBuildID: ib.ID,
			RawRepoID:        ib.RawRepoID,
			RawBuildRunID:    ib.RawBuildRunID,
			ExtractionStatus: model.ExtractionPending,
			Outcome:          outcome,
			CommitSHA:        ib.CommitSHA,
			CIRunID:          ib.CIRunID,
			BuildStartedAt:   run.StartedAt,
		})
	}
	// Re-entry after a reingest replaces the previous rows.
	if err := o.store.Enrichments.DeleteByScenario(ctx, scenarioID); err != nil {
		return "", err
	}
	if err := o.store.Enrichments.BulkCreate(ctx, enrich); err != nil {
		return "", err
	}
	counts, err := o.store.Ingestions.CountByStatus(ctx, scenarioID)
	if err != nil {
		return "", err
	}
	if err := o.store.Scenarios.SetCounter(ctx, scenarioID, store.CounterBuildsProcessed, 0); err != nil {
		return "", err
	}
	if err := o.store.Scenarios.SetCounter(ctx, scenarioID, store.CounterBuildsFailed,
		counts[model.IngestionFailed]); err != nil {
		return "", err
	}

	if _, err := o.store.PipelineRuns.StartPhase(ctx, corrID, PhaseProcess, int64(len(enrich))); err != nil {
		return "", err
	}
	opts := taskqueue.SubmitOptions{CorrelationID: corrID, Epoch: epoch}
	stages := make([]taskqueue.Signature, 0, len(enrich)+1)
	for _, eb := range enrich {
		sig := taskqueue.NewSignature(TaskProcessBuild, taskqueue.QueueScenarioProcessing,
			ProcessPayload{ScenarioID: scenarioID, EnrichmentID: eb.ID})
		// A dead build must not kill the chain; the finalizer sweeps it.
		sig.IgnoreResult = true
		stages = append(stages, sig)
	}
	stages = append(stages, taskqueue.NewSignature(TaskFinalizeProcessing,
		taskqueue.QueueScenarioProcessing, FinalizePayload{ScenarioID: scenarioID}))
	if _, _, err := o.broker.SubmitChain(ctx, stages, opts); err != nil {
		return "", err
	}

	if spec.Features.ScanEnabled() {
		sig := taskqueue.NewSignature(TaskDispatchScans, taskqueue.QueueScenarioScanning,
			ScanDispatchPayload{ScenarioID: scenarioID})
		if _, _, err := o.broker.SubmitTask(ctx, sig, opts); err != nil {
			return "", err
		}
	}
	o.publishState(ctx, scenarioID)
	return corrID, nil
}

// ProcessBuild extracts the feature vector for one enrichment build. The
// chain stage ignores results, so a terminal failure here leaves the row
// pending for the finalizer's sweep while the rest of the chain continues.
func (o *Orchestrator) ProcessBuild(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var p ProcessPayload
	if err := inv.Decode(&p); err != nil {
		return nil, err
	}
	log := inv.Logger().With(logfields.ScenarioID(p.ScenarioID))
	scen, stale, err := o.scenarioFor(ctx, inv, p.ScenarioID)
	if err != nil {
		return nil, err
	}
	if stale {
		return ProcessResult{Stale: true}, nil
	}

	eb, err := o.store.Enrichments.ByID(ctx, p.EnrichmentID)
	if err != nil {
		return nil, err
	}
	switch eb.ExtractionStatus {
	case model.ExtractionCompleted, model.ExtractionPartial, model.ExtractionFailed:
		// Redelivered envelope over a settled row.
		return ProcessResult{Status: eb.ExtractionStatus}, nil
	}

	spec, err := o.loadSpec(scen)
	if err != nil {
		return nil, err
	}
	ib, err := o.store.Ingestions.ByID(ctx, eb.IngestionBuildID)
	if err != nil {
		return nil, err
	}
	run, err := o.store.Builds.ByID(ctx, eb.RawBuildRunID)
	if err != nil {
		return nil, err
	}
	repo, err := o.store.Repos.ByID(ctx, eb.RawRepoID)
	if err != nil {
		return nil, err
	}
	prior, err := o.store.Builds.PriorBuilds(ctx, eb.RawRepoID, *run, 0)
	if err != nil {
		return nil, err
	}

	vector, result, err := o.extractor.ExtractBuild(ctx, features.Request{
		Scope:         model.ScopeScenario,
		ScopeID:       p.ScenarioID,
		CorrelationID: inv.CorrelationID(),
		Features:      spec.Features.Selected,
		Exclusions:    spec.Features.Exclusions,
		Repo:          repo,
		Build:         run,
		Prior:         prior,
		ResourceState: ib.ResourceStatus,
	}, log)
	if err != nil {
		return nil, err
	}

	errMsg := ""
	if result.Status == model.ExtractionFailed && len(result.Warnings) > 0 {
		errMsg = strings.Join(result.Warnings, "; ")
	}
	if err := o.store.Enrichments.SetExtractionResult(ctx, eb.ID, result.Status, vector.ID, errMsg); err != nil {
		return nil, err
	}
	counter := store.CounterBuildsProcessed
	if result.Status == model.ExtractionFailed {
		counter = store.CounterBuildsFailed
	}
	if err := o.store.Scenarios.Increment(ctx, p.ScenarioID, counter, 1); err != nil {
		return nil, err
	}
	o.publisher.EnrichmentUpdate(eb.ID, result.Status)
	return ProcessResult{Status: result.Status}, nil
}

// FinalizeProcessing closes the process phase: rows the chain never settled
// are swept to failed, counters are reconciled from the rows, and the
// scenario advances to splitting with the split task dispatched.
func (o *Orchestrator) FinalizeProcessing(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var p FinalizePayload
	if err := inv.Decode(&p); err != nil {
		return nil, err
	}
	log := inv.Logger().With(logfields.ScenarioID(p.ScenarioID))
	_, stale, err := o.scenarioFor(ctx, inv, p.ScenarioID)
	if err != nil {
		return nil, err
	}
	if stale {
		return FinalizeResult{Stale: true}, nil
	}
	corrID := inv.CorrelationID()

	builds, err := o.store.Enrichments.ByScenario(ctx, p.ScenarioID)
	if err != nil {
		return nil, err
	}
	var processed, failed int64
	for i := range builds {
		eb := &builds[i]
		switch eb.ExtractionStatus {
		case model.ExtractionCompleted, model.ExtractionPartial:
			processed++
		case model.ExtractionFailed:
			failed++
		default:
			if err := o.store.Enrichments.SetExtractionResult(ctx, eb.ID,
				model.ExtractionFailed, "", "build was not processed before the chain finalized"); err != nil {
				return nil, err
			}
			failed++
			o.publisher.EnrichmentUpdate(eb.ID, model.ExtractionFailed)
		}
	}
	if err := o.store.Scenarios.SetCounter(ctx, p.ScenarioID, store.CounterBuildsProcessed, processed); err != nil {
		return nil, err
	}
	counts, err := o.store.Ingestions.CountByStatus(ctx, p.ScenarioID)
	if err != nil {
		return nil, err
	}
	if err := o.store.Scenarios.SetCounter(ctx, p.ScenarioID, store.CounterBuildsFailed,
		counts[model.IngestionFailed]+failed); err != nil {
		return nil, err
	}

	if processed == 0 {
		msg := "no builds processed"
		o.finishPhase(ctx, corrID, PhaseProcess, store.RunFailed, 0, failed, msg, log)
		o.failScenario(ctx, p.ScenarioID, corrID, "", msg, log)
		return FinalizeResult{Failed: failed}, nil
	}
	o.finishPhase(ctx, corrID, PhaseProcess, store.RunCompleted, processed, failed, "", log)
	if err := o.store.Scenarios.Transition(ctx, p.ScenarioID,
		[]model.ScenarioStatus{model.ScenarioProcessing}, model.ScenarioSplitting); err != nil {
		return nil, err
	}
	if _, err := o.store.PipelineRuns.StartPhase(ctx, corrID, PhaseSplit, 1); err != nil {
		return nil, err
	}
	opts := taskqueue.SubmitOptions{CorrelationID: corrID, Epoch: inv.Epoch()}
	sig := taskqueue.NewSignature(TaskSplitScenario, taskqueue.QueueScenarioProcessing,
		SplitPayload{ScenarioID: p.ScenarioID})
	if _, _, err := o.broker.SubmitTask(ctx, sig, opts); err != nil {
		return nil, err
	}
	log.Info("processing finalized",
		slog.Int64("processed", processed), slog.Int64("failed", failed))
	o.publishState(ctx, p.ScenarioID)
	return FinalizeResult{Processed: processed, Failed: failed}, nil
}

// SplitScenario runs the dataset generator and completes the scenario.
func (o *Orchestrator) SplitScenario(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var p SplitPayload
	if err := inv.Decode(&p); err != nil {
		return nil, err
	}
	log := inv.Logger().With(logfields.ScenarioID(p.ScenarioID))
	scen, stale, err := o.scenarioFor(ctx, inv, p.ScenarioID)
	if err != nil {
		return nil, err
	}
	if stale {
		return SplitResult{Stale: true}, nil
	}
	corrID := inv.CorrelationID()

	spec, err := o.loadSpec(scen)
	if err != nil {
		o.failScenario(ctx, p.ScenarioID, corrID, PhaseSplit, err.Error(), log)
		return nil, err
	}
	splits, err := o.generator.Generate(ctx, p.ScenarioID, spec)
	if err != nil {
		o.failScenario(ctx, p.ScenarioID, corrID, PhaseSplit, err.Error(), log)
		return nil, err
	}
	if err := o.store.Scenarios.Transition(ctx, p.ScenarioID,
		[]model.ScenarioStatus{model.ScenarioSplitting}, model.ScenarioCompleted); err != nil {
		return nil, err
	}
	o.finishPhase(ctx, corrID, PhaseSplit, store.RunCompleted, int64(len(splits)), 0, "", log)
	if err := o.store.PipelineRuns.FinishRun(ctx, corrID, store.RunCompleted, ""); err != nil {
		log.Warn("finish run", logfields.Error(err))
	}
	var records int64
	for _, s := range splits {
		records += s.RecordCount
	}
	log.Info("scenario completed",
		logfields.Count(len(splits)), slog.Int64("records", records))
	o.publishState(ctx, p.ScenarioID)
	return SplitResult{Splits: len(splits), Records: records}, nil
}

// DispatchScans fans out the scenario's scan batches. A dispatch failure
// does not fail the scenario: extraction proceeds and the affected metrics
// stay absent from the vectors until a retry backfills them.
func (o *Orchestrator) DispatchScans(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var p ScanDispatchPayload
	if err := inv.Decode(&p); err != nil {
		return nil, err
	}
	scen, stale, err := o.scenarioFor(ctx, inv, p.ScenarioID)
	if err != nil {
		return nil, err
	}
	if stale {
		return ScanDispatchResult{Stale: true}, nil
	}
	spec, err := o.loadSpec(scen)
	if err != nil {
		return nil, err
	}
	opts := taskqueue.SubmitOptions{CorrelationID: inv.CorrelationID(), Epoch: inv.Epoch()}
	total, err := o.scans.Dispatch(ctx, scen, spec, opts)
	if err != nil {
		return nil, err
	}
	return ScanDispatchResult{Dispatched: total}, nil
}

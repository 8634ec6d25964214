package orchestrator

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/ingest"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/scan"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
)

// generateIngested runs a history-only scenario through its generation phase.
// History features need no acquired resource, so the filter settles the
// scenario as ingested without an acquisition chord.
func (e *orchEnv) generateIngested(t *testing.T, scenarioID string) string {
	t.Helper()
	corrID, err := e.orch.StartScenarioGeneration(t.Context(), scenarioID)
	require.NoError(t, err)
	env := e.pop(t, taskqueue.QueueScenarioIngestion)
	_, err = e.orch.ScenarioFilter(t.Context(), taskqueue.NewTestInvocation(env, e.broker))
	require.NoError(t, err)
	return corrID
}

func TestStartProcessingBuildsChainInTemporalOrder(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "temporal", historyScenarioYAML)
	repo := e.seedRepo(t, "acme/api", "Go")

	// Seeded out of order; the chain order must come from build start times.
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	run3 := e.seedRun(t, repo.ID, 3, "failure", t0.Add(2*time.Hour))
	run1 := e.seedRun(t, repo.ID, 1, "success", t0)
	run2 := e.seedRun(t, repo.ID, 2, "success", t0.Add(time.Hour))

	corr1 := e.generateIngested(t, scen.ID)
	corr2, err := e.orch.StartProcessing(t.Context(), scen.ID)
	require.NoError(t, err)
	require.NotEqual(t, corr1, corr2)

	got, err := e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioProcessing, got.Status)
	assert.Equal(t, corr2, got.CorrelationID)
	assert.EqualValues(t, 2, got.Epoch)

	rows, err := e.store.Enrichments.ByScenario(t.Context(), scen.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, run1.ID, rows[0].RawBuildRunID)
	assert.Equal(t, run2.ID, rows[1].RawBuildRunID)
	assert.Equal(t, run3.ID, rows[2].RawBuildRunID)
	assert.Equal(t, 0, rows[0].Outcome)
	assert.Equal(t, 0, rows[1].Outcome)
	assert.Equal(t, 1, rows[2].Outcome, "failed build labels positive")
	for i, row := range rows {
		assert.EqualValues(t, i, row.Sequence)
		assert.Equal(t, model.ExtractionPending, row.ExtractionStatus)
	}

	head := e.pop(t, taskqueue.QueueScenarioProcessing)
	assert.Equal(t, TaskProcessBuild, head.Task)
	assert.Equal(t, corr2, head.CorrelationID)
	assert.EqualValues(t, 2, head.Epoch)
	var p ProcessPayload
	require.NoError(t, json.Unmarshal(head.Payload, &p))
	assert.Equal(t, rows[0].ID, p.EnrichmentID, "chain starts at the earliest build")
	require.Len(t, head.Chain, 3)
	assert.Equal(t, TaskProcessBuild, head.Chain[0].Task)
	assert.Equal(t, TaskProcessBuild, head.Chain[1].Task)
	assert.Equal(t, TaskFinalizeProcessing, head.Chain[2].Task)

	// No scan metrics selected, so nothing goes to the scan queue.
	assert.Zero(t, e.depth(t, taskqueue.QueueScenarioScanning))

	_, err = e.orch.StartProcessing(t.Context(), scen.ID)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConflict))
}

func TestProcessAndSplitEndToEnd(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "endtoend", historyScenarioYAML)
	repo := e.seedRepo(t, "acme/api", "Go")
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 10; i++ {
		conclusion := "success"
		if i%3 == 0 {
			conclusion = "failure"
		}
		e.seedRun(t, repo.ID, i, conclusion, t0.Add(time.Duration(i)*time.Hour))
	}

	e.generateIngested(t, scen.ID)
	corrID, err := e.orch.StartProcessing(t.Context(), scen.ID)
	require.NoError(t, err)
	e.pop(t, taskqueue.QueueScenarioProcessing) // chain head; handlers run directly below

	rows, err := e.store.Enrichments.ByScenario(t.Context(), scen.ID)
	require.NoError(t, err)
	require.Len(t, rows, 10)
	for _, row := range rows {
		inv := e.invoke(t, TaskProcessBuild, taskqueue.QueueScenarioProcessing,
			ProcessPayload{ScenarioID: scen.ID, EnrichmentID: row.ID}, corrID, 2)
		res, err := e.orch.ProcessBuild(t.Context(), inv)
		require.NoError(t, err)
		assert.Equal(t, ProcessResult{Status: model.ExtractionCompleted}, res)
	}

	got, err := e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, got.BuildsProcessed)
	assert.Zero(t, got.BuildsFailed)

	// Redelivery over a settled row returns its status without recounting.
	inv := e.invoke(t, TaskProcessBuild, taskqueue.QueueScenarioProcessing,
		ProcessPayload{ScenarioID: scen.ID, EnrichmentID: rows[0].ID}, corrID, 2)
	res, err := e.orch.ProcessBuild(t.Context(), inv)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Status: model.ExtractionCompleted}, res)
	got, err = e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, got.BuildsProcessed)

	finRes, err := e.orch.FinalizeProcessing(t.Context(), e.invoke(t, TaskFinalizeProcessing,
		taskqueue.QueueScenarioProcessing, FinalizePayload{ScenarioID: scen.ID}, corrID, 2))
	require.NoError(t, err)
	assert.Equal(t, FinalizeResult{Processed: 10}, finRes)

	got, err = e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioSplitting, got.Status)

	splitEnv := e.pop(t, taskqueue.QueueScenarioProcessing)
	assert.Equal(t, TaskSplitScenario, splitEnv.Task)
	splRes, err := e.orch.SplitScenario(t.Context(), taskqueue.NewTestInvocation(splitEnv, e.broker))
	require.NoError(t, err)
	sr, ok := splRes.(SplitResult)
	require.True(t, ok)
	assert.EqualValues(t, 10, sr.Records)
	require.Positive(t, sr.Splits)

	got, err = e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioCompleted, got.Status)
	assert.True(t, got.CompletedAt.Valid)

	splits, err := e.orch.GetScenarioSplits(t.Context(), scen.ID)
	require.NoError(t, err)
	require.Len(t, splits, sr.Splits)
	var records int64
	for _, s := range splits {
		records += s.RecordCount
		assert.Equal(t, "csv", s.Format)
		_, statErr := os.Stat(s.FilePath)
		assert.NoError(t, statErr)
	}
	assert.EqualValues(t, 10, records)

	rows, err = e.store.Enrichments.ByScenario(t.Context(), scen.ID)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, model.ExtractionCompleted, row.ExtractionStatus)
		assert.True(t, row.FeatureVectorID.Valid)
		assert.True(t, row.SplitAssignment.Valid)
	}

	run, err := e.store.PipelineRuns.ByCorrelation(t.Context(), corrID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	phases, err := e.store.PipelineRuns.Phases(t.Context(), run.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	for _, ph := range phases {
		assert.Equal(t, store.RunCompleted, ph.Status)
	}
}

func TestFinalizeProcessingFailsWhenNothingProcessed(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "sweep", historyScenarioYAML)
	repo := e.seedRepo(t, "acme/api", "Go")
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 3; i++ {
		e.seedRun(t, repo.ID, i, "success", t0.Add(time.Duration(i)*time.Hour))
	}
	e.generateIngested(t, scen.ID)
	corrID, err := e.orch.StartProcessing(t.Context(), scen.ID)
	require.NoError(t, err)

	// The whole chain died without settling a single row.
	res, err := e.orch.FinalizeProcessing(t.Context(), e.invoke(t, TaskFinalizeProcessing,
		taskqueue.QueueScenarioProcessing, FinalizePayload{ScenarioID: scen.ID}, corrID, 2))
	require.NoError(t, err)
	assert.Equal(t, FinalizeResult{Failed: 3}, res)

	rows, err := e.store.Enrichments.ByScenario(t.Context(), scen.ID)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, model.ExtractionFailed, row.ExtractionStatus)
		assert.Equal(t, "build was not processed before the chain finalized", row.Error)
	}

	got, err := e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioFailed, got.Status)
	assert.Equal(t, "no builds processed", got.ErrorMessage)
	assert.Zero(t, got.BuildsProcessed)
	assert.EqualValues(t, 3, got.BuildsFailed)

	run, err := e.store.PipelineRuns.ByCorrelation(t.Context(), corrID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	phases, err := e.store.PipelineRuns.Phases(t.Context(), run.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, store.RunFailed, phases[0].Status)
	assert.EqualValues(t, 3, phases[0].ItemsFailed)
}

func TestReingestMissingResource(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "reingest", gitScenarioYAML)
	repo := e.seedRepo(t, "acme/api", "Go")

	required := model.StringList{model.ResourceGitHistory, model.ResourceBuildLogs}
	builds := []model.IngestionBuild{
		{ScenarioID: scen.ID, RawRepoID: repo.ID, RawBuildRunID: "run-1",
			RequiredResources: required, CommitSHA: "sha-1", CIRunID: "ci-1"},
		{ScenarioID: scen.ID, RawRepoID: repo.ID, RawBuildRunID: "run-2",
			RequiredResources: required, CommitSHA: "sha-2", CIRunID: "ci-2"},
	}
	_, err := e.store.Scenarios.SetCorrelation(t.Context(), scen.ID, "corr-1")
	require.NoError(t, err)
	require.NoError(t, e.store.Ingestions.BulkCreate(t.Context(), builds))

	ok := builds[0]
	ok.Status = model.IngestionIngested
	ok.ResourceStatus = model.ResourceStatusMap{
		model.ResourceGitHistory: {Status: model.ResourceCompleted},
		model.ResourceBuildLogs:  {Status: model.ResourceCompleted},
	}
	require.NoError(t, e.store.Ingestions.Update(t.Context(), &ok))
	missing := builds[1]
	missing.Status = model.IngestionMissingResource
	missing.Error = "logs expired"
	missing.ResourceStatus = model.ResourceStatusMap{
		model.ResourceGitHistory: {Status: model.ResourceCompleted},
		model.ResourceBuildLogs:  {Status: model.ResourceFailed, Error: "logs expired"},
	}
	require.NoError(t, e.store.Ingestions.Update(t.Context(), &missing))
	e.advance(t, scen.ID, model.ScenarioQueued, model.ScenarioFiltering,
		model.ScenarioIngesting, model.ScenarioIngested)

	corrID, err := e.orch.ReingestMissingResource(t.Context(), scen.ID)
	require.NoError(t, err)
	require.NotEqual(t, "corr-1", corrID)

	got, err := e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioIngesting, got.Status)
	assert.EqualValues(t, 2, got.Epoch)

	rows, err := e.store.Ingestions.ByScenario(t.Context(), scen.ID)
	require.NoError(t, err)
	byID := map[string]model.IngestionBuild{}
	for _, b := range rows {
		byID[b.ID] = b
	}
	assert.Equal(t, model.IngestionIngested, byID[ok.ID].Status, "settled build untouched")
	reset := byID[missing.ID]
	assert.Equal(t, model.IngestionPending, reset.Status)
	assert.Empty(t, reset.Error)
	assert.Equal(t, model.ResourceCompleted, reset.ResourceStatus[model.ResourceGitHistory].Status,
		"completed resource survives the reset")
	assert.Equal(t, model.ResourcePending, reset.ResourceStatus[model.ResourceBuildLogs].Status)

	// Only the missing resource is re-planned: no clone, just the download.
	env := e.pop(t, taskqueue.QueueIngestion)
	assert.Equal(t, ingest.TaskDownloadBuildLogs, env.Task)
	assert.Equal(t, corrID, env.CorrelationID)
	require.NotNil(t, env.Chord)

	require.NoError(t, e.broker.AppendResult(t.Context(), corrID, ingest.ResourceOutcome{
		RawRepoID: repo.ID, IngestionBuildID: missing.ID,
		Resource: model.ResourceBuildLogs, Status: model.ResourceCompleted,
	}))
	aggRes, err := e.orch.AggregateIngestion(t.Context(), e.invoke(t, TaskAggregateIngestion,
		taskqueue.QueueScenarioIngestion, AggregatePayload{ScenarioID: scen.ID}, corrID, 2))
	require.NoError(t, err)
	assert.Equal(t, AggregateResult{Ingested: 2}, aggRes)

	got, err = e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioIngested, got.Status)
	assert.EqualValues(t, 2, got.BuildsIngested)
	assert.Zero(t, got.BuildsMissingResource)
	assert.Zero(t, got.BuildsFailed)

	run, err := e.store.PipelineRuns.ByCorrelation(t.Context(), corrID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)

	// Nothing left to reingest now.
	_, err = e.orch.ReingestMissingResource(t.Context(), scen.ID)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
}

const scanScenarioYAML = `name: scan scenario
data_source:
  mode: by_language
  languages: [Go]
  conclusions: [success, failure]
features:
  selected: [history_*]
  scan_metrics:
    sonarqube: [bugs, code_smells]
output:
  format: csv
`

func TestDispatchScans(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "scans", scanScenarioYAML)
	repo := e.seedRepo(t, "acme/api", "Go")
	_, err := e.store.Scenarios.SetCorrelation(t.Context(), scen.ID, "corr-1")
	require.NoError(t, err)

	// Three ingested builds over two distinct commits: scans deduplicate to
	// one unit per (repository, commit).
	builds := []model.IngestionBuild{
		{ScenarioID: scen.ID, RawRepoID: repo.ID, RawBuildRunID: "run-1", CommitSHA: "sha-a"},
		{ScenarioID: scen.ID, RawRepoID: repo.ID, RawBuildRunID: "run-2", CommitSHA: "sha-a"},
		{ScenarioID: scen.ID, RawRepoID: repo.ID, RawBuildRunID: "run-3", CommitSHA: "sha-b"},
	}
	require.NoError(t, e.store.Ingestions.BulkCreate(t.Context(), builds))
	n, err := e.store.Ingestions.MarkStatusByScenario(t.Context(), scen.ID,
		[]model.IngestionStatus{model.IngestionPending}, model.IngestionIngested, "")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	res, err := e.orch.DispatchScans(t.Context(), e.invoke(t, TaskDispatchScans,
		taskqueue.QueueScenarioScanning, ScanDispatchPayload{ScenarioID: scen.ID}, "corr-1", 1))
	require.NoError(t, err)
	assert.Equal(t, ScanDispatchResult{Dispatched: 2}, res)

	got, err := e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.ScansTotal)
	assert.Zero(t, got.ScansCompleted)

	assert.EqualValues(t, 1, e.depth(t, taskqueue.QueueScenarioScanning), "one batch chain")
	env := e.pop(t, taskqueue.QueueScenarioScanning)
	assert.Equal(t, scan.TaskDispatchScanBatch, env.Task)
	assert.Equal(t, "corr-1", env.CorrelationID)
}

package orchestrator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/ingest"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
)

func TestStartScenarioGeneration(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "kickoff", historyScenarioYAML)

	corrID, err := e.orch.StartScenarioGeneration(t.Context(), scen.ID)
	require.NoError(t, err)
	require.NotEmpty(t, corrID)

	got, err := e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioFiltering, got.Status)
	assert.Equal(t, corrID, got.CorrelationID)
	assert.EqualValues(t, 1, got.Epoch)

	run, err := e.store.PipelineRuns.ByCorrelation(t.Context(), corrID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.Status)

	env := e.pop(t, taskqueue.QueueScenarioIngestion)
	assert.Equal(t, TaskScenarioFilter, env.Task)
	assert.Equal(t, corrID, env.CorrelationID)
	assert.EqualValues(t, 1, env.Epoch)

	// A second dispatch while filtering is a conflict.
	_, err = e.orch.StartScenarioGeneration(t.Context(), scen.ID)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConflict))
}

func TestScenarioFilterStagesAndDispatchesChord(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "chord", gitScenarioYAML)

	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	api := e.seedRepo(t, "acme/api", "Go")
	web := e.seedRepo(t, "acme/web", "Go")
	other := e.seedRepo(t, "acme/site", "TypeScript")
	e.seedRun(t, api.ID, 1, "success", t0)
	e.seedRun(t, api.ID, 2, "failure", t0.Add(time.Hour))
	e.seedRun(t, web.ID, 1, "success", t0)
	e.seedRun(t, web.ID, 2, "success", t0.Add(time.Hour))
	e.seedRun(t, other.ID, 1, "success", t0)

	corrID, err := e.orch.StartScenarioGeneration(t.Context(), scen.ID)
	require.NoError(t, err)
	filterEnv := e.pop(t, taskqueue.QueueScenarioIngestion)

	res, err := e.orch.ScenarioFilter(t.Context(), taskqueue.NewTestInvocation(filterEnv, e.broker))
	require.NoError(t, err)
	fr, ok := res.(FilterResult)
	require.True(t, ok)
	assert.Equal(t, 4, fr.Builds, "TypeScript repo filtered out")
	assert.Equal(t, 2, fr.Repos)

	got, err := e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioIngesting, got.Status)
	assert.EqualValues(t, 4, got.BuildsTotal)

	builds, err := e.store.Ingestions.ByScenario(t.Context(), scen.ID)
	require.NoError(t, err)
	require.Len(t, builds, 4)
	for _, b := range builds {
		assert.Equal(t, model.IngestionPending, b.Status)
		assert.Contains(t, []string(b.RequiredResources), model.ResourceGitHistory)
	}

	// One chord member chain per matched repository, starting with a clone.
	assert.EqualValues(t, 2, e.depth(t, taskqueue.QueueIngestion))
	clone := e.pop(t, taskqueue.QueueIngestion)
	assert.Equal(t, ingest.TaskCloneRepo, clone.Task)
	assert.Equal(t, corrID, clone.CorrelationID)
	require.NotNil(t, clone.Chord, "clone runs as a chord member")
}

func TestScenarioFilterNoMatchesFailsScenario(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "empty", gitScenarioYAML)

	corrID, err := e.orch.StartScenarioGeneration(t.Context(), scen.ID)
	require.NoError(t, err)
	filterEnv := e.pop(t, taskqueue.QueueScenarioIngestion)

	_, err = e.orch.ScenarioFilter(t.Context(), taskqueue.NewTestInvocation(filterEnv, e.broker))
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))

	got, err := e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioFailed, got.Status)
	assert.Equal(t, "no matches", got.ErrorMessage)

	run, err := e.store.PipelineRuns.ByCorrelation(t.Context(), corrID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
}

func TestScenarioFilterEmptyPlanShortCircuits(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "short", historyScenarioYAML)

	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := e.seedRepo(t, "acme/api", "Go")
	e.seedRun(t, repo.ID, 1, "success", t0)
	e.seedRun(t, repo.ID, 2, "failure", t0.Add(time.Hour))

	corrID, err := e.orch.StartScenarioGeneration(t.Context(), scen.ID)
	require.NoError(t, err)
	filterEnv := e.pop(t, taskqueue.QueueScenarioIngestion)

	res, err := e.orch.ScenarioFilter(t.Context(), taskqueue.NewTestInvocation(filterEnv, e.broker))
	require.NoError(t, err)
	assert.Equal(t, FilterResult{Builds: 2, Repos: 1}, res)

	// History features need no acquired resource, so the scenario lands in
	// ingested without a chord.
	got, err := e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioIngested, got.Status)
	assert.EqualValues(t, 2, got.BuildsTotal)
	assert.EqualValues(t, 2, got.BuildsIngested)
	assert.True(t, got.IngestedAt.Valid)

	builds, err := e.store.Ingestions.ByScenario(t.Context(), scen.ID)
	require.NoError(t, err)
	for _, b := range builds {
		assert.Equal(t, model.IngestionIngested, b.Status)
	}
	assert.Zero(t, e.depth(t, taskqueue.QueueIngestion))

	run, err := e.store.PipelineRuns.ByCorrelation(t.Context(), corrID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
}

func TestScenarioFilterStaleEpochDrops(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "stale", historyScenarioYAML)
	_, err := e.store.Scenarios.SetCorrelation(t.Context(), scen.ID, "corr-old")
	require.NoError(t, err)
	_, err = e.store.Scenarios.SetCorrelation(t.Context(), scen.ID, "corr-new")
	require.NoError(t, err)

	inv := e.invoke(t, TaskScenarioFilter, taskqueue.QueueScenarioIngestion,
		FilterPayload{ScenarioID: scen.ID}, "corr-old", 1)
	res, err := e.orch.ScenarioFilter(t.Context(), inv)
	require.NoError(t, err)
	assert.Equal(t, FilterResult{Stale: true}, res)

	got, err := e.store.Scenarios.ByID(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioQueued, got.Status, "stale task leaves state alone")
}

// stageIngestion stages a scenario mid-ingestion by hand: child rows created,
// scenario ingesting, a run and ingest phase open under corr-1 / epoch 1.
func stageIngestion(t *testing.T, e *orchEnv, scen *model.Scenario, builds []model.IngestionBuild) {
	t.Helper()
	_, err := e.store.Scenarios.SetCorrelation(t.Context(), scen.ID, "corr-1")
	require.NoError(t, err)
	require.NoError(t, e.store.Ingestions.BulkCreate(t.Context(), builds))
	e.advance(t, scen.ID, model.ScenarioQueued, model.ScenarioFiltering, model.ScenarioIngesting)
	_, err = e.store.PipelineRuns.StartRun(t.Context(), scen.ID, "corr-1")
	require.NoError(t, err)
	_, err = e.store.PipelineRuns.StartPhase(t.Context(), "corr-1", PhaseIngest, int64(len(builds)))
	require.NoError(t, err)
}

func TestAggregateIngestionDerivesStatuses(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "aggregate", gitScenarioYAML)
	repo := e.seedRepo(t, "acme/api", "Go")

	required := model.StringList{model.ResourceGitHistory, model.ResourceBuildLogs}
	builds := make([]model.IngestionBuild, 4)
	for i := range builds {
		builds[i] = model.IngestionBuild{
			ScenarioID:        scen.ID,
			RawRepoID:         repo.ID,
			RawBuildRunID:     fmt.Sprintf("run-%d", i+1),
			RequiredResources: required,
			CommitSHA:         fmt.Sprintf("sha-%d", i+1),
			CIRunID:           fmt.Sprintf("ci-%d", i+1),
		}
	}
	stageIngestion(t, e, scen, builds)

	ctx := t.Context()
	// The clone reports once for the whole repository.
	require.NoError(t, e.broker.AppendResult(ctx, "corr-1", ingest.ResourceOutcome{
		RawRepoID: repo.ID, Resource: model.ResourceGitHistory, Status: model.ResourceCompleted,
	}))
	// Logs: completed, expired (expected loss), transient failure; the
	// fourth build never reports.
	require.NoError(t, e.broker.AppendResult(ctx, "corr-1", ingest.ResourceOutcome{
		RawRepoID: repo.ID, IngestionBuildID: builds[0].ID,
		Resource: model.ResourceBuildLogs, Status: model.ResourceCompleted,
	}))
	require.NoError(t, e.broker.AppendResult(ctx, "corr-1", ingest.ResourceOutcome{
		RawRepoID: repo.ID, IngestionBuildID: builds[1].ID,
		Resource: model.ResourceBuildLogs, Status: model.ResourceFailed,
		Error: "logs expired", ExpectedLoss: true,
	}))
	require.NoError(t, e.broker.AppendResult(ctx, "corr-1", ingest.ResourceOutcome{
		RawRepoID: repo.ID, IngestionBuildID: builds[2].ID,
		Resource: model.ResourceBuildLogs, Status: model.ResourceFailed,
		Error: "connection reset",
	}))

	inv := e.invoke(t, TaskAggregateIngestion, taskqueue.QueueScenarioIngestion,
		AggregatePayload{ScenarioID: scen.ID}, "corr-1", 1)
	res, err := e.orch.AggregateIngestion(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, AggregateResult{Ingested: 1, MissingResource: 2, Failed: 1}, res)

	rows, err := e.store.Ingestions.ByScenario(ctx, scen.ID)
	require.NoError(t, err)
	byRun := map[string]model.IngestionBuild{}
	for _, b := range rows {
		byRun[b.RawBuildRunID] = b
	}
	assert.Equal(t, model.IngestionIngested, byRun["run-1"].Status)
	assert.Equal(t, model.IngestionMissingResource, byRun["run-2"].Status)
	assert.Equal(t, "logs expired", byRun["run-2"].Error)
	assert.Equal(t, model.IngestionFailed, byRun["run-3"].Status)
	assert.Equal(t, "connection reset", byRun["run-3"].Error)
	assert.Equal(t, model.IngestionMissingResource, byRun["run-4"].Status)
	assert.Equal(t, "ingestion task never reported", byRun["run-4"].Error)

	got, err := e.store.Scenarios.ByID(ctx, scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioIngested, got.Status)
	assert.EqualValues(t, 1, got.BuildsIngested)
	assert.EqualValues(t, 2, got.BuildsMissingResource)
	assert.EqualValues(t, 1, got.BuildsFailed)

	run, err := e.store.PipelineRuns.ByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	phases, err := e.store.PipelineRuns.Phases(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, store.RunCompleted, phases[0].Status)
	assert.EqualValues(t, 1, phases[0].ItemsDone)
	assert.EqualValues(t, 3, phases[0].ItemsFailed)

	// The correlation list is drained: a second aggregate sees no outcomes
	// and derives the same statuses from the stored resource maps.
	raws, err := e.broker.DrainResults(ctx, "corr-1")
	require.NoError(t, err)
	assert.Empty(t, raws)
}

func TestAggregateIngestionRepoWideCloneFailure(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "deadclone", gitScenarioYAML)
	repo := e.seedRepo(t, "acme/api", "Go")

	required := model.StringList{model.ResourceGitHistory}
	builds := []model.IngestionBuild{
		{ScenarioID: scen.ID, RawRepoID: repo.ID, RawBuildRunID: "run-1", RequiredResources: required},
		{ScenarioID: scen.ID, RawRepoID: repo.ID, RawBuildRunID: "run-2", RequiredResources: required},
	}
	stageIngestion(t, e, scen, builds)

	ctx := t.Context()
	require.NoError(t, e.broker.AppendResult(ctx, "corr-1", ingest.ResourceOutcome{
		RawRepoID: repo.ID, Resource: model.ResourceGitHistory,
		Status: model.ResourceFailed, Error: "authentication required",
	}))

	inv := e.invoke(t, TaskAggregateIngestion, taskqueue.QueueScenarioIngestion,
		AggregatePayload{ScenarioID: scen.ID}, "corr-1", 1)
	res, err := e.orch.AggregateIngestion(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, AggregateResult{MissingResource: 2}, res)

	rows, err := e.store.Ingestions.ByScenario(ctx, scen.ID)
	require.NoError(t, err)
	for _, b := range rows {
		assert.Equal(t, model.IngestionMissingResource, b.Status, "clone death costs the whole repo")
		assert.Equal(t, "authentication required", b.Error)
	}

	got, err := e.store.Scenarios.ByID(ctx, scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioFailed, got.Status)
	assert.Equal(t, "no builds survived ingestion", got.ErrorMessage)
}

func TestAggregateIngestionStaleEpochDrops(t *testing.T) {
	e := newOrchEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t, "staleagg", gitScenarioYAML)
	repo := e.seedRepo(t, "acme/api", "Go")
	builds := []model.IngestionBuild{{
		ScenarioID: scen.ID, RawRepoID: repo.ID, RawBuildRunID: "run-1",
		RequiredResources: model.StringList{model.ResourceGitHistory},
	}}
	stageIngestion(t, e, scen, builds)
	_, err := e.store.Scenarios.SetCorrelation(t.Context(), scen.ID, "corr-2")
	require.NoError(t, err)

	inv := e.invoke(t, TaskAggregateIngestion, taskqueue.QueueScenarioIngestion,
		AggregatePayload{ScenarioID: scen.ID}, "corr-1", 1)
	res, err := e.orch.AggregateIngestion(t.Context(), inv)
	require.NoError(t, err)
	assert.Equal(t, AggregateResult{Stale: true}, res)

	rows, err := e.store.Ingestions.ByScenario(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IngestionPending, rows[0].Status, "stale aggregate leaves rows alone")
}

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.StoreConfig{Path: ":memory:", MaxOpenConn: 1})
	require.NoError(t, err, "open in-memory store")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRepo(t *testing.T, s *Store, fullName, language string) *model.RawRepository {
	t.Helper()
	ctx := t.Context()
	repo := &model.RawRepository{
		Provider:      "github",
		ExternalID:    "ext-" + fullName,
		FullName:      fullName,
		DefaultBranch: "main",
		Language:      language,
	}
	saved, err := s.Repos.Upsert(ctx, repo)
	require.NoError(t, err)
	return saved
}

func seedBuild(t *testing.T, s *Store, repoID, runID, conclusion string, started time.Time) *model.RawBuildRun {
	t.Helper()
	ctx := t.Context()
	run := &model.RawBuildRun{
		RawRepoID:  repoID,
		Provider:   "github",
		CIRunID:    runID,
		CommitSHA:  "sha-" + runID,
		Branch:     "main",
		Status:     "completed",
		Conclusion: conclusion,
		StartedAt:  started,
	}
	saved, err := s.Builds.Upsert(ctx, run)
	require.NoError(t, err)
	return saved
}

func TestRepoUpsertPreservesID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	repo := seedRepo(t, s, "acme/widgets", "Go")
	firstID := repo.ID
	require.NotEmpty(t, firstID)

	// Second upsert with new metadata keeps the identity stable.
	again := &model.RawRepository{
		Provider:   "github",
		ExternalID: "ext-acme/widgets",
		FullName:   "acme/widgets",
		Language:   "Rust",
	}
	saved, err := s.Repos.Upsert(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, firstID, saved.ID)

	loaded, err := s.Repos.ByFullName(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "Rust", loaded.Language)
}

func TestBuildUpsertEffectiveSHA(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	repo := seedRepo(t, s, "acme/api", "Go")
	run := seedBuild(t, s, repo.ID, "101", "success", time.Now().UTC())

	loaded, err := s.Builds.ByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, loaded.CommitSHA, loaded.EffectiveSHA, "effective sha defaults to commit sha")

	require.NoError(t, s.Builds.SetEffectiveSHA(ctx, run.ID, "replayed-sha"))
	loaded, err = s.Builds.ByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "replayed-sha", loaded.EffectiveSHA)
	assert.Equal(t, "sha-101", loaded.CommitSHA, "original commit sha untouched")
}

func TestFilterBuildsWindowAndConclusion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	repo := seedRepo(t, s, "acme/filters", "Python")
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	seedBuild(t, s, repo.ID, "1", "success", base)
	seedBuild(t, s, repo.ID, "2", "failure", base.Add(time.Hour))
	seedBuild(t, s, repo.ID, "3", "success", base.Add(48*time.Hour))

	until := base.Add(2 * time.Hour)
	builds, err := s.Builds.FilterBuilds(ctx, []string{repo.ID}, BuildFilter{
		Mode:        FilterAll,
		Since:       &base,
		Until:       &until,
		Conclusions: []string{"failure"},
	})
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, "2", builds[0].CIRunID)
}

func TestFilterBuildsExcludesBots(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	repo := seedRepo(t, s, "acme/bots", "Go")
	human := seedBuild(t, s, repo.ID, "1", "success", time.Now().UTC())
	bot := seedBuild(t, s, repo.ID, "2", "success", time.Now().UTC().Add(time.Minute))
	require.NoError(t, s.Builds.SetLogFlags(ctx, bot.ID, true, false))
	_, err := s.DB().ExecContext(ctx, `UPDATE raw_build_runs SET is_bot_commit = 1 WHERE id = ?`, bot.ID)
	require.NoError(t, err)

	builds, err := s.Builds.FilterBuilds(ctx, []string{repo.ID}, BuildFilter{Mode: FilterAll, ExcludeBots: true})
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, human.ID, builds[0].ID)
}

func TestScenarioLifecycleTransitions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	sc, err := s.Scenarios.Create(ctx, "ml", "baseline", "filter: {}\n")
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioQueued, sc.Status)

	// queued -> filtering succeeds.
	require.NoError(t, s.Scenarios.Transition(ctx, sc.ID, []model.ScenarioStatus{model.ScenarioQueued}, model.ScenarioFiltering))

	// queued -> filtering again conflicts: the row is already filtering.
	err = s.Scenarios.Transition(ctx, sc.ID, []model.ScenarioStatus{model.ScenarioQueued}, model.ScenarioFiltering)
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryConflict, ferrors.GetCategory(err))

	loaded, err := s.Scenarios.ByID(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioFiltering, loaded.Status)
	assert.True(t, loaded.StartedAt.Valid, "started_at stamped on filtering entry")
}

func TestScenarioFailFromNonTerminal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	sc, err := s.Scenarios.Create(ctx, "ml", "failing", "filter: {}\n")
	require.NoError(t, err)
	require.NoError(t, s.Scenarios.Transition(ctx, sc.ID, []model.ScenarioStatus{model.ScenarioQueued}, model.ScenarioFiltering))

	require.NoError(t, s.Scenarios.Fail(ctx, sc.ID, "provider exploded"))
	loaded, err := s.Scenarios.ByID(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScenarioFailed, loaded.Status)
	assert.Equal(t, "provider exploded", loaded.ErrorMessage)
	assert.True(t, loaded.CompletedAt.Valid)

	// Terminal: failing again is a conflict.
	require.Error(t, s.Scenarios.Fail(ctx, sc.ID, "again"))
}

func TestScenarioCountersAndScanCompletion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	sc, err := s.Scenarios.Create(ctx, "ml", "counters", "filter: {}\n")
	require.NoError(t, err)

	require.NoError(t, s.Scenarios.SetCounter(ctx, sc.ID, CounterScansTotal, 2))
	require.NoError(t, s.Scenarios.Increment(ctx, sc.ID, CounterScansCompleted, 1))

	// One of two scans done: not complete yet.
	set, err := s.Scenarios.MarkScanExtractionComplete(ctx, sc.ID)
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, s.Scenarios.Increment(ctx, sc.ID, CounterScansFailed, 1))
	set, err = s.Scenarios.MarkScanExtractionComplete(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, set, "flag set once completed+failed reaches total")

	// Second call is a no-op.
	set, err = s.Scenarios.MarkScanExtractionComplete(ctx, sc.ID)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestScenarioCorrelationBumpsEpoch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	sc, err := s.Scenarios.Create(ctx, "ml", "epochs", "filter: {}\n")
	require.NoError(t, err)

	epoch1, err := s.Scenarios.SetCorrelation(ctx, sc.ID, "corr-1")
	require.NoError(t, err)
	epoch2, err := s.Scenarios.SetCorrelation(ctx, sc.ID, "corr-2")
	require.NoError(t, err)
	assert.Equal(t, epoch1+1, epoch2)

	loaded, err := s.Scenarios.ByID(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "corr-2", loaded.CorrelationID)
}

func TestIngestionBuildLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	repo := seedRepo(t, s, "acme/ingest", "Go")
	run := seedBuild(t, s, repo.ID, "7", "failure", time.Now().UTC())
	sc, err := s.Scenarios.Create(ctx, "ml", "ingest", "filter: {}\n")
	require.NoError(t, err)

	builds := []model.IngestionBuild{{
		ScenarioID:        sc.ID,
		RawRepoID:         repo.ID,
		RawBuildRunID:     run.ID,
		RequiredResources: model.StringList{"git_history", "build_logs"},
		CommitSHA:         run.CommitSHA,
		CIRunID:           run.CIRunID,
	}}
	require.NoError(t, s.Ingestions.BulkCreate(ctx, builds))

	list, err := s.Ingestions.ByScenario(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	ib := list[0]
	assert.Equal(t, model.IngestionPending, ib.Status)
	assert.Equal(t, model.ResourcePending, ib.ResourceStatus["git_history"].Status)
	assert.False(t, ib.Ingested())

	ib.ResourceStatus["git_history"] = model.ResourceState{Status: model.ResourceCompleted}
	ib.ResourceStatus["build_logs"] = model.ResourceState{Status: model.ResourceCompleted}
	ib.Status = model.IngestionIngested
	require.NoError(t, s.Ingestions.Update(ctx, &ib))

	reloaded, err := s.Ingestions.ByID(ctx, ib.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Ingested())
}

func TestResetForReingestion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	repo := seedRepo(t, s, "acme/reset", "Go")
	sc, err := s.Scenarios.Create(ctx, "ml", "reset", "filter: {}\n")
	require.NoError(t, err)

	var rows []model.IngestionBuild
	for i, st := range []model.IngestionStatus{
		model.IngestionIngested, model.IngestionMissingResource, model.IngestionFailed,
	} {
		run := seedBuild(t, s, repo.ID, string(rune('a'+i)), "success", time.Now().UTC())
		rows = append(rows, model.IngestionBuild{
			ScenarioID:        sc.ID,
			RawRepoID:         repo.ID,
			RawBuildRunID:     run.ID,
			Status:            st,
			RequiredResources: model.StringList{"build_logs"},
		})
	}
	require.NoError(t, s.Ingestions.BulkCreate(ctx, rows))

	affected, err := s.Ingestions.ResetForReingestion(ctx, sc.ID)
	require.NoError(t, err)
	assert.Len(t, affected, 2, "only missing_resource and failed reset")

	counts, err := s.Ingestions.CountByStatus(ctx, sc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[model.IngestionPending])
	assert.EqualValues(t, 1, counts[model.IngestionIngested])
}

func TestEnrichmentSequenceAndSplitAssignment(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	repo := seedRepo(t, s, "acme/enrich", "Go")
	sc, err := s.Scenarios.Create(ctx, "ml", "enrich", "filter: {}\n")
	require.NoError(t, err)

	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	var builds []model.EnrichmentBuild
	for i := range 3 {
		run := seedBuild(t, s, repo.ID, string(rune('x'+i)), "failure", base.Add(time.Duration(i)*time.Hour))
		builds = append(builds, model.EnrichmentBuild{
			ScenarioID:     sc.ID,
			RawRepoID:      repo.ID,
			RawBuildRunID:  run.ID,
			Outcome:        model.Outcome(run.Conclusion),
			BuildStartedAt: run.StartedAt,
		})
	}
	require.NoError(t, s.Enrichments.BulkCreate(ctx, builds))

	list, err := s.Enrichments.ByScenario(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, eb := range list {
		assert.EqualValues(t, i, eb.Sequence, "sequence follows insertion order")
		assert.Equal(t, 1, eb.Outcome)
	}

	assignments := map[string]model.SplitType{
		list[0].ID: model.SplitTrain,
		list[1].ID: model.SplitValidation,
		list[2].ID: model.SplitTest,
	}
	groups := map[string]string{list[0].ID: "go", list[1].ID: "go", list[2].ID: "go"}
	require.NoError(t, s.Enrichments.AssignSplits(ctx, sc.ID, assignments, groups))

	assigned, err := s.Enrichments.CountAssigned(ctx, sc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, assigned)
}

func TestFeatureVectorUpsertPreservesScanMetrics(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	repo := seedRepo(t, s, "acme/vectors", "Go")
	run := seedBuild(t, s, repo.ID, "55", "success", time.Now().UTC())

	v := &model.FeatureVector{
		Scope:            model.ScopeScenario,
		ScopeID:          "scn-1",
		RawRepoID:        repo.ID,
		RawBuildRunID:    run.ID,
		Features:         model.JSONMap{"git_num_commits": 12.0},
		ExtractionStatus: model.ExtractionCompleted,
	}
	saved, err := s.Vectors.Upsert(ctx, v)
	require.NoError(t, err)

	n, err := s.Vectors.BackfillScanMetrics(ctx, model.ScopeScenario, "scn-1", repo.ID, run.CommitSHA,
		map[string]any{"sonar_bugs": 3.0})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Re-extraction replaces features but keeps backfilled scan metrics.
	v2 := &model.FeatureVector{
		Scope:            model.ScopeScenario,
		ScopeID:          "scn-1",
		RawRepoID:        repo.ID,
		RawBuildRunID:    run.ID,
		Features:         model.JSONMap{"git_num_commits": 13.0},
		ExtractionStatus: model.ExtractionCompleted,
	}
	saved2, err := s.Vectors.Upsert(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, saved2.ID)

	loaded, err := s.Vectors.Lookup(ctx, model.ScopeScenario, "scn-1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, 13.0, loaded.Features["git_num_commits"])
	assert.Equal(t, 3.0, loaded.ScanMetrics["sonar_bugs"])
}

func TestBackfillScanMetricsMergesDisjointTools(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	repo := seedRepo(t, s, "acme/merge", "Go")
	run := seedBuild(t, s, repo.ID, "77", "success", time.Now().UTC())

	v := &model.FeatureVector{
		Scope:            model.ScopeScenario,
		ScopeID:          "scn-2",
		RawRepoID:        repo.ID,
		RawBuildRunID:    run.ID,
		Features:         model.JSONMap{},
		ExtractionStatus: model.ExtractionCompleted,
	}
	_, err := s.Vectors.Upsert(ctx, v)
	require.NoError(t, err)

	_, err = s.Vectors.BackfillScanMetrics(ctx, model.ScopeScenario, "scn-2", repo.ID, run.CommitSHA,
		map[string]any{"sonar_code_smells": 9.0})
	require.NoError(t, err)
	_, err = s.Vectors.BackfillScanMetrics(ctx, model.ScopeScenario, "scn-2", repo.ID, run.CommitSHA,
		map[string]any{"trivy_vuln_critical": 1.0})
	require.NoError(t, err)

	loaded, err := s.Vectors.Lookup(ctx, model.ScopeScenario, "scn-2", run.ID)
	require.NoError(t, err)
	assert.Equal(t, 9.0, loaded.ScanMetrics["sonar_code_smells"])
	assert.Equal(t, 1.0, loaded.ScanMetrics["trivy_vuln_critical"])
}

func TestDatasetSplitReplace(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	sc, err := s.Scenarios.Create(ctx, "ml", "splits", "filter: {}\n")
	require.NoError(t, err)

	first := []model.DatasetSplit{
		{SplitType: model.SplitTrain, RecordCount: 80, Format: "csv", FilePath: "/tmp/train.csv"},
		{SplitType: model.SplitTest, RecordCount: 20, Format: "csv", FilePath: "/tmp/test.csv"},
	}
	require.NoError(t, s.Splits.Replace(ctx, sc.ID, first))

	second := []model.DatasetSplit{
		{SplitType: model.SplitTrain, RecordCount: 70, Format: "parquet", FilePath: "/tmp/train.parquet"},
		{SplitType: model.SplitValidation, RecordCount: 15, Format: "parquet", FilePath: "/tmp/val.parquet"},
		{SplitType: model.SplitTest, RecordCount: 15, Format: "parquet", FilePath: "/tmp/test.parquet"},
	}
	require.NoError(t, s.Splits.Replace(ctx, sc.ID, second))

	got, err := s.Splits.ByScenario(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, got, 3, "replace drops the previous generation")
	assert.Equal(t, model.SplitTrain, got[0].SplitType)
	assert.Equal(t, model.SplitValidation, got[1].SplitType)
	assert.Equal(t, model.SplitTest, got[2].SplitType)
}

func TestPipelineRunAndPhases(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	sc, err := s.Scenarios.Create(ctx, "ml", "observed", "filter: {}\n")
	require.NoError(t, err)

	run, err := s.PipelineRuns.StartRun(ctx, sc.ID, "corr-99")
	require.NoError(t, err)

	_, err = s.PipelineRuns.StartPhase(ctx, "corr-99", "ingestion", 10)
	require.NoError(t, err)
	require.NoError(t, s.PipelineRuns.FinishPhase(ctx, "corr-99", "ingestion", RunCompleted, 9, 1, ""))

	phases, err := s.PipelineRuns.Phases(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, RunCompleted, phases[0].Status)
	assert.EqualValues(t, 9, phases[0].ItemsDone)
	assert.EqualValues(t, 1, phases[0].ItemsFailed)

	require.NoError(t, s.PipelineRuns.FinishRun(ctx, "corr-99", RunCompleted, ""))
	loaded, err := s.PipelineRuns.ByCorrelation(ctx, "corr-99")
	require.NoError(t, err)
	assert.True(t, loaded.CompletedAt.Valid)
}

func TestScanPendingResolveOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	p := &model.SonarScanPending{
		ScenarioID:   "scn-3",
		RawRepoID:    "repo-3",
		CommitSHA:    "abcdef1234567890",
		ComponentKey: "rb_acme_widgets_abcdef123456",
	}
	require.NoError(t, s.ScanPendings.Create(ctx, p))

	done, err := s.ScanPendings.Resolve(ctx, p.ComponentKey, model.ScanPendingCompleted, "")
	require.NoError(t, err)
	assert.True(t, done)

	// Duplicate callback is ignored.
	done, err = s.ScanPendings.Resolve(ctx, p.ComponentKey, model.ScanPendingFailed, "late")
	require.NoError(t, err)
	assert.False(t, done)

	loaded, err := s.ScanPendings.ByComponentKey(ctx, p.ComponentKey)
	require.NoError(t, err)
	assert.Equal(t, model.ScanPendingCompleted, loaded.Status)
}

func TestScanPendingRedispatchResets(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	p := &model.SonarScanPending{
		ScenarioID:   "scn-4",
		RawRepoID:    "repo-4",
		CommitSHA:    "deadbeefcafe0000",
		ComponentKey: "rb_acme_api_deadbeefcafe",
	}
	require.NoError(t, s.ScanPendings.Create(ctx, p))
	_, err := s.ScanPendings.Resolve(ctx, p.ComponentKey, model.ScanPendingFailed, "timeout")
	require.NoError(t, err)

	// Retry dispatch reuses the component key and flips it back to scanning.
	retry := &model.SonarScanPending{
		ScenarioID:   "scn-4",
		RawRepoID:    "repo-4",
		CommitSHA:    "deadbeefcafe0000",
		ComponentKey: p.ComponentKey,
	}
	require.NoError(t, s.ScanPendings.Create(ctx, retry))

	loaded, err := s.ScanPendings.ByComponentKey(ctx, p.ComponentKey)
	require.NoError(t, err)
	assert.Equal(t, model.ScanPendingScanning, loaded.Status)
	assert.Empty(t, loaded.Error)
	assert.False(t, loaded.CompletedAt.Valid)
}

func TestStaleScanningCutoff(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	old := &model.SonarScanPending{
		ScenarioID:   "scn-5",
		RawRepoID:    "repo-5",
		CommitSHA:    "0001",
		ComponentKey: "rb_old_0001",
		DispatchedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	fresh := &model.SonarScanPending{
		ScenarioID:   "scn-5",
		RawRepoID:    "repo-5",
		CommitSHA:    "0002",
		ComponentKey: "rb_fresh_0002",
	}
	require.NoError(t, s.ScanPendings.Create(ctx, old))
	require.NoError(t, s.ScanPendings.Create(ctx, fresh))

	stale, err := s.ScanPendings.StaleScanning(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "rb_old_0001", stale[0].ComponentKey)
}

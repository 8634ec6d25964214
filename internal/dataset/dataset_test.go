package dataset

import (
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
	"git.home.luguber.info/inful/riskbuilder/internal/workspace"
)

// genEnv wires a Generator against an in-memory store and a temp workspace.
type genEnv struct {
	store  *store.Store
	layout *workspace.Layout
	gen    *Generator
}

func newGenEnv(t *testing.T, cfg config.DatasetConfig) *genEnv {
	t.Helper()
	st, err := store.Open(config.StoreConfig{Path: ":memory:", MaxOpenConn: 1})
	require.NoError(t, err, "open in-memory store")
	t.Cleanup(func() { _ = st.Close() })

	layout := workspace.NewLayout(t.TempDir())
	return &genEnv{store: st, layout: layout, gen: NewGenerator(cfg, st, layout)}
}

const datasetScenarioYAML = `features:
  selected: [git_*, log_*]
splitting:
  strategy: stratified_within_group
  grouping_dimension: language_group
  ratios: [0.6, 0.2, 0.2]
output:
  format: csv
  include_metadata: true
`

func loadSpec(t *testing.T, doc string) *scenario.Spec {
	t.Helper()
	spec, err := scenario.Load([]byte(doc))
	require.NoError(t, err)
	return spec
}

func (e *genEnv) seedScenario(t *testing.T) *model.Scenario {
	t.Helper()
	scen, err := e.store.Scenarios.Create(t.Context(), "tester", "dataset scenario", datasetScenarioYAML)
	require.NoError(t, err)
	return scen
}

func (e *genEnv) seedRepo(t *testing.T, fullName, language string) *model.RawRepository {
	t.Helper()
	saved, err := e.store.Repos.Upsert(t.Context(), &model.RawRepository{
		Provider:   "github_actions",
		ExternalID: "ext-" + fullName,
		FullName:   fullName,
		Language:   language,
	})
	require.NoError(t, err)
	return saved
}

// seedBuild prepares one completed enrichment row backed by a real vector.
// Callers collect the rows and BulkCreate them together so the sequence
// reflects the temporal order.
func (e *genEnv) seedBuild(t *testing.T, scenarioID string, repo *model.RawRepository, n, outcome int, features model.JSONMap, startedAt time.Time) model.EnrichmentBuild {
	t.Helper()
	runID := fmt.Sprintf("run-%s-%d", repo.ID, n)
	v, err := e.store.Vectors.Upsert(t.Context(), &model.FeatureVector{
		Scope:            model.ScopeScenario,
		ScopeID:          scenarioID,
		RawRepoID:        repo.ID,
		RawBuildRunID:    runID,
		Features:         features,
		ExtractionStatus: model.ExtractionCompleted,
	})
	require.NoError(t, err)
	return model.EnrichmentBuild{
		ScenarioID:       scenarioID,
		IngestionBuildID: "ing-" + runID,
		RawRepoID:        repo.ID,
		RawBuildRunID:    runID,
		FeatureVectorID:  sql.NullString{String: v.ID, Valid: true},
		ExtractionStatus: model.ExtractionCompleted,
		Outcome:          outcome,
		CommitSHA:        "sha-" + runID,
		CIRunID:          runID,
		BuildStartedAt:   startedAt,
	}
}

// seedTwoRepoScenario creates two three-build repositories in distinct
// language groups, outcomes 0,0,1 per repository, oldest first.
func (e *genEnv) seedTwoRepoScenario(t *testing.T) *model.Scenario {
	t.Helper()
	scen := e.seedScenario(t)
	api := e.seedRepo(t, "acme/api", "Go")
	web := e.seedRepo(t, "acme/web", "TypeScript")
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	var builds []model.EnrichmentBuild
	for i, repo := range []*model.RawRepository{api, web} {
		for n := 0; n < 3; n++ {
			outcome := 0
			if n == 2 {
				outcome = 1
			}
			features := model.JSONMap{
				"git_num_commits": float64(n + 1),
				"log_test_count":  float64(10 * (n + 1)),
			}
			builds = append(builds, e.seedBuild(t, scen.ID, repo, n, outcome, features,
				base.Add(time.Duration(i*3+n)*time.Hour)))
		}
	}
	require.NoError(t, e.store.Enrichments.BulkCreate(t.Context(), builds))
	return scen
}

func TestGenerateEndToEnd(t *testing.T) {
	t.Parallel()
	e := newGenEnv(t, config.DatasetConfig{})
	scen := e.seedTwoRepoScenario(t)
	spec := loadSpec(t, datasetScenarioYAML)

	splits, err := e.gen.Generate(t.Context(), scen.ID, spec)
	require.NoError(t, err)

	// Each group stratifies to 2 train and 1 validation; test stays empty.
	require.Len(t, splits, 2)
	train, val := splits[0], splits[1]

	assert.Equal(t, model.SplitTrain, train.SplitType)
	assert.EqualValues(t, 4, train.RecordCount)
	assert.EqualValues(t, 2, train.FeatureCount)
	assert.Equal(t, "csv", train.Format)
	assert.Equal(t, model.StringList{"git_num_commits", "log_test_count"}, train.FeatureNames)
	assert.NotEmpty(t, train.ID, "persisted rows get ids")
	assert.Len(t, train.ChecksumMD5, 32)
	assert.Positive(t, train.FileSize)
	assert.EqualValues(t, 2, train.ClassDistribution["0"])
	assert.EqualValues(t, 2, train.ClassDistribution["1"])
	assert.EqualValues(t, 2, train.GroupDistribution["backend"])
	assert.EqualValues(t, 2, train.GroupDistribution["fullstack"])

	assert.Equal(t, model.SplitValidation, val.SplitType)
	assert.EqualValues(t, 2, val.RecordCount)
	assert.EqualValues(t, 2, val.ClassDistribution["0"])

	for _, sp := range splits {
		if _, err := os.Stat(sp.FilePath); err != nil {
			t.Errorf("split file missing: %v", err)
		}
	}
	_, err = os.Stat(e.layout.SplitFilePath(scen.ID, "test", "csv"))
	assert.True(t, os.IsNotExist(err), "empty partitions write no file")

	assigned, err := e.store.Enrichments.CountAssigned(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 6, assigned)

	rows, err := e.store.Enrichments.ByScenario(t.Context(), scen.ID)
	require.NoError(t, err)
	for _, b := range rows {
		assert.True(t, b.GroupValue.Valid, "group value recorded for %s", b.ID)
	}

	stored, err := e.store.Splits.ByScenario(t.Context(), scen.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, train.ChecksumMD5, stored[0].ChecksumMD5)
	assert.EqualValues(t, 4, stored[0].ClassDistribution["0"].(float64)+stored[0].ClassDistribution["1"].(float64))
}

func TestGenerateParquet(t *testing.T) {
	t.Parallel()
	e := newGenEnv(t, config.DatasetConfig{})
	scen := e.seedTwoRepoScenario(t)
	spec := loadSpec(t, datasetScenarioYAML)
	spec.Output.Format = scenario.FormatParquet
	spec.Output.IncludeMetadata = false

	splits, err := e.gen.Generate(t.Context(), scen.ID, spec)
	require.NoError(t, err)
	require.NotEmpty(t, splits)
	assert.Equal(t, "parquet", splits[0].Format)
	assert.Contains(t, splits[0].FilePath, "train.parquet")
	info, err := os.Stat(splits[0].FilePath)
	require.NoError(t, err)
	assert.Equal(t, splits[0].FileSize, info.Size())
}

func TestGenerateIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newGenEnv(t, config.DatasetConfig{})
	scen := e.seedTwoRepoScenario(t)
	spec := loadSpec(t, datasetScenarioYAML)

	first, err := e.gen.Generate(t.Context(), scen.ID, spec)
	require.NoError(t, err)
	second, err := e.gen.Generate(t.Context(), scen.ID, spec)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].SplitType, second[i].SplitType)
		assert.Equal(t, first[i].RecordCount, second[i].RecordCount)
		assert.Equal(t, first[i].ChecksumMD5, second[i].ChecksumMD5, "reruns export identical bytes")
	}

	stored, err := e.store.Splits.ByScenario(t.Context(), scen.ID)
	require.NoError(t, err)
	assert.Len(t, stored, len(first), "replace keeps one row per split")
}

func TestGenerateShuffledSplitsAreReproducible(t *testing.T) {
	t.Parallel()
	e := newGenEnv(t, config.DatasetConfig{Seed: 7})
	scen := e.seedTwoRepoScenario(t)
	spec := loadSpec(t, datasetScenarioYAML)
	off := false
	spec.Splitting.TemporalOrdering = &off

	assignments := func() map[string]string {
		_, err := e.gen.Generate(t.Context(), scen.ID, spec)
		require.NoError(t, err)
		rows, err := e.store.Enrichments.ByScenario(t.Context(), scen.ID)
		require.NoError(t, err)
		out := map[string]string{}
		for _, b := range rows {
			out[b.ID] = b.SplitAssignment.String
		}
		return out
	}

	assert.Equal(t, assignments(), assignments(), "seeded shuffle keeps reruns stable")
}

func TestGenerateStrictRejectsLossyFrame(t *testing.T) {
	t.Parallel()
	e := newGenEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t)
	repo := e.seedRepo(t, "acme/api", "Go")
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	builds := []model.EnrichmentBuild{
		e.seedBuild(t, scen.ID, repo, 0, 0, model.JSONMap{"git_num_commits": 1.0, "log_test_count": 5.0}, base),
		// Missing log_test_count leaves a hole drop_row has to cut.
		e.seedBuild(t, scen.ID, repo, 1, 1, model.JSONMap{"git_num_commits": 2.0}, base.Add(time.Hour)),
	}
	require.NoError(t, e.store.Enrichments.BulkCreate(t.Context(), builds))

	spec := loadSpec(t, datasetScenarioYAML)
	spec.Preprocessing.Strict = true

	_, err := e.gen.Generate(t.Context(), scen.ID, spec)
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryDataset))
}

func TestGenerateFormatGate(t *testing.T) {
	t.Parallel()
	e := newGenEnv(t, config.DatasetConfig{Formats: []string{"parquet"}})
	scen := e.seedTwoRepoScenario(t)
	spec := loadSpec(t, datasetScenarioYAML) // csv output

	_, err := e.gen.Generate(t.Context(), scen.ID, spec)
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
}

func TestGenerateWithoutCompletedVectors(t *testing.T) {
	t.Parallel()
	e := newGenEnv(t, config.DatasetConfig{})
	scen := e.seedScenario(t)
	repo := e.seedRepo(t, "acme/api", "Go")
	require.NoError(t, e.store.Enrichments.BulkCreate(t.Context(), []model.EnrichmentBuild{{
		ScenarioID:       scen.ID,
		IngestionBuildID: "ing-1",
		RawRepoID:        repo.ID,
		RawBuildRunID:    "run-1",
		ExtractionStatus: model.ExtractionPending,
		BuildStartedAt:   time.Now().UTC(),
	}}))

	_, err := e.gen.Generate(t.Context(), scen.ID, loadSpec(t, datasetScenarioYAML))
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryDataset))
}

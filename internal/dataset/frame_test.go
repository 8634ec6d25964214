package dataset

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/riskbuilder/internal/model"
)

func TestBuildFrameAssemblesColumnsAndCells(t *testing.T) {
	t.Parallel()
	started := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	builds := []model.EnrichmentBuild{
		{
			ID: "eb-1", RawRepoID: "repo-1", CommitSHA: "sha-1", CIRunID: "101",
			FeatureVectorID:  sql.NullString{String: "fv-1", Valid: true},
			ExtractionStatus: model.ExtractionCompleted,
			Outcome:          1, BuildStartedAt: started,
		},
		{
			ID: "eb-2", RawRepoID: "repo-1", CommitSHA: "sha-2", CIRunID: "102",
			ExtractionStatus: model.ExtractionFailed,
			BuildStartedAt:   started.Add(time.Hour),
		},
	}
	vectors := map[string]*model.FeatureVector{
		"fv-1": {
			ID: "fv-1",
			Features: model.JSONMap{
				"git_num_commits":     12.0,
				"history_prev_failed": true,
				"log_parser_name":     "gotest", // non-numeric, coerced to missing
				"sonar_bugs":          99.0,     // stale extractor copy
			},
			ScanMetrics: model.JSONMap{"sonar_bugs": 3.0, "sonar_coverage": nil},
		},
	}
	repos := map[string]*model.RawRepository{
		"repo-1": {ID: "repo-1", FullName: "acme/widget", Language: "Go"},
	}

	f, loss := BuildFrame(builds, vectors, repos)

	assert.Equal(t, []string{"git_num_commits", "history_prev_failed", "log_parser_name", "sonar_bugs", "sonar_coverage"}, f.Columns)
	require.Len(t, f.Rows, 1)
	assert.Equal(t, 1, loss.SkippedBuilds)
	assert.Equal(t, 1, loss.CoercedCells)

	row := f.Rows[0]
	assert.Equal(t, "eb-1", row.BuildID)
	assert.Equal(t, "Go", row.Language)
	assert.Equal(t, 1, row.Outcome)

	cell := func(col string) *float64 { return row.Cells[f.ColumnIndex(col)] }
	require.NotNil(t, cell("git_num_commits"))
	assert.Equal(t, 12.0, *cell("git_num_commits"))
	require.NotNil(t, cell("history_prev_failed"))
	assert.Equal(t, 1.0, *cell("history_prev_failed"), "bools coerce to 0/1")
	assert.Nil(t, cell("log_parser_name"), "strings are missing values")
	require.NotNil(t, cell("sonar_bugs"))
	assert.Equal(t, 3.0, *cell("sonar_bugs"), "scan metrics win key collisions")
	assert.Nil(t, cell("sonar_coverage"), "null backfill stays missing")
}

func TestFrameSortByStartTime(t *testing.T) {
	t.Parallel()
	f := numFrame([]string{"x"}, [][]*float64{{fv(1)}, {fv(2)}, {fv(3)}})
	f.Rows[0], f.Rows[2] = f.Rows[2], f.Rows[0]

	f.SortByStartTime()

	for i := 1; i < len(f.Rows); i++ {
		assert.False(t, f.Rows[i].StartedAt.Before(f.Rows[i-1].StartedAt))
	}
}

func TestFrameShuffleDeterministic(t *testing.T) {
	t.Parallel()
	order := func(seed int64) []string {
		f := numFrame([]string{"x"}, [][]*float64{{fv(1)}, {fv(2)}, {fv(3)}, {fv(4)}, {fv(5)}})
		f.Shuffle(seed)
		ids := make([]string, len(f.Rows))
		for i := range f.Rows {
			ids[i] = f.Rows[i].BuildID
		}
		return ids
	}

	assert.Equal(t, order(42), order(42), "same seed, same permutation")
}

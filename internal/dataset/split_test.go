package dataset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
)

// groupedFrame builds rows with explicit group and outcome values, ascending
// start times in slice order.
func groupedFrame(groups []string, outcomes []int) *Frame {
	f := &Frame{Columns: []string{"x"}}
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	for i := range groups {
		v := float64(i)
		f.Rows = append(f.Rows, Row{
			BuildID:   string(rune('a' + i)),
			Group:     groups[i],
			Outcome:   outcomes[i],
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Cells:     []*float64{&v},
		})
	}
	return f
}

func splitCounts(a Assignment) map[model.SplitType]int {
	counts := map[model.SplitType]int{}
	for _, s := range a {
		counts[s]++
	}
	return counts
}

func TestLanguageGroupFold(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"python":     "backend",
		"Go":         "backend",
		"C++":        "backend",
		"c#":         "backend",
		"TypeScript": "fullstack",
		"ruby":       "fullstack",
		"Shell":      "scripting",
		"PowerShell": "scripting",
		"Haskell":    "other",
		"":           "other",
	}
	for lang, want := range cases {
		assert.Equal(t, want, languageGroup(lang), "language %q", lang)
	}
}

func TestTimeOfDayBuckets(t *testing.T) {
	t.Parallel()
	cases := map[int]string{0: "night", 5: "night", 6: "morning", 11: "morning",
		12: "afternoon", 17: "afternoon", 18: "evening", 23: "evening"}
	for hour, want := range cases {
		assert.Equal(t, want, timeOfDay(hour), "hour %d", hour)
	}
}

func TestQuartileBins(t *testing.T) {
	t.Parallel()
	labels := quartileBins([]float64{1, 2, 3, 4, 5, 6, 7, 8})
	assert.Equal(t, []string{"bin_1", "bin_1", "bin_2", "bin_2", "bin_3", "bin_3", "bin_4", "bin_4"}, labels)
}

func TestQuartileBinsSingleBinFallback(t *testing.T) {
	t.Parallel()
	labels := quartileBins([]float64{1, 1, 2, 3})
	assert.Equal(t, []string{"bin_1", "bin_1", "bin_1", "bin_1"}, labels, "fewer than four unique values")
}

func TestApplyGroupingBuildsCount(t *testing.T) {
	t.Parallel()
	// Two repositories, four builds each; rank within the repo drives the bin.
	f := &Frame{Columns: []string{"x"}}
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		repo := "repo-a"
		if i >= 4 {
			repo = "repo-b"
		}
		f.Rows = append(f.Rows, Row{
			BuildID:   string(rune('a' + i)),
			RepoID:    repo,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Cells:     []*float64{fv(float64(i))},
		})
	}
	require.NoError(t, ApplyGrouping(f, scenario.ByBuildsCount))

	want := []string{"bin_1", "bin_2", "bin_3", "bin_4", "bin_1", "bin_2", "bin_3", "bin_4"}
	for i, row := range f.Rows {
		assert.Equal(t, want[i], row.Group, "row %d", i)
	}
}

func TestApplyGroupingLanguage(t *testing.T) {
	t.Parallel()
	f := &Frame{Rows: []Row{{Language: "Go"}, {Language: "TypeScript"}}}
	require.NoError(t, ApplyGrouping(f, scenario.ByLanguageGroup))
	assert.Equal(t, "backend", f.Rows[0].Group)
	assert.Equal(t, "fullstack", f.Rows[1].Group)
}

func TestApplyGroupingUnknownDimension(t *testing.T) {
	t.Parallel()
	err := ApplyGrouping(&Frame{}, "by_moon_phase")
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
}

func TestStratifiedWithinGroupHonorsRatiosAndOrder(t *testing.T) {
	t.Parallel()
	// One group, five rows per label, oldest first.
	groups := make([]string, 10)
	outcomes := make([]int, 10)
	for i := range groups {
		groups[i] = "g"
		outcomes[i] = i % 2
	}
	f := groupedFrame(groups, outcomes)

	a, err := Split(f, &scenario.Splitting{
		Strategy: scenario.StratifiedWithinGroup,
		Ratios:   []float64{0.6, 0.2, 0.2},
	})
	require.NoError(t, err)

	counts := splitCounts(a)
	assert.Equal(t, 6, counts[model.SplitTrain])
	assert.Equal(t, 2, counts[model.SplitValidation])
	assert.Equal(t, 2, counts[model.SplitTest])
	assert.Equal(t, model.SplitTrain, a[0], "oldest row trains")
	assert.Equal(t, model.SplitTest, a[8], "newest rows test")
	assert.Equal(t, model.SplitTest, a[9])
}

func TestStratifiedSmallGroupGoesToTrain(t *testing.T) {
	t.Parallel()
	f := groupedFrame([]string{"small", "small", "big", "big", "big", "big"}, []int{0, 1, 0, 0, 1, 1})

	a, err := Split(f, &scenario.Splitting{
		Strategy: scenario.StratifiedWithinGroup,
		Ratios:   []float64{0.7, 0.15, 0.15},
	})
	require.NoError(t, err)

	assert.Equal(t, model.SplitTrain, a[0])
	assert.Equal(t, model.SplitTrain, a[1])
}

func TestLeaveOneOutAutoAssignsGroups(t *testing.T) {
	t.Parallel()
	f := groupedFrame(
		[]string{"alpha", "beta", "gamma", "alpha", "beta", "gamma"},
		[]int{0, 0, 0, 1, 1, 1},
	)

	a, err := Split(f, &scenario.Splitting{
		Strategy: scenario.LeaveOneOut,
		Ratios:   []float64{0.7, 0.15, 0.15},
	})
	require.NoError(t, err)

	for i, row := range f.Rows {
		switch row.Group {
		case "alpha":
			assert.Equal(t, model.SplitTest, a[i], "first group holds out as test")
		case "beta":
			assert.Equal(t, model.SplitValidation, a[i])
		default:
			assert.Equal(t, model.SplitTrain, a[i])
		}
	}
}

func TestLeaveOneOutExplicitGroups(t *testing.T) {
	t.Parallel()
	f := groupedFrame(
		[]string{"alpha", "beta", "gamma", "alpha", "beta", "gamma"},
		[]int{0, 0, 0, 1, 1, 1},
	)

	a, err := Split(f, &scenario.Splitting{
		Strategy:         scenario.LeaveOneOut,
		Ratios:           []float64{0.7, 0.15, 0.15},
		TestGroups:       []string{"gamma"},
		ValidationGroups: []string{"alpha"},
	})
	require.NoError(t, err)

	for i, row := range f.Rows {
		switch row.Group {
		case "gamma":
			assert.Equal(t, model.SplitTest, a[i])
		case "alpha":
			assert.Equal(t, model.SplitValidation, a[i])
		default:
			assert.Equal(t, model.SplitTrain, a[i])
		}
	}
}

func TestLeaveOneOutFallsBackBelowThreeGroups(t *testing.T) {
	t.Parallel()
	f := groupedFrame([]string{"alpha", "beta", "alpha", "beta"}, []int{0, 0, 1, 1})

	a, err := Split(f, &scenario.Splitting{
		Strategy: scenario.LeaveOneOut,
		Ratios:   []float64{0.7, 0.15, 0.15},
	})
	require.NoError(t, err)

	// Stratified fallback; both groups are under the minimum, so all train.
	counts := splitCounts(a)
	assert.Equal(t, 4, counts[model.SplitTrain])
	assert.Zero(t, counts[model.SplitTest])
}

func TestLeaveTwoOut(t *testing.T) {
	t.Parallel()
	f := groupedFrame(
		[]string{"a", "b", "c", "d", "a", "b", "c", "d"},
		[]int{0, 0, 0, 0, 1, 1, 1, 1},
	)

	a, err := Split(f, &scenario.Splitting{
		Strategy: scenario.LeaveTwoOut,
		Ratios:   []float64{0.7, 0.15, 0.15},
	})
	require.NoError(t, err)

	for i, row := range f.Rows {
		switch row.Group {
		case "a", "b":
			assert.Equal(t, model.SplitTest, a[i])
		case "c":
			assert.Equal(t, model.SplitValidation, a[i])
		default:
			assert.Equal(t, model.SplitTrain, a[i])
		}
	}
}

func TestImbalancedTrainDropsReducedLabel(t *testing.T) {
	t.Parallel()
	groups := make([]string, 10)
	outcomes := make([]int, 10)
	for i := range groups {
		groups[i] = "g"
		outcomes[i] = i % 2
	}
	f := groupedFrame(groups, outcomes)
	zero := 0

	a, err := Split(f, &scenario.Splitting{
		Strategy:    scenario.ImbalancedTrain,
		Ratios:      []float64{0.6, 0.2, 0.2},
		ReduceLabel: &zero,
		ReduceRatio: 1.0,
	})
	require.NoError(t, err)

	counts := splitCounts(a)
	assert.Equal(t, 3, counts[model.SplitTrain], "all label-0 train rows dropped")
	assert.Equal(t, 2, counts[model.SplitValidation], "validation untouched")
	assert.Equal(t, 2, counts[model.SplitTest], "test untouched")
	for i, split := range a {
		if split == model.SplitTrain {
			assert.Equal(t, 1, f.Rows[i].Outcome)
		}
	}
}

func TestImbalancedTrainPartialReduction(t *testing.T) {
	t.Parallel()
	groups := make([]string, 10)
	outcomes := make([]int, 10)
	for i := range groups {
		groups[i] = "g"
		outcomes[i] = i % 2
	}
	f := groupedFrame(groups, outcomes)
	zero := 0

	a, err := Split(f, &scenario.Splitting{
		Strategy:    scenario.ImbalancedTrain,
		Ratios:      []float64{0.6, 0.2, 0.2},
		ReduceLabel: &zero,
		ReduceRatio: 0.5,
	})
	require.NoError(t, err)

	// Three label-0 rows trained; half of them (floored to one) is dropped,
	// oldest first.
	counts := splitCounts(a)
	assert.Equal(t, 5, counts[model.SplitTrain])
	_, kept := a[0]
	assert.False(t, kept, "oldest reduced row loses its assignment")
}

func TestExtremeNoveltyIsolatesNovelRows(t *testing.T) {
	t.Parallel()
	f := groupedFrame(
		[]string{"backend", "backend", "backend", "other", "other", "other", "backend", "other"},
		[]int{1, 0, 1, 0, 1, 0, 0, 1},
	)
	one := 1

	a, err := Split(f, &scenario.Splitting{
		Strategy:     scenario.ExtremeNovelty,
		Ratios:       []float64{0.7, 0.15, 0.15},
		NoveltyGroup: "backend",
		NoveltyLabel: &one,
	})
	require.NoError(t, err)

	for i, row := range f.Rows {
		novel := row.Group == "backend" && row.Outcome == 1
		if novel {
			assert.Equal(t, model.SplitTest, a[i], "row %d", i)
		} else {
			assert.NotEqual(t, model.SplitTest, a[i], "row %d must not reach test", i)
		}
	}
}

func TestExtremeNoveltyRequiresLabel(t *testing.T) {
	t.Parallel()
	f := groupedFrame([]string{"g"}, []int{0})
	_, err := Split(f, &scenario.Splitting{
		Strategy:     scenario.ExtremeNovelty,
		Ratios:       []float64{0.7, 0.15, 0.15},
		NoveltyGroup: "g",
	})
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
}

func TestSplitUnknownStrategy(t *testing.T) {
	t.Parallel()
	f := groupedFrame([]string{"g"}, []int{0})
	_, err := Split(f, &scenario.Splitting{Strategy: "coin_flip", Ratios: []float64{1, 0, 0}})
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
}

package dataset

import (
	"log/slog"
	"math"
	"sort"
	"strconv"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
)

// minGroupRows is the size below which a whole group is pushed to train
// instead of being stratified.
const minGroupRows = 3

// Assignment maps a frame row index to its partition. Rows absent from the
// map carry no assignment and are excluded from every export.
type Assignment map[int]model.SplitType

// Split partitions the frame rows following the configured strategy. The
// frame must already carry group values and its final row order.
func Split(f *Frame, s *scenario.Splitting) (Assignment, error) {
	ratios, err := splitRatios(s)
	if err != nil {
		return nil, err
	}
	switch s.Strategy {
	case scenario.StratifiedWithinGroup, "":
		return stratifiedWithinGroup(f, allRows(f), ratios, s.StratifyBy), nil
	case scenario.LeaveOneOut:
		return leaveNOut(f, s, ratios, 1), nil
	case scenario.LeaveTwoOut:
		return leaveNOut(f, s, ratios, 2), nil
	case scenario.ImbalancedTrain:
		return imbalancedTrain(f, s, ratios), nil
	case scenario.ExtremeNovelty:
		return extremeNovelty(f, s, ratios)
	default:
		return nil, ferrors.ValidationError("unknown split strategy").
			WithContext("strategy", string(s.Strategy)).Build()
	}
}

func splitRatios(s *scenario.Splitting) ([3]float64, error) {
	if len(s.Ratios) != 3 {
		return [3]float64{}, ferrors.ValidationError("splitting needs train/validation/test ratios").
			WithContext("ratios", len(s.Ratios)).Build()
	}
	return [3]float64{s.Ratios[0], s.Ratios[1], s.Ratios[2]}, nil
}

func allRows(f *Frame) []int {
	idxs := make([]int, len(f.Rows))
	for i := range idxs {
		idxs[i] = i
	}
	return idxs
}

// groupRows buckets row indices by group value, preserving row order inside
// each bucket, and returns the sorted group names alongside.
func groupRows(f *Frame, idxs []int) (map[string][]int, []string) {
	groups := map[string][]int{}
	for _, i := range idxs {
		g := f.Rows[i].Group
		groups[g] = append(groups[g], i)
	}
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)
	return groups, names
}

// strataRows buckets row indices by stratification value, preserving order.
func strataRows(f *Frame, idxs []int, stratifyBy string) (map[string][]int, []string) {
	strata := map[string][]int{}
	for _, i := range idxs {
		k := strataKey(f, i, stratifyBy)
		strata[k] = append(strata[k], i)
	}
	keys := make([]string, 0, len(strata))
	for k := range strata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strata, keys
}

// strataKey resolves the stratification value of one row. The default
// "outcome" stratifies by the label; any other name reads that feature
// column, with missing values forming their own stratum.
func strataKey(f *Frame, i int, col string) string {
	if col == "" || col == "outcome" {
		return strconv.Itoa(f.Rows[i].Outcome)
	}
	j := f.ColumnIndex(col)
	if j < 0 {
		return ""
	}
	c := f.Rows[i].Cells[j]
	if c == nil {
		return "null"
	}
	return strconv.FormatFloat(*c, 'g', -1, 64)
}

// cutPoints converts partition ratios into cumulative index boundaries,
// rounding at each cut so small strata still spread across partitions.
func cutPoints(n int, ratios [3]float64) (trainEnd, valEnd int) {
	trainEnd = int(math.Round(float64(n) * ratios[0]))
	valEnd = int(math.Round(float64(n) * (ratios[0] + ratios[1])))
	if trainEnd > n {
		trainEnd = n
	}
	if valEnd > n {
		valEnd = n
	}
	if valEnd < trainEnd {
		valEnd = trainEnd
	}
	return trainEnd, valEnd
}

// stratifiedWithinGroup splits each group's rows by stratum at the ratio
// boundaries. Rows arrive in frame order, so with temporal ordering the
// oldest rows of every stratum land in train. Groups below minGroupRows go
// to train whole.
func stratifiedWithinGroup(f *Frame, idxs []int, ratios [3]float64, stratifyBy string) Assignment {
	a := Assignment{}
	groups, names := groupRows(f, idxs)
	for _, g := range names {
		rows := groups[g]
		if len(rows) < minGroupRows {
			for _, i := range rows {
				a[i] = model.SplitTrain
			}
			continue
		}
		strata, keys := strataRows(f, rows, stratifyBy)
		for _, k := range keys {
			sr := strata[k]
			trainEnd, valEnd := cutPoints(len(sr), ratios)
			for pos, i := range sr {
				switch {
				case pos < trainEnd:
					a[i] = model.SplitTrain
				case pos < valEnd:
					a[i] = model.SplitValidation
				default:
					a[i] = model.SplitTest
				}
			}
		}
	}
	return a
}

// leaveNOut holds n whole groups out as test and one as validation. Group
// lists from the scenario win; otherwise the first groups in name order are
// taken. With fewer than n+2 groups the strategy cannot hold anything out
// and falls back to the stratified split.
func leaveNOut(f *Frame, s *scenario.Splitting, ratios [3]float64, n int) Assignment {
	groups, names := groupRows(f, allRows(f))
	if len(names) < n+2 {
		slog.Warn("not enough groups to hold out, falling back to stratified split",
			logfields.Strategy(string(s.Strategy)), logfields.Count(len(names)))
		return stratifiedWithinGroup(f, allRows(f), ratios, s.StratifyBy)
	}
	test := s.TestGroups
	if len(test) == 0 {
		test = names[:n]
	}
	val := s.ValidationGroups
	if len(val) == 0 {
		val = nextGroups(names, test, 1)
	}
	testSet, valSet, trainSet := toSet(test), toSet(val), toSet(s.TrainGroups)

	a := Assignment{}
	for g, rows := range groups {
		var split model.SplitType
		switch {
		case testSet[g]:
			split = model.SplitTest
		case valSet[g]:
			split = model.SplitValidation
		case len(trainSet) == 0 || trainSet[g]:
			split = model.SplitTrain
		default:
			// An explicit train list scopes every unlisted group out.
			continue
		}
		for _, i := range rows {
			a[i] = split
		}
	}
	return a
}

// imbalancedTrain runs the stratified split, then thins the train partition:
// per group, the oldest reduce_ratio share of rows with the reduce label
// loses its assignment. Validation and test stay untouched.
func imbalancedTrain(f *Frame, s *scenario.Splitting, ratios [3]float64) Assignment {
	a := stratifiedWithinGroup(f, allRows(f), ratios, s.StratifyBy)
	if s.ReduceLabel == nil || s.ReduceRatio <= 0 {
		return a
	}
	groups, names := groupRows(f, allRows(f))
	for _, g := range names {
		var train []int
		for _, i := range groups[g] {
			if a[i] == model.SplitTrain && f.Rows[i].Outcome == *s.ReduceLabel {
				train = append(train, i)
			}
		}
		drop := int(float64(len(train)) * s.ReduceRatio)
		if drop > len(train) {
			drop = len(train)
		}
		for _, i := range train[:drop] {
			delete(a, i)
		}
	}
	return a
}

// extremeNovelty sends every (novelty_group, novelty_label) row to test and
// stratifies the rest across train and validation only.
func extremeNovelty(f *Frame, s *scenario.Splitting, ratios [3]float64) (Assignment, error) {
	if s.NoveltyLabel == nil {
		return nil, ferrors.ValidationError("extreme_novelty requires novelty_label").Build()
	}
	a := Assignment{}
	var rest []int
	for i := range f.Rows {
		if f.Rows[i].Group == s.NoveltyGroup && f.Rows[i].Outcome == *s.NoveltyLabel {
			a[i] = model.SplitTest
		} else {
			rest = append(rest, i)
		}
	}
	denom := ratios[0] + ratios[1]
	if denom <= 0 {
		for _, i := range rest {
			a[i] = model.SplitTrain
		}
		return a, nil
	}
	sub := [3]float64{ratios[0] / denom, ratios[1] / denom, 0}
	for i, split := range stratifiedWithinGroup(f, rest, sub, s.StratifyBy) {
		a[i] = split
	}
	return a, nil
}

func nextGroups(names, taken []string, count int) []string {
	takenSet := toSet(taken)
	var out []string
	for _, g := range names {
		if takenSet[g] {
			continue
		}
		out = append(out, g)
		if len(out) == count {
			break
		}
	}
	return out
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, g := range names {
		set[g] = true
	}
	return set
}

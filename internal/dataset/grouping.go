package dataset

import (
	"fmt"
	"sort"
	"strings"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
)

// languageGroups folds primary languages into coarse stacks. Anything not
// listed lands in "other".
var languageGroups = map[string]string{
	"python": "backend", "java": "backend", "go": "backend", "rust": "backend",
	"c": "backend", "cpp": "backend", "csharp": "backend",
	"javascript": "fullstack", "typescript": "fullstack", "ruby": "fullstack", "php": "fullstack",
	"bash": "scripting", "shell": "scripting", "powershell": "scripting", "perl": "scripting", "lua": "scripting",
}

// languageAliases maps provider spellings onto fold keys.
var languageAliases = map[string]string{
	"c++": "cpp", "c#": "csharp", "golang": "go",
}

func languageGroup(language string) string {
	key := strings.ToLower(strings.TrimSpace(language))
	if alias, ok := languageAliases[key]; ok {
		key = alias
	}
	if g, ok := languageGroups[key]; ok {
		return g
	}
	return "other"
}

// ApplyGrouping materialises the grouping column on every row.
func ApplyGrouping(f *Frame, dim scenario.GroupingDimension) error {
	switch dim {
	case scenario.ByLanguageGroup:
		for i := range f.Rows {
			f.Rows[i].Group = languageGroup(f.Rows[i].Language)
		}
	case scenario.ByTimeOfDay:
		for i := range f.Rows {
			f.Rows[i].Group = timeOfDay(f.Rows[i].StartedAt.UTC().Hour())
		}
	case scenario.ByBuildsCount:
		quartileGroups(f, false)
	case scenario.ByBuildsPct:
		quartileGroups(f, true)
	default:
		return ferrors.ValidationError("unknown grouping dimension").
			WithContext("dimension", string(dim)).Build()
	}
	return nil
}

func timeOfDay(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

// quartileGroups ranks each build within its repository by start time, then
// bins the rank (pct=true: the rank's fraction of the repository total) into
// quartiles across the whole frame.
func quartileGroups(f *Frame, pct bool) {
	byRepo := map[string][]int{}
	for i := range f.Rows {
		byRepo[f.Rows[i].RepoID] = append(byRepo[f.Rows[i].RepoID], i)
	}
	values := make([]float64, len(f.Rows))
	for _, idxs := range byRepo {
		sort.SliceStable(idxs, func(a, b int) bool {
			return f.Rows[idxs[a]].StartedAt.Before(f.Rows[idxs[b]].StartedAt)
		})
		for rank, idx := range idxs {
			if pct {
				values[idx] = float64(rank) / float64(len(idxs))
			} else {
				values[idx] = float64(rank)
			}
		}
	}
	labels := quartileBins(values)
	for i := range f.Rows {
		f.Rows[i].Group = labels[i]
	}
}

// quartileBins labels values bin_1..bin_k by quartile edges. Duplicate edges
// collapse; fewer than four unique values fall back to a single bin.
func quartileBins(values []float64) []string {
	labels := make([]string, len(values))
	if countUnique(values) < 4 {
		for i := range labels {
			labels[i] = "bin_1"
		}
		return labels
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	edges := dedupEdges([]float64{
		quantile(sorted, 0.25),
		quantile(sorted, 0.50),
		quantile(sorted, 0.75),
	})
	for i, v := range values {
		bin := 1
		for _, e := range edges {
			if v > e {
				bin++
			} else {
				break
			}
		}
		labels[i] = fmt.Sprintf("bin_%d", bin)
	}
	return labels
}

func countUnique(values []float64) int {
	seen := map[float64]struct{}{}
	for _, v := range values {
		seen[v] = struct{}{}
	}
	return len(seen)
}

func dedupEdges(edges []float64) []float64 {
	out := edges[:0]
	for _, e := range edges {
		if len(out) == 0 || e > out[len(out)-1] {
			out = append(out, e)
		}
	}
	return out
}

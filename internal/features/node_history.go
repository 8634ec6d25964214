package features

import (
	"context"

	"git.home.luguber.info/inful/riskbuilder/internal/model"
)

// recentWindow is how many prior builds the recent failure rate looks at.
const recentWindow = 10

// buildHistory walks the prior builds of the same repository (most recent
// first) and derives linear-history features. No acquired resource is
// needed; the prior chain rides in the context.
func buildHistory() *Node {
	return &Node{
		Name:     "build_history",
		Group:    "history",
		Provides: []string{"history_prev_failed", "history_fail_streak", "history_recent_fail_rate", "history_num_prior_builds"},
		Run: func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
			prior := ec.Prior
			values := map[string]any{
				"history_num_prior_builds": float64(len(prior)),
			}
			if len(prior) == 0 {
				// A first build has no history; nil keeps it distinguishable
				// from "previous build passed".
				values["history_prev_failed"] = nil
				values["history_fail_streak"] = float64(0)
				values["history_recent_fail_rate"] = nil
				return values, nil
			}

			values["history_prev_failed"] = boolFeature(failedBuild(prior[0]))

			streak := 0
			for _, b := range prior {
				if !failedBuild(b) {
					break
				}
				streak++
			}
			values["history_fail_streak"] = float64(streak)

			window := prior
			if len(window) > recentWindow {
				window = window[:recentWindow]
			}
			failures := 0
			for _, b := range window {
				if failedBuild(b) {
					failures++
				}
			}
			values["history_recent_fail_rate"] = float64(failures) / float64(len(window))
			return values, nil
		},
	}
}

func failedBuild(b model.RawBuildRun) bool {
	return model.Outcome(b.Conclusion) == 1
}

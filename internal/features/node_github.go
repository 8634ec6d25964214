package features

import (
	"context"
)

// ghActor derives authorship and collaboration signals from the workflow run
// and the prior-build chain.
func ghActor() *Node {
	return &Node{
		Name:              "gh_actor",
		Group:             "github",
		Provides:          []string{"gh_is_bot_commit", "gh_team_size"},
		RequiresResources: []string{ResourceWorkflowRun},
		Run: func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
			actors := make(map[string]bool)
			if ec.Build.ActorLogin != "" {
				actors[ec.Build.ActorLogin] = true
			}
			for _, b := range ec.Prior {
				if b.ActorLogin != "" {
					actors[b.ActorLogin] = true
				}
			}
			return map[string]any{
				"gh_is_bot_commit": boolFeature(ec.Build.IsBotCommit),
				"gh_team_size":     float64(len(actors)),
			}, nil
		},
	}
}

// ghRepoStats lifts collaboration counters out of the synced repository
// metadata. Absent keys come out nil; the catalog may predate them.
func ghRepoStats() *Node {
	return &Node{
		Name:              "gh_repo_stats",
		Group:             "github",
		Provides:          []string{"gh_stars", "gh_forks", "gh_open_issues", "gh_watchers", "gh_is_fork"},
		RequiresResources: []string{ResourceWorkflowRun},
		Run: func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
			meta := ec.Repo.Metadata
			return map[string]any{
				"gh_stars":       metaNumber(meta, "stars"),
				"gh_forks":       metaNumber(meta, "forks"),
				"gh_open_issues": metaNumber(meta, "open_issues"),
				"gh_watchers":    metaNumber(meta, "watchers"),
				"gh_is_fork":     metaBool(meta, "fork"),
			}, nil
		},
	}
}

// metaNumber reads a numeric metadata key. JSON round-trips integers as
// float64; the catalog writes them fresh as int.
func metaNumber(meta map[string]any, key string) any {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return nil
	}
}

// metaBool reads a boolean metadata key as 0/1.
func metaBool(meta map[string]any, key string) any {
	if meta == nil {
		return nil
	}
	if v, ok := meta[key].(bool); ok {
		return boolFeature(v)
	}
	return nil
}

package features

import (
	"context"
	"math"
	"path"
	"strings"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/gitrepo"
)

// diffResource is the derived handle the churn node leaves behind so the
// entropy node can reuse the per-file breakdown without re-diffing.
const diffResource = "git_diff"

// gitCommitMeta reads commit metadata off the bare clone.
func gitCommitMeta() *Node {
	return &Node{
		Name:              "git_commit_meta",
		Group:             "git",
		Provides:          []string{"git_message_length", "git_is_merge_commit", "git_num_parents", "git_commit_hour", "git_commit_day_of_week"},
		RequiresResources: []string{ResourceGitHistory},
		Run: func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
			h, _ := ec.GitHistory()
			if !h.CommitAvailable {
				return nil, ferrors.MissingResourceError("commit not reachable").
					WithContext("commit", h.EffectiveSHA).Build()
			}
			info, err := h.Repo.CommitInfo(h.EffectiveSHA)
			if err != nil {
				return nil, err
			}
			authored := info.AuthoredAt.UTC()
			return map[string]any{
				"git_message_length":     float64(len(strings.TrimSpace(info.Message))),
				"git_is_merge_commit":    boolFeature(info.IsMerge),
				"git_num_parents":        float64(len(info.Parents)),
				"git_commit_hour":        float64(authored.Hour()),
				"git_commit_day_of_week": float64(authored.Weekday()),
			}, nil
		},
	}
}

// gitDiffChurn computes churn against the first parent and stashes the
// per-file stats for the entropy node.
func gitDiffChurn() *Node {
	return &Node{
		Name:              "git_diff_churn",
		Group:             "git",
		Provides:          []string{"git_files_changed", "git_lines_added", "git_lines_deleted", "git_churn", "git_src_files_changed", "git_test_files_changed"},
		RequiresResources: []string{ResourceGitHistory},
		Run: func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
			h, _ := ec.GitHistory()
			if !h.CommitAvailable {
				return nil, ferrors.MissingResourceError("commit not reachable").
					WithContext("commit", h.EffectiveSHA).Build()
			}
			stats, err := h.Repo.DiffStats(ctx, h.EffectiveSHA)
			if err != nil {
				return nil, err
			}
			ec.SetResource(diffResource, stats)

			src, test := 0, 0
			for _, f := range stats.Files {
				if isTestPath(f.Path) {
					test++
				} else {
					src++
				}
			}
			return map[string]any{
				"git_files_changed":      float64(len(stats.Files)),
				"git_lines_added":        float64(stats.Additions),
				"git_lines_deleted":      float64(stats.Deletions),
				"git_churn":              float64(stats.Additions + stats.Deletions),
				"git_src_files_changed":  float64(src),
				"git_test_files_changed": float64(test),
			}, nil
		},
	}
}

// gitChangeEntropy measures how evenly the commit's churn spreads across
// files. Consumes the churn node's per-file breakdown.
func gitChangeEntropy() *Node {
	return &Node{
		Name:             "git_change_entropy",
		Group:            "git",
		Provides:         []string{"git_entropy_changes", "git_entropy_normalized"},
		RequiresFeatures: []string{"git_churn"},
		Run: func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
			raw, ok := ec.Resource(diffResource)
			if !ok {
				return nil, ferrors.MissingResourceError("diff stats not computed").Build()
			}
			stats, ok := raw.(*gitrepo.DiffStats)
			if !ok {
				return nil, ferrors.FeatureError("unexpected diff handle type").Build()
			}

			var total float64
			changes := make([]float64, 0, len(stats.Files))
			for _, f := range stats.Files {
				if c := float64(f.Additions + f.Deletions); c > 0 {
					changes = append(changes, c)
					total += c
				}
			}
			entropy := 0.0
			for _, c := range changes {
				p := c / total
				entropy -= p * math.Log2(p)
			}
			normalized := 0.0
			if n := float64(len(changes)); n > 1 {
				normalized = entropy / math.Log2(n)
			}
			return map[string]any{
				"git_entropy_changes":    entropy,
				"git_entropy_normalized": normalized,
			}, nil
		},
	}
}

// boolFeature renders booleans as 0/1 so vectors stay numeric.
func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// isTestPath classifies a repository path as test code by convention.
func isTestPath(p string) bool {
	lower := strings.ToLower(p)
	base := path.Base(lower)
	for _, dir := range []string{"test/", "tests/", "__tests__/", "spec/", "testdata/"} {
		if strings.HasPrefix(lower, dir) || strings.Contains(lower, "/"+dir) {
			return true
		}
	}
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"),
		strings.HasSuffix(base, "_test.py"),
		strings.HasSuffix(base, ".test.js"), strings.HasSuffix(base, ".spec.js"),
		strings.HasSuffix(base, ".test.ts"), strings.HasSuffix(base, ".spec.ts"),
		strings.HasSuffix(base, "test.java"), strings.HasSuffix(base, "tests.java"),
		strings.HasSuffix(base, "_spec.rb"), strings.HasSuffix(base, "_test.rb"):
		return true
	}
	return false
}

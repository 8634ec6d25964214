package ingest

import "git.home.luguber.info/inful/riskbuilder/internal/model"

// Plan is the resolved resource-acquisition plan for one repository group:
// which ingestion resources the builds need and in what order they can be
// acquired.
type Plan struct {
	levels [][]string
}

// PlanResources resolves the ingestion resources implied by a feature set's
// resource requirements. In-process resources (provider client, workflow-run
// record) need no acquisition task and are dropped. git_worktree implies
// git_history; enabled scans force git_worktree since scanners run against a
// checked-out tree.
func PlanResources(required []string, scanEnabled bool) Plan {
	need := make(map[string]bool, len(required))
	for _, r := range required {
		switch r {
		case model.ResourceGitHistory, model.ResourceGitWorktree, model.ResourceBuildLogs:
			need[r] = true
		}
	}
	if scanEnabled {
		need[model.ResourceGitWorktree] = true
	}
	if need[model.ResourceGitWorktree] {
		need[model.ResourceGitHistory] = true
	}

	var plan Plan
	// Level 0: the clone and the log download are independent. The clone
	// comes first because its failure loses the whole repository group.
	var first []string
	if need[model.ResourceGitHistory] {
		first = append(first, model.ResourceGitHistory)
	}
	if need[model.ResourceBuildLogs] {
		first = append(first, model.ResourceBuildLogs)
	}
	if len(first) > 0 {
		plan.levels = append(plan.levels, first)
	}
	if need[model.ResourceGitWorktree] {
		plan.levels = append(plan.levels, []string{model.ResourceGitWorktree})
	}
	return plan
}

// Levels returns the resource ranks; resources within one level may be
// acquired in parallel, later levels consume earlier ones.
func (p Plan) Levels() [][]string { return p.levels }

// Empty reports whether no ingestion task is needed at all.
func (p Plan) Empty() bool { return len(p.levels) == 0 }

// Contains reports whether the plan acquires the given resource.
func (p Plan) Contains(resource string) bool {
	for _, level := range p.levels {
		for _, r := range level {
			if r == resource {
				return true
			}
		}
	}
	return false
}

// Resources returns every planned resource in chain order: clone, then
// worktrees, then logs. Any sequential order that keeps the clone before the
// worktrees is valid; this one keeps log downloads last so commit-level
// failures surface before the provider is asked for log archives.
func (p Plan) Resources() []string {
	ordered := make([]string, 0, 3)
	for _, r := range []string{model.ResourceGitHistory, model.ResourceGitWorktree, model.ResourceBuildLogs} {
		if p.Contains(r) {
			ordered = append(ordered, r)
		}
	}
	return ordered
}

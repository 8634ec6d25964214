// Package features implements the feature DAG engine: a static registry of
// feature nodes, resolution of requested feature sets into levelled execution
// plans, and a graceful-degradation executor that turns one build into a
// feature vector.
//
// Nodes declare what they produce, what features they consume from the same
// build, and which acquired resources they need. Missing resources or failed
// upstream nodes never abort an extraction; affected features come out nil and
// the overall status degrades to partial.
package features

import "context"

// Resource names a node may require. The first three are acquired on disk by
// ingestion; the last two are in-process.
const (
	ResourceGitHistory  = "git_history"
	ResourceGitWorktree = "git_worktree"
	ResourceBuildLogs   = "build_logs"
	ResourceProvider    = "github_client"
	ResourceWorkflowRun = "workflow_run"
)

// Node is one entry of the feature registry. A node computes one or more
// sibling features from a build's resources and previously computed features.
type Node struct {
	// Name uniquely identifies the node in the registry.
	Name string

	// Group tags the node for logging and metrics only.
	Group string

	// Provides lists the feature names the node emits. Must be non-empty;
	// each feature has exactly one providing node.
	Provides []string

	// RequiresFeatures lists features consumed from the same build's vector.
	// They induce the dependency edges the planner levels by.
	RequiresFeatures []string

	// RequiresResources lists resource names the node reads. A node whose
	// resource is unavailable is skipped, not failed.
	RequiresResources []string

	// NullTolerant lets the node run even when a required feature resolved
	// to nil. Without it, a nil input skips the node.
	NullTolerant bool

	// Run computes the node's features. Keys must cover Provides; missing
	// keys surface as nil values. Returned numbers should be float64 so
	// vectors serialize uniformly.
	Run func(ctx context.Context, ec *ExecutionContext) (map[string]any, error)
}

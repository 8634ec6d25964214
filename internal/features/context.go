package features

import (
	"sync"

	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/provider"
)

// ExecutionContext carries everything one build's node executions may read:
// the build run, its repository, the prior builds on the same repository
// (most recent first), the growing feature map, and the bound resource
// handles. Nodes at one level run concurrently, so access is serialised.
type ExecutionContext struct {
	Build *model.RawBuildRun
	Repo  *model.RawRepository

	// Prior holds builds of the same repository that started before Build,
	// most recent first. History nodes walk it.
	Prior []model.RawBuildRun

	mu        sync.RWMutex
	features  map[string]any
	resources map[string]any
}

// NewExecutionContext builds a context for one extraction.
func NewExecutionContext(build *model.RawBuildRun, repo *model.RawRepository, prior []model.RawBuildRun) *ExecutionContext {
	return &ExecutionContext{
		Build:     build,
		Repo:      repo,
		Prior:     prior,
		features:  make(map[string]any),
		resources: make(map[string]any),
	}
}

// Feature returns a computed feature value. The second return is false until
// a providing node has run (or been skipped, which stores nil).
func (ec *ExecutionContext) Feature(name string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.features[name]
	return v, ok
}

// Float returns a feature as float64. ok is false when the feature is absent,
// nil, or not numeric.
func (ec *ExecutionContext) Float(name string) (float64, bool) {
	v, ok := ec.Feature(name)
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Features returns a copy of the current feature map.
func (ec *ExecutionContext) Features() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]any, len(ec.features))
	for k, v := range ec.features {
		out[k] = v
	}
	return out
}

// setFeature records one feature value; the engine merges node outputs
// between levels through it.
func (ec *ExecutionContext) setFeature(name string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.features[name] = value
}

// Resource returns an opaque resource handle by name.
func (ec *ExecutionContext) Resource(name string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	h, ok := ec.resources[name]
	return h, ok
}

// SetResource binds a resource handle. The extractor binds acquired resources
// before execution; node bodies may bind derived handles for later levels.
func (ec *ExecutionContext) SetResource(name string, handle any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.resources[name] = handle
}

// HasResource reports whether a resource is bound and non-nil.
func (ec *ExecutionContext) HasResource(name string) bool {
	h, ok := ec.Resource(name)
	return ok && h != nil
}

// GitHistory returns the bound git_history handle.
func (ec *ExecutionContext) GitHistory() (*GitHistory, bool) {
	h, ok := ec.Resource(ResourceGitHistory)
	if !ok {
		return nil, false
	}
	g, ok := h.(*GitHistory)
	return g, ok && g != nil
}

// Worktree returns the bound git_worktree handle.
func (ec *ExecutionContext) Worktree() (*Worktree, bool) {
	h, ok := ec.Resource(ResourceGitWorktree)
	if !ok {
		return nil, false
	}
	w, ok := h.(*Worktree)
	return w, ok && w != nil
}

// BuildLogs returns the bound build_logs handle.
func (ec *ExecutionContext) BuildLogs() (*BuildLogs, bool) {
	h, ok := ec.Resource(ResourceBuildLogs)
	if !ok {
		return nil, false
	}
	b, ok := h.(*BuildLogs)
	return b, ok && b != nil
}

// Provider returns the bound CI-provider client.
func (ec *ExecutionContext) Provider() (provider.Client, bool) {
	h, ok := ec.Resource(ResourceProvider)
	if !ok {
		return nil, false
	}
	c, ok := h.(provider.Client)
	return c, ok && c != nil
}

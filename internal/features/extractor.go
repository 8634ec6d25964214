package features

import (
	"context"
	"log/slog"
	"os"
	"time"

	"git.home.luguber.info/inful/riskbuilder/internal/gitrepo"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/metrics"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/provider"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
	"git.home.luguber.info/inful/riskbuilder/internal/workspace"
)

// Request is one build's extraction order: the feature selection, the build
// and repository rows, prior builds for history nodes, and the resource
// states ingestion recorded.
type Request struct {
	Scope         model.VectorScope
	ScopeID       string
	CorrelationID string
	Features      []string
	Exclusions    []string
	Repo          *model.RawRepository
	Build         *model.RawBuildRun
	Prior         []model.RawBuildRun
	ResourceState model.ResourceStatusMap
}

// Extractor turns one build into a persisted feature vector: it resolves the
// plan, binds the resource handles ingestion acquired, executes the node
// graph, and writes the vector and its audit log.
type Extractor struct {
	engine    *Engine
	store     *store.Store
	layout    *workspace.Layout
	git       *gitrepo.Client
	providers *provider.Set
	recorder  metrics.Recorder
}

// NewExtractor wires the extraction pipeline stage.
func NewExtractor(engine *Engine, st *store.Store, layout *workspace.Layout, git *gitrepo.Client, providers *provider.Set) *Extractor {
	return &Extractor{
		engine:    engine,
		store:     st,
		layout:    layout,
		git:       git,
		providers: providers,
		recorder:  metrics.NoopRecorder{},
	}
}

// SetRecorder replaces the metrics recorder. Nil restores the no-op.
func (x *Extractor) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	x.recorder = r
	x.engine.SetRecorder(r)
}

// ExtractBuild executes the requested features against one build and
// persists the outcome. Node-level problems degrade the vector's status;
// the returned error covers plan resolution and store writes only.
func (x *Extractor) ExtractBuild(ctx context.Context, req Request, log *slog.Logger) (*model.FeatureVector, *Result, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(
		slog.String(logfields.KeyRepoID, req.Repo.ID),
		slog.String(logfields.KeyBuildID, req.Build.ID),
		slog.String(logfields.KeyCommit, req.Build.CommitSHA),
	)

	plan, err := x.engine.Registry().Resolve(req.Features, req.Exclusions)
	if err != nil {
		return nil, nil, err
	}

	ec := NewExecutionContext(req.Build, req.Repo, req.Prior)
	bound := x.bindResources(plan, req, ec, log)

	start := time.Now()
	result, err := x.engine.Execute(ctx, plan, ec, log)
	if err != nil {
		return nil, nil, err
	}
	duration := time.Since(start)
	x.recorder.ObserveExtractionDuration(duration)

	vector, err := x.store.Vectors.Upsert(ctx, &model.FeatureVector{
		Scope:            req.Scope,
		ScopeID:          req.ScopeID,
		RawRepoID:        req.Repo.ID,
		RawBuildRunID:    req.Build.ID,
		Features:         model.JSONMap(result.Features),
		ExtractionStatus: result.Status,
	})
	if err != nil {
		return nil, nil, err
	}

	audit := &model.FeatureAuditLog{
		ScenarioID:       req.ScopeID,
		RawBuildRunID:    req.Build.ID,
		CorrelationID:    req.CorrelationID,
		Status:           string(result.Status),
		Nodes:            outcomeMap(result.Outcomes),
		ResourcesUsed:    model.StringList(bound),
		ResourcesMissing: model.StringList(result.Missing),
		Warnings:         model.StringList(result.Warnings),
		DurationMS:       duration.Milliseconds(),
	}
	if err := x.store.AuditLogs.Insert(ctx, audit); err != nil {
		return nil, nil, err
	}

	log.Info("feature extraction done",
		slog.String("status", string(result.Status)),
		slog.Int("nodes", len(result.Outcomes)),
		slog.Int("features", len(result.Features)),
		slog.Int64(logfields.KeyDurationMS, duration.Milliseconds()))
	return vector, result, nil
}

// bindResources attaches handles for the plan's resources. On-disk resources
// bind only when ingestion marked them completed and the artifact is really
// there; in-process resources bind unconditionally. Returns the bound names
// in plan order.
func (x *Extractor) bindResources(plan *Plan, req Request, ec *ExecutionContext, log *slog.Logger) []string {
	var bound []string
	for _, resource := range plan.Resources {
		switch resource {
		case ResourceGitHistory:
			if !resourceCompleted(req.ResourceState, resource) || x.git == nil {
				continue
			}
			rep, err := x.git.Open(req.Repo.ID)
			if err != nil {
				log.Warn("bare clone not openable",
					slog.String(logfields.KeyResource, resource),
					slog.String(logfields.KeyError, err.Error()))
				continue
			}
			sha := effectiveSHA(req.Build)
			ec.SetResource(resource, &GitHistory{
				Repo:            rep,
				EffectiveSHA:    sha,
				CommitAvailable: rep.IsReachable(sha),
			})
			bound = append(bound, resource)

		case ResourceGitWorktree:
			if !resourceCompleted(req.ResourceState, resource) {
				continue
			}
			dir := x.layout.WorktreeDir(req.Repo.ID, effectiveSHA(req.Build))
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				continue
			}
			ec.SetResource(resource, &Worktree{Path: dir})
			bound = append(bound, resource)

		case ResourceBuildLogs:
			if !resourceCompleted(req.ResourceState, resource) {
				continue
			}
			dir := x.layout.BuildLogDir(req.Repo.ID, req.Build.CIRunID)
			if entries, err := os.ReadDir(dir); err != nil || len(entries) == 0 {
				continue
			}
			ec.SetResource(resource, &BuildLogs{Dir: dir})
			bound = append(bound, resource)

		case ResourceProvider:
			client, err := x.providers.Get(req.Build.Provider)
			if err != nil {
				log.Warn("provider client unavailable",
					slog.String(logfields.KeyResource, resource),
					slog.String(logfields.KeyError, err.Error()))
				continue
			}
			ec.SetResource(resource, client)
			bound = append(bound, resource)

		case ResourceWorkflowRun:
			ec.SetResource(resource, req.Build)
			bound = append(bound, resource)
		}
	}
	return bound
}

// resourceCompleted reads the ingestion outcome for one resource. Resources
// ingestion never tracked (in-process ones) report false here; they have
// their own binding rules.
func resourceCompleted(state model.ResourceStatusMap, resource string) bool {
	st, ok := state[resource]
	return ok && st.Status == model.ResourceCompleted
}

// effectiveSHA is the commit extraction works against: the replayed commit
// when fork replay rewrote it, the original otherwise.
func effectiveSHA(run *model.RawBuildRun) string {
	if run.EffectiveSHA != "" {
		return run.EffectiveSHA
	}
	return run.CommitSHA
}

// outcomeMap flattens node outcomes for the audit log's JSON column.
func outcomeMap(outcomes []NodeOutcome) model.JSONMap {
	nodes := make(model.JSONMap, len(outcomes))
	for _, o := range outcomes {
		entry := map[string]any{
			"status":      o.Status,
			"duration_ms": o.DurationMS,
		}
		if o.Reason != "" {
			entry["reason"] = o.Reason
		}
		nodes[o.Node] = entry
	}
	return nodes
}

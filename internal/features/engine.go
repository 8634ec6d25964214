package features

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/metrics"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
)

// Node execution outcomes recorded on the audit log.
const (
	NodeCompleted = "completed"
	NodeSkipped   = "skipped"
	NodeFailed    = "failed"
)

const defaultParallelism = 4

// NodeOutcome is the per-node record of one extraction.
type NodeOutcome struct {
	Node       string `json:"node"`
	Group      string `json:"group,omitempty"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Result is the outcome of executing a plan against one build.
type Result struct {
	Status   model.ExtractionStatus
	Features map[string]any
	Outcomes []NodeOutcome
	Missing  []string // resources the plan required but the context lacks
	Warnings []string
}

// Engine executes resolved plans level by level, running each level's nodes
// in a bounded pool. A node whose resource is unavailable is skipped, a node
// whose body errors is failed; either way its features merge as nil so later
// levels degrade instead of aborting.
type Engine struct {
	registry *Registry
	parallel int
	recorder metrics.Recorder
}

// NewEngine wires an executor over a registry. parallelism <= 0 uses the
// default of 4.
func NewEngine(reg *Registry, parallelism int) *Engine {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Engine{
		registry: reg,
		parallel: parallelism,
		recorder: metrics.NoopRecorder{},
	}
}

// Registry exposes the node catalogue the engine executes from.
func (e *Engine) Registry() *Registry { return e.registry }

// SetRecorder replaces the metrics recorder. Nil restores the no-op.
func (e *Engine) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	e.recorder = r
}

// nodeExec is the pool result of one node run.
type nodeExec struct {
	node    *Node
	values  map[string]any
	outcome NodeOutcome
}

// Execute runs a plan against one build's context. It only errors on context
// cancellation; every node-level problem degrades into the result status.
func (e *Engine) Execute(ctx context.Context, plan *Plan, ec *ExecutionContext, log *slog.Logger) (*Result, error) {
	if log == nil {
		log = slog.Default()
	}

	res := &Result{Features: ec.Features()}
	for _, resource := range plan.Resources {
		if !ec.HasResource(resource) {
			res.Missing = append(res.Missing, resource)
		}
	}

	completed, skipped, failed := 0, 0, 0
	for _, level := range plan.Levels {
		if err := ctx.Err(); err != nil {
			return nil, ferrors.FeatureError("extraction cancelled").WithCause(err).Build()
		}

		p := pool.NewWithResults[nodeExec]().
			WithContext(ctx).
			WithMaxGoroutines(e.parallel)
		for _, node := range level {
			node := node
			p.Go(func(ctx context.Context) (nodeExec, error) {
				return e.runNode(ctx, node, ec), nil
			})
		}
		execs, err := p.Wait()
		if err != nil {
			return nil, ferrors.FeatureError("extraction cancelled").WithCause(err).Build()
		}

		// Merge between levels; same-level nodes never consume each other.
		for _, ex := range execs {
			for _, f := range ex.node.Provides {
				if ex.outcome.Status == NodeCompleted {
					ec.setFeature(f, ex.values[f])
				} else {
					ec.setFeature(f, nil)
				}
			}
			res.Outcomes = append(res.Outcomes, ex.outcome)
			e.recorder.IncNodeResult(ex.node.Name, ex.outcome.Status)
			switch ex.outcome.Status {
			case NodeCompleted:
				completed++
			case NodeSkipped:
				skipped++
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s skipped: %s", ex.node.Name, ex.outcome.Reason))
				log.Debug("feature node skipped",
					slog.String(logfields.KeyNode, ex.node.Name),
					slog.String("reason", ex.outcome.Reason))
			case NodeFailed:
				failed++
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s failed: %s", ex.node.Name, ex.outcome.Reason))
				log.Warn("feature node failed",
					slog.String(logfields.KeyNode, ex.node.Name),
					slog.String(logfields.KeyError, ex.outcome.Reason))
			}
		}
	}

	res.Features = ec.Features()
	res.Status = overallStatus(completed, skipped, failed)
	return res, nil
}

// runNode evaluates preconditions and the node body; panics become failures.
func (e *Engine) runNode(ctx context.Context, node *Node, ec *ExecutionContext) (ex nodeExec) {
	ex.node = node
	ex.outcome = NodeOutcome{Node: node.Name, Group: node.Group}

	for _, resource := range node.RequiresResources {
		if !ec.HasResource(resource) {
			ex.outcome.Status = NodeSkipped
			ex.outcome.Reason = "missing resource " + resource
			return ex
		}
	}
	if !node.NullTolerant {
		for _, rf := range node.RequiresFeatures {
			if v, ok := ec.Feature(rf); !ok || v == nil {
				ex.outcome.Status = NodeSkipped
				ex.outcome.Reason = "nil input " + rf
				return ex
			}
		}
	}

	start := time.Now()
	defer func() {
		ex.outcome.DurationMS = time.Since(start).Milliseconds()
		if r := recover(); r != nil {
			ex.outcome.Status = NodeFailed
			ex.outcome.Reason = fmt.Sprintf("panic: %v", r)
			ex.values = nil
		}
	}()

	values, err := node.Run(ctx, ec)
	if err != nil {
		// A missing_resource classification marks expected degradation
		// (unreachable commit, absent log file), not a node defect.
		if ferrors.IsMissingResource(err) {
			ex.outcome.Status = NodeSkipped
		} else {
			ex.outcome.Status = NodeFailed
		}
		ex.outcome.Reason = err.Error()
		return ex
	}
	ex.outcome.Status = NodeCompleted
	ex.values = values
	return ex
}

// overallStatus folds node counts into the extraction status: everything
// completed, nothing completed, or a mix.
func overallStatus(completed, skipped, failed int) model.ExtractionStatus {
	switch {
	case skipped == 0 && failed == 0:
		return model.ExtractionCompleted
	case completed > 0:
		return model.ExtractionPartial
	default:
		return model.ExtractionFailed
	}
}

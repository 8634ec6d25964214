package orchestrator

import (
	"context"
	"sort"

	"git.home.luguber.info/inful/riskbuilder/internal/ingest"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// ReingestMissingResource re-runs ingestion for builds that settled as
// missing_resource or failed. Completed resources stay completed; only the
// still-missing resources of the affected repositories are re-planned, and
// the chord settles through the same aggregate callback as a full run.
// Expired-log builds are retried unconditionally: providers occasionally
// republish logs, and a repeat miss settles the same way it did before.
func (o *Orchestrator) ReingestMissingResource(ctx context.Context, scenarioID string) (string, error) {
	counts, err := o.store.Ingestions.CountByStatus(ctx, scenarioID)
	if err != nil {
		return "", err
	}
	if counts[model.IngestionMissingResource]+counts[model.IngestionFailed] == 0 {
		return "", ferrors.ValidationError("no builds awaiting reingestion").
			WithContext("scenario_id", scenarioID).Build()
	}
	from := []model.ScenarioStatus{
		model.ScenarioIngested, model.ScenarioProcessed,
		model.ScenarioCompleted, model.ScenarioFailed,
	}
	if err := o.store.Scenarios.Transition(ctx, scenarioID, from, model.ScenarioIngesting); err != nil {
		return "", err
	}
	corrID, epoch, err := o.startRun(ctx, scenarioID)
	if err != nil {
		return "", err
	}

	affected, err := o.store.Ingestions.ResetForReingestion(ctx, scenarioID)
	if err != nil {
		return "", err
	}
	if _, err := o.store.PipelineRuns.StartPhase(ctx, corrID, PhaseIngest, int64(len(affected))); err != nil {
		return "", err
	}

	refs := make(map[string][]ingest.BuildRef)
	pending := make(map[string]map[string]bool)
	for _, b := range affected {
		refs[b.RawRepoID] = append(refs[b.RawRepoID], ingest.BuildRef{
			IngestionBuildID: b.ID,
			RawBuildRunID:    b.RawBuildRunID,
			CommitSHA:        b.CommitSHA,
			CIRunID:          b.CIRunID,
		})
		for _, res := range b.RequiredResources {
			if b.ResourceStatus[res].Status != model.ResourceCompleted {
				if pending[b.RawRepoID] == nil {
					pending[b.RawRepoID] = make(map[string]bool)
				}
				pending[b.RawRepoID][res] = true
			}
		}
	}
	order := make([]string, 0, len(refs))
	for id := range refs {
		order = append(order, id)
	}
	sort.Strings(order)

	repos, err := o.store.Repos.ByIDs(ctx, order)
	if err != nil {
		return "", err
	}
	opts := taskqueue.SubmitOptions{CorrelationID: corrID, Epoch: epoch}
	members := make([][]taskqueue.Signature, 0, len(order))
	for _, repoID := range order {
		repo := repos[repoID]
		if repo == nil {
			return "", ferrors.StoreError("repository missing for reingestion").
				WithContext("raw_repo_id", repoID).Build()
		}
		resources := make([]string, 0, len(pending[repoID]))
		for res := range pending[repoID] {
			resources = append(resources, res)
		}
		sort.Strings(resources)
		plan := ingest.PlanResources(resources, false)
		if plan.Empty() {
			continue
		}
		members = append(members, ingest.RepoChain(plan, scenarioID, repoID,
			repo.FullName, repo.Provider, refs[repoID], true))
	}

	callback := taskqueue.NewSignature(TaskAggregateIngestion, taskqueue.QueueScenarioIngestion,
		AggregatePayload{ScenarioID: scenarioID})
	if len(members) == 0 {
		// Nothing left to acquire on disk; settle directly.
		if _, _, err := o.broker.SubmitTask(ctx, callback, opts); err != nil {
			return "", err
		}
	} else {
		errback := callback
		if _, _, err := o.broker.SubmitChord(ctx, taskqueue.Chord{
			Members:  members,
			Callback: callback,
			Errback:  &errback,
		}, opts); err != nil {
			return "", err
		}
	}
	o.publishState(ctx, scenarioID)
	return corrID, nil
}

// RetryCommitScan re-queues one failed commit scan.
func (o *Orchestrator) RetryCommitScan(ctx context.Context, scenarioID, commitSHA, tool string) error {
	return o.scans.RetryCommitScan(ctx, scenarioID, commitSHA, tool)
}

// OnSonarAnalysisComplete routes the Sonar webhook callback to the scan
// settlement logic.
func (o *Orchestrator) OnSonarAnalysisComplete(ctx context.Context, componentKey string, analysisOK bool) error {
	return o.scans.OnSonarAnalysisComplete(ctx, componentKey, analysisOK)
}

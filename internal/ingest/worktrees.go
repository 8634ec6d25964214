package ingest

import (
	"context"
	"os"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/gitrepo"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/provider"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
)

// CreateWorktreesBatch materialises detached worktrees for every build in
// the batch. Unreachable commits are replayed from the provider's patch when
// the payload allows it; the synthetic SHA is recorded as the build's
// effective SHA. Per-commit failures become per-build outcomes; only errors
// the runtime should redeliver (transient network, rate limits) abort the
// batch, which is safe to re-run since existing worktrees are skipped.
func (t *Tasks) CreateWorktreesBatch(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var p WorktreesPayload
	if err := inv.Decode(&p); err != nil {
		return nil, err
	}
	log := inv.Logger().With(logfields.RepoID(p.RawRepoID), logfields.Repository(p.FullName))

	repo, err := t.git.Open(p.RawRepoID)
	if err != nil {
		return nil, err
	}
	client, err := t.providers.Get(p.Provider)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(p.Builds))
	for _, ref := range p.Builds {
		ids = append(ids, ref.RawBuildRunID)
	}
	runs, err := t.store.Builds.ByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	var res WorktreesResult
	for _, ref := range p.Builds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcome, err := t.prepareWorktree(ctx, repo, client, p, ref, runs[ref.RawBuildRunID], &res)
		if err != nil {
			return nil, err
		}
		if appendErr := inv.AppendResult(ctx, outcome); appendErr != nil {
			return nil, appendErr
		}
	}

	log.Info("worktree batch done",
		logfields.Resource(model.ResourceGitWorktree),
		logfields.Count(len(p.Builds)),
	)
	return res, nil
}

// prepareWorktree handles one commit. A non-nil error means the whole batch
// should be redelivered; everything else is folded into the outcome.
func (t *Tasks) prepareWorktree(ctx context.Context, repo *gitrepo.Repo, client provider.Client, p WorktreesPayload, ref BuildRef, run *model.RawBuildRun, res *WorktreesResult) (ResourceOutcome, error) {
	outcome := ResourceOutcome{
		RawRepoID:        p.RawRepoID,
		IngestionBuildID: ref.IngestionBuildID,
		RawBuildRunID:    ref.RawBuildRunID,
		Resource:         model.ResourceGitWorktree,
	}
	if run == nil {
		res.Failed++
		outcome.Status = model.ResourceFailed
		outcome.Error = "build run not found"
		return outcome, nil
	}

	effective := run.EffectiveSHA
	if effective == "" {
		effective = ref.CommitSHA
	}

	replayed := false
	if !repo.IsReachable(effective) {
		ok, err := t.replayCommit(ctx, repo, client, p, ref, &outcome)
		if err != nil {
			return outcome, err
		}
		if !ok {
			res.Failed++
			return outcome, nil
		}
		effective = outcome.EffectiveSHA
		replayed = true
	} else if _, err := os.Stat(repo.WorktreePath(effective)); err == nil {
		res.Skipped++
		outcome.Status = model.ResourceCompleted
		return outcome, nil
	}

	if _, err := repo.MaterializeWorktree(ctx, effective); err != nil {
		if redeliverable(err) {
			return outcome, err
		}
		res.Failed++
		outcome.Status = model.ResourceFailed
		outcome.Error = err.Error()
		outcome.ExpectedLoss = ferrors.IsMissingResource(err)
		return outcome, nil
	}
	if replayed {
		res.Replayed++
	} else {
		res.Created++
	}
	outcome.Status = model.ResourceCompleted
	return outcome, nil
}

// replayCommit reconstructs an unreachable fork commit from the provider's
// patch. It reports success through the outcome's EffectiveSHA; expected
// losses (replay forbidden, binary or conflicting patch, vanished commit)
// land in the outcome, and redeliverable errors come back as errors.
func (t *Tasks) replayCommit(ctx context.Context, repo *gitrepo.Repo, client provider.Client, p WorktreesPayload, ref BuildRef, outcome *ResourceOutcome) (bool, error) {
	if !p.AllowReplay {
		outcome.Status = model.ResourceFailed
		outcome.Error = "commit unreachable and fork replay disabled"
		outcome.ExpectedLoss = true
		return false, nil
	}

	patch, err := client.GetCommitPatch(ctx, p.FullName, ref.CommitSHA)
	if err != nil {
		if redeliverable(err) {
			return false, err
		}
		outcome.Status = model.ResourceFailed
		outcome.Error = err.Error()
		outcome.ExpectedLoss = ferrors.IsMissingResource(err)
		return false, nil
	}

	effective, err := repo.ReplayForkCommit(ctx, ref.CommitSHA, patch.Parents, patch.Patch)
	if err != nil {
		if redeliverable(err) {
			return false, err
		}
		outcome.Status = model.ResourceFailed
		outcome.Error = err.Error()
		outcome.ExpectedLoss = ferrors.IsMissingResource(err)
		return false, nil
	}

	if err := t.store.Builds.SetEffectiveSHA(ctx, ref.RawBuildRunID, effective); err != nil {
		return false, err
	}
	outcome.EffectiveSHA = effective
	return true, nil
}

// redeliverable reports whether the runtime should retry the task for this
// error instead of recording a per-build failure.
func redeliverable(err error) bool {
	switch ferrors.GetRetryStrategy(err) {
	case ferrors.RetryBackoff, ferrors.RetryImmediate, ferrors.RetryRateLimit:
		return true
	default:
		return false
	}
}

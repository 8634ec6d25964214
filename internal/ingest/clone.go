package ingest

import (
	"context"
	"time"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
)

// CloneRepo ensures the bare mirror clone for one repository group exists
// and is current. It emits a repo-wide git_history outcome: completed on
// success, failed when the error is not worth redelivering. Transient
// failures return the error instead so the runtime retries; if retries
// exhaust, the aggregation callback sweeps the group to missing_resource.
func (t *Tasks) CloneRepo(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var p ClonePayload
	if err := inv.Decode(&p); err != nil {
		return nil, err
	}
	log := inv.Logger().With(logfields.RepoID(p.RawRepoID), logfields.Repository(p.FullName))

	client, err := t.providers.Get(p.Provider)
	if err != nil {
		return nil, err
	}
	auth, err := client.GitAuth()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	repo, cloned, err := t.git.EnsureClone(ctx, p.RawRepoID, client.CloneURL(p.FullName), auth)
	t.recorder.ObserveCloneDuration(time.Since(start), err == nil)
	if err != nil {
		if ferrors.GetRetryStrategy(err) == ferrors.RetryNever || ferrors.IsMissingResource(err) {
			outcome := ResourceOutcome{
				RawRepoID:    p.RawRepoID,
				Resource:     model.ResourceGitHistory,
				Status:       model.ResourceFailed,
				Error:        err.Error(),
				ExpectedLoss: ferrors.IsMissingResource(err),
			}
			if appendErr := inv.AppendResult(ctx, outcome); appendErr != nil {
				log.Warn("append clone outcome", logfields.Error(appendErr))
			}
		}
		return nil, err
	}

	status := "refreshed"
	if cloned {
		status = "cloned"
	}
	if err := inv.AppendResult(ctx, ResourceOutcome{
		RawRepoID: p.RawRepoID,
		Resource:  model.ResourceGitHistory,
		Status:    model.ResourceCompleted,
	}); err != nil {
		return nil, err
	}

	log.Info("repository ready",
		logfields.Resource(model.ResourceGitHistory),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())),
	)
	return CloneResult{Status: status, Path: repo.Path()}, nil
}

package ingest

import (
	"context"
	"database/sql"
	"time"

	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/provider"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
)

const syncPerPage = 100

// SyncRepoBuilds refreshes the raw catalog for one repository: repository
// metadata first, then build runs page by page from newest to oldest. It
// stops at MaxBuildsPerRepo, the payload's page cap, or the end of the
// provider's history, whichever comes first. Upserts make the task safe to
// re-run after a partial page.
func (t *Tasks) SyncRepoBuilds(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var p SyncPayload
	if err := inv.Decode(&p); err != nil {
		return nil, err
	}
	log := inv.Logger().With(logfields.Repository(p.FullName))

	client, err := t.providers.Get(p.Provider)
	if err != nil {
		return nil, err
	}

	meta, err := client.FetchRepository(ctx, p.FullName)
	if err != nil {
		return nil, err
	}
	repo, err := t.store.Repos.Upsert(ctx, &model.RawRepository{
		Provider:      client.Name(),
		ExternalID:    meta.ExternalID,
		FullName:      meta.FullName,
		DefaultBranch: meta.DefaultBranch,
		Private:       meta.Private,
		Language:      meta.Language,
		Metadata:      model.JSONMap(meta.Metadata),
	})
	if err != nil {
		return nil, err
	}

	maxBuilds := t.cfg.MaxBuildsPerRepo
	res := SyncResult{RawRepoID: repo.ID}
	for page := 1; p.MaxPages <= 0 || page <= p.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bp, err := client.FetchBuilds(ctx, p.FullName, provider.BuildQuery{
			Since:       p.Since,
			Page:        page,
			PerPage:     syncPerPage,
			IncludeJobs: true,
		})
		if err != nil {
			return nil, err
		}
		res.Pages = page
		for _, b := range bp.Builds {
			if _, err := t.store.Builds.Upsert(ctx, buildRun(repo.ID, client.Name(), b)); err != nil {
				return nil, err
			}
			res.Synced++
			if maxBuilds > 0 && res.Synced >= maxBuilds {
				log.Info("catalog sync capped",
					logfields.RepoID(repo.ID),
					logfields.Count(res.Synced),
				)
				return res, nil
			}
		}
		if !bp.HasMore {
			break
		}
	}

	log.Info("catalog sync done",
		logfields.RepoID(repo.ID),
		logfields.Count(res.Synced),
	)
	return res, nil
}

// buildRun maps a provider build onto the raw catalog row. EffectiveSHA is
// left empty; the store defaults it to CommitSHA on insert and preserves any
// replayed value on update.
func buildRun(rawRepoID, providerName string, b *provider.Build) *model.RawBuildRun {
	run := &model.RawBuildRun{
		RawRepoID:   rawRepoID,
		Provider:    providerName,
		CIRunID:     b.CIRunID,
		BuildNumber: b.BuildNumber,
		CommitSHA:   b.CommitSHA,
		Branch:      b.Branch,
		Status:      b.Status,
		Conclusion:  b.Conclusion,
		ActorLogin:  b.ActorLogin,
		StartedAt:   b.StartedAt,
		Jobs:        jobsMap(b.Jobs),
		IsBotCommit: b.ActorIsBot,
	}
	if !b.CompletedAt.IsZero() {
		run.CompletedAt = sql.NullTime{Time: b.CompletedAt, Valid: true}
	}
	return run
}

// jobsMap flattens provider jobs into the stored JSON document.
func jobsMap(jobs []provider.Job) model.JSONMap {
	if len(jobs) == 0 {
		return nil
	}
	list := make([]any, 0, len(jobs))
	for _, j := range jobs {
		entry := map[string]any{
			"id":         j.ID,
			"name":       j.Name,
			"status":     j.Status,
			"conclusion": j.Conclusion,
		}
		if !j.StartedAt.IsZero() {
			entry["started_at"] = j.StartedAt.Format(time.RFC3339)
		}
		if !j.CompletedAt.IsZero() {
			entry["completed_at"] = j.CompletedAt.Format(time.RFC3339)
		}
		list = append(list, entry)
	}
	return model.JSONMap{"jobs": list}
}

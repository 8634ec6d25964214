package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
)

// IngestionBuildStore persists per-build ingestion tracking rows.
type IngestionBuildStore struct {
	db *sqlx.DB
}

// BulkCreate inserts one pending row per matched build inside a single
// transaction. Resource status starts pending for every required resource.
func (s *IngestionBuildStore) BulkCreate(ctx context.Context, builds []model.IngestionBuild) error {
	if len(builds) == 0 {
		return nil
	}
	ts := now()
	return inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for i := range builds {
			b := &builds[i]
			if b.ID == "" {
				b.ID = uuid.NewString()
			}
			if b.Status == "" {
				b.Status = model.IngestionPending
			}
			if b.ResourceStatus == nil {
				b.ResourceStatus = make(model.ResourceStatusMap, len(b.RequiredResources))
				for _, res := range b.RequiredResources {
					b.ResourceStatus[res] = model.ResourceState{Status: model.ResourcePending}
				}
			}
			b.CreatedAt = ts
			b.UpdatedAt = ts
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO ingestion_builds
					(id, scenario_id, raw_repo_id, raw_build_run_id, status, resource_status,
					 required_resources, error, commit_sha, ci_run_id, created_at, updated_at)
				VALUES
					(:id, :scenario_id, :raw_repo_id, :raw_build_run_id, :status, :resource_status,
					 :required_resources, :error, :commit_sha, :ci_run_id, :created_at, :updated_at)`, b)
			if err != nil {
				return ferrors.StoreError("insert ingestion build").WithCause(err).Build()
			}
		}
		return nil
	})
}

// ByScenario returns all ingestion builds of a scenario, optionally limited
// to a status set.
func (s *IngestionBuildStore) ByScenario(ctx context.Context, scenarioID string, statuses ...model.IngestionStatus) ([]model.IngestionBuild, error) {
	query := `SELECT * FROM ingestion_builds WHERE scenario_id = ?`
	args := []any{scenarioID}
	if len(statuses) > 0 {
		in, inArgs, err := sqlx.In(` AND status IN (?)`, statuses)
		if err != nil {
			return nil, ferrors.StoreError("build status filter").WithCause(err).Build()
		}
		query += in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY created_at, id`
	var builds []model.IngestionBuild
	if err := s.db.SelectContext(ctx, &builds, s.db.Rebind(query), args...); err != nil {
		return nil, ferrors.StoreError("load ingestion builds").WithCause(err).Build()
	}
	return builds, nil
}

// ByID fetches one ingestion build.
func (s *IngestionBuildStore) ByID(ctx context.Context, id string) (*model.IngestionBuild, error) {
	var b model.IngestionBuild
	err := s.db.GetContext(ctx, &b, `SELECT * FROM ingestion_builds WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("ingestion build", id)
	}
	if err != nil {
		return nil, ferrors.StoreError("load ingestion build").WithCause(err).Build()
	}
	return &b, nil
}

// Update persists status, resource status, and error for one build.
func (s *IngestionBuildStore) Update(ctx context.Context, b *model.IngestionBuild) error {
	b.UpdatedAt = now()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE ingestion_builds
		SET status=:status, resource_status=:resource_status, error=:error, updated_at=:updated_at
		WHERE id=:id`, b)
	if err != nil {
		return ferrors.StoreError("update ingestion build").WithCause(err).Build()
	}
	return requireRowUpdated(res, "ingestion build", b.ID)
}

// MarkStatusByScenario moves every build currently in one of the from states
// to the target state, returning the number of rows moved. The ingestion
// error callback uses this to sweep builds stranded by a chord failure.
func (s *IngestionBuildStore) MarkStatusByScenario(ctx context.Context, scenarioID string, from []model.IngestionStatus, to model.IngestionStatus, reason string) (int64, error) {
	query, args, err := sqlx.In(`
		UPDATE ingestion_builds SET status = ?, error = ?, updated_at = ?
		WHERE scenario_id = ? AND status IN (?)`,
		to, reason, now(), scenarioID, from)
	if err != nil {
		return 0, ferrors.StoreError("build sweep query").WithCause(err).Build()
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, ferrors.StoreError("sweep ingestion builds").WithCause(err).Build()
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetForReingestion returns missing_resource builds to pending with cleared
// resource failures so the minimal ingestion graph can be re-dispatched.
// Previously completed resources stay completed; everything else resets to
// pending. Returns the affected builds.
func (s *IngestionBuildStore) ResetForReingestion(ctx context.Context, scenarioID string) ([]model.IngestionBuild, error) {
	builds, err := s.ByScenario(ctx, scenarioID, model.IngestionMissingResource, model.IngestionFailed)
	if err != nil {
		return nil, err
	}
	for i := range builds {
		b := &builds[i]
		b.Status = model.IngestionPending
		b.Error = ""
		for res, st := range b.ResourceStatus {
			if st.Status != model.ResourceCompleted {
				b.ResourceStatus[res] = model.ResourceState{Status: model.ResourcePending}
			}
		}
		if err := s.Update(ctx, b); err != nil {
			return nil, err
		}
	}
	return builds, nil
}

// DeleteByScenario removes every ingestion build of a scenario. The filter
// phase calls this before bulk-creating a fresh set so a re-run never mixes
// rows from two generations.
func (s *IngestionBuildStore) DeleteByScenario(ctx context.Context, scenarioID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ingestion_builds WHERE scenario_id = ?`, scenarioID)
	if err != nil {
		return ferrors.StoreError("delete ingestion builds").WithCause(err).Build()
	}
	return nil
}

// CountByStatus returns per-status counts for a scenario.
func (s *IngestionBuildStore) CountByStatus(ctx context.Context, scenarioID string) (map[model.IngestionStatus]int64, error) {
	rows := []struct {
		Status model.IngestionStatus `db:"status"`
		N      int64                 `db:"n"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS n FROM ingestion_builds WHERE scenario_id = ? GROUP BY status`,
		scenarioID)
	if err != nil {
		return nil, ferrors.StoreError("count ingestion builds").WithCause(err).Build()
	}
	counts := make(map[model.IngestionStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// WorktreeRef is one (repository, commit) pair whose worktree may be on disk.
type WorktreeRef struct {
	RawRepoID string `db:"raw_repo_id"`
	SHA       string `db:"sha"`
}

// LiveWorktreeRefs returns the worktree references any scenario still holds:
// the effective SHA when a replay rewrote the commit, the original otherwise.
// The workspace sweeper keeps these and prunes everything else.
func (s *IngestionBuildStore) LiveWorktreeRefs(ctx context.Context) ([]WorktreeRef, error) {
	var refs []WorktreeRef
	err := s.db.SelectContext(ctx, &refs, `
		SELECT DISTINCT ib.raw_repo_id AS raw_repo_id,
		       COALESCE(NULLIF(r.effective_sha, ''), ib.commit_sha) AS sha
		FROM ingestion_builds ib
		LEFT JOIN raw_build_runs r ON r.id = ib.raw_build_run_id
		WHERE COALESCE(NULLIF(r.effective_sha, ''), ib.commit_sha) != ''`)
	if err != nil {
		return nil, ferrors.StoreError("list live worktree refs").WithCause(err).Build()
	}
	return refs, nil
}

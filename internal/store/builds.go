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

// BuildRunStore persists RawBuildRun records. Build runs are created and
// updated by ingestion and never deleted while any scenario references them.
type BuildRunStore struct {
	db *sqlx.DB
}

// Upsert inserts a build run or updates its mutable fields, keyed by the
// (raw_repo_id, ci_run_id, provider) identity.
func (s *BuildRunStore) Upsert(ctx context.Context, run *model.RawBuildRun) (*model.RawBuildRun, error) {
	var existing model.RawBuildRun
	err := s.db.GetContext(ctx, &existing, `
		SELECT * FROM raw_build_runs WHERE raw_repo_id = ? AND ci_run_id = ? AND provider = ?`,
		run.RawRepoID, run.CIRunID, run.Provider)
	ts := now()
	switch {
	case err == nil:
		// Log flags are owned by the download task and survive re-syncs.
		existing.Status = run.Status
		existing.Conclusion = run.Conclusion
		existing.ActorLogin = run.ActorLogin
		existing.CompletedAt = run.CompletedAt
		existing.Jobs = run.Jobs
		existing.IsBotCommit = run.IsBotCommit
		existing.UpdatedAt = ts
		if run.EffectiveSHA != "" {
			existing.EffectiveSHA = run.EffectiveSHA
		}
		_, err = s.db.NamedExecContext(ctx, `
			UPDATE raw_build_runs
			SET status=:status, conclusion=:conclusion, actor_login=:actor_login,
			    completed_at=:completed_at, jobs=:jobs, is_bot_commit=:is_bot_commit,
			    effective_sha=:effective_sha, updated_at=:updated_at
			WHERE id=:id`, &existing)
		if err != nil {
			return nil, ferrors.StoreError("update build run").WithCause(err).Build()
		}
		return &existing, nil
	case errors.Is(err, sql.ErrNoRows):
		if run.ID == "" {
			run.ID = uuid.NewString()
		}
		if run.EffectiveSHA == "" {
			run.EffectiveSHA = run.CommitSHA
		}
		run.CreatedAt = ts
		run.UpdatedAt = ts
		_, err = s.db.NamedExecContext(ctx, `
			INSERT INTO raw_build_runs
				(id, raw_repo_id, provider, ci_run_id, build_number, commit_sha, effective_sha, branch,
				 status, conclusion, actor_login, started_at, completed_at, jobs, logs_available,
				 logs_expired, is_bot_commit, created_at, updated_at)
			VALUES
				(:id, :raw_repo_id, :provider, :ci_run_id, :build_number, :commit_sha, :effective_sha, :branch,
				 :status, :conclusion, :actor_login, :started_at, :completed_at, :jobs, :logs_available,
				 :logs_expired, :is_bot_commit, :created_at, :updated_at)`, run)
		if err != nil {
			return nil, ferrors.StoreError("insert build run").WithCause(err).Build()
		}
		return run, nil
	default:
		return nil, ferrors.StoreError("lookup build run").WithCause(err).Build()
	}
}

// ByID fetches one build run.
func (s *BuildRunStore) ByID(ctx context.Context, id string) (*model.RawBuildRun, error) {
	var run model.RawBuildRun
	err := s.db.GetContext(ctx, &run, `SELECT * FROM raw_build_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("build run", id)
	}
	if err != nil {
		return nil, ferrors.StoreError("load build run").WithCause(err).Build()
	}
	return &run, nil
}

// ByIDs fetches a batch of build runs keyed by id.
func (s *BuildRunStore) ByIDs(ctx context.Context, ids []string) (map[string]*model.RawBuildRun, error) {
	result := make(map[string]*model.RawBuildRun, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM raw_build_runs WHERE id IN (?)`, ids)
	if err != nil {
		return nil, ferrors.StoreError("build run batch query").WithCause(err).Build()
	}
	var runs []model.RawBuildRun
	if err := s.db.SelectContext(ctx, &runs, s.db.Rebind(query), args...); err != nil {
		return nil, ferrors.StoreError("load build runs").WithCause(err).Build()
	}
	for i := range runs {
		result[runs[i].ID] = &runs[i]
	}
	return result, nil
}

// FilterBuilds returns build runs for the given repositories matching the
// build-level predicates of the filter, ordered by start time ascending.
func (s *BuildRunStore) FilterBuilds(ctx context.Context, repoIDs []string, f BuildFilter) ([]model.RawBuildRun, error) {
	if len(repoIDs) == 0 {
		return nil, nil
	}
	query := `SELECT * FROM raw_build_runs WHERE raw_repo_id IN (?)`
	args := []any{repoIDs}

	if len(f.Conclusions) > 0 {
		query += ` AND conclusion IN (?)`
		args = append(args, f.Conclusions)
	}
	if f.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		query += ` AND started_at <= ?`
		args = append(args, f.Until.UTC())
	}
	if f.ExcludeBots {
		query += ` AND is_bot_commit = 0`
	}
	if f.Provider != "" && f.Provider != "all" {
		query += ` AND provider = ?`
		args = append(args, f.Provider)
	}
	query += ` ORDER BY started_at ASC`

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, ferrors.StoreError("build candidate query").WithCause(err).Build()
	}
	var runs []model.RawBuildRun
	if err := s.db.SelectContext(ctx, &runs, s.db.Rebind(expanded), expandedArgs...); err != nil {
		return nil, ferrors.StoreError("filter build runs").WithCause(err).Build()
	}
	return runs, nil
}

// PriorBuilds returns up to limit builds of the same repository that started
// strictly before the given time, newest first. History features walk this
// chain.
func (s *BuildRunStore) PriorBuilds(ctx context.Context, repoID string, before model.RawBuildRun, limit int) ([]model.RawBuildRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []model.RawBuildRun
	err := s.db.SelectContext(ctx, &runs, `
		SELECT * FROM raw_build_runs
		WHERE raw_repo_id = ? AND started_at < ? AND id != ?
		ORDER BY started_at DESC
		LIMIT ?`, repoID, before.StartedAt, before.ID, limit)
	if err != nil {
		return nil, ferrors.StoreError("load prior builds").WithCause(err).Build()
	}
	return runs, nil
}

// SetEffectiveSHA records the synthetic replay commit for a build run.
func (s *BuildRunStore) SetEffectiveSHA(ctx context.Context, id, effectiveSHA string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_build_runs SET effective_sha = ?, updated_at = ? WHERE id = ?`,
		effectiveSHA, now(), id)
	if err != nil {
		return ferrors.StoreError("set effective sha").WithCause(err).Build()
	}
	return requireRowUpdated(res, "build run", id)
}

// SetLogFlags records log availability after a download attempt.
func (s *BuildRunStore) SetLogFlags(ctx context.Context, id string, available, expired bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_build_runs SET logs_available = ?, logs_expired = ?, updated_at = ? WHERE id = ?`,
		available, expired, now(), id)
	if err != nil {
		return ferrors.StoreError("set log flags").WithCause(err).Build()
	}
	return requireRowUpdated(res, "build run", id)
}

func requireRowUpdated(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return ferrors.StoreError("rows affected").WithCause(err).Build()
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

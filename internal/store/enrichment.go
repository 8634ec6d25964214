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

// EnrichmentBuildStore persists per-build processing tracking rows.
type EnrichmentBuildStore struct {
	db *sqlx.DB
}

// BulkCreate inserts enrichment rows in the given order, assigning Sequence
// from the slice position. Callers must pass builds already sorted by
// build_started_at ascending; the sequence column freezes that order for the
// processing chain.
func (s *EnrichmentBuildStore) BulkCreate(ctx context.Context, builds []model.EnrichmentBuild) error {
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
			if b.ExtractionStatus == "" {
				b.ExtractionStatus = model.ExtractionPending
			}
			b.Sequence = int64(i)
			b.CreatedAt = ts
			b.UpdatedAt = ts
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO enrichment_builds
					(id, scenario_id, ingestion_build_id, raw_repo_id, raw_build_run_id,
					 feature_vector_id, extraction_status, error, split_assignment, group_value,
					 outcome, commit_sha, ci_run_id, build_started_at, sequence, created_at, updated_at)
				VALUES
					(:id, :scenario_id, :ingestion_build_id, :raw_repo_id, :raw_build_run_id,
					 :feature_vector_id, :extraction_status, :error, :split_assignment, :group_value,
					 :outcome, :commit_sha, :ci_run_id, :build_started_at, :sequence, :created_at, :updated_at)`, b)
			if err != nil {
				return ferrors.StoreError("insert enrichment build").WithCause(err).Build()
			}
		}
		return nil
	})
}

// ByID fetches one enrichment build.
func (s *EnrichmentBuildStore) ByID(ctx context.Context, id string) (*model.EnrichmentBuild, error) {
	var b model.EnrichmentBuild
	err := s.db.GetContext(ctx, &b, `SELECT * FROM enrichment_builds WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("enrichment build", id)
	}
	if err != nil {
		return nil, ferrors.StoreError("load enrichment build").WithCause(err).Build()
	}
	return &b, nil
}

// ByScenario returns all enrichment builds of a scenario in processing order.
func (s *EnrichmentBuildStore) ByScenario(ctx context.Context, scenarioID string) ([]model.EnrichmentBuild, error) {
	var builds []model.EnrichmentBuild
	err := s.db.SelectContext(ctx, &builds, `
		SELECT * FROM enrichment_builds WHERE scenario_id = ? ORDER BY sequence ASC`, scenarioID)
	if err != nil {
		return nil, ferrors.StoreError("load enrichment builds").WithCause(err).Build()
	}
	return builds, nil
}

// SetExtractionResult records the per-build extraction outcome.
func (s *EnrichmentBuildStore) SetExtractionResult(ctx context.Context, id string, status model.ExtractionStatus, vectorID, errMsg string) error {
	vec := sql.NullString{String: vectorID, Valid: vectorID != ""}
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_builds
		SET extraction_status = ?, feature_vector_id = ?, error = ?, updated_at = ?
		WHERE id = ?`, status, vec, errMsg, now(), id)
	if err != nil {
		return ferrors.StoreError("set extraction result").WithCause(err).Build()
	}
	return requireRowUpdated(res, "enrichment build", id)
}

// AssignSplits writes split assignments and group values in one transaction.
// Builds absent from the assignment map keep a null split (they were dropped
// by preprocessing).
func (s *EnrichmentBuildStore) AssignSplits(ctx context.Context, scenarioID string, assignment map[string]model.SplitType, groups map[string]string) error {
	ts := now()
	return inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for id, split := range assignment {
			group := sql.NullString{}
			if g, ok := groups[id]; ok {
				group = sql.NullString{String: g, Valid: true}
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE enrichment_builds SET split_assignment = ?, group_value = ?, updated_at = ?
				WHERE id = ? AND scenario_id = ?`,
				string(split), group, ts, id, scenarioID)
			if err != nil {
				return ferrors.StoreError("assign split").WithCause(err).Build()
			}
		}
		return nil
	})
}

// DeleteByScenario removes every enrichment build of a scenario, used when
// processing is re-entered so stale rows never leak into a fresh run.
func (s *EnrichmentBuildStore) DeleteByScenario(ctx context.Context, scenarioID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM enrichment_builds WHERE scenario_id = ?`, scenarioID)
	if err != nil {
		return ferrors.StoreError("delete enrichment builds").WithCause(err).Build()
	}
	return nil
}

// CountAssigned returns how many builds carry a non-null split assignment.
func (s *EnrichmentBuildStore) CountAssigned(ctx context.Context, scenarioID string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM enrichment_builds
		WHERE scenario_id = ? AND split_assignment IS NOT NULL`, scenarioID)
	if err != nil {
		return 0, ferrors.StoreError("count assigned builds").WithCause(err).Build()
	}
	return n, nil
}

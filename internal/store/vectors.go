package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
)

// FeatureVectorStore persists extracted feature vectors. The unique key is
// (scope, scope_id, raw_build_run_id); extraction upserts and scan backfills
// both route through here.
type FeatureVectorStore struct {
	db *sqlx.DB
}

// Upsert writes the vector for one build under one scope, replacing features
// and extraction status while preserving any scan metrics already backfilled.
func (s *FeatureVectorStore) Upsert(ctx context.Context, v *model.FeatureVector) (*model.FeatureVector, error) {
	existing, err := s.Lookup(ctx, v.Scope, v.ScopeID, v.RawBuildRunID)
	if err != nil && !ferrors.HasCategory(err, ferrors.CategoryNotFound) {
		return nil, err
	}
	ts := now()
	if existing != nil {
		existing.Features = v.Features
		existing.ExtractionStatus = v.ExtractionStatus
		existing.UpdatedAt = ts
		_, err := s.db.NamedExecContext(ctx, `
			UPDATE feature_vectors
			SET features=:features, extraction_status=:extraction_status, updated_at=:updated_at
			WHERE id=:id`, existing)
		if err != nil {
			return nil, ferrors.StoreError("update feature vector").WithCause(err).Build()
		}
		return existing, nil
	}

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.ScanMetrics == nil {
		v.ScanMetrics = model.JSONMap{}
	}
	v.CreatedAt = ts
	v.UpdatedAt = ts
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO feature_vectors
			(id, scope, scope_id, raw_repo_id, raw_build_run_id, features, scan_metrics,
			 extraction_status, created_at, updated_at)
		VALUES
			(:id, :scope, :scope_id, :raw_repo_id, :raw_build_run_id, :features, :scan_metrics,
			 :extraction_status, :created_at, :updated_at)`, v)
	if err != nil {
		return nil, ferrors.StoreError("insert feature vector").WithCause(err).Build()
	}
	return v, nil
}

// Lookup fetches the vector for one build under one scope.
func (s *FeatureVectorStore) Lookup(ctx context.Context, scope model.VectorScope, scopeID, rawBuildRunID string) (*model.FeatureVector, error) {
	var v model.FeatureVector
	err := s.db.GetContext(ctx, &v, `
		SELECT * FROM feature_vectors WHERE scope = ? AND scope_id = ? AND raw_build_run_id = ?`,
		scope, scopeID, rawBuildRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("feature vector", rawBuildRunID)
	}
	if err != nil {
		return nil, ferrors.StoreError("load feature vector").WithCause(err).Build()
	}
	return &v, nil
}

// ByIDs fetches a batch of vectors keyed by id.
func (s *FeatureVectorStore) ByIDs(ctx context.Context, ids []string) (map[string]*model.FeatureVector, error) {
	result := make(map[string]*model.FeatureVector, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM feature_vectors WHERE id IN (?)`, ids)
	if err != nil {
		return nil, ferrors.StoreError("vector batch query").WithCause(err).Build()
	}
	var vectors []model.FeatureVector
	if err := s.db.SelectContext(ctx, &vectors, s.db.Rebind(query), args...); err != nil {
		return nil, ferrors.StoreError("load feature vectors").WithCause(err).Build()
	}
	for i := range vectors {
		result[vectors[i].ID] = &vectors[i]
	}
	return result, nil
}

// BackfillScanMetrics merges the given metric keys into every vector of the
// scope whose build ran on the given commit. Metric keys must already carry
// their tool prefix (sonar_/trivy_); the JSON merge is done in SQL so two
// tools backfilling the same commit concurrently cannot lose each other's
// writes on disjoint prefixes.
func (s *FeatureVectorStore) BackfillScanMetrics(ctx context.Context, scope model.VectorScope, scopeID, rawRepoID, commitSHA string, metrics map[string]any) (int64, error) {
	if len(metrics) == 0 {
		return 0, nil
	}
	patch, err := json.Marshal(metrics)
	if err != nil {
		return 0, ferrors.InternalError("marshal scan metrics").WithCause(err).Build()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE feature_vectors
		SET scan_metrics = json_patch(scan_metrics, ?), updated_at = ?
		WHERE scope = ? AND scope_id = ? AND raw_repo_id = ?
		  AND raw_build_run_id IN (
			SELECT id FROM raw_build_runs WHERE raw_repo_id = ? AND commit_sha = ?)`,
		string(patch), now(), scope, scopeID, rawRepoID, rawRepoID, commitSHA)
	if err != nil {
		return 0, ferrors.StoreError("backfill scan metrics").WithCause(err).Build()
	}
	n, _ := res.RowsAffected()
	return n, nil
}

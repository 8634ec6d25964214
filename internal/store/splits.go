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

// DatasetSplitStore persists exported split file records.
type DatasetSplitStore struct {
	db *sqlx.DB
}

// Replace removes any previous split rows for the scenario and inserts the
// new set atomically. Re-running the split phase is therefore idempotent.
func (s *DatasetSplitStore) Replace(ctx context.Context, scenarioID string, splits []model.DatasetSplit) error {
	ts := now()
	return inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dataset_splits WHERE scenario_id = ?`, scenarioID); err != nil {
			return ferrors.StoreError("clear dataset splits").WithCause(err).Build()
		}
		for i := range splits {
			sp := &splits[i]
			if sp.ID == "" {
				sp.ID = uuid.NewString()
			}
			sp.ScenarioID = scenarioID
			if sp.GeneratedAt.IsZero() {
				sp.GeneratedAt = ts
			}
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO dataset_splits
					(id, scenario_id, split_type, record_count, feature_count, class_distribution,
					 group_distribution, file_path, file_size, format, feature_names, duration_ms,
					 checksum_md5, generated_at)
				VALUES
					(:id, :scenario_id, :split_type, :record_count, :feature_count, :class_distribution,
					 :group_distribution, :file_path, :file_size, :format, :feature_names, :duration_ms,
					 :checksum_md5, :generated_at)`, sp)
			if err != nil {
				return ferrors.StoreError("insert dataset split").WithCause(err).Build()
			}
		}
		return nil
	})
}

// ByScenario returns the scenario's split records ordered train, validation, test.
func (s *DatasetSplitStore) ByScenario(ctx context.Context, scenarioID string) ([]model.DatasetSplit, error) {
	var splits []model.DatasetSplit
	err := s.db.SelectContext(ctx, &splits, `
		SELECT * FROM dataset_splits WHERE scenario_id = ?
		ORDER BY CASE split_type WHEN 'train' THEN 0 WHEN 'validation' THEN 1 ELSE 2 END`,
		scenarioID)
	if err != nil {
		return nil, ferrors.StoreError("load dataset splits").WithCause(err).Build()
	}
	return splits, nil
}

// BySplitType fetches one split record.
func (s *DatasetSplitStore) BySplitType(ctx context.Context, scenarioID string, split model.SplitType) (*model.DatasetSplit, error) {
	var sp model.DatasetSplit
	err := s.db.GetContext(ctx, &sp, `
		SELECT * FROM dataset_splits WHERE scenario_id = ? AND split_type = ?`, scenarioID, split)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("dataset split", string(split))
	}
	if err != nil {
		return nil, ferrors.StoreError("load dataset split").WithCause(err).Build()
	}
	return &sp, nil
}

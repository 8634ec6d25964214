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

// Pipeline run and phase statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// PipelineRunStore records per-correlation pipeline runs and their phases.
type PipelineRunStore struct {
	db *sqlx.DB
}

// StartRun opens a new pipeline run for the scenario and correlation id.
func (s *PipelineRunStore) StartRun(ctx context.Context, scenarioID, correlationID string) (*model.PipelineRun, error) {
	run := &model.PipelineRun{
		ID:            uuid.NewString(),
		ScenarioID:    scenarioID,
		CorrelationID: correlationID,
		Status:        RunRunning,
		StartedAt:     now(),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO pipeline_runs (id, scenario_id, correlation_id, status, error, started_at, completed_at)
		VALUES (:id, :scenario_id, :correlation_id, :status, :error, :started_at, :completed_at)`, run)
	if err != nil {
		return nil, ferrors.StoreError("insert pipeline run").WithCause(err).Build()
	}
	return run, nil
}

// FinishRun closes the run. errMsg is empty on success.
func (s *PipelineRunStore) FinishRun(ctx context.Context, correlationID, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET status = ?, error = ?, completed_at = ?
		WHERE correlation_id = ? AND completed_at IS NULL`,
		status, errMsg, now(), correlationID)
	if err != nil {
		return ferrors.StoreError("finish pipeline run").WithCause(err).Build()
	}
	return requireRowUpdated(res, "pipeline run", correlationID)
}

// ByCorrelation loads the run identified by a correlation id.
func (s *PipelineRunStore) ByCorrelation(ctx context.Context, correlationID string) (*model.PipelineRun, error) {
	var run model.PipelineRun
	err := s.db.GetContext(ctx, &run, `
		SELECT * FROM pipeline_runs WHERE correlation_id = ? ORDER BY started_at DESC LIMIT 1`,
		correlationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("pipeline run", correlationID)
	}
	if err != nil {
		return nil, ferrors.StoreError("load pipeline run").WithCause(err).Build()
	}
	return &run, nil
}

// ByScenario lists all runs of a scenario, newest first.
func (s *PipelineRunStore) ByScenario(ctx context.Context, scenarioID string) ([]model.PipelineRun, error) {
	var runs []model.PipelineRun
	err := s.db.SelectContext(ctx, &runs, `
		SELECT * FROM pipeline_runs WHERE scenario_id = ? ORDER BY started_at DESC`, scenarioID)
	if err != nil {
		return nil, ferrors.StoreError("list pipeline runs").WithCause(err).Build()
	}
	return runs, nil
}

// StartPhase opens a phase record under the run owning the correlation id.
func (s *PipelineRunStore) StartPhase(ctx context.Context, correlationID, phase string, itemsTotal int64) (*model.PipelinePhase, error) {
	run, err := s.ByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	p := &model.PipelinePhase{
		ID:            uuid.NewString(),
		PipelineRunID: run.ID,
		Phase:         phase,
		Status:        RunRunning,
		ItemsTotal:    itemsTotal,
		StartedAt:     now(),
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO pipeline_phases
			(id, pipeline_run_id, phase, status, items_total, items_done, items_failed, error, started_at, completed_at)
		VALUES
			(:id, :pipeline_run_id, :phase, :status, :items_total, :items_done, :items_failed, :error, :started_at, :completed_at)`, p)
	if err != nil {
		return nil, ferrors.StoreError("insert pipeline phase").WithCause(err).Build()
	}
	return p, nil
}

// FinishPhase closes the named phase of the run owning the correlation id,
// recording final item counts.
func (s *PipelineRunStore) FinishPhase(ctx context.Context, correlationID, phase, status string, done, failed int64, errMsg string) error {
	run, err := s.ByCorrelation(ctx, correlationID)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_phases SET status = ?, items_done = ?, items_failed = ?, error = ?, completed_at = ?
		WHERE pipeline_run_id = ? AND phase = ? AND completed_at IS NULL`,
		status, done, failed, errMsg, now(), run.ID, phase)
	if err != nil {
		return ferrors.StoreError("finish pipeline phase").WithCause(err).Build()
	}
	return requireRowUpdated(res, "pipeline phase", phase)
}

// Phases lists the phases of a run in start order.
func (s *PipelineRunStore) Phases(ctx context.Context, runID string) ([]model.PipelinePhase, error) {
	var phases []model.PipelinePhase
	err := s.db.SelectContext(ctx, &phases, `
		SELECT * FROM pipeline_phases WHERE pipeline_run_id = ? ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, ferrors.StoreError("list pipeline phases").WithCause(err).Build()
	}
	return phases, nil
}

// AuditLogStore persists per-build feature extraction audit records.
type AuditLogStore struct {
	db *sqlx.DB
}

// Insert stores one audit record. IDs and timestamps are filled when absent.
func (s *AuditLogStore) Insert(ctx context.Context, log *model.FeatureAuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO feature_audit_logs
			(id, scenario_id, raw_build_run_id, correlation_id, status, nodes,
			 resources_used, resources_missing, warnings, error, duration_ms, created_at)
		VALUES
			(:id, :scenario_id, :raw_build_run_id, :correlation_id, :status, :nodes,
			 :resources_used, :resources_missing, :warnings, :error, :duration_ms, :created_at)`, log)
	if err != nil {
		return ferrors.StoreError("insert audit log").WithCause(err).Build()
	}
	return nil
}

// ByScenario lists audit records of a scenario, newest first.
func (s *AuditLogStore) ByScenario(ctx context.Context, scenarioID string, limit int) ([]model.FeatureAuditLog, error) {
	if limit <= 0 {
		limit = 200
	}
	var logs []model.FeatureAuditLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT * FROM feature_audit_logs WHERE scenario_id = ?
		ORDER BY created_at DESC LIMIT ?`, scenarioID, limit)
	if err != nil {
		return nil, ferrors.StoreError("list audit logs").WithCause(err).Build()
	}
	return logs, nil
}

// ByBuild lists audit records of one build within a scenario.
func (s *AuditLogStore) ByBuild(ctx context.Context, scenarioID, rawBuildRunID string) ([]model.FeatureAuditLog, error) {
	var logs []model.FeatureAuditLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT * FROM feature_audit_logs WHERE scenario_id = ? AND raw_build_run_id = ?
		ORDER BY created_at DESC`, scenarioID, rawBuildRunID)
	if err != nil {
		return nil, ferrors.StoreError("list audit logs").WithCause(err).Build()
	}
	return logs, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
)

// ScanPendingStore tracks webhook-driven scans between dispatch and callback.
type ScanPendingStore struct {
	db *sqlx.DB
}

// Create registers a dispatched scan awaiting its analysis callback. The
// component key is unique; re-dispatching the same commit resets the
// existing row back to scanning instead of erroring.
func (s *ScanPendingStore) Create(ctx context.Context, p *model.SonarScanPending) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = model.ScanPendingScanning
	}
	if p.DispatchedAt.IsZero() {
		p.DispatchedAt = now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sonar_scan_pendings
			(id, scenario_id, raw_repo_id, commit_sha, component_key, status, error, dispatched_at, completed_at)
		VALUES
			(:id, :scenario_id, :raw_repo_id, :commit_sha, :component_key, :status, :error, :dispatched_at, :completed_at)
		ON CONFLICT (component_key) DO UPDATE SET
			scenario_id = excluded.scenario_id,
			status = excluded.status,
			error = '',
			dispatched_at = excluded.dispatched_at,
			completed_at = NULL`, p)
	if err != nil {
		return ferrors.StoreError("register pending scan").WithCause(err).Build()
	}
	return nil
}

// ByComponentKey resolves a callback's component key to its pending record.
func (s *ScanPendingStore) ByComponentKey(ctx context.Context, key string) (*model.SonarScanPending, error) {
	var p model.SonarScanPending
	err := s.db.GetContext(ctx, &p, `SELECT * FROM sonar_scan_pendings WHERE component_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("pending scan", key)
	}
	if err != nil {
		return nil, ferrors.StoreError("load pending scan").WithCause(err).Build()
	}
	return &p, nil
}

// Resolve marks a pending scan completed or failed. It only moves rows still
// in scanning state so a late duplicate callback is a no-op.
func (s *ScanPendingStore) Resolve(ctx context.Context, key string, status model.ScanPendingStatus, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sonar_scan_pendings SET status = ?, error = ?, completed_at = ?
		WHERE component_key = ? AND status = ?`,
		status, errMsg, now(), key, model.ScanPendingScanning)
	if err != nil {
		return false, ferrors.StoreError("resolve pending scan").WithCause(err).Build()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ferrors.StoreError("resolve pending scan").WithCause(err).Build()
	}
	return n > 0, nil
}

// StaleScanning returns scans still marked scanning that were dispatched
// before the cutoff. The watchdog fails these and releases their slots.
func (s *ScanPendingStore) StaleScanning(ctx context.Context, cutoff time.Time) ([]model.SonarScanPending, error) {
	var rows []model.SonarScanPending
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM sonar_scan_pendings WHERE status = ? AND dispatched_at < ?
		ORDER BY dispatched_at ASC`,
		model.ScanPendingScanning, cutoff)
	if err != nil {
		return nil, ferrors.StoreError("list stale scans").WithCause(err).Build()
	}
	return rows, nil
}

// ByScenario lists pending scan records of a scenario.
func (s *ScanPendingStore) ByScenario(ctx context.Context, scenarioID string, statuses ...model.ScanPendingStatus) ([]model.SonarScanPending, error) {
	query := `SELECT * FROM sonar_scan_pendings WHERE scenario_id = ? ORDER BY dispatched_at ASC`
	args := []any{scenarioID}
	if len(statuses) > 0 {
		var err error
		query, args, err = sqlx.In(`
			SELECT * FROM sonar_scan_pendings WHERE scenario_id = ? AND status IN (?)
			ORDER BY dispatched_at ASC`, scenarioID, statuses)
		if err != nil {
			return nil, ferrors.StoreError("list pending scans").WithCause(err).Build()
		}
	}
	var rows []model.SonarScanPending
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, ferrors.StoreError("list pending scans").WithCause(err).Build()
	}
	return rows, nil
}

// DeleteByScenario removes a scenario's pending scan records.
func (s *ScanPendingStore) DeleteByScenario(ctx context.Context, scenarioID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sonar_scan_pendings WHERE scenario_id = ?`, scenarioID)
	if err != nil {
		return ferrors.StoreError("delete pending scans").WithCause(err).Build()
	}
	return nil
}

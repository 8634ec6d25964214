package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
)

// ScenarioStore persists Scenario records and owns the status machine. Every
// transition is a guarded UPDATE; a transition that matches no row reports a
// conflict so concurrent dispatchers cannot both win.
type ScenarioStore struct {
	db *sqlx.DB
}

// Create inserts a new scenario in the queued state. Duplicate names per
// owner surface as a conflict.
func (s *ScenarioStore) Create(ctx context.Context, owner, name, configYAML string) (*model.Scenario, error) {
	ts := now()
	sc := &model.Scenario{
		ID:         uuid.NewString(),
		Owner:      owner,
		Name:       name,
		Status:     model.ScenarioQueued,
		ConfigYAML: configYAML,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scenarios (id, owner, name, status, config_yaml, created_at, updated_at)
		VALUES (:id, :owner, :name, :status, :config_yaml, :created_at, :updated_at)`, sc)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ferrors.ConflictError("scenario name already exists").
				WithContext("name", name).Build()
		}
		return nil, ferrors.StoreError("insert scenario").WithCause(err).Build()
	}
	return sc, nil
}

// ByID fetches one scenario.
func (s *ScenarioStore) ByID(ctx context.Context, id string) (*model.Scenario, error) {
	var sc model.Scenario
	err := s.db.GetContext(ctx, &sc, `SELECT * FROM scenarios WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("scenario", id)
	}
	if err != nil {
		return nil, ferrors.StoreError("load scenario").WithCause(err).Build()
	}
	return &sc, nil
}

// List returns the owner's scenarios, newest first.
func (s *ScenarioStore) List(ctx context.Context, owner string) ([]model.Scenario, error) {
	var scs []model.Scenario
	err := s.db.SelectContext(ctx, &scs,
		`SELECT * FROM scenarios WHERE owner = ? ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, ferrors.StoreError("list scenarios").WithCause(err).Build()
	}
	return scs, nil
}

// UpdateConfig replaces the scenario YAML and resets the scenario to queued.
// Rejected while the scenario is mid-pipeline.
func (s *ScenarioStore) UpdateConfig(ctx context.Context, id, configYAML string) error {
	active := statusPlaceholders(model.ActiveScenarioStatuses)
	res, err := s.db.ExecContext(ctx, `
		UPDATE scenarios
		SET config_yaml = ?, status = ?, error_message = '', updated_at = ?
		WHERE id = ? AND status NOT IN (`+active.clause+`)`,
		append([]any{configYAML, model.ScenarioQueued, now(), id}, active.args...)...)
	if err != nil {
		return ferrors.StoreError("update scenario config").WithCause(err).Build()
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.ByID(ctx, id); err != nil {
			return err
		}
		return ferrors.ConflictError("scenario is processing; config updates are rejected").
			WithContext("scenario_id", id).Build()
	}
	return nil
}

// Delete removes the scenario; children cascade via foreign keys.
func (s *ScenarioStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scenarios WHERE id = ?`, id)
	if err != nil {
		return ferrors.StoreError("delete scenario").WithCause(err).Build()
	}
	return requireRowUpdated(res, "scenario", id)
}

// Transition moves the scenario from one of the allowed source states to the
// target state. Returns a conflict error when the scenario is not in any of
// the source states, which callers surface as a concurrent-dispatch rejection.
func (s *ScenarioStore) Transition(ctx context.Context, id string, from []model.ScenarioStatus, to model.ScenarioStatus) error {
	ph := statusPlaceholders(from)
	set := `status = ?, updated_at = ?`
	args := []any{to, now()}
	switch to {
	case model.ScenarioFiltering:
		set += `, started_at = ?, error_message = ''`
		args = append(args, now())
	case model.ScenarioIngested:
		set += `, ingested_at = ?`
		args = append(args, now())
	case model.ScenarioProcessed, model.ScenarioSplitting:
		set += `, processed_at = COALESCE(processed_at, ?)`
		args = append(args, now())
	case model.ScenarioCompleted:
		set += `, completed_at = ?`
		args = append(args, now())
	}
	args = append(args, id)
	args = append(args, ph.args...)

	res, err := s.db.ExecContext(ctx,
		`UPDATE scenarios SET `+set+` WHERE id = ? AND status IN (`+ph.clause+`)`, args...)
	if err != nil {
		return ferrors.StoreError("transition scenario").WithCause(err).Build()
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		current, err := s.ByID(ctx, id)
		if err != nil {
			return err
		}
		return ferrors.ConflictError("scenario status does not permit this transition").
			WithContext("scenario_id", id).
			WithContext("status", string(current.Status)).
			WithContext("target", string(to)).Build()
	}
	return nil
}

// Fail marks the scenario failed from any non-terminal state and records the
// reason. Failing an already terminal scenario is a no-op.
func (s *ScenarioStore) Fail(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scenarios SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		model.ScenarioFailed, message, now(), now(), id,
		model.ScenarioCompleted, model.ScenarioFailed)
	if err != nil {
		return ferrors.StoreError("fail scenario").WithCause(err).Build()
	}
	return nil
}

// SetCorrelation records the correlation id and bumps the attempt epoch for a
// fresh pipeline run. Returns the new epoch.
func (s *ScenarioStore) SetCorrelation(ctx context.Context, id, correlationID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scenarios SET correlation_id = ?, epoch = epoch + 1, updated_at = ? WHERE id = ?`,
		correlationID, now(), id)
	if err != nil {
		return 0, ferrors.StoreError("set correlation").WithCause(err).Build()
	}
	if err := requireRowUpdated(res, "scenario", id); err != nil {
		return 0, err
	}
	var epoch int64
	if err := s.db.GetContext(ctx, &epoch, `SELECT epoch FROM scenarios WHERE id = ?`, id); err != nil {
		return 0, ferrors.StoreError("load epoch").WithCause(err).Build()
	}
	return epoch, nil
}

// Counter names accepted by Increment. Kept closed so a typo cannot silently
// create SQL.
const (
	CounterBuildsTotal           = "builds_total"
	CounterBuildsIngested        = "builds_ingested"
	CounterBuildsMissingResource = "builds_missing_resource"
	CounterBuildsFailed          = "builds_failed"
	CounterBuildsProcessed       = "builds_processed"
	CounterScansTotal            = "scans_total"
	CounterScansCompleted        = "scans_completed"
	CounterScansFailed           = "scans_failed"
)

var validCounters = map[string]bool{
	CounterBuildsTotal: true, CounterBuildsIngested: true,
	CounterBuildsMissingResource: true, CounterBuildsFailed: true,
	CounterBuildsProcessed: true, CounterScansTotal: true,
	CounterScansCompleted: true, CounterScansFailed: true,
}

// Increment atomically adds delta to a named scenario counter.
func (s *ScenarioStore) Increment(ctx context.Context, id, counter string, delta int64) error {
	if !validCounters[counter] {
		return ferrors.InternalError("unknown scenario counter").WithContext("counter", counter).Build()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scenarios SET `+counter+` = `+counter+` + ?, updated_at = ? WHERE id = ?`,
		delta, now(), id)
	if err != nil {
		return ferrors.StoreError("increment counter").WithCause(err).Build()
	}
	return requireRowUpdated(res, "scenario", id)
}

// SetCounter sets a named counter to an absolute value.
func (s *ScenarioStore) SetCounter(ctx context.Context, id, counter string, value int64) error {
	if !validCounters[counter] {
		return ferrors.InternalError("unknown scenario counter").WithContext("counter", counter).Build()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scenarios SET `+counter+` = ?, updated_at = ? WHERE id = ?`,
		value, now(), id)
	if err != nil {
		return ferrors.StoreError("set counter").WithCause(err).Build()
	}
	return requireRowUpdated(res, "scenario", id)
}

// ResetScanCounters primes the scan counters for a fresh dispatch and clears
// the completion flag. Called once per dispatch before any scan task runs.
func (s *ScenarioStore) ResetScanCounters(ctx context.Context, id string, total int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scenarios SET scans_total = ?, scans_completed = 0, scans_failed = 0,
			scan_extraction_completed = 0, updated_at = ?
		WHERE id = ?`, total, now(), id)
	if err != nil {
		return ferrors.StoreError("reset scan counters").WithCause(err).Build()
	}
	return requireRowUpdated(res, "scenario", id)
}

// ReopenScanSlot returns one settled scan to in-flight accounting ahead of a
// retry dispatch: the named counter drops by one and the completion flag
// clears so the retried scan's settlement decides it again.
func (s *ScenarioStore) ReopenScanSlot(ctx context.Context, id, counter string) error {
	if counter != CounterScansCompleted && counter != CounterScansFailed {
		return ferrors.InternalError("not a scan settlement counter").WithContext("counter", counter).Build()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scenarios SET `+counter+` = MAX(`+counter+` - 1, 0),
			scan_extraction_completed = 0, updated_at = ?
		WHERE id = ?`, now(), id)
	if err != nil {
		return ferrors.StoreError("reopen scan slot").WithCause(err).Build()
	}
	return requireRowUpdated(res, "scenario", id)
}

// MarkScanExtractionComplete flips the completion flag once every scan
// terminated. Returns true when the flag was newly set by this call.
func (s *ScenarioStore) MarkScanExtractionComplete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scenarios SET scan_extraction_completed = 1, updated_at = ?
		WHERE id = ? AND scan_extraction_completed = 0
		  AND scans_total > 0 AND scans_completed + scans_failed >= scans_total`,
		now(), id)
	if err != nil {
		return false, ferrors.StoreError("mark scan extraction complete").WithCause(err).Build()
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type placeholders struct {
	clause string
	args   []any
}

func statusPlaceholders(statuses []model.ScenarioStatus) placeholders {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = st
	}
	return placeholders{clause: strings.Join(marks, ", "), args: args}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

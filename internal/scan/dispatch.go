package scan

import (
	"context"
	"log/slog"
	"sort"
	"time"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
)

// Dispatch enumerates the scenario's ingested builds, deduplicates them into
// scan units, records scans_total, and submits the batch chain. Returns the
// total number of scans dispatched. A scenario without scan metrics or
// without ingested builds dispatches nothing.
func (t *Tasks) Dispatch(ctx context.Context, scen *model.Scenario, spec *scenario.Spec, opts taskqueue.SubmitOptions) (int64, error) {
	tools := spec.Features.EnabledTools()
	if len(tools) == 0 {
		return 0, nil
	}

	units, err := t.scanUnits(ctx, scen.ID)
	if err != nil {
		return 0, err
	}
	total := int64(len(units) * len(tools))
	if err := t.store.Scenarios.ResetScanCounters(ctx, scen.ID, total); err != nil {
		return 0, err
	}
	if total == 0 {
		slog.Info("no commits to scan", logfields.ScenarioID(scen.ID))
		return 0, nil
	}

	batchSize := t.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	delayMS := t.cfg.BatchDelayDuration().Milliseconds()

	var sigs []taskqueue.Signature
	for i := 0; i < len(units); i += batchSize {
		end := min(i+batchSize, len(units))
		sig := taskqueue.NewSignature(TaskDispatchScanBatch, taskqueue.QueueScenarioScanning, BatchPayload{
			ScenarioID: scen.ID,
			Index:      len(sigs),
			DelayMS:    delayMS,
			Tools:      tools,
			Units:      units[i:end],
		})
		// A lost batch must not abort the ones behind it; its scans settle
		// as failures individually.
		sig.IgnoreResult = true
		sigs = append(sigs, sig)
	}
	if _, _, err := t.broker.SubmitChain(ctx, sigs, opts); err != nil {
		return 0, err
	}
	slog.Info("scan batches dispatched",
		logfields.ScenarioID(scen.ID),
		slog.Int("batches", len(sigs)),
		slog.Int64("scans_total", total),
		slog.Any("tools", tools))
	return total, nil
}

// scanUnits deduplicates the scenario's ingested builds by (repository,
// commit) and resolves the naming each scan needs: the repository full name
// and the effective SHA whose worktree is on disk.
func (t *Tasks) scanUnits(ctx context.Context, scenarioID string) ([]Unit, error) {
	builds, err := t.store.Ingestions.ByScenario(ctx, scenarioID, model.IngestionIngested)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(builds))
	var picked []model.IngestionBuild
	var runIDs []string
	for _, b := range builds {
		key := b.RawRepoID + "\x00" + b.CommitSHA
		if seen[key] {
			continue
		}
		seen[key] = true
		picked = append(picked, b)
		runIDs = append(runIDs, b.RawBuildRunID)
	}
	if len(picked) == 0 {
		return nil, nil
	}

	runs, err := t.store.Builds.ByIDs(ctx, runIDs)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string)
	units := make([]Unit, 0, len(picked))
	for _, b := range picked {
		name, ok := names[b.RawRepoID]
		if !ok {
			repo, err := t.store.Repos.ByID(ctx, b.RawRepoID)
			if err != nil {
				return nil, err
			}
			name = repo.FullName
			names[b.RawRepoID] = name
		}
		effective := b.CommitSHA
		if run := runs[b.RawBuildRunID]; run != nil && run.EffectiveSHA != "" {
			effective = run.EffectiveSHA
		}
		units = append(units, Unit{
			RawRepoID:    b.RawRepoID,
			FullName:     name,
			CommitSHA:    b.CommitSHA,
			EffectiveSHA: effective,
		})
	}
	sort.Slice(units, func(i, j int) bool {
		if units[i].FullName != units[j].FullName {
			return units[i].FullName < units[j].FullName
		}
		return units[i].CommitSHA < units[j].CommitSHA
	})
	return units, nil
}

// DispatchScanBatch materialises tool configuration and fires the scan tasks
// for one batch of units. Per-unit problems settle that scan as failed
// instead of failing the batch, so the scenario's counters always reconcile.
func (t *Tasks) DispatchScanBatch(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var payload BatchPayload
	if err := inv.Decode(&payload); err != nil {
		return nil, err
	}
	log := inv.Logger().With(logfields.ScenarioID(payload.ScenarioID))

	scen, err := t.store.Scenarios.ByID(ctx, payload.ScenarioID)
	if err != nil {
		return nil, err
	}
	if inv.Epoch() > 0 && scen.Epoch != inv.Epoch() {
		log.Info("stale scan batch dropped",
			slog.Int64("batch_epoch", inv.Epoch()),
			slog.Int64("scenario_epoch", scen.Epoch))
		return BatchResult{Stale: true}, nil
	}

	spec, err := scenario.Load([]byte(scen.ConfigYAML))
	if err != nil {
		return nil, ferrors.ScanError("stored scenario config unparseable").
			WithCause(err).WithContext("scenario_id", payload.ScenarioID).Build()
	}

	// Rate limiting between batches: every batch after the first waits out
	// the configured delay before touching the scanners.
	if payload.Index > 0 && payload.DelayMS > 0 {
		select {
		case <-time.After(time.Duration(payload.DelayMS) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	prefix := ScenarioPrefix(t.cfg.Sonar.ComponentPrefix, payload.ScenarioID)
	opts := taskqueue.SubmitOptions{CorrelationID: inv.CorrelationID(), Epoch: inv.Epoch()}
	res := BatchResult{}
	for _, unit := range payload.Units {
		for _, tool := range payload.Tools {
			if err := t.dispatchUnit(ctx, payload.ScenarioID, prefix, unit, tool, spec, opts); err != nil {
				log.Warn("scan dispatch failed, settling as failed scan",
					logfields.Repository(unit.FullName),
					logfields.Commit(unit.CommitSHA),
					logfields.Tool(tool),
					logfields.Error(err))
				t.settle(ctx, payload.ScenarioID, tool, false, log)
				res.Failed++
				continue
			}
			res.Dispatched++
		}
	}
	log.Info("scan batch dispatched",
		slog.Int("index", payload.Index),
		slog.Int("dispatched", res.Dispatched),
		slog.Int("failed", res.Failed))
	return res, nil
}

// dispatchUnit materialises the unit's tool configuration and submits its
// scan task. For Sonar the pending tracking row is created (or reset) before
// the scanner task goes out so the webhook always finds it.
func (t *Tasks) dispatchUnit(ctx context.Context, scenarioID, prefix string, unit Unit, tool string, spec *scenario.Spec, opts taskqueue.SubmitOptions) error {
	switch tool {
	case scenario.ToolSonarQube:
		configPath, err := t.materializeSonarProps(scenarioID, unit.RawRepoID, unit.FullName, spec)
		if err != nil {
			return err
		}
		key := ComponentKey(prefix, unit.FullName, unit.CommitSHA)
		pending := &model.SonarScanPending{
			ScenarioID:   scenarioID,
			RawRepoID:    unit.RawRepoID,
			CommitSHA:    unit.CommitSHA,
			ComponentKey: key,
		}
		if err := t.store.ScanPendings.Create(ctx, pending); err != nil {
			return err
		}
		sig := taskqueue.NewSignature(TaskStartSonarScan, taskqueue.QueueSonarScan, SonarScanPayload{
			ScenarioID:   scenarioID,
			RawRepoID:    unit.RawRepoID,
			FullName:     unit.FullName,
			CommitSHA:    unit.CommitSHA,
			EffectiveSHA: unit.EffectiveSHA,
			ComponentKey: key,
			ConfigPath:   configPath,
		})
		sig.IgnoreResult = true
		_, _, err = t.broker.SubmitTask(ctx, sig, opts)
		return err
	case scenario.ToolTrivy:
		configPath, err := t.materializeTrivyConfig(scenarioID, unit.RawRepoID, unit.FullName, spec)
		if err != nil {
			return err
		}
		sig := taskqueue.NewSignature(TaskStartTrivyScan, taskqueue.QueueTrivyScan, TrivyScanPayload{
			ScenarioID:   scenarioID,
			RawRepoID:    unit.RawRepoID,
			FullName:     unit.FullName,
			CommitSHA:    unit.CommitSHA,
			EffectiveSHA: unit.EffectiveSHA,
			Metrics:      spec.Features.ScanMetrics.Trivy,
			ConfigPath:   configPath,
		})
		sig.IgnoreResult = true
		_, _, err = t.broker.SubmitTask(ctx, sig, opts)
		return err
	default:
		return ferrors.ScanError("unknown scan tool").WithContext("tool", tool).Build()
	}
}

// RetryCommitScan resets one settled scan and redispatches it. The prior
// settlement's counter slot reopens so completed+failed==total stays the
// completion condition for the retried run.
func (t *Tasks) RetryCommitScan(ctx context.Context, scenarioID, commitSHA, tool string) error {
	if tool != scenario.ToolSonarQube && tool != scenario.ToolTrivy {
		return ferrors.ValidationError("unknown scan tool").WithContext("tool", tool).Build()
	}
	scen, err := t.store.Scenarios.ByID(ctx, scenarioID)
	if err != nil {
		return err
	}
	spec, err := scenario.Load([]byte(scen.ConfigYAML))
	if err != nil {
		return ferrors.ScanError("stored scenario config unparseable").
			WithCause(err).WithContext("scenario_id", scenarioID).Build()
	}
	if len(spec.Features.MetricsFor(tool)) == 0 {
		return ferrors.ValidationError("tool has no selected scan metrics").
			WithContext("tool", tool).Build()
	}

	unit, err := t.unitForCommit(ctx, scenarioID, commitSHA)
	if err != nil {
		return err
	}

	// Reopen the counter slot the earlier settlement consumed. Sonar keeps a
	// pending row whose status names the slot; trivy scans leave no row, so a
	// retry is assumed to target a failed scan.
	reopen := store.CounterScansFailed
	if tool == scenario.ToolSonarQube {
		prefix := ScenarioPrefix(t.cfg.Sonar.ComponentPrefix, scenarioID)
		key := ComponentKey(prefix, unit.FullName, unit.CommitSHA)
		if pending, err := t.store.ScanPendings.ByComponentKey(ctx, key); err == nil {
			switch pending.Status {
			case model.ScanPendingCompleted:
				reopen = store.CounterScansCompleted
			case model.ScanPendingScanning:
				// Still in flight: nothing was settled, dispatch will reset
				// the row and the eventual callback settles once.
				reopen = ""
			}
		}
	}
	if reopen != "" {
		if err := t.store.Scenarios.ReopenScanSlot(ctx, scenarioID, reopen); err != nil {
			return err
		}
	}

	opts := taskqueue.SubmitOptions{CorrelationID: scen.CorrelationID, Epoch: scen.Epoch}
	prefix := ScenarioPrefix(t.cfg.Sonar.ComponentPrefix, scenarioID)
	if err := t.dispatchUnit(ctx, scenarioID, prefix, *unit, tool, spec, opts); err != nil {
		return err
	}
	slog.Info("commit scan redispatched",
		logfields.ScenarioID(scenarioID),
		logfields.Commit(commitSHA),
		logfields.Tool(tool))
	return nil
}

// unitForCommit resolves one commit of a scenario into its scan unit.
func (t *Tasks) unitForCommit(ctx context.Context, scenarioID, commitSHA string) (*Unit, error) {
	units, err := t.scanUnits(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	for i := range units {
		if units[i].CommitSHA == commitSHA {
			return &units[i], nil
		}
	}
	return nil, ferrors.NotFoundError("commit not part of scenario").
		WithContext("scenario_id", scenarioID).
		WithContext("commit_sha", commitSHA).Build()
}

package scan

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
)

// FailStalePendings fails sonar scans whose webhook never arrived within the
// pending timeout and settles their counter slots, so scenarios waiting on
// scans_total converge even when the server silently drops an analysis.
// Returns how many scans it failed. The worker daemon runs this on the scan
// watchdog schedule.
func (t *Tasks) FailStalePendings(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-t.cfg.PendingTimeoutDuration())
	stale, err := t.store.ScanPendings.StaleScanning(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	failed := 0
	for i := range stale {
		p := &stale[i]
		resolved, err := t.store.ScanPendings.Resolve(ctx, p.ComponentKey, model.ScanPendingFailed, "analysis callback timed out")
		if err != nil {
			slog.Warn("stale scan resolve failed",
				slog.String("component_key", p.ComponentKey), logfields.Error(err))
			continue
		}
		if !resolved {
			// Webhook won the race since the query ran.
			continue
		}
		log := slog.Default().With(
			logfields.ScenarioID(p.ScenarioID),
			logfields.Commit(p.CommitSHA),
			logfields.Tool(scenario.ToolSonarQube),
		)
		t.settle(ctx, p.ScenarioID, scenario.ToolSonarQube, false, log)
		log.Warn("sonar scan timed out waiting for callback",
			slog.String("component_key", p.ComponentKey))
		failed++
	}
	return failed, nil
}

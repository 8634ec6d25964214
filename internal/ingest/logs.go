package ingest

import (
	"context"
	"log/slog"
	"os"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/provider"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
)

// Fallbacks when the ingestion config leaves tuning unset.
const (
	defaultExpiredStreak = 10
	defaultLogMaxBytes   = 16 << 20
)

// DownloadBuildLogs fetches the per-job logs of every build in the batch and
// writes one file per job. Providers expire logs in roughly chronological
// order, so a long run of consecutive expirations means the rest of the
// batch is gone too and the task stops early, marking the remainder as
// skipped expected losses.
func (t *Tasks) DownloadBuildLogs(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var p LogsPayload
	if err := inv.Decode(&p); err != nil {
		return nil, err
	}
	log := inv.Logger().With(logfields.RepoID(p.RawRepoID), logfields.Repository(p.FullName))

	client, err := t.providers.Get(p.Provider)
	if err != nil {
		return nil, err
	}

	streak := t.cfg.ExpiredLogStreak
	if streak <= 0 {
		streak = defaultExpiredStreak
	}
	maxBytes := t.cfg.LogMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultLogMaxBytes
	}

	var res LogsResult
	consecutiveExpired := 0
	for i, ref := range p.Builds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outcome := ResourceOutcome{
			RawRepoID:        p.RawRepoID,
			IngestionBuildID: ref.IngestionBuildID,
			RawBuildRunID:    ref.RawBuildRunID,
			Resource:         model.ResourceBuildLogs,
		}

		if t.logsOnDisk(p.RawRepoID, ref.CIRunID) {
			res.Skipped++
			consecutiveExpired = 0
			outcome.Status = model.ResourceCompleted
			if err := inv.AppendResult(ctx, outcome); err != nil {
				return nil, err
			}
			continue
		}

		logs, err := client.FetchBuildLogs(ctx, p.FullName, ref.CIRunID)
		switch {
		case err == nil:
			if err := t.writeJobLogs(p.RawRepoID, ref.CIRunID, logs, maxBytes, log); err != nil {
				return nil, err
			}
			if err := t.store.Builds.SetLogFlags(ctx, ref.RawBuildRunID, true, false); err != nil {
				return nil, err
			}
			res.Downloaded++
			consecutiveExpired = 0
			outcome.Status = model.ResourceCompleted
			t.recorder.IncLogDownload("downloaded")

		case provider.IsLogsExpired(err):
			if err := t.store.Builds.SetLogFlags(ctx, ref.RawBuildRunID, false, true); err != nil {
				return nil, err
			}
			res.Expired++
			consecutiveExpired++
			outcome.Status = model.ResourceFailed
			outcome.Error = "build logs expired"
			outcome.ExpectedLoss = true
			t.recorder.IncLogDownload("expired")

		case ferrors.IsMissingResource(err):
			res.Failed++
			consecutiveExpired = 0
			outcome.Status = model.ResourceFailed
			outcome.Error = err.Error()
			outcome.ExpectedLoss = true
			t.recorder.IncLogDownload("missing")

		case redeliverable(err):
			return nil, err

		default:
			res.Failed++
			consecutiveExpired = 0
			outcome.Status = model.ResourceFailed
			outcome.Error = err.Error()
			t.recorder.IncLogDownload("failed")
		}

		if err := inv.AppendResult(ctx, outcome); err != nil {
			return nil, err
		}

		if consecutiveExpired >= streak {
			rest := p.Builds[i+1:]
			log.Warn("stopping log downloads after consecutive expirations",
				logfields.Count(consecutiveExpired),
			)
			for _, skipped := range rest {
				res.Skipped++
				if err := inv.AppendResult(ctx, ResourceOutcome{
					RawRepoID:        p.RawRepoID,
					IngestionBuildID: skipped.IngestionBuildID,
					RawBuildRunID:    skipped.RawBuildRunID,
					Resource:         model.ResourceBuildLogs,
					Status:           model.ResourceSkipped,
					Error:            "log download stopped after consecutive expired logs",
					ExpectedLoss:     true,
				}); err != nil {
					return nil, err
				}
			}
			break
		}
	}

	log.Info("log batch done",
		logfields.Resource(model.ResourceBuildLogs),
		logfields.Count(len(p.Builds)),
	)
	return res, nil
}

// logsOnDisk reports whether a run's log directory already holds files, which
// makes the download idempotent across redeliveries.
func (t *Tasks) logsOnDisk(rawRepoID, ciRunID string) bool {
	entries, err := os.ReadDir(t.layout.BuildLogDir(rawRepoID, ciRunID))
	return err == nil && len(entries) > 0
}

// writeJobLogs persists one file per job, dropping logs over the size cap.
func (t *Tasks) writeJobLogs(rawRepoID, ciRunID string, logs []provider.JobLog, maxBytes int64, log *slog.Logger) error {
	dir := t.layout.BuildLogDir(rawRepoID, ciRunID)
	if err := t.layout.EnsureDir(dir); err != nil {
		return err
	}
	for _, jl := range logs {
		if int64(len(jl.Content)) > maxBytes {
			log.Warn("dropping oversized job log",
				logfields.RunID(ciRunID),
				slog.String("job", jl.JobName),
				slog.Int("bytes", len(jl.Content)),
			)
			continue
		}
		path := t.layout.BuildLogPath(rawRepoID, ciRunID, jl.JobName)
		if err := os.WriteFile(path, jl.Content, 0o640); err != nil {
			return ferrors.FileSystemError("write job log").WithCause(err).
				WithContext("path", path).Build()
		}
	}
	return nil
}

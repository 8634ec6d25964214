package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyScenarioID    = "scenario_id"
	KeyCorrelationID = "correlation_id"
	KeyTask          = "task"
	KeyTaskID        = "task_id"
	KeyQueue         = "queue"
	KeyAttempt       = "attempt"
	KeyPhase         = "phase"
	KeyRepo          = "repository"
	KeyRepoID        = "raw_repo_id"
	KeyBuildID       = "build_id"
	KeyRunID         = "ci_run_id"
	KeyCommit        = "commit_sha"
	KeyResource      = "resource"
	KeyNode          = "node"
	KeyFeature       = "feature"
	KeyTool          = "tool"
	KeySplit         = "split_type"
	KeyStrategy      = "strategy"
	KeyDurationMS    = "duration_ms"
	KeyCount         = "count"
	KeyPath          = "path"
	KeyError         = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func ScenarioID(id string) slog.Attr    { return slog.String(KeyScenarioID, id) }
func CorrelationID(id string) slog.Attr { return slog.String(KeyCorrelationID, id) }
func Task(name string) slog.Attr        { return slog.String(KeyTask, name) }
func TaskID(id string) slog.Attr        { return slog.String(KeyTaskID, id) }
func Queue(name string) slog.Attr       { return slog.String(KeyQueue, name) }
func Attempt(n int) slog.Attr           { return slog.Int(KeyAttempt, n) }
func Phase(name string) slog.Attr       { return slog.String(KeyPhase, name) }
func Repository(full string) slog.Attr  { return slog.String(KeyRepo, full) }
func RepoID(id string) slog.Attr        { return slog.String(KeyRepoID, id) }
func BuildID(id string) slog.Attr       { return slog.String(KeyBuildID, id) }
func RunID(id string) slog.Attr         { return slog.String(KeyRunID, id) }
func Commit(sha string) slog.Attr       { return slog.String(KeyCommit, sha) }
func Resource(name string) slog.Attr    { return slog.String(KeyResource, name) }
func Node(name string) slog.Attr        { return slog.String(KeyNode, name) }
func Feature(name string) slog.Attr     { return slog.String(KeyFeature, name) }
func Tool(name string) slog.Attr        { return slog.String(KeyTool, name) }
func Split(name string) slog.Attr       { return slog.String(KeySplit, name) }
func Strategy(name string) slog.Attr    { return slog.String(KeyStrategy, name) }
func DurationMS(ms float64) slog.Attr   { return slog.Float64(KeyDurationMS, ms) }
func Count(n int) slog.Attr             { return slog.Int(KeyCount, n) }
func Path(p string) slog.Attr           { return slog.String(KeyPath, p) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// Package ingest implements the resource-acquisition side of the pipeline:
// the per-repository ingestion tasks (clone, worktrees, build logs), the
// resource plan that orders them, and the catalog sync that keeps raw
// repositories and build runs current.
package ingest

import (
	"time"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	"git.home.luguber.info/inful/riskbuilder/internal/gitrepo"
	"git.home.luguber.info/inful/riskbuilder/internal/metrics"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/provider"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
)

// Task names registered by this package.
const (
	TaskCloneRepo         = "clone_repo"
	TaskCreateWorktrees   = "create_worktrees_batch"
	TaskDownloadBuildLogs = "download_build_logs"
	TaskSyncRepoBuilds    = "sync_repo_builds"
)

// BuildRef identifies one build inside a batch payload.
type BuildRef struct {
	IngestionBuildID string `json:"ingestion_build_id"`
	RawBuildRunID    string `json:"raw_build_run_id"`
	CommitSHA        string `json:"commit_sha"`
	CIRunID          string `json:"ci_run_id"`
}

// ClonePayload is the input of clone_repo.
type ClonePayload struct {
	ScenarioID string `json:"scenario_id"`
	RawRepoID  string `json:"raw_repo_id"`
	FullName   string `json:"full_name"`
	Provider   string `json:"provider"`
}

// CloneResult is the clone_repo task result.
type CloneResult struct {
	Status string `json:"status"` // cloned | refreshed
	Path   string `json:"path"`
}

// WorktreesPayload is the input of create_worktrees_batch.
type WorktreesPayload struct {
	ScenarioID  string     `json:"scenario_id"`
	RawRepoID   string     `json:"raw_repo_id"`
	FullName    string     `json:"full_name"`
	Provider    string     `json:"provider"`
	Builds      []BuildRef `json:"builds"`
	AllowReplay bool       `json:"allow_replay"`
}

// WorktreesResult summarises a worktree batch.
type WorktreesResult struct {
	Created  int `json:"created_commits"`
	Skipped  int `json:"skipped_commits"`
	Replayed int `json:"fork_commits_replayed"`
	Failed   int `json:"failed_commits"`
}

// LogsPayload is the input of download_build_logs.
type LogsPayload struct {
	ScenarioID string     `json:"scenario_id"`
	RawRepoID  string     `json:"raw_repo_id"`
	FullName   string     `json:"full_name"`
	Provider   string     `json:"provider"`
	Builds     []BuildRef `json:"builds"`
}

// LogsResult summarises a log download batch.
type LogsResult struct {
	Downloaded int `json:"downloaded"`
	Expired    int `json:"expired"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// SyncPayload is the input of sync_repo_builds.
type SyncPayload struct {
	Provider string    `json:"provider"`
	FullName string    `json:"full_name"`
	Since    time.Time `json:"since,omitempty"`
	MaxPages int       `json:"max_pages,omitempty"`
}

// SyncResult summarises a catalog sync.
type SyncResult struct {
	RawRepoID string `json:"raw_repo_id"`
	Synced    int    `json:"synced_builds"`
	Pages     int    `json:"pages"`
}

// ResourceOutcome is the per-build per-resource record every ingestion task
// appends to the correlation result list. The aggregation callback replays
// these onto the IngestionBuild rows. An outcome with an empty
// IngestionBuildID applies to every build of the repository (clone level).
type ResourceOutcome struct {
	RawRepoID        string `json:"raw_repo_id"`
	IngestionBuildID string `json:"ingestion_build_id,omitempty"`
	RawBuildRunID    string `json:"raw_build_run_id,omitempty"`
	Resource         string `json:"resource"`
	Status           string `json:"status"` // completed | failed | skipped
	Error            string `json:"error,omitempty"`
	ExpectedLoss     bool   `json:"expected_loss,omitempty"`
	EffectiveSHA     string `json:"effective_sha,omitempty"`
}

// Tasks bundles the ingestion handlers and their dependencies. One instance
// is registered per worker process.
type Tasks struct {
	cfg       config.IngestionConfig
	layout    layout
	git       *gitrepo.Client
	providers *provider.Set
	store     *store.Store
	recorder  metrics.Recorder
}

// layout is the slice of workspace.Layout the ingestion tasks touch.
type layout interface {
	BuildLogDir(rawRepoID, ciRunID string) string
	BuildLogPath(rawRepoID, ciRunID, jobName string) string
	EnsureDir(path string) error
}

// NewTasks wires the ingestion task handlers.
func NewTasks(cfg config.IngestionConfig, l layout, git *gitrepo.Client, providers *provider.Set, st *store.Store) *Tasks {
	return &Tasks{
		cfg:       cfg,
		layout:    l,
		git:       git,
		providers: providers,
		store:     st,
		recorder:  metrics.NoopRecorder{},
	}
}

// SetRecorder replaces the metrics recorder. Nil restores the no-op.
func (t *Tasks) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	t.recorder = r
}

// Register adds the ingestion task definitions to the registry.
func (t *Tasks) Register(reg *taskqueue.Registry) {
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskCloneRepo,
		Queue:       taskqueue.QueueIngestion,
		SoftLimit:   t.cfg.CloneTimeoutDuration(),
		MaxAttempts: 3,
		Handler:     t.CloneRepo,
	})
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskCreateWorktrees,
		Queue:       taskqueue.QueueIngestion,
		MaxAttempts: 3,
		RateLimited: true,
		Handler:     t.CreateWorktreesBatch,
	})
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskDownloadBuildLogs,
		Queue:       taskqueue.QueueIngestion,
		MaxAttempts: 5,
		RateLimited: true,
		Handler:     t.DownloadBuildLogs,
	})
	reg.MustRegister(taskqueue.Definition{
		Name:        TaskSyncRepoBuilds,
		Queue:       taskqueue.QueueIngestion,
		SoftLimit:   30 * time.Minute,
		MaxAttempts: 5,
		RateLimited: true,
		Handler:     t.SyncRepoBuilds,
	})
}

// RepoChain builds the sequential ingestion chain for one repository group,
// following the plan's chain order. Builds and identifiers are shared by all
// stages; stages whose resource the plan does not require are left out.
func RepoChain(plan Plan, scenarioID, rawRepoID, fullName, providerName string, builds []BuildRef, allowReplay bool) []taskqueue.Signature {
	var chain []taskqueue.Signature
	for _, resource := range plan.Resources() {
		switch resource {
		case model.ResourceGitHistory:
			chain = append(chain, taskqueue.NewSignature(TaskCloneRepo, taskqueue.QueueIngestion, ClonePayload{
				ScenarioID: scenarioID,
				RawRepoID:  rawRepoID,
				FullName:   fullName,
				Provider:   providerName,
			}))
		case model.ResourceGitWorktree:
			chain = append(chain, taskqueue.NewSignature(TaskCreateWorktrees, taskqueue.QueueIngestion, WorktreesPayload{
				ScenarioID:  scenarioID,
				RawRepoID:   rawRepoID,
				FullName:    fullName,
				Provider:    providerName,
				Builds:      builds,
				AllowReplay: allowReplay,
			}))
		case model.ResourceBuildLogs:
			chain = append(chain, taskqueue.NewSignature(TaskDownloadBuildLogs, taskqueue.QueueIngestion, LogsPayload{
				ScenarioID: scenarioID,
				RawRepoID:  rawRepoID,
				FullName:   fullName,
				Provider:   providerName,
				Builds:     builds,
			}))
		}
	}
	return chain
}

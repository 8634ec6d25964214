// Package model declares the persistent entities of the platform. Every
// cross-reference between entities is a value-level ID, never a pointer, so
// there are no in-memory cycles; traversal goes through the store.
package model

import (
	"database/sql"
	"time"
)

// ScenarioStatus is the lifecycle state of a scenario. Transitions follow the
// declared linear order except that failed may be entered from any
// non-terminal state.
type ScenarioStatus string

const (
	ScenarioQueued     ScenarioStatus = "queued"
	ScenarioFiltering  ScenarioStatus = "filtering"
	ScenarioIngesting  ScenarioStatus = "ingesting"
	ScenarioIngested   ScenarioStatus = "ingested"
	ScenarioProcessing ScenarioStatus = "processing"
	ScenarioProcessed  ScenarioStatus = "processed"
	ScenarioSplitting  ScenarioStatus = "splitting"
	ScenarioCompleted  ScenarioStatus = "completed"
	ScenarioFailed     ScenarioStatus = "failed"
)

// ActiveScenarioStatuses are the states during which a second generation
// dispatch must be rejected with a conflict.
var ActiveScenarioStatuses = []ScenarioStatus{
	ScenarioFiltering, ScenarioIngesting, ScenarioProcessing, ScenarioSplitting,
}

// Terminal reports whether the status accepts no further transitions
// besides a reset.
func (s ScenarioStatus) Terminal() bool {
	return s == ScenarioCompleted || s == ScenarioFailed
}

// IngestionStatus is per-build resource acquisition state.
type IngestionStatus string

const (
	IngestionPending         IngestionStatus = "pending"
	IngestionIngesting       IngestionStatus = "ingesting"
	IngestionIngested        IngestionStatus = "ingested"
	IngestionMissingResource IngestionStatus = "missing_resource"
	IngestionFailed          IngestionStatus = "failed"
)

// ResourceStatus values used inside ResourceStatusMap entries.
const (
	ResourcePending    = "pending"
	ResourceInProgress = "in_progress"
	ResourceCompleted  = "completed"
	ResourceFailed     = "failed"
	ResourceSkipped    = "skipped"
)

// Resource names a build may require. The first three are acquired by
// ingestion tasks; the provider client and the workflow-run record are
// in-process resources that need no acquisition step.
const (
	ResourceGitHistory     = "git_history"
	ResourceGitWorktree    = "git_worktree"
	ResourceBuildLogs      = "build_logs"
	ResourceProviderClient = "github_client"
	ResourceWorkflowRun    = "workflow_run"
)

// ExtractionStatus is the per-build feature extraction outcome.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionInProgress ExtractionStatus = "in_progress"
	ExtractionCompleted  ExtractionStatus = "completed"
	ExtractionPartial    ExtractionStatus = "partial"
	ExtractionFailed     ExtractionStatus = "failed"
)

// SplitType labels one exported dataset partition.
type SplitType string

const (
	SplitTrain      SplitType = "train"
	SplitValidation SplitType = "validation"
	SplitTest       SplitType = "test"
)

// VectorScope identifies the pipeline kind that owns a feature vector.
type VectorScope string

const (
	ScopeScenario      VectorScope = "scenario"
	ScopeModelTraining VectorScope = "model_training"
)

// ScanTool enumerates the supported static analysis scanners.
type ScanTool string

const (
	ToolSonarQube ScanTool = "sonarqube"
	ToolTrivy     ScanTool = "trivy"
)

// ScanPendingStatus tracks an asynchronous scan awaiting completion.
type ScanPendingStatus string

const (
	ScanPendingScanning  ScanPendingStatus = "scanning"
	ScanPendingCompleted ScanPendingStatus = "completed"
	ScanPendingFailed    ScanPendingStatus = "failed"
)

// RawRepository is the canonical record of a source repository. Immutable
// after first upsert except for metadata refresh.
type RawRepository struct {
	ID            string    `db:"id"`
	Provider      string    `db:"provider"`
	ExternalID    string    `db:"external_id"`
	FullName      string    `db:"full_name"`
	DefaultBranch string    `db:"default_branch"`
	Private       bool      `db:"private"`
	Language      string    `db:"language"`
	Metadata      JSONMap   `db:"metadata"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// RawBuildRun is one CI build execution. (raw_repo_id, ci_run_id, provider)
// is unique. EffectiveSHA defaults to CommitSHA and is replaced when the
// original commit lived on an unreachable fork and had to be replayed.
type RawBuildRun struct {
	ID            string       `db:"id"`
	RawRepoID     string       `db:"raw_repo_id"`
	Provider      string       `db:"provider"`
	CIRunID       string       `db:"ci_run_id"`
	BuildNumber   int64        `db:"build_number"`
	CommitSHA     string       `db:"commit_sha"`
	EffectiveSHA  string       `db:"effective_sha"`
	Branch        string       `db:"branch"`
	Status        string       `db:"status"`
	Conclusion    string       `db:"conclusion"`
	ActorLogin    string       `db:"actor_login"`
	StartedAt     time.Time    `db:"started_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
	Jobs          JSONMap      `db:"jobs"`
	LogsAvailable bool         `db:"logs_available"`
	LogsExpired   bool         `db:"logs_expired"`
	IsBotCommit   bool         `db:"is_bot_commit"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

// Scenario is a named training-dataset configuration and the aggregate root
// of one pipeline run. Counters are updated atomically by the orchestrator.
type Scenario struct {
	ID            string         `db:"id"`
	Owner         string         `db:"owner"`
	Name          string         `db:"name"`
	Status        ScenarioStatus `db:"status"`
	ErrorMessage  string         `db:"error_message"`
	ConfigYAML    string         `db:"config_yaml"`
	CorrelationID string         `db:"correlation_id"`
	Epoch         int64          `db:"epoch"`

	BuildsTotal           int64 `db:"builds_total"`
	BuildsIngested        int64 `db:"builds_ingested"`
	BuildsMissingResource int64 `db:"builds_missing_resource"`
	BuildsFailed          int64 `db:"builds_failed"`
	BuildsProcessed       int64 `db:"builds_processed"`

	ScansTotal              int64 `db:"scans_total"`
	ScansCompleted          int64 `db:"scans_completed"`
	ScansFailed             int64 `db:"scans_failed"`
	ScanExtractionCompleted bool  `db:"scan_extraction_completed"`

	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	StartedAt   sql.NullTime `db:"started_at"`
	IngestedAt  sql.NullTime `db:"ingested_at"`
	ProcessedAt sql.NullTime `db:"processed_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

// IngestionBuild tracks one build through the ingestion phase of one
// scenario. A build is ingested iff every required resource completed.
type IngestionBuild struct {
	ID                string            `db:"id"`
	ScenarioID        string            `db:"scenario_id"`
	RawRepoID         string            `db:"raw_repo_id"`
	RawBuildRunID     string            `db:"raw_build_run_id"`
	Status            IngestionStatus   `db:"status"`
	ResourceStatus    ResourceStatusMap `db:"resource_status"`
	RequiredResources StringList        `db:"required_resources"`
	Error             string            `db:"error"`
	CommitSHA         string            `db:"commit_sha"`
	CIRunID           string            `db:"ci_run_id"`
	CreatedAt         time.Time         `db:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at"`
}

// Ingested reports whether every required resource reached completed.
func (b *IngestionBuild) Ingested() bool {
	for _, res := range b.RequiredResources {
		st, ok := b.ResourceStatus[res]
		if !ok || st.Status != ResourceCompleted {
			return false
		}
	}
	return len(b.RequiredResources) > 0
}

// EnrichmentBuild tracks one build through the processing phase. Sequence is
// the position in the temporal processing order (build_started_at ascending).
type EnrichmentBuild struct {
	ID               string           `db:"id"`
	ScenarioID       string           `db:"scenario_id"`
	IngestionBuildID string           `db:"ingestion_build_id"`
	RawRepoID        string           `db:"raw_repo_id"`
	RawBuildRunID    string           `db:"raw_build_run_id"`
	FeatureVectorID  sql.NullString   `db:"feature_vector_id"`
	ExtractionStatus ExtractionStatus `db:"extraction_status"`
	Error            string           `db:"error"`
	SplitAssignment  sql.NullString   `db:"split_assignment"`
	GroupValue       sql.NullString   `db:"group_value"`
	Outcome          int              `db:"outcome"`
	CommitSHA        string           `db:"commit_sha"`
	CIRunID          string           `db:"ci_run_id"`
	BuildStartedAt   time.Time        `db:"build_started_at"`
	Sequence         int64            `db:"sequence"`
	CreatedAt        time.Time        `db:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
}

// FeatureVector is the sole source of truth for extracted features. One per
// (scope, scope_id, raw_build_run_id). Scan backfills update ScanMetrics in
// place after extraction.
type FeatureVector struct {
	ID               string           `db:"id"`
	Scope            VectorScope      `db:"scope"`
	ScopeID          string           `db:"scope_id"`
	RawRepoID        string           `db:"raw_repo_id"`
	RawBuildRunID    string           `db:"raw_build_run_id"`
	Features         JSONMap          `db:"features"`
	ScanMetrics      JSONMap          `db:"scan_metrics"`
	ExtractionStatus ExtractionStatus `db:"extraction_status"`
	CreatedAt        time.Time        `db:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
}

// DatasetSplit records one exported split file for a scenario.
type DatasetSplit struct {
	ID                string     `db:"id"`
	ScenarioID        string     `db:"scenario_id"`
	SplitType         SplitType  `db:"split_type"`
	RecordCount       int64      `db:"record_count"`
	FeatureCount      int64      `db:"feature_count"`
	ClassDistribution JSONMap    `db:"class_distribution"`
	GroupDistribution JSONMap    `db:"group_distribution"`
	FilePath          string     `db:"file_path"`
	FileSize          int64      `db:"file_size"`
	Format            string     `db:"format"`
	FeatureNames      StringList `db:"feature_names"`
	DurationMS        int64      `db:"duration_ms"`
	ChecksumMD5       string     `db:"checksum_md5"`
	GeneratedAt       time.Time  `db:"generated_at"`
}

// PipelineRun is the observability record for one whole scenario run,
// identified by the generated correlation id.
type PipelineRun struct {
	ID            string       `db:"id"`
	ScenarioID    string       `db:"scenario_id"`
	CorrelationID string       `db:"correlation_id"`
	Status        string       `db:"status"`
	Error         string       `db:"error"`
	StartedAt     time.Time    `db:"started_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
}

// PipelinePhase is one phase sub-record of a PipelineRun.
type PipelinePhase struct {
	ID            string       `db:"id"`
	PipelineRunID string       `db:"pipeline_run_id"`
	Phase         string       `db:"phase"`
	Status        string       `db:"status"`
	ItemsTotal    int64        `db:"items_total"`
	ItemsDone     int64        `db:"items_done"`
	ItemsFailed   int64        `db:"items_failed"`
	Error         string       `db:"error"`
	StartedAt     time.Time    `db:"started_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
}

// FeatureAuditLog records one extraction attempt for one build: which nodes
// executed, their outcomes, and the resources that were usable vs missing.
type FeatureAuditLog struct {
	ID               string     `db:"id"`
	ScenarioID       string     `db:"scenario_id"`
	RawBuildRunID    string     `db:"raw_build_run_id"`
	CorrelationID    string     `db:"correlation_id"`
	Status           string     `db:"status"`
	Nodes            JSONMap    `db:"nodes"`
	ResourcesUsed    StringList `db:"resources_used"`
	ResourcesMissing StringList `db:"resources_missing"`
	Warnings         StringList `db:"warnings"`
	Error            string     `db:"error"`
	DurationMS       int64      `db:"duration_ms"`
	CreatedAt        time.Time  `db:"created_at"`
}

// SonarScanPending tracks a webhook-driven Sonar analysis awaiting its
// callback, keyed by the submitted component key.
type SonarScanPending struct {
	ID           string            `db:"id"`
	ScenarioID   string            `db:"scenario_id"`
	RawRepoID    string            `db:"raw_repo_id"`
	CommitSHA    string            `db:"commit_sha"`
	ComponentKey string            `db:"component_key"`
	Status       ScanPendingStatus `db:"status"`
	Error        string            `db:"error"`
	DispatchedAt time.Time         `db:"dispatched_at"`
	CompletedAt  sql.NullTime      `db:"completed_at"`
}

// Outcome derives the binary label from a build conclusion: 1 for a failed
// build, 0 otherwise. The risk models downstream predict failure.
func Outcome(conclusion string) int {
	if conclusion == "failure" {
		return 1
	}
	return 0
}

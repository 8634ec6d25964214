package metrics

import "time"

// ResultLabel enumerates task result categories for counters.
type ResultLabel string

const (
	ResultSuccess    ResultLabel = "success"
	ResultFailed     ResultLabel = "failed"
	ResultRetried    ResultLabel = "retried"
	ResultRateLimit  ResultLabel = "rate_limited"
	ResultRevoked    ResultLabel = "revoked"
	ResultExpired    ResultLabel = "expired"
	ResultDeadLetter ResultLabel = "dead_lettered"
)

// Recorder defines observability hooks for the task runtime and the pipeline
// stages it drives. Implementations may forward to Prometheus, OpenTelemetry,
// etc. All methods must be safe on the zero value so recorders can be injected
// optionally.
type Recorder interface {
	// Task runtime
	ObserveTaskDuration(task, queue string, d time.Duration)
	IncTaskResult(task, queue string, result ResultLabel)
	IncTaskRetry(task string)
	IncRetryExhausted(task string)
	SetQueueDepth(queue string, n int)
	SetWorkerConcurrency(queue string, n int)

	// Pipeline phases
	ObservePhaseDuration(phase string, d time.Duration)
	IncPhaseOutcome(phase, outcome string)

	// Ingestion
	ObserveCloneDuration(d time.Duration, success bool)
	IncLogDownload(result string) // result: downloaded|expired|missing|failed

	// Feature extraction
	ObserveExtractionDuration(d time.Duration)
	IncNodeResult(node, result string) // result: completed|skipped|failed

	// Scan enrichment
	ObserveScanDuration(tool string, d time.Duration)
	IncScanResult(tool, result string)

	// Dataset export
	ObserveExportDuration(format string, d time.Duration)
	IncExportResult(format string, success bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveTaskDuration(string, string, time.Duration) {}
func (NoopRecorder) IncTaskResult(string, string, ResultLabel)         {}
func (NoopRecorder) IncTaskRetry(string)                               {}
func (NoopRecorder) IncRetryExhausted(string)                          {}
func (NoopRecorder) SetQueueDepth(string, int)                         {}
func (NoopRecorder) SetWorkerConcurrency(string, int)                  {}
func (NoopRecorder) ObservePhaseDuration(string, time.Duration)        {}
func (NoopRecorder) IncPhaseOutcome(string, string)                    {}
func (NoopRecorder) ObserveCloneDuration(time.Duration, bool)          {}
func (NoopRecorder) IncLogDownload(string)                             {}
func (NoopRecorder) ObserveExtractionDuration(time.Duration)           {}
func (NoopRecorder) IncNodeResult(string, string)                      {}
func (NoopRecorder) ObserveScanDuration(string, time.Duration)         {}
func (NoopRecorder) IncScanResult(string, string)                      {}
func (NoopRecorder) ObserveExportDuration(string, time.Duration)       {}
func (NoopRecorder) IncExportResult(string, bool)                      {}

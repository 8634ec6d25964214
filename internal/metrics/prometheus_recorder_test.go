package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObserveTaskDuration("ingest_build", "ingest", 150*time.Millisecond)
	pr.IncTaskResult("ingest_build", "ingest", ResultSuccess)
	pr.IncTaskRetry("fetch_builds")
	pr.IncRetryExhausted("fetch_builds")
	pr.SetQueueDepth("ingest", 12)
	pr.SetWorkerConcurrency("ingest", 4)
	pr.ObservePhaseDuration("ingesting", 2*time.Second)
	pr.IncPhaseOutcome("ingesting", "ingested")
	pr.ObserveCloneDuration(5*time.Second, true)
	pr.IncLogDownload("expired")
	pr.ObserveExtractionDuration(800 * time.Millisecond)
	pr.IncNodeResult("git_lines_added", "completed")
	pr.ObserveScanDuration("trivy", 30*time.Second)
	pr.IncScanResult("sonar", "success")
	pr.ObserveExportDuration("parquet", 120*time.Millisecond)
	pr.IncExportResult("parquet", true)

	// Basic scrape to ensure metrics encode without panic
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected metrics, got none")
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var pr *PrometheusRecorder
	// All methods must tolerate a nil receiver for optional injection.
	pr.ObserveTaskDuration("x", "q", time.Second)
	pr.IncTaskResult("x", "q", ResultFailed)
	pr.SetQueueDepth("q", 1)
	pr.IncExportResult("csv", false)
}

// Recorder conformance is compile-time checked for both implementations.
var (
	_ Recorder = NoopRecorder{}
	_ Recorder = (*PrometheusRecorder)(nil)
)

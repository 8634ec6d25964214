package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once               sync.Once
	taskDuration       *prom.HistogramVec
	taskResults        *prom.CounterVec
	taskRetries        *prom.CounterVec
	retriesExhausted   *prom.CounterVec
	queueDepth         *prom.GaugeVec
	workerConcurrency  *prom.GaugeVec
	phaseDuration      *prom.HistogramVec
	phaseOutcomes      *prom.CounterVec
	cloneDuration      *prom.HistogramVec
	logDownloads       *prom.CounterVec
	extractionDuration prom.Histogram
	nodeResults        *prom.CounterVec
	scanDuration       *prom.HistogramVec
	scanResults        *prom.CounterVec
	exportDuration     *prom.HistogramVec
	exportResults      *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.taskDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "riskbuilder",
			Name:      "task_duration_seconds",
			Help:      "Duration of task executions",
			Buckets:   prom.DefBuckets,
		}, []string{"task", "queue"})
		pr.taskResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "riskbuilder",
			Name:      "task_results_total",
			Help:      "Task results by outcome",
		}, []string{"task", "queue", "result"})
		pr.taskRetries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "riskbuilder",
			Name:      "task_retries_total",
			Help:      "Total task retries (transient failures)",
		}, []string{"task"})
		pr.retriesExhausted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "riskbuilder",
			Name:      "task_retry_exhausted_total",
			Help:      "Count of tasks where retries were exhausted",
		}, []string{"task"})
		pr.queueDepth = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "riskbuilder",
			Name:      "queue_depth",
			Help:      "Pending envelopes per queue",
		}, []string{"queue"})
		pr.workerConcurrency = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "riskbuilder",
			Name:      "worker_concurrency",
			Help:      "Configured worker concurrency per queue",
		}, []string{"queue"})
		pr.phaseDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "riskbuilder",
			Name:      "phase_duration_seconds",
			Help:      "Duration of scenario pipeline phases",
			Buckets:   prom.ExponentialBuckets(0.1, 2.5, 12),
		}, []string{"phase"})
		pr.phaseOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "riskbuilder",
			Name:      "phase_outcomes_total",
			Help:      "Scenario phase outcomes by final status",
		}, []string{"phase", "outcome"})
		pr.cloneDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "riskbuilder",
			Name:      "clone_duration_seconds",
			Help:      "Duration of repository clone and fetch operations",
			Buckets:   prom.ExponentialBuckets(0.5, 2, 10),
		}, []string{"result"})
		pr.logDownloads = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "riskbuilder",
			Name:      "log_downloads_total",
			Help:      "Build log download attempts by result",
		}, []string{"result"})
		pr.extractionDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "riskbuilder",
			Name:      "extraction_duration_seconds",
			Help:      "Duration of full feature graph executions per build",
			Buckets:   prom.ExponentialBuckets(0.05, 2.5, 12),
		})
		pr.nodeResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "riskbuilder",
			Name:      "node_results_total",
			Help:      "Feature node executions by result",
		}, []string{"node", "result"})
		pr.scanDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "riskbuilder",
			Name:      "scan_duration_seconds",
			Help:      "Duration of scan tool invocations",
			Buckets:   prom.ExponentialBuckets(1, 2, 10),
		}, []string{"tool"})
		pr.scanResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "riskbuilder",
			Name:      "scan_results_total",
			Help:      "Scan outcomes by tool and result",
		}, []string{"tool", "result"})
		pr.exportDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "riskbuilder",
			Name:      "export_duration_seconds",
			Help:      "Duration of dataset export writes",
			Buckets:   prom.DefBuckets,
		}, []string{"format"})
		pr.exportResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "riskbuilder",
			Name:      "export_results_total",
			Help:      "Dataset export attempts by result",
		}, []string{"format", "result"})
		reg.MustRegister(
			pr.taskDuration, pr.taskResults, pr.taskRetries, pr.retriesExhausted,
			pr.queueDepth, pr.workerConcurrency,
			pr.phaseDuration, pr.phaseOutcomes,
			pr.cloneDuration, pr.logDownloads,
			pr.extractionDuration, pr.nodeResults,
			pr.scanDuration, pr.scanResults,
			pr.exportDuration, pr.exportResults,
		)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveTaskDuration(task, queue string, d time.Duration) {
	if p == nil || p.taskDuration == nil {
		return
	}
	p.taskDuration.WithLabelValues(task, queue).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncTaskResult(task, queue string, result ResultLabel) {
	if p == nil || p.taskResults == nil {
		return
	}
	p.taskResults.WithLabelValues(task, queue, string(result)).Inc()
}

func (p *PrometheusRecorder) IncTaskRetry(task string) {
	if p == nil || p.taskRetries == nil {
		return
	}
	p.taskRetries.WithLabelValues(task).Inc()
}

func (p *PrometheusRecorder) IncRetryExhausted(task string) {
	if p == nil || p.retriesExhausted == nil {
		return
	}
	p.retriesExhausted.WithLabelValues(task).Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(queue string, n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.WithLabelValues(queue).Set(float64(n))
}

func (p *PrometheusRecorder) SetWorkerConcurrency(queue string, n int) {
	if p == nil || p.workerConcurrency == nil {
		return
	}
	p.workerConcurrency.WithLabelValues(queue).Set(float64(n))
}

func (p *PrometheusRecorder) ObservePhaseDuration(phase string, d time.Duration) {
	if p == nil || p.phaseDuration == nil {
		return
	}
	p.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncPhaseOutcome(phase, outcome string) {
	if p == nil || p.phaseOutcomes == nil {
		return
	}
	p.phaseOutcomes.WithLabelValues(phase, outcome).Inc()
}

func (p *PrometheusRecorder) ObserveCloneDuration(d time.Duration, success bool) {
	if p == nil || p.cloneDuration == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.cloneDuration.WithLabelValues(res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncLogDownload(result string) {
	if p == nil || p.logDownloads == nil {
		return
	}
	p.logDownloads.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) ObserveExtractionDuration(d time.Duration) {
	if p == nil || p.extractionDuration == nil {
		return
	}
	p.extractionDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncNodeResult(node, result string) {
	if p == nil || p.nodeResults == nil {
		return
	}
	p.nodeResults.WithLabelValues(node, result).Inc()
}

func (p *PrometheusRecorder) ObserveScanDuration(tool string, d time.Duration) {
	if p == nil || p.scanDuration == nil {
		return
	}
	p.scanDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncScanResult(tool, result string) {
	if p == nil || p.scanResults == nil {
		return
	}
	p.scanResults.WithLabelValues(tool, result).Inc()
}

func (p *PrometheusRecorder) ObserveExportDuration(format string, d time.Duration) {
	if p == nil || p.exportDuration == nil {
		return
	}
	p.exportDuration.WithLabelValues(format).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncExportResult(format string, success bool) {
	if p == nil || p.exportResults == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.exportResults.WithLabelValues(format, res).Inc()
}

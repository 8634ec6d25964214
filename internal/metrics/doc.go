// Package metrics provides an observability framework for pipeline metrics.
//
// # Design Philosophy
//
// This package implements the Null Object pattern to enable metrics collection
// without requiring explicit nil checks throughout the codebase. By default,
// all components use NoopRecorder which implements the Recorder interface with
// no-op methods that inline to nothing at compile time.
//
// # Architecture
//
// The metrics system has three components:
//
//  1. Recorder interface - Defines all metrics operations
//  2. NoopRecorder - Default implementation that does nothing (zero overhead)
//  3. PrometheusRecorder - Prometheus adapter (activated by monitoring config)
//
// # Usage Pattern
//
// Components receive a Recorder through dependency injection:
//
//	type Worker struct {
//	    recorder metrics.Recorder
//	}
//
//	func NewWorker() *Worker {
//	    return &Worker{
//	        recorder: metrics.NoopRecorder{}, // Default: no metrics
//	    }
//	}
//
// To enable metrics, swap NoopRecorder for a real implementation:
//
//	recorder := metrics.NewPrometheusRecorder(registry)
//	worker := NewWorker().WithRecorder(recorder)
//
// This approach allows zero overhead when metrics are disabled, activation
// without code changes, and clean testing with mock recorders.
package metrics

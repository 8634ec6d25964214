// Package taskqueue is the Redis-backed distributed task runtime. Tasks are
// registered process-wide, submitted onto named queues as JSON envelopes, and
// consumed by per-queue worker pools. Chains, groups, and chords compose
// tasks across processes; results and cross-process accumulation live in
// Redis under a shared key scheme.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// Canonical queue names. Workers consume the subset configured for them;
// submitters reference these instead of raw strings.
const (
	QueueIngestion          = "ingestion"
	QueueProcessing         = "processing"
	QueueScenarioIngestion  = "scenario_ingestion"
	QueueScenarioProcessing = "scenario_processing"
	QueueScenarioScanning   = "scenario_scanning"
	QueueSonarScan          = "sonar_scan"
	QueueTrivyScan          = "trivy_scan"
	QueueMaintenance        = "maintenance"
)

// Redis key scheme. Everything the runtime touches lives under the rb:
// prefix so a shared Redis instance stays navigable.
const (
	keyPrefix  = "rb:"
	delayedKey = keyPrefix + "delayed"
	deadKey    = keyPrefix + "dead"
)

func queueKey(name string) string { return keyPrefix + "queue:" + name }

func resultKey(taskID string) string { return keyPrefix + "result:" + taskID }

func corrKey(correlationID string) string { return keyPrefix + "corr:" + correlationID + ":results" }

func groupKey(groupID string) string { return keyPrefix + "group:" + groupID + ":results" }

func chordPendingKey(chordID string) string { return keyPrefix + "chord:" + chordID + ":pending" }

func revokedKey(taskID string) string { return keyPrefix + "revoked:" + taskID }

// Signature describes one task invocation before it is enveloped: what to
// run, where, and with which payload. Chains and chords are built from
// signatures.
type Signature struct {
	Task         string            `json:"task"`
	Queue        string            `json:"queue,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	IgnoreResult bool              `json:"ignore_result,omitempty"`
}

// NewSignature builds a signature, marshaling the payload. Payloads are
// built by the orchestrator from its own types, so a marshal failure is a
// programming error and panics.
func NewSignature(task, queue string, payload any) Signature {
	return Signature{Task: task, Queue: queue, Payload: MustPayload(payload)}
}

// MustPayload marshals a task payload, panicking on failure.
func MustPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("taskqueue: unmarshalable payload %T: %v", v, err))
	}
	return data
}

// GroupRef ties a group member envelope to its slot in the ordered result
// set.
type GroupRef struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Size  int    `json:"size"`
}

// ChordRef rides on every member of a chord. When the last member
// terminates, the callback (or the errback, when a non-ignored member
// failed) is submitted with the ordered member results.
type ChordRef struct {
	Group    GroupRef   `json:"group"`
	Callback Signature  `json:"callback"`
	Errback  *Signature `json:"errback,omitempty"`
}

// Envelope is the wire form of one task invocation. Chain holds the stages
// still to run after this one; PrevResult carries the upstream stage's value
// into the handler.
type Envelope struct {
	ID            string            `json:"id"`
	Task          string            `json:"task"`
	Queue         string            `json:"queue"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	PrevResult    json.RawMessage   `json:"prev_result,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Attempt       int               `json:"attempt"`
	Epoch         int64             `json:"epoch,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Chain         []Signature       `json:"chain,omitempty"`
	Group         *GroupRef         `json:"group,omitempty"`
	Chord         *ChordRef         `json:"chord,omitempty"`
	IgnoreResult  bool              `json:"ignore_result,omitempty"`
	SubmittedAt   time.Time         `json:"submitted_at"`
}

// Header returns a header value, empty when absent.
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// ResultStatus is the terminal state of one task execution.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
	StatusRevoked ResultStatus = "revoked"
)

// FailureKind partitions task failures by how the runtime reacts to them.
type FailureKind string

const (
	// KindRetryable marks transient failures redelivered with exponential
	// backoff.
	KindRetryable FailureKind = "retryable"
	// KindRateLimited marks provider throttling, redelivered with the
	// rate-limit backoff window.
	KindRateLimited FailureKind = "rate_limited"
	// KindMissingResource marks expected data loss. Never redelivered;
	// downstream consumers degrade.
	KindMissingResource FailureKind = "missing_resource"
	// KindFatal marks bugs and contract violations. Never redelivered.
	KindFatal FailureKind = "fatal"
)

// Redeliverable reports whether the runtime may retry this failure.
func (k FailureKind) Redeliverable() bool {
	return k == KindRetryable || k == KindRateLimited
}

// ClassifyFailure maps a handler error onto a failure kind via its error
// classification. Missing-resource categories win over the retry strategy
// because they are terminal no matter how the strategy is set. Unclassified
// errors are treated as bugs. Context deadline hits count as transient: the
// soft limit exists to bound a single attempt, not to ban the task.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return ""
	}
	if ferrors.IsMissingResource(err) {
		return KindMissingResource
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}
	switch ferrors.GetRetryStrategy(err) {
	case ferrors.RetryBackoff, ferrors.RetryImmediate:
		return KindRetryable
	case ferrors.RetryRateLimit:
		return KindRateLimited
	default:
		return KindFatal
	}
}

// Result is the stored outcome of one task execution.
type Result struct {
	TaskID  string          `json:"task_id"`
	Task    string          `json:"task"`
	Status  ResultStatus    `json:"status"`
	Value   json.RawMessage `json:"value,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    FailureKind     `json:"kind,omitempty"`
	Ignored bool            `json:"ignored,omitempty"`
	EndedAt time.Time       `json:"ended_at"`
}

// Failed reports whether the execution ended in failure, regardless of
// whether the stage was marked ignore_result.
func (r *Result) Failed() bool { return r.Status == StatusFailed }

// Decode unmarshals the result value into v.
func (r *Result) Decode(v any) error {
	if len(r.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Value, v); err != nil {
		return ferrors.TaskError("decode task result").WithCause(err).WithContext("task", r.Task).Build()
	}
	return nil
}

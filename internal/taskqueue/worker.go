package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/metrics"
	"git.home.luguber.info/inful/riskbuilder/internal/retry"
)

// popTimeout bounds each blocking pop so consumers notice shutdown promptly.
const popTimeout = time.Second

// Worker consumes the configured queues with per-queue goroutine pools and
// drives envelopes through the execution lifecycle: revocation check, time
// limits, failure classification, redelivery, chain progression, and
// group/chord settlement.
type Worker struct {
	broker   *Broker
	registry *Registry
	runtime  config.RuntimeConfig
	recorder metrics.Recorder
	log      *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a worker over the given broker and registry.
func NewWorker(broker *Broker, registry *Registry, runtime config.RuntimeConfig) *Worker {
	return &Worker{
		broker:   broker,
		registry: registry,
		runtime:  runtime,
		recorder: metrics.NoopRecorder{},
		log:      slog.Default(),
		stopChan: make(chan struct{}),
	}
}

// SetRecorder injects a metrics recorder (optional).
func (w *Worker) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	w.recorder = r
}

// SetLogger injects the base logger (optional).
func (w *Worker) SetLogger(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	w.log = log
}

// Start launches the consumer pools. Each configured queue gets its own set
// of goroutines sized by its concurrency.
func (w *Worker) Start(ctx context.Context) {
	for _, q := range w.runtime.Queues {
		w.recorder.SetWorkerConcurrency(q.Name, q.Concurrency)
		for i := range q.Concurrency {
			w.wg.Add(1)
			go w.consume(ctx, q.Name, fmt.Sprintf("%s-%d", q.Name, i))
		}
	}
	w.log.Info("task workers started",
		slog.Int("queues", len(w.runtime.Queues)),
		slog.Any("tasks", w.registry.Names()))
}

// Stop signals the consumers and waits for in-flight work, bounded by ctx.
func (w *Worker) Stop(ctx context.Context) {
	close(w.stopChan)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.log.Warn("worker shutdown timed out, abandoning in-flight tasks")
	}
}

func (w *Worker) consume(ctx context.Context, queue, consumerID string) {
	defer w.wg.Done()
	log := w.log.With(logfields.Queue(queue), slog.String("consumer", consumerID))

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		default:
		}

		env, err := w.broker.Pop(ctx, queue, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("queue pop failed", logfields.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			case <-w.stopChan:
				return
			}
			continue
		}
		if env == nil {
			continue
		}
		w.execute(ctx, env)
	}
}

// execute runs one envelope to a terminal decision: success, redelivery, or
// recorded failure. Chain/group/chord obligations are settled on every path
// so compositions never hang on a member.
func (w *Worker) execute(ctx context.Context, env *Envelope) {
	log := w.log.With(
		logfields.Task(env.Task),
		logfields.TaskID(env.ID),
		logfields.Queue(env.Queue),
		logfields.Attempt(env.Attempt),
		logfields.CorrelationID(env.CorrelationID),
	)

	revoked, err := w.broker.IsRevoked(ctx, env.ID)
	if err != nil {
		log.Warn("revocation check failed, executing anyway", logfields.Error(err))
	}
	if revoked {
		res := &Result{TaskID: env.ID, Task: env.Task, Status: StatusRevoked, Ignored: env.IgnoreResult}
		w.storeResult(ctx, log, res)
		w.recorder.IncTaskResult(env.Task, env.Queue, metrics.ResultRevoked)
		log.Info("task revoked, dropping envelope")
		w.settle(ctx, log, env, res)
		return
	}

	def, ok := w.registry.Lookup(env.Task)
	if !ok {
		err := ferrors.TaskError("unknown task").WithContext("task", env.Task).Build()
		w.fail(ctx, log, env, err)
		return
	}

	started := time.Now()
	value, err := w.run(ctx, def, env)
	w.recorder.ObserveTaskDuration(env.Task, env.Queue, time.Since(started))

	// A shutdown mid-attempt is not a task failure: the envelope goes back
	// unchanged and reruns on the next start.
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		requeueCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rqErr := w.broker.Submit(requeueCtx, env); rqErr != nil {
			log.Error("failed to requeue interrupted task", logfields.Error(rqErr))
		} else {
			log.Info("requeued task interrupted by shutdown")
		}
		return
	}

	if err == nil {
		res := &Result{
			TaskID:  env.ID,
			Task:    env.Task,
			Status:  StatusSuccess,
			Value:   MustPayload(value),
			Ignored: env.IgnoreResult,
		}
		if !env.IgnoreResult {
			w.storeResult(ctx, log, res)
		}
		w.recorder.IncTaskResult(env.Task, env.Queue, metrics.ResultSuccess)
		log.Debug("task completed", logfields.DurationMS(float64(time.Since(started).Milliseconds())))
		w.proceed(ctx, log, env, res)
		return
	}

	w.failWith(ctx, log, env, def, err)
}

// run executes the handler under both time limits. The soft limit is the
// handler context's deadline; the hard limit abandons the goroutine.
func (w *Worker) run(ctx context.Context, def Definition, env *Envelope) (any, error) {
	soft := def.SoftLimit
	if soft <= 0 {
		soft = w.runtime.SoftTimeLimitDuration()
	}
	hard := def.HardLimit
	if hard <= 0 {
		hard = w.runtime.HardTimeLimitDuration()
	}
	if hard < soft {
		hard = soft
	}

	softCtx, cancel := context.WithTimeout(ctx, soft)
	defer cancel()

	inv := newInvocation(env, w.broker, w.log)

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: ferrors.RuntimeError(fmt.Sprintf("task panicked: %v", r)).
					WithContext("task", env.Task).Build()}
			}
		}()
		v, err := def.Handler(softCtx, inv)
		done <- outcome{value: v, err: err}
	}()

	hardTimer := time.NewTimer(hard)
	defer hardTimer.Stop()
	select {
	case out := <-done:
		return out.value, out.err
	case <-hardTimer.C:
		// The goroutine is abandoned; its eventual send lands in the
		// buffered channel and is garbage collected with it.
		return nil, ferrors.TaskError("hard time limit exceeded").
			WithContext("task", env.Task).
			WithContext("limit", hard.String()).Build()
	}
}

// failWith classifies the error and either redelivers or records a terminal
// failure.
func (w *Worker) failWith(ctx context.Context, log *slog.Logger, env *Envelope, def Definition, err error) {
	kind := ClassifyFailure(err)
	maxAttempts := def.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.runtime.MaxRetries
	}
	// Rate limited work always gets a real budget: a provider window must
	// be waited out more than once or twice.
	if (def.RateLimited || kind == KindRateLimited) && maxAttempts < 5 {
		maxAttempts = 5
	}

	if kind.Redeliverable() && env.Attempt < maxAttempts {
		delay := w.retryDelay(kind, env.Attempt)
		next := *env
		next.Attempt = env.Attempt + 1
		if subErr := w.broker.SubmitDelayed(ctx, &next, delay); subErr != nil {
			log.Error("failed to schedule redelivery, failing task", logfields.Error(subErr))
			w.fail(ctx, log, env, err)
			return
		}
		w.recorder.IncTaskRetry(env.Task)
		label := metrics.ResultRetried
		if kind == KindRateLimited {
			label = metrics.ResultRateLimit
		}
		w.recorder.IncTaskResult(env.Task, env.Queue, label)
		log.Warn("task failed, redelivering",
			slog.String("kind", string(kind)),
			slog.Duration("delay", delay),
			slog.Int("max_attempts", maxAttempts),
			logfields.Error(err))
		return
	}

	if kind.Redeliverable() {
		// Out of attempts: the transient failure hardens into a fatal one.
		kind = KindFatal
		w.recorder.IncRetryExhausted(env.Task)
	}
	w.failTerminal(ctx, log, env, err, kind)
}

// fail records a terminal failure for an envelope without a definition
// (unknown task) or whose redelivery could not be scheduled.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, env *Envelope, err error) {
	w.failTerminal(ctx, log, env, err, ClassifyFailure(err))
}

func (w *Worker) failTerminal(ctx context.Context, log *slog.Logger, env *Envelope, err error, kind FailureKind) {
	res := &Result{
		TaskID:  env.ID,
		Task:    env.Task,
		Status:  StatusFailed,
		Error:   err.Error(),
		Kind:    kind,
		Ignored: env.IgnoreResult,
	}
	w.storeResult(ctx, log, res)
	w.recorder.IncTaskResult(env.Task, env.Queue, metrics.ResultFailed)
	if kind == KindFatal {
		if dlErr := w.broker.DeadLetter(ctx, env, res); dlErr != nil {
			log.Warn("failed to record dead letter", logfields.Error(dlErr))
		} else {
			w.recorder.IncTaskResult(env.Task, env.Queue, metrics.ResultDeadLetter)
		}
	}
	log.Error("task failed terminally",
		slog.String("kind", string(kind)),
		logfields.Error(err))
	w.proceedFailed(ctx, log, env, res)
}

// retryDelay computes the redelivery delay for the attempt just failed.
// Rate-limited failures back off from the full provider window instead of
// the task base.
func (w *Worker) retryDelay(kind FailureKind, attempt int) time.Duration {
	rt := w.runtime
	if kind == KindRateLimited {
		pol := retry.TaskPolicy(rt.RateLimitFloorDuration(), rt.BackoffCapDuration(), rt.MaxRetries)
		return pol.DelayFloored(attempt, rt.RateLimitFloorDuration(), rt.RateLimitFloorAt)
	}
	pol := retry.TaskPolicy(rt.BackoffBaseDuration(), rt.BackoffCapDuration(), rt.MaxRetries)
	return pol.Delay(attempt)
}

// proceed advances a successful envelope: next chain stage if any, otherwise
// settle the group/chord slot.
func (w *Worker) proceed(ctx context.Context, log *slog.Logger, env *Envelope, res *Result) {
	if len(env.Chain) > 0 {
		next := envelopeFrom(env.Chain[0], SubmitOptions{
			CorrelationID: env.CorrelationID,
			Epoch:         env.Epoch,
			Headers:       env.Headers,
		})
		next.PrevResult = res.Value
		next.Chain = env.Chain[1:]
		next.Chord = env.Chord
		next.Group = env.Group
		if err := w.broker.Submit(ctx, next); err != nil {
			log.Error("failed to submit next chain stage", logfields.Error(err))
			failRes := &Result{
				TaskID: env.ID, Task: env.Task, Status: StatusFailed,
				Error: err.Error(), Kind: KindFatal, Ignored: env.IgnoreResult,
			}
			w.settle(ctx, log, env, failRes)
		}
		return
	}
	w.settle(ctx, log, env, res)
}

// proceedFailed advances a terminally failed envelope. A failed stage marked
// ignore_result lets its chain continue with no upstream value; anything
// else aborts and the failure becomes the member's terminal result.
func (w *Worker) proceedFailed(ctx context.Context, log *slog.Logger, env *Envelope, res *Result) {
	if len(env.Chain) > 0 && env.IgnoreResult {
		next := envelopeFrom(env.Chain[0], SubmitOptions{
			CorrelationID: env.CorrelationID,
			Epoch:         env.Epoch,
			Headers:       env.Headers,
		})
		next.Chain = env.Chain[1:]
		next.Chord = env.Chord
		next.Group = env.Group
		if err := w.broker.Submit(ctx, next); err == nil {
			return
		}
		log.Error("failed to continue chain past ignored failure")
	}
	w.settle(ctx, log, env, res)
}

// settle writes the member's terminal result into its group slot and, for
// chords, fires the callback when this member was the last one pending.
func (w *Worker) settle(ctx context.Context, log *slog.Logger, env *Envelope, res *Result) {
	switch {
	case env.Chord != nil:
		ref := env.Chord
		if err := w.broker.setGroupSlot(ctx, ref.Group.ID, ref.Group.Index, res); err != nil {
			log.Error("failed to store chord member result", logfields.Error(err))
		}
		remaining, err := w.broker.decrChordPending(ctx, ref.Group.ID)
		if err != nil {
			log.Error("failed to decrement chord pending", logfields.Error(err))
			return
		}
		if remaining != 0 {
			return
		}
		w.fireChordCallback(ctx, log, env, ref)
	case env.Group != nil:
		if err := w.broker.setGroupSlot(ctx, env.Group.ID, env.Group.Index, res); err != nil {
			log.Error("failed to store group member result", logfields.Error(err))
		}
	}
}

func (w *Worker) fireChordCallback(ctx context.Context, log *slog.Logger, env *Envelope, ref *ChordRef) {
	results, err := w.broker.GroupResults(ctx, ref.Group.ID, ref.Group.Size)
	if err != nil {
		log.Error("failed to assemble chord results", logfields.Error(err))
		return
	}

	target := ref.Callback
	if ref.Errback != nil && anyNonIgnoredFailure(results) {
		target = *ref.Errback
	}
	cb := envelopeFrom(target, SubmitOptions{
		CorrelationID: env.CorrelationID,
		Epoch:         env.Epoch,
		Headers:       env.Headers,
	})
	cb.PrevResult = MustPayload(results)
	if err := w.broker.Submit(ctx, cb); err != nil {
		log.Error("failed to submit chord callback", logfields.Error(err))
		return
	}
	w.broker.cleanupGroup(ctx, ref.Group.ID, ref.Group.ID)
	log.Info("chord settled",
		logfields.Task(target.Task),
		logfields.Count(len(results)))
}

func anyNonIgnoredFailure(results []*Result) bool {
	for _, r := range results {
		if r != nil && r.Failed() && !r.Ignored {
			return true
		}
	}
	return false
}

func (w *Worker) storeResult(ctx context.Context, log *slog.Logger, res *Result) {
	if err := w.broker.StoreResult(ctx, res); err != nil {
		log.Warn("failed to store task result", logfields.Error(err))
	}
}

// ChordResults decodes the ordered member results delivered to a chord
// callback or errback.
func (inv *Invocation) ChordResults() ([]*Result, error) {
	var results []*Result
	ok, err := inv.PrevResult(&results)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferrors.TaskError("chord callback invoked without member results").
			WithContext("task", inv.env.Task).Build()
	}
	return results, nil
}

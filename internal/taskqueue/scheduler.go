package taskqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/metrics"
)

// Scheduler promotes due envelopes from the delayed set onto their queues
// and samples queue depth gauges. Every worker process runs one; promotion
// is claim-based so running several is safe.
type Scheduler struct {
	broker   *Broker
	queues   []string
	interval time.Duration
	recorder metrics.Recorder
	log      *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler for the configured queues.
func NewScheduler(broker *Broker, runtime config.RuntimeConfig) *Scheduler {
	queues := make([]string, 0, len(runtime.Queues))
	for _, q := range runtime.Queues {
		queues = append(queues, q.Name)
	}
	return &Scheduler{
		broker:   broker,
		queues:   queues,
		interval: runtime.SchedulerIntervalDuration(),
		recorder: metrics.NoopRecorder{},
		log:      slog.Default(),
		stopChan: make(chan struct{}),
	}
}

// SetRecorder injects a metrics recorder (optional).
func (s *Scheduler) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	s.recorder = r
}

// SetLogger injects the base logger (optional).
func (s *Scheduler) SetLogger(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	s.log = log
}

// Start launches the promotion loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop terminates the loop and waits for it.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	promoted, err := s.broker.PromoteDelayed(ctx, time.Now())
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("delayed promotion failed", logfields.Error(err))
		}
		return
	}
	if promoted > 0 {
		s.log.Debug("promoted delayed tasks", logfields.Count(promoted))
	}
	for _, queue := range s.queues {
		depth, err := s.broker.QueueDepth(ctx, queue)
		if err != nil {
			continue
		}
		s.recorder.SetQueueDepth(queue, int(depth))
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/scrape-worker/internal/scrape/job"
	"github.com/edgecomet/scrape-worker/internal/scrape/metrics"
)

// Queue is the work queue the processor consumes from and writes to
type Queue interface {
	BlockingPop(ctx context.Context, timeout time.Duration, queues ...string) (queue, payload string, ok bool, err error)
	Push(ctx context.Context, queue, payload string) error
}

// PageFetcher renders a URL in the given language
type PageFetcher interface {
	Fetch(ctx context.Context, url, lang string) (string, error)
}

// Result is the terminal result of one dequeued payload
type Result string

const (
	ResultCompleted   Result = metrics.ResultCompleted
	ResultFailed      Result = metrics.ResultFailed
	ResultRequeued    Result = metrics.ResultRequeued
	ResultLost        Result = metrics.ResultLost
	ResultInvalid     Result = metrics.ResultInvalid
	ResultUnparseable Result = metrics.ResultUnparseable
)

// State of the processing loop
type State int32

const (
	StateReady State = iota
	StateProcessing
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type ProcessorConfig struct {
	WaitQueue   string
	DoneQueue   string
	PopTimeout  time.Duration // 0 blocks forever
	RetryDelay  time.Duration
	DefaultLang string
}

// Processor moves jobs from the wait queue through the fetcher to the done queue
type Processor struct {
	queue   Queue
	fetcher PageFetcher
	cfg     ProcessorConfig
	metrics *metrics.MetricsCollector
	logger  *zap.Logger

	state    atomic.Int32
	stopping atomic.Bool
}

func NewProcessor(queue Queue, fetcher PageFetcher, cfg ProcessorConfig, metricsCollector *metrics.MetricsCollector, logger *zap.Logger) (*Processor, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.WaitQueue == "" || cfg.DoneQueue == "" {
		return nil, fmt.Errorf("wait and done queue names are required")
	}
	if cfg.DefaultLang == "" {
		return nil, fmt.Errorf("default language is required")
	}

	return &Processor{
		queue:   queue,
		fetcher: fetcher,
		cfg:     cfg,
		metrics: metricsCollector,
		logger:  logger,
	}, nil
}

// State reports stopping from the moment Run's context ends until Run returns,
// including while an in-flight job finishes.
func (p *Processor) State() State {
	s := State(p.state.Load())
	if s != StateStopped && p.stopping.Load() {
		return StateStopping
	}
	return s
}

// Run consumes jobs until ctx is cancelled. Cancellation is observed between
// jobs only: a job already dequeued is always processed to its terminal write.
func (p *Processor) Run(ctx context.Context) {
	defer p.state.Store(int32(StateStopped))

	stop := context.AfterFunc(ctx, func() { p.stopping.Store(true) })
	defer stop()

	p.logger.Info("Processor started",
		zap.String("wait_queue", p.cfg.WaitQueue),
		zap.String("done_queue", p.cfg.DoneQueue))

	for {
		if ctx.Err() != nil {
			p.logger.Info("Processor stopped")
			return
		}
		p.state.Store(int32(StateReady))

		p.logger.Debug("Waiting for next job...")
		_, payload, ok, err := p.queue.BlockingPop(ctx, p.cfg.PopTimeout, p.cfg.WaitQueue)
		if err != nil {
			if ctx.Err() != nil {
				p.state.Store(int32(StateStopping))
				p.logger.Info("Processor stopped while waiting for a job")
				return
			}

			p.metrics.RecordQueuePopError()
			p.logger.Error("Error fetching scrape job",
				zap.String("queue", p.cfg.WaitQueue),
				zap.Error(err))

			if !sleepCtx(ctx, p.cfg.RetryDelay) {
				p.state.Store(int32(StateStopping))
				p.logger.Info("Processor stopped during retry delay")
				return
			}
			continue
		}
		if !ok {
			continue
		}

		p.state.Store(int32(StateProcessing))
		p.Process(context.WithoutCancel(ctx), payload)
	}
}

// Process handles one dequeued payload and returns its terminal result
func (p *Processor) Process(ctx context.Context, payload string) Result {
	result := p.process(ctx, payload)
	p.metrics.RecordJobResult(string(result))
	return result
}

func (p *Processor) process(ctx context.Context, payload string) Result {
	hash := job.Fingerprint([]byte(payload))

	j, err := job.Parse([]byte(payload), p.cfg.DefaultLang)
	if err != nil {
		if errors.Is(err, job.ErrSchema) {
			p.logger.Warn("Ignoring invalid scrape job",
				zap.String("payload", payload),
				zap.String("payload_hash", hash),
				zap.Error(err))
			return ResultInvalid
		}
		p.logger.Error("Failed to parse scrape job",
			zap.String("payload", payload),
			zap.String("payload_hash", hash),
			zap.Error(err))
		return ResultUnparseable
	}

	logger := p.logger.With(
		zap.String("job_id", j.ID),
		zap.String("attempt_id", job.NewAttemptID(j.ID)),
		zap.String("url", j.URL),
		zap.String("lang", j.Lang),
		zap.String("payload_hash", hash))

	html, err := p.fetcher.Fetch(ctx, j.URL, j.Lang)
	success := err == nil
	if err != nil {
		logger.Error("Unable to scrape URL", zap.Error(err))
	}

	outcome, err := j.Outcome(html, success)
	if err == nil {
		err = p.queue.Push(ctx, p.cfg.DoneQueue, string(outcome))
	}
	if err != nil {
		logger.Error("Unable to store job result, re-enqueueing job",
			zap.String("queue", p.cfg.DoneQueue),
			zap.Error(err))
		return p.requeue(ctx, logger, payload)
	}

	if success {
		logger.Info("Job completed", zap.Int("html_bytes", len(html)))
		return ResultCompleted
	}
	logger.Info("Job failed, reported to done queue")
	return ResultFailed
}

// requeue puts the original payload back on the wait queue
func (p *Processor) requeue(ctx context.Context, logger *zap.Logger, payload string) Result {
	if err := p.queue.Push(ctx, p.cfg.WaitQueue, payload); err != nil {
		logger.Error("Job lost: re-enqueue failed",
			zap.String("queue", p.cfg.WaitQueue),
			zap.String("payload", payload),
			zap.Error(err))
		return ResultLost
	}
	return ResultRequeued
}

// sleepCtx waits for d or until ctx is done. Returns false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

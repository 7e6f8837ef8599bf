package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"pdf-ingest/internal/config"
	"pdf-ingest/internal/logger"
	"pdf-ingest/internal/queue"
	"pdf-ingest/internal/telemetry"
)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	handlers map[string]Handler
	log      *logger.Logger
	workerID string
}

// Handler executes a task of a given type.
type Handler func(ctx context.Context, task queue.Task) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the task goes straight to the DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, log *logger.Logger, workerID string) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		log:      log.With("component", "Processor", "worker_id", workerID),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a task type.
func (p *Processor) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	p.handlers[taskType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("Worker loop started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info("Worker loop stopped")
			return ctx.Err()
		default:
		}

		if p.Step(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
			p.log.Info("Worker loop stopped")
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// Step performs one maintenance pass and runs at most one task. It reports
// whether a task was taken from the queue.
func (p *Processor) Step(ctx context.Context) bool {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.log.Warn("Promote scheduled tasks failed", "error", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil && ctx.Err() == nil {
		p.log.Warn("Requeue expired leases failed", "error", err)
	} else if len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		p.log.Warn("Reclaimed expired leases", "count", len(reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	task, ok, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("Dequeue failed", "error", err)
		}
		return false
	}
	if !ok {
		return false
	}

	log := p.log.With("task_id", task.ID, "task_type", task.Type, "attempt", task.Attempts+1)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	stopHeartbeat := p.heartbeat(ctx, task.ID, log)
	err = p.runTask(ctx, task)
	stopHeartbeat()
	if err == nil {
		if ackErr := p.queue.Ack(ctx, task.ID); ackErr != nil {
			log.Warn("Ack failed", "error", ackErr)
		}
		telemetry.WorkerSuccess.Inc()
		return true
	}

	attempts := task.Attempts + 1
	if IsPermanent(err) || attempts >= p.cfg.MaxAttempts {
		if dlqErr := p.queue.DeadLetter(ctx, task, err.Error()); dlqErr != nil {
			log.Error("Dead-letter failed", "error", dlqErr)
		}
		telemetry.WorkerDeadLetter.Inc()
		log.Error("Task dead-lettered", "error", err, "permanent", IsPermanent(err))
		return true
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	if retryErr := p.queue.Retry(ctx, task, nextRun, err.Error()); retryErr != nil {
		// The lease will expire and the task will be redelivered.
		log.Error("Schedule retry failed", "error", retryErr)
	}
	telemetry.WorkerFailures.Inc()
	log.Warn("Task failed, retry scheduled", "error", err, "next_run", nextRun.UTC().Format(time.RFC3339))
	return true
}

// heartbeat extends the task lease at half the visibility timeout until the
// returned stop func is called.
func (p *Processor) heartbeat(ctx context.Context, taskID string, log *logger.Logger) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(hbCtx, taskID, p.cfg.VisibilityTimeout); err != nil && hbCtx.Err() == nil {
					log.Warn("Extend lease failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// runTask dispatches the task to its handler and converts a panic into an error.
func (p *Processor) runTask(ctx context.Context, task queue.Task) (err error) {
	handler, ok := p.handlers[task.Type]
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for type %q", task.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Task handler panic", "task_id", task.ID, "task_type", task.Type, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

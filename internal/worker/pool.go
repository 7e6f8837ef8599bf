package worker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"pdf-ingest/internal/config"
	"pdf-ingest/internal/logger"
	"pdf-ingest/internal/queue"
)

// Pool runs WorkerConcurrency processors that share one handler table.
type Pool struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	log      *logger.Logger
	name     string
	handlers map[string]Handler
}

func NewPool(cfg config.Config, q *queue.RedisQueue, log *logger.Logger, name string) *Pool {
	if log == nil {
		log = logger.Nop()
	}
	return &Pool{cfg: cfg, queue: q, log: log, name: name, handlers: make(map[string]Handler)}
}

// RegisterHandler binds a handler to a task type on every processor.
func (p *Pool) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	p.handlers[taskType] = handler
}

// Run blocks until ctx is cancelled or a processor stops with an error.
// Cancellation is a clean shutdown and returns nil.
func (p *Pool) Run(ctx context.Context) error {
	size := p.cfg.WorkerConcurrency
	if size < 1 {
		size = 1
	}
	p.log.Info("Starting worker pool", "concurrency", size, "handlers", len(p.handlers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		proc := NewProcessorWithID(p.cfg, p.queue, p.log, fmt.Sprintf("%s-%d", p.name, i+1))
		for t, h := range p.handlers {
			proc.RegisterHandler(t, h)
		}
		g.Go(func() error {
			if err := proc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Package pool implements the bounded worker pools that per-event work is
// fanned out on. Each polling loop drains a readiness batch and submits
// one task per ready descriptor; the pool bounds how many handlers run
// concurrently per stage.
package pool

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go.relayd.io/proxy/utils"
)

// Pool is a fixed-size worker pool fed by a bounded task queue.
type Pool struct {
	logger *zap.Logger
	name   string
	size   int
	tasks  chan func()
}

// New creates a pool with the given number of workers. The queue holds
// four tasks per worker.
func New(logger *zap.Logger, name string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		logger: logger.With(zap.String("pool", name)),
		name:   name,
		size:   size,
		tasks:  make(chan func(), size*4),
	}
}

// Start runs the workers until ctx is cancelled and all queued tasks have
// been drained or abandoned. Each task is its own failure domain.
func (p *Pool) Start(ctx context.Context) error {
	g := &errgroup.Group{}
	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case task := <-p.tasks:
					p.run(task)
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) run(task func()) {
	defer utils.Recover(p.logger)
	task()
}

// Submit queues one task. Blocks only when the queue is full, which
// applies natural backpressure to the polling loop; a cancelled ctx
// abandons the task instead.
func (p *Pool) Submit(ctx context.Context, task func()) {
	select {
	case p.tasks <- task:
	case <-ctx.Done():
	}
}

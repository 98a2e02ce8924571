// Package dispatcher fans batch work items out to a worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

// Runner consumes queue items until the queue is drained or ctx ends.
type Runner interface {
	Run(ctx context.Context)
}

// Closer is implemented by queues that can stop accepting work.
type Closer interface {
	Close()
}

// Dispatcher owns a queue and the workers draining it.
type Dispatcher struct {
	queue   crawler.Queue
	workers []Runner
}

// New creates a Dispatcher.
func New(queue crawler.Queue, workers []Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts every worker and blocks until all of them return.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.WorkItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Close stops the queue from accepting work so workers exit once it drains.
// Queues without a Close method are left alone.
func (d *Dispatcher) Close() {
	if c, ok := d.queue.(Closer); ok {
		c.Close()
	}
}

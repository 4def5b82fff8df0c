package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/metrics"
	"github.com/speedrun-hq/dcarunner/pkg/queue"
)

// Pool pulls jobs from the dispatch queue and runs up to concurrency of them at once
type Pool struct {
	queue       queue.Queue
	processor   *Processor
	concurrency int
	logger      logger.Logger
	wg          sync.WaitGroup
}

// NewPool creates a worker pool
func NewPool(q queue.Queue, processor *Processor, concurrency int, log logger.Logger) *Pool {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if concurrency <= 0 {
		concurrency = 50
	}
	return &Pool{
		queue:       q,
		processor:   processor,
		concurrency: concurrency,
		logger:      log,
	}
}

// Run dequeues until ctx is cancelled, then waits for in-flight jobs.
// In-flight jobs are not cancelled with ctx; they finish or hit the poll timeout.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Starting worker pool with concurrency %d", p.concurrency)

	sem := make(chan struct{}, p.concurrency)
	jobCtx := context.WithoutCancel(ctx)

	defer func() {
		p.logger.Info("Worker pool shutting down, waiting for in-flight jobs")
		p.wg.Wait()
		p.logger.Info("Worker pool stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sem <- struct{}{}:
		}

		delivery, err := p.queue.Dequeue(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("Failed to dequeue job: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if delivery == nil {
			<-sem
			continue
		}

		p.wg.Add(1)
		go func(d *queue.Delivery) {
			defer func() {
				<-sem
				p.wg.Done()
			}()
			p.handle(jobCtx, d)
		}(delivery)
	}
}

// handle processes one delivery and acks it unless it must be redelivered
func (p *Pool) handle(ctx context.Context, d *queue.Delivery) {
	job := d.Job
	side := string(job.Side)

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	startTime := time.Now()
	outcome := p.safeProcess(ctx, d)
	metrics.JobProcessingTime.WithLabelValues(side).Observe(time.Since(startTime).Seconds())
	metrics.JobsProcessed.WithLabelValues(side, string(outcome)).Inc()

	if !outcome.Acked() {
		return
	}
	if err := p.queue.Ack(ctx, d); err != nil {
		p.logger.ErrorWithOrder(job.OrderID, "Failed to ack delivery %s: %v", d.ID, err)
		return
	}
	p.logger.DebugWithOrder(job.OrderID, "Job finished as %s in %v", outcome, time.Since(startTime))
}

// safeProcess keeps a panicking job from taking the pool down
func (p *Pool) safeProcess(ctx context.Context, d *queue.Delivery) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorWithOrder(d.Job.OrderID, "Job panicked: %v\n%s", fmt.Sprint(r), debug.Stack())
			outcome = OutcomePanicked
		}
	}()
	return p.processor.Process(ctx, d.Job)
}

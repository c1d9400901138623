package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/metrics"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned for work submitted after Close.
var ErrPoolClosed = errors.New(errors.ErrCodeInternalError, "worker pool is closed")

type poolJob struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// keyQueue is the FIFO of one key. A queue exists only while it has a
// consumer goroutine; the consumer retires it when it drains.
type keyQueue struct {
	jobs []poolJob
}

// KeyedPool runs jobs so that jobs sharing a key never overlap and run in
// submission order, while different keys run in parallel up to a limit.
type KeyedPool struct {
	mu       sync.Mutex
	queues   map[string]*keyQueue
	sem      chan struct{}
	maxQueue int
	closed   bool
	wg       sync.WaitGroup
	logger   *logrus.Logger
}

func NewKeyedPool(concurrency, maxQueue int, logger *logrus.Logger) *KeyedPool {
	if concurrency <= 0 {
		concurrency = constants.DefaultSyncConcurrency
	}
	if maxQueue <= 0 {
		maxQueue = constants.DefaultTicketQueueSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &KeyedPool{
		queues:   make(map[string]*keyQueue),
		sem:      make(chan struct{}, concurrency),
		maxQueue: maxQueue,
		logger:   logger,
	}
}

// Submit queues fn under key and returns a channel that receives its
// result. fn runs with ctx's values but without its cancellation, so a
// started job always finishes.
func (p *KeyedPool) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		done <- ErrPoolClosed
		return done
	}

	q, ok := p.queues[key]
	if !ok {
		q = &keyQueue{}
		p.queues[key] = q
		p.wg.Add(1)
		go p.consume(key, q)
	}
	if len(q.jobs) >= p.maxQueue {
		done <- errors.NewTransientError("enqueue", fmt.Errorf("queue for %s is full", key))
		return done
	}
	q.jobs = append(q.jobs, poolJob{ctx: context.WithoutCancel(ctx), fn: fn, done: done})
	metrics.SetGauge("worker_pool_active_keys", float64(len(p.queues)), nil, "Keys with queued or running work")
	return done
}

// Do submits fn and waits for it. If ctx ends first Do returns ctx.Err()
// and the job still runs to completion.
func (p *KeyedPool) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	select {
	case err := <-p.Submit(ctx, key, fn):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KeyedPool) consume(key string, q *keyQueue) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(q.jobs) == 0 {
			delete(p.queues, key)
			p.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		p.mu.Unlock()

		p.sem <- struct{}{}
		job.done <- p.run(key, job)
		<-p.sem
	}
}

func (p *KeyedPool) run(key string, job poolJob) (err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New(errors.ErrCodeInternalError, fmt.Sprintf("job for %s panicked: %v", key, rec))
			p.logger.WithField("key", key).WithField("panic", rec).Error("Recovered from panic in worker")
		}
		metrics.RecordTimer("worker_job_duration", time.Since(start), nil, "Time spent running one keyed job")
	}()
	return job.fn(job.ctx)
}

// Pending returns the number of keys with queued or running work.
func (p *KeyedPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}

// Close rejects new work and waits for queued jobs until ctx is done.
func (p *KeyedPool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

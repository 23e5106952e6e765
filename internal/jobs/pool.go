package jobs

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("jobs: queue is full")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("jobs: pool is stopped")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("jobs: job not found")
)

// Task is one unit of work run by a pool worker.
type Task func(context.Context) error

// Pool runs tasks on a fixed number of workers fed by a bounded queue.
type Pool struct {
	workerCount int
	jobChan     chan Task
	wg          sync.WaitGroup
	log         zerolog.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewPool creates a pool. queueSize defaults to twice the worker count.
func NewPool(workerCount, queueSize int, log zerolog.Logger) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = workerCount * 2
	}
	return &Pool{
		workerCount: workerCount,
		jobChan:     make(chan Task, queueSize),
		log:         log,
	}
}

// Start launches the workers. They exit when ctx is cancelled or after
// Stop once the queue is drained.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("worker_count", p.workerCount).Int("queue_size", cap(p.jobChan)).Msg("Starting worker pool")

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop refuses new tasks, lets queued ones finish and waits for workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobChan)
	p.mu.Unlock()

	p.log.Info().Msg("Stopping worker pool")
	p.wg.Wait()
	p.log.Info().Msg("Worker pool stopped")
}

// Submit queues task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.jobChan <- task:
		return nil
	default:
		p.log.Warn().Msg("Worker pool job queue full, task rejected")
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	log := p.log.With().Int("worker_id", id).Logger()
	log.Debug().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Worker stopping due to context cancellation")
			return
		case task, ok := <-p.jobChan:
			if !ok {
				log.Debug().Msg("Worker stopping due to closed job channel")
				return
			}

			if err := task(ctx); err != nil {
				log.Error().Err(err).Msg("Task execution failed")
			}
		}
	}
}

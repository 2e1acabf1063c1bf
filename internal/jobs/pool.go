package jobs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snarg/poem-engine/internal/pipeline"
)

// Job is a queued request.
type Job struct {
	ID      string
	Source  string
	Request pipeline.Request
}

// JobRunner executes a queued job.
type JobRunner interface {
	Run(ctx context.Context, jobID, source string, req pipeline.Request) (string, *pipeline.Result, error)
}

// QueueStats reports the current state of the job queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Running   int   `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// WorkerPoolOptions configures the worker pool.
type WorkerPoolOptions struct {
	Runner    JobRunner
	Workers   int
	QueueSize int
	Log       zerolog.Logger
}

// WorkerPool runs queued jobs on a fixed number of workers.
type WorkerPool struct {
	jobs   chan Job
	opts   WorkerPoolOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	running   atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobs:   make(chan Job, opts.QueueSize),
		opts:   opts,
		log:    opts.Log.With().Str("component", "worker-pool").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Info().Int("workers", wp.opts.Workers).Int("queue_size", wp.opts.QueueSize).Msg("job worker pool started")
}

// Stop rejects new jobs, lets workers drain the queue and waits for them.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.cancel()
	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Msg("job worker pool stopped")
}

// Enqueue adds a job to the queue, assigning an ID if it has none. Returns
// false if the queue is full or the pool is stopped.
func (wp *WorkerPool) Enqueue(j Job) (string, bool) {
	if j.ID == "" {
		j.ID = NewID()
	}
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return j.ID, false
	}
	select {
	case wp.jobs <- j:
		return j.ID, true
	default:
		return j.ID, false
	}
}

// Stats returns current queue statistics.
func (wp *WorkerPool) Stats() QueueStats {
	return QueueStats{
		Pending:   len(wp.jobs),
		Running:   int(wp.running.Load()),
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
	}
}

// QueueDepth returns the number of jobs waiting.
func (wp *WorkerPool) QueueDepth() int { return len(wp.jobs) }

// Running returns the number of jobs being executed.
func (wp *WorkerPool) Running() int { return int(wp.running.Load()) }

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int { return wp.opts.Workers }

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for job := range wp.jobs {
		wp.running.Add(1)
		_, _, err := wp.opts.Runner.Run(wp.ctx, job.ID, job.Source, job.Request)
		wp.running.Add(-1)
		if err != nil {
			wp.failed.Add(1)
			log.Warn().Err(err).Str("job_id", job.ID).Str("source", job.Source).Msg("job failed")
		} else {
			wp.completed.Add(1)
		}
	}
}

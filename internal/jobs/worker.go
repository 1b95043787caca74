package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cswenor/conductor/internal/common/config"
	"github.com/cswenor/conductor/internal/common/logger"
)

// HandlerFunc processes one claimed job. A nil return completes the job;
// an error schedules a retry or dead-letters it.
type HandlerFunc func(ctx context.Context, job *Job) error

// Worker polls one queue, claims jobs, and dispatches them by job type.
// Leases are renewed in the background while a handler runs.
type Worker struct {
	store    *Store
	queue    string
	workerID string
	policy   config.QueuePolicy
	handlers map[string]HandlerFunc
	logger   *logger.Logger
}

// NewWorker creates a worker for a named queue.
func NewWorker(store *Store, queue, workerID string, policy config.QueuePolicy, log *logger.Logger) *Worker {
	return &Worker{
		store:    store,
		queue:    queue,
		workerID: workerID,
		policy:   policy,
		handlers: make(map[string]HandlerFunc),
		logger: log.WithFields(
			zap.String("component", "job-worker"),
			zap.String("queue", queue),
			zap.String("worker_id", workerID)),
	}
}

// Register installs the handler for a job type.
func (w *Worker) Register(jobType string, h HandlerFunc) {
	w.handlers[jobType] = h
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	interval := time.Duration(w.policy.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			job, err := w.store.ClaimJob(ctx, w.queue, w.workerID)
			if err != nil {
				w.logger.Error("claim failed", zap.Error(err))
				break
			}
			if job == nil {
				break
			}
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.logger.WithFields(
		zap.String("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Int("attempt", job.Attempts))

	handler, ok := w.handlers[job.JobType]
	if !ok {
		log.Error("no handler registered for job type")
		if err := w.store.FailJob(ctx, job.ID, fmt.Errorf("no handler for job type %s", job.JobType), w.policy.Backoff(job.Attempts)); err != nil {
			log.Error("failed to fail job", zap.Error(err))
		}
		return
	}

	// Renew the lease at half its duration while the handler runs.
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go w.heartbeat(hbCtx, job.ID, log)

	err := handler(ctx, job)
	cancelHB()

	if err != nil {
		log.Warn("job failed", zap.Error(err))
		if ferr := w.store.FailJob(ctx, job.ID, err, w.policy.Backoff(job.Attempts)); ferr != nil {
			log.Error("failed to record job failure", zap.Error(ferr))
		}
		return
	}
	if cerr := w.store.CompleteJob(ctx, job.ID); cerr != nil {
		log.Error("failed to complete job", zap.Error(cerr))
	}
}

func (w *Worker) heartbeat(ctx context.Context, jobID string, log *logger.Logger) {
	interval := w.store.lease / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.RenewLease(ctx, jobID, w.workerID); err != nil {
				log.Warn("lease renewal failed", zap.Error(err))
				return
			}
		}
	}
}

// UnmarshalPayload decodes a job payload into out.
func UnmarshalPayload(job *Job, out any) error {
	if job.Payload == "" {
		return nil
	}
	return json.Unmarshal([]byte(job.Payload), out)
}

// Pool runs a set of workers plus the shared requeuer until the context
// is cancelled.
type Pool struct {
	store   *Store
	workers []*Worker
	logger  *logger.Logger
}

// NewPool creates an empty worker pool.
func NewPool(store *Store, log *logger.Logger) *Pool {
	return &Pool{store: store, logger: log.WithFields(zap.String("component", "job-pool"))}
}

// Add registers a worker with the pool.
func (p *Pool) Add(w *Worker) {
	p.workers = append(p.workers, w)
}

// Run starts all workers and the requeue loop, blocking until the
// context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	g.Go(func() error { return p.requeueLoop(ctx) })
	return g.Wait()
}

// requeueLoop periodically promotes failed jobs whose retry time has
// arrived back to queued.
func (p *Pool) requeueLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, w := range p.workers {
			jobs, err := p.store.FindRetryableJobs(ctx, w.queue)
			if err != nil {
				p.logger.Error("find retryable jobs failed", zap.Error(err))
				continue
			}
			for _, j := range jobs {
				if err := p.store.RequeueJob(ctx, j.ID); err != nil && err != ErrInvalidState {
					p.logger.Error("requeue failed", zap.String("job_id", j.ID), zap.Error(err))
				}
			}
		}
	}
}

// Package queue runs named background job queues in-process.
//
// Each queue owns a fixed pool of workers. Jobs carry a JSON payload, a
// priority (lower runs first), and a retry budget: failed jobs are retried
// with exponential backoff unless the error is marked fatal. Finished jobs
// are trimmed once the completed/failed retention bounds are reached.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Progress is one progress event emitted by a running job.
type Progress struct {
	Step      string `json:"step"`
	Percent   int    `json:"percent"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// Job is one unit of queued work.
type Job struct {
	ID          string
	Queue       string
	Payload     json.RawMessage
	Priority    int
	Status      Status
	Attempts    int
	MaxAttempts int
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastProgress Progress

	seq      uint64
	notBefore time.Time
	done     chan struct{}
	cancel   context.CancelFunc
	queue    *Queue
}

// ReportProgress publishes a progress event for this job.
func (j *Job) ReportProgress(p Progress) {
	j.queue.mu.Lock()
	j.LastProgress = p
	j.queue.mu.Unlock()
	if j.queue.onProgress != nil {
		j.queue.onProgress(j, p)
	}
}

// Handler executes one job. Returning a fatal-wrapped error suppresses
// retries; context cancellation marks the job cancelled.
type Handler func(ctx context.Context, job *Job) error

// Options configure a queue.
type Options struct {
	Concurrency      int
	MaxAttempts      int
	BackoffBase      time.Duration
	DefaultPriority  int
	RemoveOnComplete int // retained completed jobs
	RemoveOnFail     int // retained failed jobs
	OnProgress       func(job *Job, p Progress)
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.DefaultPriority == 0 {
		o.DefaultPriority = 5
	}
	if o.RemoveOnComplete <= 0 {
		o.RemoveOnComplete = 100
	}
	if o.RemoveOnFail <= 0 {
		o.RemoveOnFail = 50
	}
}

// Queue is a named job queue with a fixed worker pool.
type Queue struct {
	name       string
	handler    Handler
	opts       Options
	onProgress func(job *Job, p Progress)

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []*Job
	jobs      map[string]*Job
	completed []string
	failed    []string
	nextSeq   uint64
	running   bool
	stopped   bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a queue. Call Start to launch the workers.
func New(name string, handler Handler, opts Options) *Queue {
	opts.applyDefaults()
	q := &Queue{
		name:       name,
		handler:    handler,
		opts:       opts,
		onProgress: opts.OnProgress,
		jobs:       make(map[string]*Job),
	}
	q.cond = sync.NewCond(&q.mu)
	q.baseCtx, q.baseCancel = context.WithCancel(context.Background())
	return q
}

// Start launches the worker pool.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running || q.stopped {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	log.Info().Str("queue", q.name).Int("concurrency", q.opts.Concurrency).Msg("starting queue workers")
	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.work(i)
	}
}

// Stop cancels running jobs and waits for the workers to drain.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.stopped = true
	q.mu.Unlock()

	q.baseCancel()
	q.cond.Broadcast()
	q.wg.Wait()
	log.Info().Str("queue", q.name).Msg("queue workers stopped")
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
}

// Enqueue marshals the payload and queues a job.
func (q *Queue) Enqueue(payload any, opts ...EnqueueOptions) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", q.name, err)
	}

	priority := q.opts.DefaultPriority
	var delay time.Duration
	if len(opts) > 0 {
		if opts[0].Priority != 0 {
			priority = opts[0].Priority
		}
		delay = opts[0].Delay
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil, fmt.Errorf("queue %s is stopped", q.name)
	}

	job := &Job{
		ID:          uuid.New().String(),
		Queue:       q.name,
		Payload:     raw,
		Priority:    priority,
		Status:      StatusQueued,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   time.Now(),
		seq:         q.nextSeq,
		notBefore:   time.Now().Add(delay),
		done:        make(chan struct{}),
		queue:       q,
	}
	q.nextSeq++
	q.jobs[job.ID] = job
	q.push(job)
	log.Debug().Str("queue", q.name).Str("job_id", job.ID).Int("priority", priority).Msg("job queued")
	return job, nil
}

// Get returns a job by id.
func (q *Queue) Get(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[id]
}

// Cancel aborts a job. Running jobs get their context cancelled; queued
// jobs are dropped.
func (q *Queue) Cancel(id string) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	switch job.Status {
	case StatusQueued:
		job.Status = StatusCancelled
		q.remove(job)
		close(job.done)
		q.mu.Unlock()
	case StatusRunning:
		cancel := job.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	default:
		q.mu.Unlock()
	}
}

// Wait blocks until the job finishes or the timeout elapses.
func (q *Queue) Wait(id string, timeout time.Duration) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-job.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stats reports queue counters.
func (q *Queue) Stats() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[Status]int{}
	for _, job := range q.jobs {
		counts[job.Status]++
	}
	return map[string]any{
		"queue":     q.name,
		"pending":   len(q.pending),
		"by_status": counts,
		"running":   q.running,
	}
}

// push inserts a job keeping pending ordered by (priority, seq).
func (q *Queue) push(job *Job) {
	q.pending = append(q.pending, job)
	sort.SliceStable(q.pending, func(a, b int) bool {
		if q.pending[a].Priority != q.pending[b].Priority {
			return q.pending[a].Priority < q.pending[b].Priority
		}
		return q.pending[a].seq < q.pending[b].seq
	})
	q.cond.Broadcast()
}

func (q *Queue) remove(job *Job) {
	for i, j := range q.pending {
		if j == job {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// pop blocks until a runnable job is available or the queue stops.
func (q *Queue) pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.stopped {
			return nil
		}
		now := time.Now()
		for i, job := range q.pending {
			if job.notBefore.After(now) {
				continue
			}
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return job
		}
		if len(q.pending) > 0 {
			// All pending jobs are in backoff; poll on the nearest deadline.
			q.mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			q.mu.Lock()
			continue
		}
		q.cond.Wait()
	}
}

func (q *Queue) work(workerID int) {
	defer q.wg.Done()
	for {
		job := q.pop()
		if job == nil {
			return
		}
		q.run(workerID, job)
	}
}

func (q *Queue) run(workerID int, job *Job) {
	ctx, cancel := context.WithCancel(q.baseCtx)
	start := time.Now()

	q.mu.Lock()
	job.Status = StatusRunning
	job.Attempts++
	job.StartedAt = &start
	job.cancel = cancel
	attempt := job.Attempts
	q.mu.Unlock()

	log.Info().Str("queue", q.name).Str("job_id", job.ID).Int("worker", workerID).Int("attempt", attempt).Msg("processing job")

	err := q.handler(ctx, job)
	cancel()
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	job.cancel = nil

	switch {
	case err == nil:
		job.Status = StatusCompleted
		job.CompletedAt = &now
		q.trim(&q.completed, job.ID, q.opts.RemoveOnComplete)
		close(job.done)
		log.Info().Str("queue", q.name).Str("job_id", job.ID).Dur("duration", now.Sub(start)).Msg("job completed")

	case errors.Is(err, context.Canceled):
		job.Status = StatusCancelled
		job.Error = err.Error()
		job.CompletedAt = &now
		close(job.done)
		log.Info().Str("queue", q.name).Str("job_id", job.ID).Msg("job cancelled")

	case !IsFatal(err) && job.Attempts < job.MaxAttempts:
		backoff := q.opts.BackoffBase * time.Duration(1<<(job.Attempts-1))
		job.Status = StatusQueued
		job.Error = err.Error()
		job.notBefore = now.Add(backoff)
		q.push(job)
		log.Warn().Err(err).Str("queue", q.name).Str("job_id", job.ID).Dur("backoff", backoff).Int("attempt", job.Attempts).Msg("job failed, retrying")

	default:
		job.Status = StatusFailed
		job.Error = err.Error()
		job.CompletedAt = &now
		q.trim(&q.failed, job.ID, q.opts.RemoveOnFail)
		close(job.done)
		log.Error().Err(err).Str("queue", q.name).Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("job failed permanently")
	}
}

// trim records a finished job and drops the oldest beyond the bound.
func (q *Queue) trim(list *[]string, id string, keep int) {
	*list = append(*list, id)
	for len(*list) > keep {
		oldest := (*list)[0]
		*list = (*list)[1:]
		delete(q.jobs, oldest)
	}
}

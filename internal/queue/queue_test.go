package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsJob(t *testing.T) {
	var got atomic.Value
	q := New("test", func(_ context.Context, job *Job) error {
		var payload map[string]string
		_ = json.Unmarshal(job.Payload, &payload)
		got.Store(payload["k"])
		return nil
	}, Options{Concurrency: 1})
	q.Start()
	defer q.Stop()

	job, err := q.Enqueue(map[string]string{"k": "v"})
	require.NoError(t, err)
	require.True(t, q.Wait(job.ID, 2*time.Second))
	assert.Equal(t, "v", got.Load())
	assert.Equal(t, StatusCompleted, q.Get(job.ID).Status)
}

func TestQueueRetriesWithBackoff(t *testing.T) {
	var attempts atomic.Int32
	q := New("test", func(_ context.Context, _ *Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, Options{Concurrency: 1, MaxAttempts: 3, BackoffBase: time.Millisecond})
	q.Start()
	defer q.Stop()

	job, err := q.Enqueue(struct{}{})
	require.NoError(t, err)
	require.True(t, q.Wait(job.ID, 5*time.Second))
	assert.Equal(t, StatusCompleted, q.Get(job.ID).Status)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestQueueFailsAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	q := New("test", func(_ context.Context, _ *Job) error {
		attempts.Add(1)
		return errors.New("always broken")
	}, Options{Concurrency: 1, MaxAttempts: 2, BackoffBase: time.Millisecond})
	q.Start()
	defer q.Stop()

	job, err := q.Enqueue(struct{}{})
	require.NoError(t, err)
	require.True(t, q.Wait(job.ID, 5*time.Second))
	assert.Equal(t, StatusFailed, q.Get(job.ID).Status)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Contains(t, q.Get(job.ID).Error, "always broken")
}

func TestQueueFatalErrorSkipsRetries(t *testing.T) {
	var attempts atomic.Int32
	q := New("test", func(_ context.Context, _ *Job) error {
		attempts.Add(1)
		return Fatal(errors.New("bad payload"))
	}, Options{Concurrency: 1, MaxAttempts: 3, BackoffBase: time.Millisecond})
	q.Start()
	defer q.Stop()

	job, err := q.Enqueue(struct{}{})
	require.NoError(t, err)
	require.True(t, q.Wait(job.ID, 2*time.Second))
	assert.Equal(t, StatusFailed, q.Get(job.ID).Status)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestQueuePriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})

	q := New("test", func(_ context.Context, job *Job) error {
		<-release
		var payload map[string]string
		_ = json.Unmarshal(job.Payload, &payload)
		mu.Lock()
		order = append(order, payload["name"])
		mu.Unlock()
		return nil
	}, Options{Concurrency: 1})

	// enqueue before starting so ordering is decided purely by priority
	low, err := q.Enqueue(map[string]string{"name": "low"}, EnqueueOptions{Priority: 9})
	require.NoError(t, err)
	high, err := q.Enqueue(map[string]string{"name": "high"}, EnqueueOptions{Priority: 1})
	require.NoError(t, err)

	q.Start()
	defer q.Stop()
	close(release)

	require.True(t, q.Wait(low.ID, 2*time.Second))
	require.True(t, q.Wait(high.ID, 2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestQueueCancelQueuedJob(t *testing.T) {
	q := New("test", func(_ context.Context, _ *Job) error { return nil }, Options{Concurrency: 1})
	// not started; the job stays queued
	job, err := q.Enqueue(struct{}{})
	require.NoError(t, err)

	q.Cancel(job.ID)
	assert.Equal(t, StatusCancelled, q.Get(job.ID).Status)

	q.Start()
	q.Stop()
}

func TestQueueCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	q := New("test", func(ctx context.Context, _ *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Options{Concurrency: 1})
	q.Start()
	defer q.Stop()

	job, err := q.Enqueue(struct{}{})
	require.NoError(t, err)
	<-started
	q.Cancel(job.ID)
	require.True(t, q.Wait(job.ID, 2*time.Second))
	assert.Equal(t, StatusCancelled, q.Get(job.ID).Status)
}

func TestQueueStoppedRejectsEnqueue(t *testing.T) {
	q := New("test", func(_ context.Context, _ *Job) error { return nil }, Options{Concurrency: 1})
	q.Start()
	q.Stop()

	_, err := q.Enqueue(struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped")
}

func TestQueueProgressReporting(t *testing.T) {
	var mu sync.Mutex
	var events []Progress
	q := New("test", func(_ context.Context, job *Job) error {
		job.ReportProgress(Progress{Step: "halfway", Percent: 50})
		job.ReportProgress(Progress{Step: "done", Percent: 100})
		return nil
	}, Options{Concurrency: 1, OnProgress: func(_ *Job, p Progress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	}})
	q.Start()
	defer q.Stop()

	job, err := q.Enqueue(struct{}{})
	require.NoError(t, err)
	require.True(t, q.Wait(job.ID, 2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, "halfway", events[0].Step)
	assert.Equal(t, 100, events[1].Percent)
	assert.Equal(t, Progress{Step: "done", Percent: 100}, q.Get(job.ID).LastProgress)
}

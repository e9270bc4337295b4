// Tests for the background upload queue: execution, backpressure, draining, and shutdown
package offload

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunsEnqueuedTasks(t *testing.T) {
	t.Parallel()

	q := New(Config{Workers: 3, QueueSize: 16}, nil)
	q.Start()

	var ran atomic.Int64
	for range 10 {
		require.NoError(t, q.Enqueue(Task{Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, int64(10), ran.Load())
	assert.Equal(t, 0, q.Pending())
}

func TestEnqueueBeforeStart(t *testing.T) {
	t.Parallel()

	q := New(Config{}, nil)
	err := q.Enqueue(Task{Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()

	q := New(Config{}, nil)
	q.Start()
	require.NoError(t, q.Stop(context.Background()))

	err := q.Enqueue(Task{Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, q.Stop(context.Background()), "second stop is a no-op")
}

func TestEnqueueFull(t *testing.T) {
	t.Parallel()

	q := New(Config{Workers: 1, QueueSize: 1}, nil)
	q.Start()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, q.Enqueue(Task{Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	require.NoError(t, q.Enqueue(Task{Run: func(context.Context) error { return nil }}))
	err := q.Enqueue(Task{Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 2, q.Pending())

	close(release)
	require.NoError(t, q.Stop(context.Background()))
}

func TestStopDrainsQueuedWork(t *testing.T) {
	t.Parallel()

	q := New(Config{Workers: 1, QueueSize: 8}, nil)
	q.Start()

	var ran atomic.Int64
	for range 5 {
		require.NoError(t, q.Enqueue(Task{Run: func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
			return nil
		}}))
	}
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, int64(5), ran.Load())
}

func TestStopDeadlineCancelsRunningWork(t *testing.T) {
	t.Parallel()

	q := New(Config{Workers: 1, QueueSize: 8}, nil)
	q.Start()

	cancelled := make(chan struct{})
	require.NoError(t, q.Enqueue(Task{Run: func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}))
	require.NoError(t, q.Enqueue(Task{Run: func(ctx context.Context) error { return ctx.Err() }}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Stop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.Contains(t, err.Error(), "2 task(s) abandoned")

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled")
	}
}

func TestStopWaitsForCancelledWorkers(t *testing.T) {
	t.Parallel()

	q := New(Config{Workers: 2, QueueSize: 8}, nil)
	q.Start()

	var cleanedUp atomic.Int64
	for range 2 {
		require.NoError(t, q.Enqueue(Task{Run: func(ctx context.Context) error {
			<-ctx.Done()
			// Work done after cancellation, like recording a dead letter.
			time.Sleep(30 * time.Millisecond)
			cleanedUp.Add(1)
			return ctx.Err()
		}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Stop(ctx)
	require.ErrorIs(t, err, ErrDrainTimeout)
	assert.Equal(t, int64(2), cleanedUp.Load(), "Stop returned while workers were still running")
	assert.Equal(t, 0, q.Pending())
}

func TestStopGivesUpAfterCancelGrace(t *testing.T) {
	t.Parallel()

	q := New(Config{Workers: 1, CancelGrace: 20 * time.Millisecond}, nil)
	q.Start()

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, q.Enqueue(Task{Run: func(context.Context) error {
		<-release
		return nil
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := q.Stop(ctx)
	require.ErrorIs(t, err, ErrDrainTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, q.Pending())
}

func TestFailuresAndPanicsAreCounted(t *testing.T) {
	t.Parallel()

	q := New(Config{Workers: 2}, nil)
	q.Start()
	require.NoError(t, q.Enqueue(Task{Run: func(context.Context) error { return errors.New("upload failed") }}))
	require.NoError(t, q.Enqueue(Task{Run: func(context.Context) error { panic("bug") }}))
	require.NoError(t, q.Enqueue(Task{Run: func(context.Context) error { return nil }}))
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, 2, q.Failed())
	assert.Equal(t, 0, q.Pending())
}

package queue

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDequeueDeliversOnce(t *testing.T) {
	q := openTestQueue(t)

	processed := make(chan Task, 1)
	q.RegisterHandler("greet", func(ctx context.Context, task Task) error {
		processed <- task
		return nil
	})

	_, err := q.Enqueue("greet", map[string]string{"name": "alice"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go q.Run(ctx, 1)

	select {
	case task := <-processed:
		require.Equal(t, "greet", task.Kind)
	case <-time.After(time.Second):
		t.Fatal("task was not processed in time")
	}

	depth, err := q.Depth()
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestFailedHandlerLeavesTaskQueued(t *testing.T) {
	q := openTestQueue(t)

	var attempts int
	done := make(chan struct{})
	q.RegisterHandler("flaky", func(ctx context.Context, task Task) error {
		attempts++
		if attempts < 2 {
			return context.DeadlineExceeded
		}
		close(done)
		return nil
	})

	_, err := q.Enqueue("flaky", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go q.Run(ctx, 1)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("flaky handler never succeeded")
	}
	require.GreaterOrEqual(t, attempts, 2)
}

// TestConcurrentWorkersDoNotDoubleClaim guards against a regression where a
// long-running handler left a task visible to other idle workers until it
// returned: with a real handler duration longer than the poll tick, every
// worker on the same tick would otherwise claim and run the same task.
func TestConcurrentWorkersDoNotDoubleClaim(t *testing.T) {
	q := openTestQueue(t)

	var starts int32
	release := make(chan struct{})
	done := make(chan struct{}, 1)
	q.RegisterHandler("slow", func(ctx context.Context, task Task) error {
		if atomic.AddInt32(&starts, 1) > 1 {
			t.Error("task claimed by more than one worker concurrently")
		}
		<-release
		done <- struct{}{}
		return nil
	})

	_, err := q.Enqueue("slow", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go q.Run(ctx, 4)

	// Let several poll ticks (500ms each) pass while the one claimed task's
	// handler is still running, so any worker that can see it unclaimed
	// would have already claimed it by now.
	time.Sleep(1200 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&starts))

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never completed")
	}
}

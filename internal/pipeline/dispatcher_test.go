package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolHandlesAllDispatchedTasks(t *testing.T) {
	pool := NewPool(4, 64, time.Second, createTestLogger())
	defer pool.Stop()

	var handled atomic.Int64
	pool.Start(func(_ context.Context, _ Task) {
		handled.Add(1)
	})

	for i := 0; i < 50; i++ {
		ok := pool.Dispatch(context.Background(), Task{RunID: "run-1", AttractionID: int64(i), Stage: StageMetadata})
		require.True(t, ok)
	}
	pool.Wait()

	assert.Equal(t, int64(50), handled.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(50), stats.TotalSent)
	assert.Equal(t, int64(50), stats.TotalHandled)
	assert.Equal(t, int64(0), stats.TimeoutCount)
}

func TestPoolWaitCoversChainedDispatches(t *testing.T) {
	pool := NewPool(4, 64, time.Second, createTestLogger())
	defer pool.Stop()

	// Each task for a non-final stage dispatches the next one, mirroring
	// how stage completion enqueues the successor.
	var handled atomic.Int64
	pool.Start(func(ctx context.Context, task Task) {
		handled.Add(1)
		if next := NextStage(task.Stage); next != "" {
			pool.Dispatch(ctx, Task{RunID: task.RunID, AttractionID: task.AttractionID, Stage: next})
		}
	})

	pool.Dispatch(context.Background(), Task{RunID: "run-1", AttractionID: 1, Stage: StageMetadata})
	pool.Wait()

	assert.Equal(t, int64(len(StageOrder)), handled.Load())
}

func TestPoolDropsTaskWhenQueueStaysFull(t *testing.T) {
	pool := NewPool(1, 1, 50*time.Millisecond, createTestLogger())
	defer pool.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	pool.Start(func(_ context.Context, _ Task) {
		once.Do(func() { close(started) })
		<-release
	})

	// First task occupies the only worker, second fills the buffer.
	require.True(t, pool.Dispatch(context.Background(), Task{RunID: "run-1", AttractionID: 1, Stage: StageMetadata}))
	<-started
	require.True(t, pool.Dispatch(context.Background(), Task{RunID: "run-1", AttractionID: 2, Stage: StageMetadata}))

	ok := pool.Dispatch(context.Background(), Task{RunID: "run-1", AttractionID: 3, Stage: StageMetadata})
	assert.False(t, ok)
	assert.Equal(t, int64(1), pool.Stats().TimeoutCount)

	close(release)
	pool.Wait()
	assert.Equal(t, int64(2), pool.Stats().TotalHandled)
}

func TestPoolStopDrainsQueuedTasks(t *testing.T) {
	pool := NewPool(2, 64, time.Second, createTestLogger())

	var handled atomic.Int64
	pool.Start(func(_ context.Context, _ Task) {
		handled.Add(1)
	})

	for i := 0; i < 20; i++ {
		require.True(t, pool.Dispatch(context.Background(), Task{RunID: "run-1", AttractionID: int64(i), Stage: StageMetadata}))
	}
	pool.Stop()

	assert.Equal(t, int64(20), handled.Load())
}

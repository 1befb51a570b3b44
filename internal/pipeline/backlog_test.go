package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasguide/enrich/internal/kv"
)

func TestBacklog_PushPopOrdering(t *testing.T) {
	backlog := NewBacklog(kv.NewMemory())
	ctx := context.Background()

	require.NoError(t, backlog.Push(ctx, StageMetadata, "run-1", 10))
	require.NoError(t, backlog.Push(ctx, StageMetadata, "run-1", 20))
	require.NoError(t, backlog.Push(ctx, StageMetadata, "run-2", 30))

	depth, err := backlog.Depth(ctx, StageMetadata)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	// Oldest first
	runID, attractionID, ok, err := backlog.Pop(ctx, StageMetadata)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, int64(10), attractionID)

	runID, attractionID, ok, err = backlog.Pop(ctx, StageMetadata)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, int64(20), attractionID)

	runID, attractionID, ok, err = backlog.Pop(ctx, StageMetadata)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-2", runID)
	assert.Equal(t, int64(30), attractionID)

	_, _, ok, err = backlog.Pop(ctx, StageMetadata)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBacklog_StagesAreIndependent(t *testing.T) {
	backlog := NewBacklog(kv.NewMemory())
	ctx := context.Background()

	require.NoError(t, backlog.Push(ctx, StageMetadata, "run-1", 1))
	require.NoError(t, backlog.Push(ctx, StageWeather, "run-1", 1))

	_, _, ok, err := backlog.Pop(ctx, StageMetadata)
	require.NoError(t, err)
	require.True(t, ok)

	depth, err := backlog.Depth(ctx, StageWeather)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestBacklog_CountForRun(t *testing.T) {
	backlog := NewBacklog(kv.NewMemory())
	ctx := context.Background()

	require.NoError(t, backlog.Push(ctx, StageTips, "run-1", 1))
	require.NoError(t, backlog.Push(ctx, StageTips, "run-1", 2))
	require.NoError(t, backlog.Push(ctx, StageTips, "run-2", 3))

	count, err := backlog.CountForRun(ctx, StageTips, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = backlog.CountForRun(ctx, StageTips, "run-3")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestBacklog_Remove(t *testing.T) {
	backlog := NewBacklog(kv.NewMemory())
	ctx := context.Background()

	require.NoError(t, backlog.Push(ctx, StageReviews, "run-1", 1))

	removed, err := backlog.Remove(ctx, StageReviews, "run-1", 1)
	require.NoError(t, err)
	assert.True(t, removed)

	// Removing a missing entry is not an error
	removed, err = backlog.Remove(ctx, StageReviews, "run-1", 1)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestBacklog_ClearRun(t *testing.T) {
	backlog := NewBacklog(kv.NewMemory())
	ctx := context.Background()

	require.NoError(t, backlog.Push(ctx, StageNearby, "run-1", 1))
	require.NoError(t, backlog.Push(ctx, StageNearby, "run-1", 2))
	require.NoError(t, backlog.Push(ctx, StageNearby, "run-2", 3))

	require.NoError(t, backlog.ClearRun(ctx, StageNearby, "run-1"))

	depth, err := backlog.Depth(ctx, StageNearby)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	runID, attractionID, ok, err := backlog.Pop(ctx, StageNearby)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-2", runID)
	assert.Equal(t, int64(3), attractionID)
}

func TestBacklog_MemberEncodingSurvivesUUIDs(t *testing.T) {
	backlog := NewBacklog(kv.NewMemory())
	ctx := context.Background()

	// Run IDs contain dashes; member parsing splits on the last colon
	const runID = "3f2a1c9e-7b4d-4f6a-9c8e-1d2b3a4c5e6f"
	require.NoError(t, backlog.Push(ctx, StageAudiences, runID, 42))

	gotRun, gotID, ok, err := backlog.Pop(ctx, StageAudiences)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, runID, gotRun)
	assert.Equal(t, int64(42), gotID)
}

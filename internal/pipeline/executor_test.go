package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasguide/enrich/internal/db"
)

func TestExecutor_SuccessAdvancesToNextStage(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 3)
	env.seedRun(t, "run-1", 3)

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(context.Background(), "run-1", 1, StageMetadata)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)

	assert.Equal(t, 1, env.fetchers[StageMetadata].callCount())
	assert.Equal(t, 1, env.storers[StageMetadata].callCount())

	done, err := env.db.IsStageCompleted("run-1", 1, StageMetadata)
	require.NoError(t, err)
	assert.True(t, done)

	tasks := dispatcher.dispatched()
	require.Len(t, tasks, 1)
	assert.Equal(t, Task{RunID: "run-1", AttractionID: 1, Stage: StageHeroImages}, tasks[0])

	// Gate slot must be returned
	active, err := env.gate.Active(context.Background(), StageMetadata)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)

	// Collected count recorded for reporting
	counts, err := env.db.ItemsCollected("run-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StageMetadata])
}

func TestExecutor_CompletedCheckpointSkipsWithoutFetch(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 3)
	env.seedRun(t, "run-1", 3)

	require.NoError(t, env.db.UpsertCheckpoint(&db.StageCheckpoint{
		RunID:        "run-1",
		AttractionID: 1,
		StageName:    StageBestTime,
		Status:       db.CheckpointCompleted,
	}))

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(context.Background(), "run-1", 1, StageBestTime)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, status)

	// No fetch, no store, but the chain keeps moving
	assert.Equal(t, 0, env.fetchers[StageBestTime].callCount())
	assert.Equal(t, 0, env.storers[StageBestTime].callCount())

	tasks := dispatcher.dispatched()
	require.Len(t, tasks, 1)
	assert.Equal(t, StageWeather, tasks[0].Stage)
}

func TestExecutor_NoDataCheckpointsCompleted(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 3)
	env.seedRun(t, "run-1", 3)

	env.fetchers[StageTips].result = &FetchResult{}

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(context.Background(), "run-1", 1, StageTips)
	require.NoError(t, err)
	assert.Equal(t, StatusNoData, status)

	// Absence of data is not failure
	done, err := env.db.IsStageCompleted("run-1", 1, StageTips)
	require.NoError(t, err)
	assert.True(t, done)

	assert.Equal(t, 0, env.storers[StageTips].callCount())
	require.Len(t, dispatcher.dispatched(), 1)

	counts, err := env.db.ItemsCollected("run-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[StageTips])
}

func TestExecutor_QuotaFlagShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 3)
	env.seedRun(t, "run-1", 3)

	require.NoError(t, env.quota.MarkExceeded(context.Background(), "youtube", time.Now().Add(time.Hour)))

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(context.Background(), "run-1", 1, StageSocialVideos)
	require.NoError(t, err)
	assert.Equal(t, StatusQuotaExceeded, status)

	// Fetch never invoked while the flag is set
	assert.Equal(t, 0, env.fetchers[StageSocialVideos].callCount())

	// Checkpointed completed: the item proceeds without this stage's data
	done, err := env.db.IsStageCompleted("run-1", 1, StageSocialVideos)
	require.NoError(t, err)
	assert.True(t, done)

	tasks := dispatcher.dispatched()
	require.Len(t, tasks, 1)
	assert.Equal(t, StageNearby, tasks[0].Stage)
}

func TestExecutor_QuotaErrorDuringFetchTripsBreaker(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 3)
	env.seedRun(t, "run-1", 3)

	env.fetchers[StageSocialVideos].err = errors.New("googleapi: quota exceeded for quota metric")

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(context.Background(), "run-1", 1, StageSocialVideos)
	require.NoError(t, err)
	assert.Equal(t, StatusQuotaExceeded, status)

	// Breaker is tripped for every subsequent call
	exceeded, err := env.quota.IsExceeded(context.Background(), "youtube")
	require.NoError(t, err)
	assert.True(t, exceeded)

	// No completed checkpoint: a later resume may retry this stage once the
	// flag expires
	_, err = env.db.GetCheckpoint("run-1", 1, StageSocialVideos)
	assert.True(t, db.IsNotFound(err))

	// The item still advances
	tasks := dispatcher.dispatched()
	require.Len(t, tasks, 1)
	assert.Equal(t, StageNearby, tasks[0].Stage)
}

func TestExecutor_RateLimitSchedulesRetry(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 3)
	env.seedRun(t, "run-1", 3)

	env.fetchers[StageReviews].err = errors.New("429: rate limit hit")

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(context.Background(), "run-1", 1, StageReviews)
	require.NoError(t, err)
	assert.Equal(t, StatusError, status)

	// Retry backlog picked it up
	due, err := env.db.DueRetries(StageReviews, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "entry should not be due before the backoff elapses")

	stats, err := env.db.RetryStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats[StageReviews][db.RetryStatusRateLimited])

	// Failed checkpoint, no continuation
	cp, err := env.db.GetCheckpoint("run-1", 1, StageReviews)
	require.NoError(t, err)
	assert.Equal(t, db.CheckpointFailed, cp.Status)
	assert.Empty(t, dispatcher.dispatched())
}

func TestExecutor_GenericErrorHaltsItem(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 3)
	env.seedRun(t, "run-1", 3)

	env.fetchers[StageHeroImages].err = errors.New("boom")

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(context.Background(), "run-1", 1, StageHeroImages)
	require.NoError(t, err)
	assert.Equal(t, StatusError, status)

	cp, err := env.db.GetCheckpoint("run-1", 1, StageHeroImages)
	require.NoError(t, err)
	assert.Equal(t, db.CheckpointFailed, cp.Status)

	run, err := env.db.GetPipelineRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.AttractionsFailed)

	assert.Empty(t, dispatcher.dispatched(), "failed item must not advance")

	active, err := env.gate.Active(context.Background(), StageHeroImages)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)
}

func TestExecutor_StoreErrorIsStageError(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 3)
	env.seedRun(t, "run-1", 3)

	env.storers[StageMetadata].err = errors.New("insert failed")

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(context.Background(), "run-1", 1, StageMetadata)
	require.NoError(t, err)
	assert.Equal(t, StatusError, status)

	cp, err := env.db.GetCheckpoint("run-1", 1, StageMetadata)
	require.NoError(t, err)
	assert.Equal(t, db.CheckpointFailed, cp.Status)
}

func TestExecutor_MissingAttractionIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 3)
	env.seedRun(t, "run-1", 3)

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(context.Background(), "run-1", 999, StageMetadata)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, status)

	// Fatal for the item, counted so the run can still finalize
	run, err := env.db.GetPipelineRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.AttractionsFailed)

	active, err := env.gate.Active(context.Background(), StageMetadata)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)
}

func TestExecutor_GateTimeoutLeavesNoCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 3)
	env.seedRun(t, "run-1", 3)

	env.cfg.SlotTimeout = 50 * time.Millisecond

	// Exhaust every slot for the stage
	ctx := context.Background()
	limit := env.stages.ByName(StageWeather).MaxConcurrent
	for i := 0; i < limit; i++ {
		ok, err := env.gate.Acquire(ctx, StageWeather, limit, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(ctx, "run-1", 1, StageWeather)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, status)

	// Retryable wholesale: nothing recorded, nothing dispatched
	_, err = env.db.GetCheckpoint("run-1", 1, StageWeather)
	assert.True(t, db.IsNotFound(err))
	assert.Empty(t, dispatcher.dispatched())
	assert.Equal(t, 0, env.fetchers[StageWeather].callCount())
}

func TestExecutor_FinalStageSettlesRun(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 1)
	env.seedRun(t, "run-1", 1)

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(context.Background(), "run-1", 1, StageAudiences)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)

	assert.Empty(t, dispatcher.dispatched(), "final stage has no continuation")

	// Completion counter reached the total, so the run finalized and its
	// checkpoints were garbage-collected
	run, err := env.db.GetPipelineRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.AttractionsCompleted)
	require.NotNil(t, run.CompletedAt)

	checkpoints, err := env.db.RunCheckpoints("run-1")
	require.NoError(t, err)
	assert.Empty(t, checkpoints)
}

func TestExecutor_FinalStageErrorStillCountsCompletion(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 1)
	env.seedRun(t, "run-1", 1)

	env.fetchers[StageAudiences].err = errors.New("boom")

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(context.Background(), "run-1", 1, StageAudiences)
	require.NoError(t, err)
	assert.Equal(t, StatusError, status)

	// Stage 10 is terminal whatever happened: the item is done, the run
	// finalizes
	run, err := env.db.GetPipelineRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.AttractionsCompleted)
}

func TestExecutor_UnknownStageIsError(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 1)
	env.seedRun(t, "run-1", 1)

	executor := env.newExecutor(&recordingDispatcher{})

	status, err := executor.RunStage(context.Background(), "run-1", 1, "no_such_stage")
	require.Error(t, err)
	assert.Equal(t, StatusError, status)
}

func TestExecutor_AttractionLookupFailureReleasesSlot(t *testing.T) {
	env := newTestEnv(t)
	seedAttractions(t, env.db, 1)
	env.seedRun(t, "run-1", 1)

	// Break the lookup with an infrastructure failure, not a missing row
	_, err := env.db.Exec(`DROP TABLE attractions`)
	require.NoError(t, err)

	dispatcher := &recordingDispatcher{}
	executor := env.newExecutor(dispatcher)

	status, err := executor.RunStage(context.Background(), "run-1", 1, StageMetadata)
	require.Error(t, err)
	assert.Equal(t, StatusError, status)

	// The slot must not leak even though the stage never ran
	active, err := env.gate.Active(context.Background(), StageMetadata)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)

	assert.Equal(t, 0, env.fetchers[StageMetadata].callCount())
	assert.Empty(t, dispatcher.dispatched())
}

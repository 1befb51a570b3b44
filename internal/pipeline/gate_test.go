package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasguide/enrich/internal/kv"
)

func newTestGate() *Gate {
	return NewGate(kv.NewMemory(), 5*time.Millisecond, createTestLogger())
}

func TestGate_AcquireRelease_RestoresCounter(t *testing.T) {
	gate := newTestGate()
	ctx := context.Background()

	before, err := gate.Active(ctx, StageMetadata)
	require.NoError(t, err)

	ok, err := gate.Acquire(ctx, StageMetadata, 2, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	active, err := gate.Active(ctx, StageMetadata)
	require.NoError(t, err)
	assert.Equal(t, before+1, active)

	require.NoError(t, gate.Release(ctx, StageMetadata))

	after, err := gate.Active(ctx, StageMetadata)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestGate_BoundsConcurrency(t *testing.T) {
	gate := newTestGate()
	ctx := context.Background()

	ok, err := gate.Acquire(ctx, StageWeather, 1, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Slot is taken; a second acquire with a short timeout must fail
	ok, err = gate.Acquire(ctx, StageWeather, 1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	// The failed acquire must not leak a slot
	active, err := gate.Active(ctx, StageWeather)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)
}

func TestGate_AcquireWaitsForRelease(t *testing.T) {
	gate := newTestGate()
	ctx := context.Background()

	ok, err := gate.Acquire(ctx, StageTips, 1, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = gate.Release(context.Background(), StageTips)
	}()

	ok, err = gate.Acquire(ctx, StageTips, 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "acquire should succeed once the slot is released")
}

func TestGate_DoubleReleaseClampsAtZero(t *testing.T) {
	gate := newTestGate()
	ctx := context.Background()

	ok, err := gate.Acquire(ctx, StageReviews, 4, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, gate.Release(ctx, StageReviews))
	require.NoError(t, gate.Release(ctx, StageReviews))

	active, err := gate.Active(ctx, StageReviews)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active, "counter must never be observed negative")

	// A fresh acquire still works after the double release
	ok, err = gate.Acquire(ctx, StageReviews, 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGate_CounterNeverNegativeUnderConcurrency(t *testing.T) {
	gate := newTestGate()
	ctx := context.Background()

	const workers = 20
	const iterations = 25

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				ok, err := gate.Acquire(ctx, StageNearby, 5, time.Second)
				if err != nil || !ok {
					continue
				}
				_ = gate.Release(ctx, StageNearby)
			}
		}()
	}
	wg.Wait()

	active, err := gate.Active(ctx, StageNearby)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)
}

func TestGate_ResetSlots(t *testing.T) {
	gate := newTestGate()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := gate.Acquire(ctx, StageMap, 5, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, gate.ResetSlots(ctx, StageMap))

	active, err := gate.Active(ctx, StageMap)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)
}

package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/atlasguide/enrich/internal/kv"
)

const gateKeyPrefix = "stage_semaphore:"

// Gate is a distributed counting semaphore bounding how many items may
// execute a stage simultaneously. The counter lives in the coordination
// store so the bound holds across a fleet of worker processes, not just
// goroutines in this one.
type Gate struct {
	store        kv.Store
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewGate creates a gate over the given coordination store.
func NewGate(store kv.Store, pollInterval time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		store:        store,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Acquire tries to claim a slot for the stage, polling until timeout.
// The claim is optimistic: increment, and back off if the post-increment
// value overshoots the limit. Returns false on timeout or context
// cancellation; the caller decides whether to retry the stage later.
func (g *Gate) Acquire(ctx context.Context, stage string, maxConcurrent int, timeout time.Duration) (bool, error) {
	key := gateKeyPrefix + stage
	deadline := time.Now().Add(timeout)

	for {
		current, err := g.store.IncrAndGet(ctx, key)
		if err != nil {
			return false, err
		}

		if current <= int64(maxConcurrent) {
			g.logger.Debug("acquired stage slot",
				"stage", stage,
				"active", current,
				"max_concurrent", maxConcurrent)
			return true, nil
		}

		// Overshot: give the slot back before waiting
		if _, err := g.store.DecrAndGet(ctx, key); err != nil {
			return false, err
		}

		if time.Now().After(deadline) {
			g.logger.Warn("timeout waiting for stage slot",
				"stage", stage,
				"max_concurrent", maxConcurrent,
				"timeout", timeout)
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(g.pollInterval):
		}
	}
}

// Release returns a slot for the stage, clamping the counter at zero so a
// double-release cannot push it negative.
func (g *Gate) Release(ctx context.Context, stage string) error {
	key := gateKeyPrefix + stage

	current, err := g.store.DecrAndGet(ctx, key)
	if err != nil {
		return err
	}

	if current < 0 {
		if err := g.store.SetInt(ctx, key, 0); err != nil {
			return err
		}
		current = 0
	}

	g.logger.Debug("released stage slot", "stage", stage, "active", current)
	return nil
}

// Active returns the number of slots currently held for the stage.
func (g *Gate) Active(ctx context.Context, stage string) (int64, error) {
	n, _, err := g.store.GetInt(ctx, gateKeyPrefix+stage)
	return n, err
}

// ResetSlots zeroes the stage counter. Operational recovery only: a crashed
// worker that never released its slot would otherwise starve the stage.
func (g *Gate) ResetSlots(ctx context.Context, stage string) error {
	return g.store.SetInt(ctx, gateKeyPrefix+stage, 0)
}

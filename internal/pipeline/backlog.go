package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atlasguide/enrich/internal/kv"
)

const backlogKeyPrefix = "stage_queue:"

// Backlog tracks which (run, attraction) pairs are waiting on each stage,
// ordered by push time. Advisory state for progress reporting only: the
// checkpoint store is authoritative for stage completion, so clearing a
// backlog never corrupts the pipeline.
type Backlog struct {
	store kv.Store
}

// NewBacklog creates a backlog over the given coordination store.
func NewBacklog(store kv.Store) *Backlog {
	return &Backlog{store: store}
}

func backlogMember(runID string, attractionID int64) string {
	return fmt.Sprintf("%s:%d", runID, attractionID)
}

// Push records that an attraction is waiting on a stage.
func (b *Backlog) Push(ctx context.Context, stage, runID string, attractionID int64) error {
	score := float64(time.Now().UnixNano())
	return b.store.ZAdd(ctx, backlogKeyPrefix+stage, backlogMember(runID, attractionID), score)
}

// Pop removes and returns the oldest waiting entry for a stage. ok is false
// when the backlog is empty.
func (b *Backlog) Pop(ctx context.Context, stage string) (runID string, attractionID int64, ok bool, err error) {
	member, ok, err := b.store.ZPopMin(ctx, backlogKeyPrefix+stage)
	if err != nil || !ok {
		return "", 0, false, err
	}

	idx := strings.LastIndex(member, ":")
	if idx < 0 {
		return "", 0, false, fmt.Errorf("malformed backlog member: %q", member)
	}

	runID = member[:idx]
	if _, err := fmt.Sscanf(member[idx+1:], "%d", &attractionID); err != nil {
		return "", 0, false, fmt.Errorf("malformed backlog member: %q", member)
	}

	return runID, attractionID, true, nil
}

// Depth returns the number of entries waiting on a stage.
func (b *Backlog) Depth(ctx context.Context, stage string) (int64, error) {
	return b.store.ZCard(ctx, backlogKeyPrefix+stage)
}

// CountForRun returns how many of a stage's waiting entries belong to a run.
func (b *Backlog) CountForRun(ctx context.Context, stage, runID string) (int, error) {
	members, err := b.store.ZMembers(ctx, backlogKeyPrefix+stage)
	if err != nil {
		return 0, err
	}

	prefix := runID + ":"
	count := 0
	for _, m := range members {
		if strings.HasPrefix(m, prefix) {
			count++
		}
	}
	return count, nil
}

// Remove drops a single waiting entry, reporting whether it was present.
func (b *Backlog) Remove(ctx context.Context, stage, runID string, attractionID int64) (bool, error) {
	return b.store.ZRem(ctx, backlogKeyPrefix+stage, backlogMember(runID, attractionID))
}

// ClearRun drops every entry a run holds in a stage's backlog.
func (b *Backlog) ClearRun(ctx context.Context, stage, runID string) error {
	members, err := b.store.ZMembers(ctx, backlogKeyPrefix+stage)
	if err != nil {
		return err
	}

	prefix := runID + ":"
	for _, m := range members {
		if !strings.HasPrefix(m, prefix) {
			continue
		}
		if _, err := b.store.ZRem(ctx, backlogKeyPrefix+stage, m); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops every entry for a stage.
func (b *Backlog) Clear(ctx context.Context, stage string) error {
	return b.store.Delete(ctx, backlogKeyPrefix+stage)
}

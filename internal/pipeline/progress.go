package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/atlasguide/enrich/internal/db"
)

// ItemStatus values reported per attraction in a progress snapshot.
const (
	ItemPending    = "pending"
	ItemInProgress = "in_progress"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
)

// ItemProgress describes how far one attraction has advanced through the
// stage chain.
type ItemProgress struct {
	AttractionID    int64    `json:"attraction_id"`
	Status          string   `json:"status"`
	CurrentStage    string   `json:"current_stage,omitempty"`
	CompletedStages []string `json:"completed_stages"`
	FailedStage     string   `json:"failed_stage,omitempty"`
}

// RunProgress is the progress snapshot for one pipeline run.
type RunProgress struct {
	RunID                string         `json:"run_id"`
	Status               string         `json:"status"`
	StartedAt            time.Time      `json:"started_at"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	AttractionsProcessed int            `json:"attractions_processed"`
	AttractionsCompleted int            `json:"attractions_completed"`
	AttractionsFailed    int            `json:"attractions_failed"`
	Items                []ItemProgress `json:"items"`
}

// Progress builds a progress snapshot for a run. For a running pipeline the
// item detail comes from live checkpoints; for a finalized run (checkpoints
// already garbage-collected) it falls back to the durable tracking rows and
// run counters.
func (o *Orchestrator) Progress(ctx context.Context, runID string) (*RunProgress, error) {
	run, err := o.db.GetPipelineRun(runID)
	if db.IsNotFound(err) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	progress := &RunProgress{
		RunID:                run.ID,
		Status:               run.Status,
		StartedAt:            run.StartedAt,
		CompletedAt:          run.CompletedAt,
		AttractionsProcessed: run.AttractionsProcessed,
		AttractionsCompleted: run.AttractionsCompleted,
		AttractionsFailed:    run.AttractionsFailed,
	}

	if run.Status == db.RunStatusRunning {
		progress.Items, err = o.liveItems(runID)
	} else {
		progress.Items, err = o.finalizedItems(runID)
	}
	if err != nil {
		return nil, err
	}

	return progress, nil
}

func (o *Orchestrator) liveItems(runID string) ([]ItemProgress, error) {
	checkpoints, err := o.db.RunCheckpoints(runID)
	if err != nil {
		return nil, err
	}

	type itemState struct {
		completed []string
		failed    string
	}
	states := make(map[int64]*itemState)
	for _, cp := range checkpoints {
		state := states[cp.AttractionID]
		if state == nil {
			state = &itemState{}
			states[cp.AttractionID] = state
		}
		switch cp.Status {
		case db.CheckpointCompleted:
			state.completed = append(state.completed, cp.StageName)
		case db.CheckpointFailed:
			state.failed = cp.StageName
		}
	}

	// Seeded items with no checkpoints yet still show up as pending.
	tracked, err := o.db.TrackedAttractions(runID)
	if err != nil {
		return nil, err
	}
	for _, id := range tracked {
		if _, ok := states[id]; !ok {
			states[id] = &itemState{}
		}
	}

	items := make([]ItemProgress, 0, len(states))
	for attractionID, state := range states {
		item := ItemProgress{
			AttractionID:    attractionID,
			CompletedStages: sortByStageOrder(state.completed),
			FailedStage:     state.failed,
		}

		next := nextActionableStage(state.completed)
		switch {
		case state.failed != "":
			item.Status = ItemFailed
		case next == "":
			item.Status = ItemCompleted
		case len(state.completed) == 0:
			item.Status = ItemPending
			item.CurrentStage = next
		default:
			item.Status = ItemInProgress
			item.CurrentStage = next
		}

		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].AttractionID < items[j].AttractionID
	})
	return items, nil
}

func (o *Orchestrator) finalizedItems(runID string) ([]ItemProgress, error) {
	tracked, err := o.db.TrackedAttractions(runID)
	if err != nil {
		return nil, err
	}

	items := make([]ItemProgress, 0, len(tracked))
	for _, attractionID := range tracked {
		// Checkpoints are gone; the run-level outcome is all that remains
		// per item.
		items = append(items, ItemProgress{
			AttractionID:    attractionID,
			Status:          ItemCompleted,
			CompletedStages: []string{},
		})
	}
	return items, nil
}

// sortByStageOrder orders stage names by their pipeline ordinal.
func sortByStageOrder(stages []string) []string {
	sorted := make([]string, len(stages))
	copy(sorted, stages)
	sort.Slice(sorted, func(i, j int) bool {
		return StageIndex(sorted[i]) < StageIndex(sorted[j])
	})
	return sorted
}

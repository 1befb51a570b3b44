package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/atlasguide/enrich/internal/db"
)

// Orchestrator seeds pipeline runs, resumes interrupted ones, and reports
// progress. It owns run-level bookkeeping; per-stage work happens in the
// Executor via dispatched tasks.
type Orchestrator struct {
	db         *db.DB
	backlog    *Backlog
	dispatcher Dispatcher
	cleanup    *Cleanup
	stages     *StageSet
	cfg        Config
	logger     *slog.Logger

	now func() time.Time
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(
	database *db.DB,
	backlog *Backlog,
	dispatcher Dispatcher,
	cleanup *Cleanup,
	stages *StageSet,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:         database,
		backlog:    backlog,
		dispatcher: dispatcher,
		cleanup:    cleanup,
		stages:     stages,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Start creates a pipeline run for the given attraction slugs and dispatches
// every resolved item into the first stage. Returns the run ID.
//
// Duplicate external triggers are common (a webhook fired twice, a user
// double-clicking), so an identical slug set already running within the
// dedup window returns ErrDuplicateRun instead of a second run.
func (o *Orchestrator) Start(ctx context.Context, slugs []string) (string, error) {
	if len(slugs) == 0 {
		return "", fmt.Errorf("pipeline: no attraction slugs given")
	}

	fingerprint, err := runFingerprint(slugs)
	if err != nil {
		return "", err
	}

	existingID, err := o.db.FindDuplicateRun(fingerprint, o.now().Add(-o.cfg.DedupWindow))
	if err != nil && !db.IsNotFound(err) {
		return "", err
	}
	if err == nil {
		o.logger.Warn("duplicate pipeline trigger ignored", "existing_run_id", existingID)
		return existingID, ErrDuplicateRun
	}

	var attractions []*db.Attraction
	for _, slug := range slugs {
		attraction, err := o.db.GetAttractionBySlug(slug)
		if db.IsNotFound(err) {
			o.logger.Warn("skipping unknown attraction slug", "slug", slug)
			continue
		}
		if err != nil {
			return "", err
		}
		attractions = append(attractions, attraction)
	}

	if len(attractions) == 0 {
		return "", fmt.Errorf("pipeline: no attractions resolved from %d slugs", len(slugs))
	}

	run := &db.PipelineRun{
		ID:                   uuid.NewString(),
		StartedAt:            o.now().UTC(),
		Status:               db.RunStatusRunning,
		AttractionsProcessed: len(attractions),
		Metadata:             fingerprint,
	}
	if err := o.db.CreatePipelineRun(run); err != nil {
		return "", err
	}

	o.logger.Info("pipeline run started",
		"run_id", run.ID,
		"attractions", len(attractions))

	first := o.stages.First()
	dataTypes := o.stages.DataTypes()

	for _, attraction := range attractions {
		if err := o.db.EnsureTracking(run.ID, attraction.ID, dataTypes); err != nil {
			return run.ID, err
		}
		if err := o.backlog.Push(ctx, first.Name, run.ID, attraction.ID); err != nil {
			return run.ID, err
		}
		o.dispatcher.Dispatch(ctx, Task{
			RunID:        run.ID,
			AttractionID: attraction.ID,
			Stage:        first.Name,
		})
	}

	return run.ID, nil
}

// Resume re-dispatches every item of an interrupted run into its next
// actionable stage. The next stage is resolved by ordinal position of the
// furthest completed stage in the fixed order, never by checkpoint write
// time. Returns the number of dispatches issued.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (int, error) {
	run, err := o.db.GetPipelineRun(runID)
	if db.IsNotFound(err) {
		return 0, ErrRunNotFound
	}
	if err != nil {
		return 0, err
	}

	if run.Status != db.RunStatusRunning {
		return 0, fmt.Errorf("pipeline: run %s is %s, nothing to resume", runID, run.Status)
	}

	items, err := o.db.ResumableItems(runID)
	if err != nil {
		return 0, err
	}

	checkpoints, err := o.db.RunCheckpoints(runID)
	if err != nil {
		return 0, err
	}
	halted := make(map[int64]bool)
	for _, cp := range checkpoints {
		if cp.Status == db.CheckpointFailed && StageIndex(cp.StageName) < len(StageOrder)-1 {
			halted[cp.AttractionID] = true
		}
	}

	// Items that died before their first checkpoint have no row in the
	// checkpoint table at all; the tracking rows still know about them.
	tracked, err := o.db.TrackedAttractions(runID)
	if err != nil {
		return 0, err
	}
	for _, attractionID := range tracked {
		if _, ok := items[attractionID]; !ok {
			items[attractionID] = nil
		}
	}

	dispatched := 0
	for attractionID, completed := range items {
		if halted[attractionID] {
			// A failed non-terminal stage already settled this item into the
			// run's failed counter; resuming it would double-count.
			continue
		}
		next := nextActionableStage(completed)
		if next == "" {
			// All ten stages already checkpointed; nothing left for this item.
			continue
		}

		if err := o.backlog.Push(ctx, next, runID, attractionID); err != nil {
			return dispatched, err
		}

		o.logger.Info("resuming attraction",
			"run_id", runID,
			"attraction_id", attractionID,
			"stage", next)

		o.dispatcher.Dispatch(ctx, Task{
			RunID:        runID,
			AttractionID: attractionID,
			Stage:        next,
		})
		dispatched++
	}

	o.logger.Info("pipeline run resumed", "run_id", runID, "dispatched", dispatched)
	return dispatched, nil
}

// ForceCleanup finalizes a run regardless of outstanding items.
func (o *Orchestrator) ForceCleanup(ctx context.Context, runID string) error {
	err := o.cleanup.ForceCleanup(ctx, runID)
	if db.IsNotFound(err) {
		return ErrRunNotFound
	}
	return err
}

// nextActionableStage resolves the stage after the furthest completed one.
// Returns "" when every stage is done. Gaps in the completed set (a
// quota-skip writes no checkpoint) are jumped over: resume never re-enters a
// stage earlier than the furthest completed one.
func nextActionableStage(completed []string) string {
	maxIdx := -1
	for _, stage := range completed {
		if idx := StageIndex(stage); idx > maxIdx {
			maxIdx = idx
		}
	}

	if maxIdx < 0 {
		return StageOrder[0]
	}
	if maxIdx >= len(StageOrder)-1 {
		return ""
	}
	return StageOrder[maxIdx+1]
}

// runFingerprint canonicalizes a slug set into a deterministic identity blob
// for duplicate-trigger detection. Order-insensitive: the same set in any
// order produces the same fingerprint.
func runFingerprint(slugs []string) (string, error) {
	sorted := make([]string, len(slugs))
	copy(sorted, slugs)
	sort.Strings(sorted)

	raw, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

package pipeline

import (
	"context"
	"log/slog"

	"github.com/atlasguide/enrich/internal/db"
)

// Cleanup finalizes pipeline runs once every attraction has reached a
// terminal outcome, and garbage-collects their checkpoints.
type Cleanup struct {
	db      *db.DB
	backlog *Backlog
	logger  *slog.Logger
}

// NewCleanup wires a cleanup handler.
func NewCleanup(database *db.DB, backlog *Backlog, logger *slog.Logger) *Cleanup {
	return &Cleanup{db: database, backlog: backlog, logger: logger}
}

// CheckAndCleanup finalizes the run if completed + failed has caught up with
// the number of attractions the run started with. Returns true when the run
// was finalized by this call. Safe to call on every terminal stage event.
func (c *Cleanup) CheckAndCleanup(ctx context.Context, runID string) (bool, error) {
	run, err := c.db.GetPipelineRun(runID)
	if err != nil {
		return false, err
	}

	if run.Status != db.RunStatusRunning {
		return false, nil
	}

	settled := run.AttractionsCompleted + run.AttractionsFailed
	if settled < run.AttractionsProcessed {
		return false, nil
	}

	return true, c.finalize(ctx, run)
}

// ForceCleanup finalizes a run unconditionally, regardless of outstanding
// attractions. Operator escape hatch for wedged runs.
func (c *Cleanup) ForceCleanup(ctx context.Context, runID string) error {
	run, err := c.db.GetPipelineRun(runID)
	if err != nil {
		return err
	}

	if run.Status != db.RunStatusRunning {
		return nil
	}

	c.logger.Warn("force-finalizing pipeline run",
		"run_id", run.ID,
		"completed", run.AttractionsCompleted,
		"failed", run.AttractionsFailed,
		"processed", run.AttractionsProcessed)

	return c.finalize(ctx, run)
}

func (c *Cleanup) finalize(ctx context.Context, run *db.PipelineRun) error {
	status := db.RunStatusCompleted
	if run.AttractionsCompleted == 0 && run.AttractionsFailed > 0 {
		status = db.RunStatusFailed
	}

	if err := c.db.FinalizeRun(run.ID, status); err != nil {
		return err
	}

	deleted, err := c.db.DeleteCheckpoints(run.ID)
	if err != nil {
		return err
	}

	// Drop any stale backlog members so resumed or duplicate dispatches
	// cannot resurrect a finalized run.
	for _, stage := range StageOrder {
		if err := c.backlog.ClearRun(ctx, stage, run.ID); err != nil {
			c.logger.Warn("failed to clear stage backlog",
				"run_id", run.ID, "stage", stage, "error", err)
		}
	}

	c.logger.Info("pipeline run finalized",
		"run_id", run.ID,
		"status", status,
		"completed", run.AttractionsCompleted,
		"failed", run.AttractionsFailed,
		"checkpoints_deleted", deleted)

	return nil
}

package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/atlasguide/enrich/internal/db"
)

// Executor drives one stage execution for one (run, attraction) pair through
// the stage state machine: checkpoint skip, slot acquisition, quota
// short-circuit, fetch, persist, checkpoint, continuation dispatch.
type Executor struct {
	db         *db.DB
	gate       *Gate
	backlog    *Backlog
	quota      *QuotaTracker
	stages     *StageSet
	dispatcher Dispatcher
	cleanup    *Cleanup
	cfg        Config
	logger     *slog.Logger
}

// NewExecutor wires an executor.
func NewExecutor(
	database *db.DB,
	gate *Gate,
	backlog *Backlog,
	quota *QuotaTracker,
	stages *StageSet,
	dispatcher Dispatcher,
	cleanup *Cleanup,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		db:         database,
		gate:       gate,
		backlog:    backlog,
		quota:      quota,
		stages:     stages,
		dispatcher: dispatcher,
		cleanup:    cleanup,
		cfg:        cfg,
		logger:     logger,
	}
}

// HandleTask adapts RunStage to the dispatcher's Handler signature.
func (e *Executor) HandleTask(ctx context.Context, task Task) {
	if _, err := e.RunStage(ctx, task.RunID, task.AttractionID, task.Stage); err != nil {
		e.logger.Error("stage execution failed",
			"run_id", task.RunID,
			"attraction_id", task.AttractionID,
			"stage", task.Stage,
			"error", err)
	}
}

// RunStage executes one stage for one attraction and returns the terminal
// stage status. Infrastructure failures (store unreachable) surface as
// errors; domain outcomes surface as statuses.
func (e *Executor) RunStage(ctx context.Context, runID string, attractionID int64, stageName string) (StageStatus, error) {
	stage := e.stages.ByName(stageName)
	if stage == nil {
		return StatusError, errUnknownStage(stageName)
	}

	logger := e.logger.With("run_id", runID, "attraction_id", attractionID, "stage", stage.Name)

	// Claim the backlog entry. Best effort: the backlog is advisory and the
	// entry may already be gone after a resume.
	if _, err := e.backlog.Remove(ctx, stage.Name, runID, attractionID); err != nil {
		logger.Warn("failed to remove backlog entry", "error", err)
	}

	// Resume guard: a completed checkpoint means this stage already ran.
	// Skip the work but keep the chain moving.
	done, err := e.db.IsStageCompleted(runID, attractionID, stage.Name)
	if err != nil {
		return StatusError, err
	}
	if done {
		logger.Info("skipping stage, already completed")
		if !stage.Final {
			e.enqueueNext(ctx, runID, attractionID, stage, logger)
		}
		return StatusSkipped, nil
	}

	acquired, err := e.gate.Acquire(ctx, stage.Name, stage.MaxConcurrent, e.cfg.SlotTimeout)
	if err != nil {
		return StatusError, err
	}
	if !acquired {
		// No checkpoint: the invocation can be retried wholesale later.
		logger.Warn("timeout acquiring stage slot")
		return StatusTimeout, nil
	}

	attraction, err := e.db.GetAttraction(attractionID)
	if db.IsNotFound(err) {
		logger.Error("attraction not found")
		if relErr := e.gate.Release(ctx, stage.Name); relErr != nil {
			return StatusError, relErr
		}
		// Fatal for the item, not the run: settle the run accounting so the
		// run can still finalize.
		if err := e.settleFailure(ctx, runID, logger); err != nil {
			return StatusError, err
		}
		return StatusNotFound, nil
	}
	if err != nil {
		if relErr := e.gate.Release(ctx, stage.Name); relErr != nil {
			logger.Error("failed to release stage slot", "error", relErr)
		}
		return StatusError, err
	}

	exceeded, err := e.quota.IsExceeded(ctx, stage.API)
	if err != nil {
		if relErr := e.gate.Release(ctx, stage.Name); relErr != nil {
			logger.Error("failed to release stage slot", "error", relErr)
		}
		return StatusError, err
	}
	if exceeded {
		// The item is allowed to proceed without this stage's data, and the
		// checkpoint stops resume from re-entering the stage mid-cooldown.
		logger.Warn("skipping stage, api quota exceeded", "api", stage.API)
		if err := e.recordCheckpoint(runID, attractionID, stage.Name, db.CheckpointCompleted, strPtr(`{"reason":"quota_exceeded"}`)); err != nil {
			if relErr := e.gate.Release(ctx, stage.Name); relErr != nil {
				logger.Error("failed to release stage slot", "error", relErr)
			}
			return StatusError, err
		}
		if err := e.gate.Release(ctx, stage.Name); err != nil {
			return StatusError, err
		}
		if stage.Final {
			if err := e.settleCompletion(ctx, runID, logger); err != nil {
				return StatusError, err
			}
		} else {
			e.enqueueNext(ctx, runID, attractionID, stage, logger)
		}
		return StatusQuotaExceeded, nil
	}

	req := newFetchRequest(e.db, attraction, stage)
	logger.Info("processing stage", "attraction", attraction.Name)

	status := e.fetchAndStore(ctx, runID, attraction, stage, req, logger)

	if status == StatusQuotaExceeded {
		// Quota tripped mid-fetch: the tracker is marked, the item advances,
		// but no completed checkpoint is written so a later resume may retry
		// this stage once the flag expires.
		if err := e.gate.Release(ctx, stage.Name); err != nil {
			return StatusError, err
		}
		if stage.Final {
			if err := e.settleCompletion(ctx, runID, logger); err != nil {
				return StatusError, err
			}
		} else {
			e.enqueueNext(ctx, runID, attractionID, stage, logger)
		}
		return status, nil
	}

	if err := e.gate.Release(ctx, stage.Name); err != nil {
		return StatusError, err
	}

	switch status {
	case StatusSuccess, StatusNoData:
		if err := e.recordCheckpoint(runID, attractionID, stage.Name, db.CheckpointCompleted, nil); err != nil {
			return StatusError, err
		}
		if stage.Final {
			logger.Info("pipeline complete for attraction", "attraction", attraction.Name)
			if err := e.settleCompletion(ctx, runID, logger); err != nil {
				return StatusError, err
			}
		} else {
			e.enqueueNext(ctx, runID, attractionID, stage, logger)
		}

	case StatusError:
		if err := e.recordCheckpoint(runID, attractionID, stage.Name, db.CheckpointFailed, nil); err != nil {
			return StatusError, err
		}
		if stage.Final {
			// The final stage is terminal whatever happened: the item is done
			// with the pipeline, so it counts toward run completion.
			if err := e.settleCompletion(ctx, runID, logger); err != nil {
				return StatusError, err
			}
		} else {
			// A genuine failure halts the item: no continuation, the failure
			// counter keeps run accounting moving toward finalization.
			if err := e.settleFailure(ctx, runID, logger); err != nil {
				return StatusError, err
			}
		}
	}

	return status, nil
}

// fetchAndStore performs the external call and persistence, classifying
// failures into the stage status taxonomy.
func (e *Executor) fetchAndStore(ctx context.Context, runID string, attraction *db.Attraction, stage *StageConfig, req FetchRequest, logger *slog.Logger) StageStatus {
	result, err := stage.Fetcher.Fetch(ctx, req)
	if err != nil {
		if IsQuotaError(err) {
			logger.Error("api quota exhausted during fetch", "api", stage.API, "error", err)
			if markErr := e.quota.MarkExceeded(ctx, stage.API, time.Time{}); markErr != nil {
				logger.Error("failed to mark quota exceeded", "api", stage.API, "error", markErr)
			}
			return StatusQuotaExceeded
		}

		if IsRateLimitError(err) {
			logger.Warn("rate limited, scheduling retry", "data_type", stage.DataType, "error", err)
			if retryErr := e.db.ScheduleRetry(attraction.ID, stage.DataType, e.cfg.DefaultRetryAfter, err.Error(), nil); retryErr != nil {
				logger.Error("failed to schedule retry", "error", retryErr)
			}
			return StatusError
		}

		logger.Error("fetch failed", "error", err)
		return StatusError
	}

	if result.Empty() {
		logger.Warn("no data found", "data_type", stage.DataType)
		if trackErr := e.db.RecordItemsCollected(runID, attraction.ID, stage.DataType, 0); trackErr != nil {
			logger.Error("failed to record tracking count", "error", trackErr)
		}
		return StatusNoData
	}

	if err := stage.Storer.Store(ctx, attraction.ID, result.Data); err != nil {
		logger.Error("store failed", "error", err)
		return StatusError
	}

	if trackErr := e.db.RecordItemsCollected(runID, attraction.ID, stage.DataType, result.Count); trackErr != nil {
		logger.Error("failed to record tracking count", "error", trackErr)
	}

	logger.Info("stored stage data", "data_type", stage.DataType, "items", result.Count)
	return StatusSuccess
}

// newFetchRequest assembles fetch parameters from the attraction and its
// city, applying the default-coordinate fallback where the stage allows it.
func newFetchRequest(database *db.DB, attraction *db.Attraction, stage *StageConfig) FetchRequest {
	req := FetchRequest{
		AttractionID:   attraction.ID,
		AttractionName: attraction.Name,
	}

	if attraction.PlaceID != nil {
		req.PlaceID = *attraction.PlaceID
	}

	if attraction.CityID != nil {
		if city, err := database.GetCity(*attraction.CityID); err == nil {
			req.CityName = city.Name
			req.Country = city.Country
		}
	}

	if attraction.Latitude != nil && attraction.Longitude != nil {
		req.Latitude = *attraction.Latitude
		req.Longitude = *attraction.Longitude
		req.HasCoordinates = true
	} else if stage.NeedsCoords && stage.CoordFallback {
		req.Latitude = DefaultLatitude
		req.Longitude = DefaultLongitude
		req.HasCoordinates = true
	}

	return req
}

func (e *Executor) enqueueNext(ctx context.Context, runID string, attractionID int64, stage *StageConfig, logger *slog.Logger) {
	next := NextStage(stage.Name)
	if next == "" {
		return
	}

	if err := e.backlog.Push(ctx, next, runID, attractionID); err != nil {
		logger.Error("failed to push to stage backlog", "next_stage", next, "error", err)
	}

	logger.Info("advancing to next stage", "next_stage", next)
	e.dispatcher.Dispatch(ctx, Task{RunID: runID, AttractionID: attractionID, Stage: next})
}

func (e *Executor) recordCheckpoint(runID string, attractionID int64, stageName, status string, metadata *string) error {
	return e.db.UpsertCheckpoint(&db.StageCheckpoint{
		RunID:        runID,
		AttractionID: attractionID,
		StageName:    stageName,
		Status:       status,
		Metadata:     metadata,
	})
}

// settleCompletion bumps the run's completed counter and checks whether the
// whole run is done.
func (e *Executor) settleCompletion(ctx context.Context, runID string, logger *slog.Logger) error {
	if err := e.db.IncrementRunCounter(runID, db.CounterCompleted); err != nil {
		return err
	}
	return e.checkCleanup(ctx, runID, logger)
}

// settleFailure bumps the run's failed counter and checks whether the whole
// run is done. Failures are terminal for the item, so they count toward run
// completion just like successes.
func (e *Executor) settleFailure(ctx context.Context, runID string, logger *slog.Logger) error {
	if err := e.db.IncrementRunCounter(runID, db.CounterFailed); err != nil {
		return err
	}
	return e.checkCleanup(ctx, runID, logger)
}

func (e *Executor) checkCleanup(ctx context.Context, runID string, logger *slog.Logger) error {
	finalized, err := e.cleanup.CheckAndCleanup(ctx, runID)
	if err != nil {
		return err
	}
	if finalized {
		logger.Info("pipeline run finalized")
	}
	return nil
}

func strPtr(s string) *string {
	return &s
}

type errUnknownStage string

func (e errUnknownStage) Error() string {
	return "pipeline: unknown stage: " + string(e)
}

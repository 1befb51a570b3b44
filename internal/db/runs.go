package db

import (
	"database/sql"
	"fmt"
	"time"
)

// CreatePipelineRun creates a new pipeline run record
func (db *DB) CreatePipelineRun(run *PipelineRun) error {
	query := db.rebind(`
		INSERT INTO pipeline_runs (id, started_at, status, attractions_processed, metadata)
		VALUES (?, ?, ?, ?, ?)
	`)

	_, err := db.Exec(query,
		run.ID,
		run.StartedAt,
		run.Status,
		run.AttractionsProcessed,
		run.Metadata,
	)

	return err
}

// GetPipelineRun retrieves a pipeline run by ID
func (db *DB) GetPipelineRun(runID string) (*PipelineRun, error) {
	run := &PipelineRun{}

	query := db.rebind(`
		SELECT id, started_at, completed_at, status,
		       attractions_processed, attractions_completed, attractions_failed,
		       metadata, created_at, updated_at
		FROM pipeline_runs
		WHERE id = ?
	`)

	err := db.QueryRow(query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Status,
		&run.AttractionsProcessed,
		&run.AttractionsCompleted,
		&run.AttractionsFailed,
		&run.Metadata,
		&run.CreatedAt,
		&run.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return run, nil
}

// FindDuplicateRun returns the ID of a running pipeline with the same item
// set fingerprint started after the cutoff, or ErrNotFound. Used as an
// idempotency guard against duplicate external triggers.
func (db *DB) FindDuplicateRun(fingerprint string, startedAfter time.Time) (string, error) {
	query := db.rebind(`
		SELECT id
		FROM pipeline_runs
		WHERE status = ? AND metadata = ? AND started_at > ?
		LIMIT 1
	`)

	var id string
	err := db.QueryRow(query, RunStatusRunning, fingerprint, startedAfter).Scan(&id)

	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}

	if err != nil {
		return "", err
	}

	return id, nil
}

// IncrementRunCounter atomically bumps one of the run's completion counters.
// counter must be CounterCompleted or CounterFailed; anything else is
// rejected before it reaches the query.
func (db *DB) IncrementRunCounter(runID, counter string) error {
	if counter != CounterCompleted && counter != CounterFailed {
		return fmt.Errorf("unknown run counter: %s", counter)
	}

	query := db.rebind(fmt.Sprintf(`
		UPDATE pipeline_runs
		SET %s = %s + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, counter, counter))

	_, err := db.Exec(query, runID)
	return err
}

// FinalizeRun marks a run terminal and stamps its completion time.
func (db *DB) FinalizeRun(runID, status string) error {
	query := db.rebind(`
		UPDATE pipeline_runs
		SET status = ?,
		    completed_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`)

	_, err := db.Exec(query, status, runID)
	return err
}

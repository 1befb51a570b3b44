package db

import (
	"database/sql"
)

// UpsertCheckpoint records a stage outcome for a (run, attraction) pair.
// Idempotent: a second write for the same triple overwrites status and
// metadata, last write wins.
func (db *DB) UpsertCheckpoint(cp *StageCheckpoint) error {
	query := db.rebind(`
		INSERT INTO pipeline_checkpoints (run_id, attraction_id, stage_name, status, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, attraction_id, stage_name) DO UPDATE SET
			status = excluded.status,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`)

	_, err := db.Exec(query,
		cp.RunID,
		cp.AttractionID,
		cp.StageName,
		cp.Status,
		cp.Metadata,
	)

	return err
}

// GetCheckpoint retrieves a checkpoint, or ErrNotFound
func (db *DB) GetCheckpoint(runID string, attractionID int64, stageName string) (*StageCheckpoint, error) {
	cp := &StageCheckpoint{}

	query := db.rebind(`
		SELECT run_id, attraction_id, stage_name, status, metadata, created_at, updated_at
		FROM pipeline_checkpoints
		WHERE run_id = ? AND attraction_id = ? AND stage_name = ?
	`)

	err := db.QueryRow(query, runID, attractionID, stageName).Scan(
		&cp.RunID,
		&cp.AttractionID,
		&cp.StageName,
		&cp.Status,
		&cp.Metadata,
		&cp.CreatedAt,
		&cp.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return cp, nil
}

// IsStageCompleted reports whether the stage checkpointed as completed for
// this (run, attraction) pair.
func (db *DB) IsStageCompleted(runID string, attractionID int64, stageName string) (bool, error) {
	cp, err := db.GetCheckpoint(runID, attractionID, stageName)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cp.Status == CheckpointCompleted, nil
}

// CompletedStages returns the names of all stages checkpointed as completed
// for a (run, attraction) pair. Callers resolve "furthest along" against the
// static stage order, never against write timestamps.
func (db *DB) CompletedStages(runID string, attractionID int64) ([]string, error) {
	query := db.rebind(`
		SELECT stage_name
		FROM pipeline_checkpoints
		WHERE run_id = ? AND attraction_id = ? AND status = ?
	`)

	rows, err := db.Query(query, runID, attractionID, CheckpointCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		stages = append(stages, name)
	}

	return stages, rows.Err()
}

// ResumableItems returns, for every attraction with at least one completed
// checkpoint in the run, the set of completed stage names.
func (db *DB) ResumableItems(runID string) (map[int64][]string, error) {
	query := db.rebind(`
		SELECT attraction_id, stage_name
		FROM pipeline_checkpoints
		WHERE run_id = ? AND status = ?
	`)

	rows, err := db.Query(query, runID, CheckpointCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[int64][]string)
	for rows.Next() {
		var attractionID int64
		var stage string
		if err := rows.Scan(&attractionID, &stage); err != nil {
			return nil, err
		}
		items[attractionID] = append(items[attractionID], stage)
	}

	return items, rows.Err()
}

// RunCheckpoints returns every checkpoint recorded for a run, completed and
// failed alike. Used for progress reporting.
func (db *DB) RunCheckpoints(runID string) ([]StageCheckpoint, error) {
	query := db.rebind(`
		SELECT run_id, attraction_id, stage_name, status, metadata, created_at, updated_at
		FROM pipeline_checkpoints
		WHERE run_id = ?
	`)

	rows, err := db.Query(query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []StageCheckpoint
	for rows.Next() {
		var cp StageCheckpoint
		if err := rows.Scan(
			&cp.RunID,
			&cp.AttractionID,
			&cp.StageName,
			&cp.Status,
			&cp.Metadata,
			&cp.CreatedAt,
			&cp.UpdatedAt,
		); err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}

	return checkpoints, rows.Err()
}

// DeleteCheckpoints removes all checkpoints for a run and returns the count.
// Called by cleanup once the run is finalized.
func (db *DB) DeleteCheckpoints(runID string) (int64, error) {
	query := db.rebind(`DELETE FROM pipeline_checkpoints WHERE run_id = ?`)

	result, err := db.Exec(query, runID)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

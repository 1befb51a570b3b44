package db

// EnsureTracking creates the per-data-type tracking rows for an attraction
// in a run, leaving existing rows untouched. Called once when the run is
// seeded so reporting sees every (attraction, data type) pair even if a
// stage never produces data.
func (db *DB) EnsureTracking(runID string, attractionID int64, dataTypes []string) error {
	query := db.rebind(`
		INSERT INTO data_tracking (run_id, attraction_id, data_type, items_collected)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (run_id, attraction_id, data_type) DO NOTHING
	`)

	for _, dataType := range dataTypes {
		if _, err := db.Exec(query, runID, attractionID, dataType); err != nil {
			return err
		}
	}

	return nil
}

// TrackedAttractions returns the distinct attraction IDs with tracking rows
// in the run. Survives cleanup, unlike checkpoints, so progress reporting for
// finalized runs falls back to it.
func (db *DB) TrackedAttractions(runID string) ([]int64, error) {
	query := db.rebind(`
		SELECT DISTINCT attraction_id
		FROM data_tracking
		WHERE run_id = ?
		ORDER BY attraction_id
	`)

	rows, err := db.Query(query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ItemsCollected returns the per-data-type collected counts for one
// attraction in a run.
func (db *DB) ItemsCollected(runID string, attractionID int64) (map[string]int, error) {
	query := db.rebind(`
		SELECT data_type, items_collected
		FROM data_tracking
		WHERE run_id = ? AND attraction_id = ?
	`)

	rows, err := db.Query(query, runID, attractionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var dataType string
		var count int
		if err := rows.Scan(&dataType, &count); err != nil {
			return nil, err
		}
		counts[dataType] = count
	}

	return counts, rows.Err()
}

// RecordItemsCollected overwrites the collected-items counter for a
// (run, attraction, data type) triple.
func (db *DB) RecordItemsCollected(runID string, attractionID int64, dataType string, count int) error {
	query := db.rebind(`
		INSERT INTO data_tracking (run_id, attraction_id, data_type, items_collected)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, attraction_id, data_type) DO UPDATE SET
			items_collected = excluded.items_collected,
			updated_at = CURRENT_TIMESTAMP
	`)

	_, err := db.Exec(query, runID, attractionID, dataType, count)
	return err
}

package db

import (
	"time"
)

// ScheduleRetry upserts a retry backlog entry for (attraction, data type).
// A conflicting entry has its retry count incremented and its eligibility
// pushed out, and is forced back to RATE_LIMITED even if previously terminal.
func (db *DB) ScheduleRetry(attractionID int64, dataType string, retryAfter time.Duration, lastError string, metadata *string) error {
	nextEligible := time.Now().UTC().Add(retryAfter)

	query := db.rebind(`
		INSERT INTO retry_backlog (attraction_id, data_type, status, retry_count, last_error, next_eligible_at, metadata)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (attraction_id, data_type) DO UPDATE SET
			status = excluded.status,
			retry_count = retry_backlog.retry_count + 1,
			last_error = excluded.last_error,
			next_eligible_at = excluded.next_eligible_at,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`)

	_, err := db.Exec(query,
		attractionID,
		dataType,
		RetryStatusRateLimited,
		lastError,
		nextEligible,
		metadata,
	)

	return err
}

// DueRetries returns actionable entries: RATE_LIMITED, eligible now, and
// under their retry budget, oldest eligibility first. An empty dataType
// matches all data types.
func (db *DB) DueRetries(dataType string, limit int) ([]RetryEntry, error) {
	base := `
		SELECT id, attraction_id, data_type, status, retry_count, max_retries,
		       last_error, next_eligible_at, metadata, created_at, updated_at
		FROM retry_backlog
		WHERE status = ?
		  AND (next_eligible_at IS NULL OR next_eligible_at <= ?)
		  AND retry_count < max_retries
	`

	args := []any{RetryStatusRateLimited, time.Now().UTC()}
	if dataType != "" {
		base += ` AND data_type = ?`
		args = append(args, dataType)
	}
	base += ` ORDER BY next_eligible_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(db.rebind(base), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []RetryEntry
	for rows.Next() {
		var e RetryEntry
		err := rows.Scan(
			&e.ID,
			&e.AttractionID,
			&e.DataType,
			&e.Status,
			&e.RetryCount,
			&e.MaxRetries,
			&e.LastError,
			&e.NextEligibleAt,
			&e.Metadata,
			&e.CreatedAt,
			&e.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// MarkRetrySuccess transitions an entry to terminal DONE.
func (db *DB) MarkRetrySuccess(retryID int64) error {
	query := db.rebind(`
		UPDATE retry_backlog
		SET status = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`)

	_, err := db.Exec(query, RetryStatusDone, retryID)
	return err
}

// MarkRetryFailed increments the retry count and reschedules, or transitions
// to terminal FAILED once the retry budget is exhausted.
func (db *DB) MarkRetryFailed(retryID int64, lastError string, retryAfter time.Duration) error {
	nextEligible := time.Now().UTC().Add(retryAfter)

	query := db.rebind(`
		UPDATE retry_backlog
		SET retry_count = retry_count + 1,
		    last_error = ?,
		    next_eligible_at = ?,
		    status = CASE
			WHEN retry_count + 1 >= max_retries THEN ?
			ELSE ?
		    END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`)

	_, err := db.Exec(query, lastError, nextEligible, RetryStatusFailed, RetryStatusRateLimited, retryID)
	return err
}

// RetryStats returns entry counts grouped by data type and status.
func (db *DB) RetryStats() (map[string]map[string]int, error) {
	query := `
		SELECT data_type, status, COUNT(*)
		FROM retry_backlog
		GROUP BY data_type, status
	`

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]map[string]int)
	for rows.Next() {
		var dataType, status string
		var count int
		if err := rows.Scan(&dataType, &status, &count); err != nil {
			return nil, err
		}
		if stats[dataType] == nil {
			stats[dataType] = make(map[string]int)
		}
		stats[dataType][status] = count
	}

	return stats, rows.Err()
}

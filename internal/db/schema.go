package db

import "time"

// Pipeline run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Checkpoint statuses
const (
	CheckpointCompleted = "completed"
	CheckpointFailed    = "failed"
)

// Retry backlog statuses
const (
	RetryStatusRateLimited = "RATE_LIMITED"
	RetryStatusDone        = "DONE"
	RetryStatusFailed      = "FAILED"
)

// Run counter column names accepted by IncrementRunCounter
const (
	CounterCompleted = "attractions_completed"
	CounterFailed    = "attractions_failed"
)

// PipelineRun represents one execution of the enrichment pipeline over a set
// of attractions. Rows are never deleted; the run row is the durable summary
// that survives checkpoint cleanup.
type PipelineRun struct {
	ID                   string
	StartedAt            time.Time
	CompletedAt          *time.Time
	Status               string
	AttractionsProcessed int
	AttractionsCompleted int
	AttractionsFailed    int
	Metadata             string // fingerprint of the item set, used for dedup
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Attraction is the work item being enriched. The orchestrator reads these
// rows but never mutates identity fields.
type Attraction struct {
	ID        int64
	Slug      string
	Name      string
	PlaceID   *string
	Latitude  *float64
	Longitude *float64
	CityID    *int64
}

// City is the parent grouping some stages need for fetch parameters.
type City struct {
	ID      int64
	Name    string
	Country string
}

// StageCheckpoint records that a (run, attraction, stage) triple reached a
// terminal outcome. Working state only: bulk-deleted when the run finalizes.
type StageCheckpoint struct {
	RunID        string
	AttractionID int64
	StageName    string
	Status       string
	Metadata     *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RetryEntry is a rate-limited fetch awaiting its next attempt.
type RetryEntry struct {
	ID             int64
	AttractionID   int64
	DataType       string
	Status         string
	RetryCount     int
	MaxRetries     int
	LastError      *string
	NextEligibleAt *time.Time
	Metadata       *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DataTracking counts items collected per (run, attraction, data type) for
// downstream reporting. The orchestrator writes these but never reads them
// back on the hot path.
type DataTracking struct {
	RunID          string
	AttractionID   int64
	DataType       string
	ItemsCollected int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

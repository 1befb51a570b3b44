package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/atlasguide/enrich/internal/db"
)

// Sweeper periodically drains the retry backlog, re-attempting rate-limited
// fetches outside the main pipeline flow. An attraction that got rate-limited
// during a run completed its synchronous attempt as an error; the sweeper is
// what eventually backfills the missing data.
type Sweeper struct {
	db     *db.DB
	quota  *QuotaTracker
	stages *StageSet
	cfg    SweeperConfig
	logger *slog.Logger

	shutdown chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper over the retry backlog.
func NewSweeper(database *db.DB, quota *QuotaTracker, stages *StageSet, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		db:       database,
		quota:    quota,
		stages:   stages,
		cfg:      cfg,
		logger:   logger,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Shutdown is called.
func (s *Sweeper) Start() {
	s.logger.Info("starting retry sweeper", "interval", s.cfg.Interval)

	go s.run()
}

// Shutdown signals the sweep loop to stop and waits for the in-flight
// iteration to finish.
func (s *Sweeper) Shutdown() {
	close(s.shutdown)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			s.logger.Info("retry sweeper stopped")
			return

		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep performs one pass over every data type's due retries. Exported so
// operators (and tests) can trigger a pass without waiting for the ticker.
// Returns the number of retries attempted.
func (s *Sweeper) Sweep(ctx context.Context) int {
	attempted := 0
	for _, dataType := range s.stages.DataTypes() {
		attempted += s.sweepDataType(ctx, dataType)
	}
	return attempted
}

func (s *Sweeper) sweepDataType(ctx context.Context, dataType string) int {
	stage := s.stages.ByDataType(dataType)
	if stage == nil {
		return 0
	}

	// An exhausted API makes every retry pointless until the flag expires;
	// leave the entries due for the next pass.
	exceeded, err := s.quota.IsExceeded(ctx, stage.API)
	if err != nil {
		s.logger.Error("quota check failed", "api", stage.API, "error", err)
		return 0
	}
	if exceeded {
		return 0
	}

	entries, err := s.db.DueRetries(dataType, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to load due retries", "data_type", dataType, "error", err)
		return 0
	}

	for i := range entries {
		s.retryEntry(ctx, stage, &entries[i])
	}
	return len(entries)
}

func (s *Sweeper) retryEntry(ctx context.Context, stage *StageConfig, entry *db.RetryEntry) {
	logger := s.logger.With(
		"retry_id", entry.ID,
		"attraction_id", entry.AttractionID,
		"data_type", entry.DataType,
		"attempt", entry.RetryCount+1)

	attraction, err := s.db.GetAttraction(entry.AttractionID)
	if db.IsNotFound(err) {
		logger.Warn("attraction gone, abandoning retry")
		if err := s.db.MarkRetryFailed(entry.ID, "attraction not found", s.cfg.RetryAfter); err != nil {
			logger.Error("failed to mark retry failed", "error", err)
		}
		return
	}
	if err != nil {
		logger.Error("failed to load attraction", "error", err)
		return
	}

	req := newFetchRequest(s.db, attraction, stage)

	result, err := stage.Fetcher.Fetch(ctx, req)
	if err != nil {
		if IsQuotaError(err) {
			logger.Warn("quota exhausted during retry", "api", stage.API)
			if markErr := s.quota.MarkExceeded(ctx, stage.API, time.Time{}); markErr != nil {
				logger.Error("failed to mark quota exceeded", "error", markErr)
			}
			// Not a strike against the entry; it stays RATE_LIMITED for the
			// next pass after the flag expires.
			return
		}

		logger.Warn("retry attempt failed", "error", err)
		if markErr := s.db.MarkRetryFailed(entry.ID, err.Error(), s.cfg.RetryAfter); markErr != nil {
			logger.Error("failed to record retry failure", "error", markErr)
		}
		return
	}

	// An empty result is a success with nothing to store: the source has no
	// data for this attraction, the entry is settled either way.
	items := 0
	if !result.Empty() {
		if err := stage.Storer.Store(ctx, attraction.ID, result.Data); err != nil {
			logger.Warn("retry store failed", "error", err)
			if markErr := s.db.MarkRetryFailed(entry.ID, err.Error(), s.cfg.RetryAfter); markErr != nil {
				logger.Error("failed to record retry failure", "error", markErr)
			}
			return
		}
		items = result.Count
	}

	if err := s.db.MarkRetrySuccess(entry.ID); err != nil {
		logger.Error("failed to mark retry done", "error", err)
		return
	}

	logger.Info("retry succeeded", "items", items)
}

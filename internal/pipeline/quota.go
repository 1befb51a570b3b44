package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/atlasguide/enrich/internal/kv"
)

const quotaKeyPrefix = "quota_exceeded:"

// QuotaTracker is a distributed circuit breaker per external API. Once an
// API is marked exhausted, every executor for stages backed by that API
// short-circuits to quota_exceeded without attempting the call, until the
// flag expires or is manually reset.
type QuotaTracker struct {
	store  kv.Store
	cfg    QuotaConfig
	logger *slog.Logger

	// now is swappable for tests
	now func() time.Time
}

// QuotaStatus describes the current state of an API's quota flag.
type QuotaStatus struct {
	API      string        `json:"api"`
	Exceeded bool          `json:"quota_exceeded"`
	ResetsIn time.Duration `json:"resets_in"`
}

// NewQuotaTracker creates a tracker over the given coordination store.
func NewQuotaTracker(store kv.Store, cfg QuotaConfig, logger *slog.Logger) *QuotaTracker {
	return &QuotaTracker{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// IsExceeded reports whether the API's quota flag is currently set.
func (q *QuotaTracker) IsExceeded(ctx context.Context, api string) (bool, error) {
	v, ok, err := q.store.Get(ctx, quotaKeyPrefix+api)
	if err != nil {
		return false, err
	}
	return ok && v == "1", nil
}

// MarkExceeded sets the API's quota flag. A zero resetAt means "the next
// daily reset", computed from the configured reset hour.
func (q *QuotaTracker) MarkExceeded(ctx context.Context, api string, resetAt time.Time) error {
	if resetAt.IsZero() {
		resetAt = q.nextDailyReset()
	}

	ttl := resetAt.Sub(q.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	if err := q.store.Set(ctx, quotaKeyPrefix+api, "1", ttl); err != nil {
		return err
	}

	q.logger.Warn("api quota exceeded, calls disabled",
		"api", api,
		"resets_at", resetAt.UTC(),
		"resets_in", ttl.Round(time.Second))
	return nil
}

// Reset clears the API's quota flag. Manual operational override.
func (q *QuotaTracker) Reset(ctx context.Context, api string) error {
	if err := q.store.Delete(ctx, quotaKeyPrefix+api); err != nil {
		return err
	}
	q.logger.Info("api quota flag reset", "api", api)
	return nil
}

// Status returns the flag state and remaining cooldown for an API.
func (q *QuotaTracker) Status(ctx context.Context, api string) (QuotaStatus, error) {
	exceeded, err := q.IsExceeded(ctx, api)
	if err != nil {
		return QuotaStatus{}, err
	}

	status := QuotaStatus{API: api, Exceeded: exceeded}
	if exceeded {
		ttl, err := q.store.TTL(ctx, quotaKeyPrefix+api)
		if err != nil {
			return QuotaStatus{}, err
		}
		status.ResetsIn = ttl
	}

	return status, nil
}

// nextDailyReset returns the next occurrence of the configured reset hour in
// UTC, at least one second in the future.
func (q *QuotaTracker) nextDailyReset() time.Time {
	now := q.now().UTC()

	reset := time.Date(now.Year(), now.Month(), now.Day(), q.cfg.ResetHourUTC, 0, 0, 0, time.UTC)
	if !reset.After(now.Add(time.Second)) {
		reset = reset.AddDate(0, 0, 1)
	}

	return reset
}

package pipeline

// StageStatus is the terminal outcome of one stage execution for one
// (run, attraction) pair.
type StageStatus int

const (
	// StatusSkipped: the stage was already checkpointed completed; the item
	// moved straight to the next stage.
	StatusSkipped StageStatus = iota

	// StatusTimeout: no concurrency slot became available in time. Nothing
	// was checkpointed; the invocation may be retried later.
	StatusTimeout

	// StatusNotFound: the attraction no longer exists. Fatal for the item,
	// not for the run.
	StatusNotFound

	// StatusQuotaExceeded: the backing API is globally exhausted. Not a
	// per-item failure; the item still advances.
	StatusQuotaExceeded

	// StatusSuccess: data fetched and persisted.
	StatusSuccess

	// StatusNoData: the fetch succeeded but returned nothing. Absence of
	// data is not a pipeline failure.
	StatusNoData

	// StatusError: the fetch or store failed for a reason other than quota
	// exhaustion.
	StatusError
)

// String returns a human-readable representation of the status
func (s StageStatus) String() string {
	switch s {
	case StatusSkipped:
		return "skipped"
	case StatusTimeout:
		return "timeout"
	case StatusNotFound:
		return "not_found"
	case StatusQuotaExceeded:
		return "quota_exceeded"
	case StatusSuccess:
		return "success"
	case StatusNoData:
		return "no_data"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

package constants

// JobStatus is the canonical status for rows in bids.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusNew        JobStatus = "new"        // inserted by the scraper, not yet released to workers
	JobStatusQueued     JobStatus = "queued"     // claimable
	JobStatusProcessing JobStatus = "processing" // owned by exactly one worker
	JobStatusDone       JobStatus = "done"       // terminal: result committed
	JobStatusFailed     JobStatus = "failed"     // terminal: attempts exhausted or permanent failure
)

var allStatuses = []JobStatus{
	JobStatusNew,
	JobStatusQueued,
	JobStatusProcessing,
	JobStatusDone,
	JobStatusFailed,
}

// Statuses returns every job status in lifecycle order.
func Statuses() []JobStatus {
	out := make([]JobStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// Terminal reports whether no further transitions happen from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

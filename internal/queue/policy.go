package queue

import "github.com/joseph-ayodele/tender-extractor/constants"

// RetryPolicy decides the fate of a failed attempt. It holds no state
// beyond configuration; the attempt counter lives on the job.
type RetryPolicy struct {
	MaxAttempts int
	// PermanentBypass sends failures flagged permanent straight to failed
	// regardless of the attempt count.
	PermanentBypass bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, PermanentBypass: true}
}

// Next returns the status and attempt count that follow a failure observed
// at attempts.
func (p RetryPolicy) Next(attempts int, kind constants.FailureKind, permanent bool) (constants.JobStatus, int) {
	next := attempts + 1
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	if permanent && kind == constants.FailurePermanent && p.PermanentBypass {
		return constants.JobStatusFailed, next
	}
	if next >= max {
		return constants.JobStatusFailed, next
	}
	return constants.JobStatusQueued, next
}

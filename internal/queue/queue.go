package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
	"github.com/joseph-ayodele/tender-extractor/internal/extract"
	"github.com/joseph-ayodele/tender-extractor/internal/repository"
)

// Queue hands jobs to workers and accepts their outcomes. Every change to
// a job's coordination fields is a conditional update on the store, so
// any number of Queue values in any number of processes can share it.
type Queue struct {
	jobs    repository.JobRepository
	results repository.ResultRepository
	policy  RetryPolicy

	reviewConfidence float64
	clock            func() time.Time
	log              *slog.Logger
	metrics          *Metrics
}

type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithReviewConfidence sets the confidence below which commits are flagged
// for review.
func WithReviewConfidence(c float64) Option {
	return func(q *Queue) { q.reviewConfidence = c }
}

func New(jobs repository.JobRepository, results repository.ResultRepository, policy RetryPolicy, opts ...Option) *Queue {
	q := &Queue{
		jobs:    jobs,
		results: results,
		policy:  policy,
		clock:   time.Now,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// now is UTC at the precision every supported store keeps.
func (q *Queue) now() time.Time {
	return q.clock().UTC().Truncate(time.Microsecond)
}

func (q *Queue) Policy() RetryPolicy { return q.policy }

func (q *Queue) Metrics() *Metrics { return q.metrics }

// Claim moves up to batchSize queued jobs to processing under workerID,
// fewest attempts first and oldest first within a tie. An empty queue
// yields an empty slice.
func (q *Queue) Claim(ctx context.Context, workerID string, batchSize int) ([]*entity.Job, error) {
	v := common.NewValidator().
		Field("worker_id", workerID, common.Required, common.MaxLength(255)).
		Field("batch_size", batchSize, common.Positive)
	if err := v.Error(); err != nil {
		return nil, err
	}
	jobs, err := q.jobs.Claim(ctx, workerID, batchSize, q.now())
	if err != nil {
		return nil, err
	}
	q.metrics.addClaimed(len(jobs))
	if len(jobs) > 0 {
		q.log.Debug("queue.claim.ok", "worker_id", workerID, "count", len(jobs))
	}
	return jobs, nil
}

// Release gives a claim back without counting an attempt.
func (q *Queue) Release(ctx context.Context, jobID int64, workerID string) error {
	v := common.NewValidator().
		Field("job_id", jobID, common.Positive).
		Field("worker_id", workerID, common.Required)
	if err := v.Error(); err != nil {
		return err
	}
	ok, err := q.jobs.Release(ctx, jobID, workerID, q.now())
	if err != nil {
		return err
	}
	if !ok {
		return q.ownershipError(ctx, jobID, workerID)
	}
	q.metrics.incReleased()
	q.log.Info("queue.release.ok", "job_id", jobID, "worker_id", workerID)
	return nil
}

// FailRequest reports a failed attempt by the owning worker.
type FailRequest struct {
	JobID    int64
	WorkerID string
	Kind     constants.FailureKind
	Message  string
	// Permanent asks for an immediate terminal failure; honoured for
	// permanent failures when the policy allows it.
	Permanent bool
}

// FailOutcome is the state a failure left the job in.
type FailOutcome struct {
	Status   constants.JobStatus
	Attempts int
}

// Fail records a failed attempt by the owning worker and requeues or
// fails the job per the retry policy.
func (q *Queue) Fail(ctx context.Context, req FailRequest) (FailOutcome, error) {
	v := common.NewValidator().
		Field("job_id", req.JobID, common.Positive).
		Field("worker_id", req.WorkerID, common.Required)
	if err := v.Error(); err != nil {
		return FailOutcome{}, err
	}
	kind := constants.FailureTransient
	if req.Kind != "" {
		kind, _ = constants.CanonicalFailureKind(string(req.Kind))
	}
	if kind == constants.FailureLeaseExpired {
		return FailOutcome{}, common.NewAppError("INVALID_KIND", "lease_expired is reserved for the lease sweeper", common.ErrInvalidInput)
	}

	job, err := q.jobs.Get(ctx, req.JobID)
	if err != nil {
		return FailOutcome{}, err
	}
	if !job.OwnedBy(req.WorkerID) {
		return FailOutcome{}, ownershipFrom(job, req.WorkerID)
	}
	applied, out, err := q.applyFailure(ctx, job, kind, req.Message, req.Permanent, nil)
	if err != nil {
		return FailOutcome{}, err
	}
	if !applied {
		return FailOutcome{}, q.ownershipError(ctx, req.JobID, req.WorkerID)
	}
	return out, nil
}

// applyFailure is the single failure path shared by workers and the lease
// sweeper. It moves job, as observed, to the policy's next status; the
// update only lands if the row still matches the observation. staleBefore
// restricts it to claims older than the sweep cutoff.
func (q *Queue) applyFailure(ctx context.Context, job *entity.Job, kind constants.FailureKind, message string, permanent bool, staleBefore *time.Time) (bool, FailOutcome, error) {
	status, attempts := q.policy.Next(job.Attempts, kind, permanent)
	if message == "" {
		message = string(kind)
	}
	applied, err := q.jobs.Transition(ctx, repository.Transition{
		JobID:        job.ID,
		Owner:        job.Owner(),
		Attempts:     job.Attempts,
		StaleBefore:  staleBefore,
		Status:       status,
		NextAttempts: attempts,
		LastError:    message,
		Now:          q.now(),
	})
	if err != nil || !applied {
		return false, FailOutcome{}, err
	}
	q.metrics.incFailed(kind, status)
	attrs := []any{"job_id", job.ID, "bid_number", job.BidNumber, "worker_id", job.Owner(),
		"kind", kind, "attempts", attempts, "status", status}
	if status == constants.JobStatusFailed {
		q.log.Warn("queue.fail.terminal", append(attrs, "error", message)...)
	} else {
		q.log.Info("queue.fail.requeued", attrs...)
	}
	return true, FailOutcome{Status: status, Attempts: attempts}, nil
}

// Artifacts are the locations the extraction engine wrote to.
type Artifacts struct {
	PDFURI  *string
	JSONURI *string
}

// CommitRequest carries a successful extraction from the owning worker.
type CommitRequest struct {
	JobID      int64
	WorkerID   string
	Result     entity.Fields
	Artifacts  Artifacts
	Confidence *float64
}

// CommitOutcome describes an accepted commit. Duplicate means a result for
// the bid number already existed; AlreadyDone means the job had been
// committed before and nothing was written. Commits are idempotent per bid
// number, not per worker: a caller whose claim expired and was committed by
// another worker also gets AlreadyDone, and its output was not stored.
type CommitOutcome struct {
	Duplicate     bool
	AlreadyDone   bool
	LowConfidence bool
}

// Commit stores the result and marks the job done, exactly once per bid
// number.
func (q *Queue) Commit(ctx context.Context, req CommitRequest) (CommitOutcome, error) {
	v := common.NewValidator().
		Field("job_id", req.JobID, common.Positive).
		Field("worker_id", req.WorkerID, common.Required).
		Field("confidence", req.Confidence, common.UnitInterval)
	if err := v.Error(); err != nil {
		return CommitOutcome{}, err
	}
	if err := extract.ValidateFields(req.Result); err != nil {
		return CommitOutcome{}, err
	}

	state, err := q.results.Commit(ctx, repository.CommitParams{
		JobID:      req.JobID,
		WorkerID:   req.WorkerID,
		Fields:     req.Result,
		PDFURI:     req.Artifacts.PDFURI,
		JSONURI:    req.Artifacts.JSONURI,
		Confidence: req.Confidence,
		Now:        q.now(),
	})
	if err != nil {
		return CommitOutcome{}, err
	}
	if !state.Applied {
		if state.Job.Status == constants.JobStatusDone {
			q.metrics.incCommitted(true)
			q.log.Info("queue.commit.replayed", "job_id", req.JobID, "bid_number", state.Job.BidNumber, "worker_id", req.WorkerID)
			return CommitOutcome{Duplicate: true, AlreadyDone: true}, nil
		}
		return CommitOutcome{}, ownershipFrom(state.Job, req.WorkerID)
	}

	out := CommitOutcome{
		Duplicate:     state.Duplicate,
		LowConfidence: req.Confidence != nil && *req.Confidence < q.reviewConfidence,
	}
	q.metrics.incCommitted(out.Duplicate)
	q.log.Info("queue.commit.ok", "job_id", req.JobID, "bid_number", state.Job.BidNumber,
		"worker_id", req.WorkerID, "duplicate", out.Duplicate, "low_confidence", out.LowConfidence)
	return out, nil
}

// Counts returns jobs per status and refreshes the jobs gauge.
func (q *Queue) Counts(ctx context.Context) (entity.StatusCounts, error) {
	counts, err := q.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	q.metrics.setJobs(counts)
	return counts, nil
}

func (q *Queue) ownershipError(ctx context.Context, jobID int64, workerID string) error {
	job, err := q.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return ownershipFrom(job, workerID)
}

func ownershipFrom(job *entity.Job, workerID string) error {
	return &common.OwnershipError{
		JobID:    job.ID,
		WorkerID: workerID,
		Owner:    job.Owner(),
		Status:   string(job.Status),
	}
}

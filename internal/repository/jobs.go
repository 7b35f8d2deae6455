package repository

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
)

// Transition is a guarded move of a processing job to its next status. It
// applies only while the row still shows the observed owner and attempts,
// and for lease reclaims only while the claim is older than StaleBefore.
type Transition struct {
	JobID       int64
	Owner       string
	Attempts    int
	StaleBefore *time.Time

	Status       constants.JobStatus
	NextAttempts int
	LastError    string
	Now          time.Time
}

// JobFilter narrows List.
type JobFilter struct {
	Status constants.JobStatus
	Limit  int
}

type JobRepository interface {
	Insert(ctx context.Context, l entity.Listing, status constants.JobStatus, now time.Time) (*entity.Job, bool, error)
	Get(ctx context.Context, id int64) (*entity.Job, error)
	GetByBidNumber(ctx context.Context, bidNumber string) (*entity.Job, error)
	Promote(ctx context.Context, limit int, now time.Time) ([]int64, error)
	Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]*entity.Job, error)
	Release(ctx context.Context, id int64, workerID string, now time.Time) (bool, error)
	Transition(ctx context.Context, t Transition) (bool, error)
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*entity.Job, error)
	List(ctx context.Context, f JobFilter) ([]*entity.Job, error)
	CountByStatus(ctx context.Context) (entity.StatusCounts, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

type jobRepo struct {
	drv dialect.Driver
	log *slog.Logger
}

func NewJobRepository(drv dialect.Driver, log *slog.Logger) JobRepository {
	return &jobRepo{drv: drv, log: log}
}

var jobColumns = []string{
	ColID, ColBidNumber, ColPage, ColDetailURL, ColItems, ColQuantity, ColDepartment,
	ColStartDate, ColEndDate, ColStatus, ColLockedBy, ColProcessingStartedTS, ColAttempts,
	ColLastError, ColTodayScan, ColPDFURI, ColJSONURI, ColParseConfidence, ColCreatedAt, ColUpdatedAt,
}

func (r *jobRepo) b() *entsql.DialectBuilder {
	return entsql.Dialect(r.drv.Dialect())
}

func (r *jobRepo) selectJobs() *entsql.Selector {
	b := r.b()
	return b.Select(jobColumns...).From(b.Table(TableBids))
}

// Insert adds a listing keyed by bid number. An existing bid number is left
// untouched and returned with created=false.
func (r *jobRepo) Insert(ctx context.Context, l entity.Listing, status constants.JobStatus, now time.Time) (*entity.Job, bool, error) {
	q, args := r.b().Insert(TableBids).
		Columns(ColBidNumber, ColPage, ColDetailURL, ColItems, ColQuantity, ColDepartment,
			ColStartDate, ColEndDate, ColStatus, ColAttempts, ColTodayScan, ColCreatedAt, ColUpdatedAt).
		Values(l.BidNumber, nullInt(l.Page), nullString(l.DetailURL), nullString(l.Items),
			nullString(l.Quantity), nullString(l.Department), nullString(l.StartDate),
			nullString(l.EndDate), string(status), 0, false, now, now).
		OnConflict(entsql.ConflictColumns(ColBidNumber), entsql.DoNothing()).
		Query()
	n, err := execAffected(ctx, r.drv, q, args)
	if err != nil {
		r.log.Error("bid insert failed", "bid_number", l.BidNumber, "err", err)
		return nil, false, common.DatabaseError("insert bid", err)
	}
	job, err := r.GetByBidNumber(ctx, l.BidNumber)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		r.log.Debug("bid already present", "bid_number", l.BidNumber, "job_id", job.ID)
	}
	return job, n > 0, nil
}

func (r *jobRepo) Get(ctx context.Context, id int64) (*entity.Job, error) {
	q, args := r.selectJobs().Where(entsql.EQ(ColID, id)).Query()
	jobs, err := r.queryJobs(ctx, r.drv, q, args)
	if err != nil {
		return nil, common.DatabaseError("get bid", err)
	}
	if len(jobs) == 0 {
		return nil, common.NewAppError("NOT_FOUND", fmt.Sprintf("job %d", id), common.ErrNotFound)
	}
	return jobs[0], nil
}

func (r *jobRepo) GetByBidNumber(ctx context.Context, bidNumber string) (*entity.Job, error) {
	q, args := r.selectJobs().Where(entsql.EQ(ColBidNumber, bidNumber)).Query()
	jobs, err := r.queryJobs(ctx, r.drv, q, args)
	if err != nil {
		return nil, common.DatabaseError("get bid by number", err)
	}
	if len(jobs) == 0 {
		return nil, common.NewAppError("NOT_FOUND", fmt.Sprintf("bid %s", bidNumber), common.ErrNotFound)
	}
	return jobs[0], nil
}

// Promote moves up to limit new jobs to queued, oldest first, and returns
// the ids it moved.
func (r *jobRepo) Promote(ctx context.Context, limit int, now time.Time) ([]int64, error) {
	var promoted []int64
	err := withTx(ctx, r.drv, func(tx dialect.Tx) error {
		b := r.b()
		sel := b.Select(ColID).From(b.Table(TableBids)).
			Where(entsql.EQ(ColStatus, string(constants.JobStatusNew))).
			OrderBy(ColID).
			Limit(limit)
		r.lockRows(sel)
		q, args := sel.Query()
		ids, err := scanIDs(ctx, tx, q, args)
		if err != nil || len(ids) == 0 {
			return err
		}
		q, args = b.Update(TableBids).
			Set(ColStatus, string(constants.JobStatusQueued)).
			Set(ColUpdatedAt, now).
			Where(entsql.And(
				entsql.In(ColID, anyIDs(ids)...),
				entsql.EQ(ColStatus, string(constants.JobStatusNew)),
			)).Query()
		if _, err := execAffected(ctx, tx, q, args); err != nil {
			return err
		}
		promoted = ids
		return nil
	})
	if err != nil {
		return nil, common.DatabaseError("promote bids", err)
	}
	return promoted, nil
}

// Claim hands up to limit queued jobs to workerID. Candidates are read in
// (attempts, id) order and then taken by an update guarded on
// status = queued, so a row raced away by another claimer is skipped
// rather than shared.
func (r *jobRepo) Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]*entity.Job, error) {
	var claimed []*entity.Job
	err := withTx(ctx, r.drv, func(tx dialect.Tx) error {
		b := r.b()
		sel := b.Select(ColID).From(b.Table(TableBids)).
			Where(entsql.And(
				entsql.EQ(ColTodayScan, false),
				entsql.EQ(ColStatus, string(constants.JobStatusQueued)),
			)).
			OrderBy(ColAttempts, ColID).
			Limit(limit)
		r.lockRows(sel)
		q, args := sel.Query()
		ids, err := scanIDs(ctx, tx, q, args)
		if err != nil || len(ids) == 0 {
			return err
		}

		q, args = b.Update(TableBids).
			Set(ColStatus, string(constants.JobStatusProcessing)).
			Set(ColLockedBy, workerID).
			Set(ColProcessingStartedTS, now).
			Set(ColUpdatedAt, now).
			Where(entsql.And(
				entsql.In(ColID, anyIDs(ids)...),
				entsql.EQ(ColStatus, string(constants.JobStatusQueued)),
			)).Query()
		n, err := execAffected(ctx, tx, q, args)
		if err != nil || n == 0 {
			return err
		}

		q, args = r.selectJobs().
			Where(entsql.And(
				entsql.In(ColID, anyIDs(ids)...),
				entsql.EQ(ColStatus, string(constants.JobStatusProcessing)),
				entsql.EQ(ColLockedBy, workerID),
			)).
			OrderBy(ColAttempts, ColID).
			Query()
		claimed, err = r.queryJobs(ctx, tx, q, args)
		return err
	})
	if err != nil {
		r.log.Error("claim failed", "worker_id", workerID, "err", err)
		return nil, common.DatabaseError("claim bids", err)
	}
	return claimed, nil
}

// lockRows skips rows already locked by a concurrent claimer on backends
// that support row locks.
func (r *jobRepo) lockRows(sel *entsql.Selector) {
	if r.drv.Dialect() == dialect.Postgres {
		sel.ForUpdate(entsql.WithLockAction(entsql.SkipLocked))
	}
}

// Release puts a job owned by workerID back in the queue without touching
// attempts. It reports false when workerID is not the owner.
func (r *jobRepo) Release(ctx context.Context, id int64, workerID string, now time.Time) (bool, error) {
	q, args := r.b().Update(TableBids).
		Set(ColStatus, string(constants.JobStatusQueued)).
		SetNull(ColLockedBy).
		SetNull(ColProcessingStartedTS).
		Set(ColUpdatedAt, now).
		Where(entsql.And(
			entsql.EQ(ColID, id),
			entsql.EQ(ColStatus, string(constants.JobStatusProcessing)),
			entsql.EQ(ColLockedBy, workerID),
		)).Query()
	n, err := execAffected(ctx, r.drv, q, args)
	if err != nil {
		r.log.Error("release failed", "job_id", id, "worker_id", workerID, "err", err)
		return false, common.DatabaseError("release bid", err)
	}
	return n == 1, nil
}

// Transition applies t as a single conditional update and reports whether
// the row still matched.
func (r *jobRepo) Transition(ctx context.Context, t Transition) (bool, error) {
	preds := []*entsql.Predicate{
		entsql.EQ(ColID, t.JobID),
		entsql.EQ(ColStatus, string(constants.JobStatusProcessing)),
		entsql.EQ(ColLockedBy, t.Owner),
		entsql.EQ(ColAttempts, t.Attempts),
	}
	if t.StaleBefore != nil {
		preds = append(preds, entsql.LT(ColProcessingStartedTS, *t.StaleBefore))
	}
	q, args := r.b().Update(TableBids).
		Set(ColStatus, string(t.Status)).
		Set(ColAttempts, t.NextAttempts).
		Set(ColLastError, t.LastError).
		SetNull(ColLockedBy).
		SetNull(ColProcessingStartedTS).
		Set(ColUpdatedAt, t.Now).
		Where(entsql.And(preds...)).
		Query()
	n, err := execAffected(ctx, r.drv, q, args)
	if err != nil {
		r.log.Error("transition failed", "job_id", t.JobID, "status", t.Status, "err", err)
		return false, common.DatabaseError("transition bid", err)
	}
	return n == 1, nil
}

// ListStale returns processing jobs claimed before cutoff, oldest claim first.
func (r *jobRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*entity.Job, error) {
	sel := r.selectJobs().
		Where(entsql.And(
			entsql.EQ(ColStatus, string(constants.JobStatusProcessing)),
			entsql.LT(ColProcessingStartedTS, cutoff),
		)).
		OrderBy(ColProcessingStartedTS, ColID)
	if limit > 0 {
		sel.Limit(limit)
	}
	q, args := sel.Query()
	jobs, err := r.queryJobs(ctx, r.drv, q, args)
	if err != nil {
		return nil, common.DatabaseError("list stale bids", err)
	}
	return jobs, nil
}

func (r *jobRepo) List(ctx context.Context, f JobFilter) ([]*entity.Job, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, common.NewAppError("INVALID_STATUS", string(f.Status), common.ErrInvalidInput)
	}
	sel := r.selectJobs().OrderBy(ColID)
	if f.Status != "" {
		sel.Where(entsql.EQ(ColStatus, string(f.Status)))
	}
	if f.Limit > 0 {
		sel.Limit(f.Limit)
	}
	q, args := sel.Query()
	jobs, err := r.queryJobs(ctx, r.drv, q, args)
	if err != nil {
		return nil, common.DatabaseError("list bids", err)
	}
	return jobs, nil
}

func (r *jobRepo) CountByStatus(ctx context.Context) (entity.StatusCounts, error) {
	b := r.b()
	q, args := b.Select(ColStatus, entsql.Count("*")).
		From(b.Table(TableBids)).
		GroupBy(ColStatus).
		Query()
	rows := &entsql.Rows{}
	if err := r.drv.Query(ctx, q, args, rows); err != nil {
		return nil, common.DatabaseError("count bids", err)
	}
	defer rows.Close()

	counts := entity.StatusCounts{}
	for _, s := range constants.Statuses() {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, common.DatabaseError("count bids", err)
		}
		counts[constants.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, common.DatabaseError("count bids", err)
	}
	return counts, nil
}

// Delete removes a job; its result goes with it.
func (r *jobRepo) Delete(ctx context.Context, id int64) (bool, error) {
	q, args := r.b().Delete(TableBids).Where(entsql.EQ(ColID, id)).Query()
	n, err := execAffected(ctx, r.drv, q, args)
	if err != nil {
		return false, common.DatabaseError("delete bid", err)
	}
	return n == 1, nil
}

func (r *jobRepo) queryJobs(ctx context.Context, eq dialect.ExecQuerier, query string, args []any) ([]*entity.Job, error) {
	rows := &entsql.Rows{}
	if err := eq.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*entity.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(rows *entsql.Rows) (*entity.Job, error) {
	var (
		j          entity.Job
		page       stdsql.NullInt64
		detailURL  stdsql.NullString
		items      stdsql.NullString
		quantity   stdsql.NullString
		department stdsql.NullString
		startDate  stdsql.NullString
		endDate    stdsql.NullString
		status     string
		lockedBy   stdsql.NullString
		startedTS  stdsql.NullTime
		lastError  stdsql.NullString
		pdfURI     stdsql.NullString
		jsonURI    stdsql.NullString
		confidence stdsql.NullFloat64
	)
	if err := rows.Scan(&j.ID, &j.BidNumber, &page, &detailURL, &items, &quantity, &department,
		&startDate, &endDate, &status, &lockedBy, &startedTS, &j.Attempts,
		&lastError, &j.TodayScan, &pdfURI, &jsonURI, &confidence, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Page = intPtr(page)
	j.DetailURL = stringPtr(detailURL)
	j.Items = stringPtr(items)
	j.Quantity = stringPtr(quantity)
	j.Department = stringPtr(department)
	j.StartDate = stringPtr(startDate)
	j.EndDate = stringPtr(endDate)
	j.Status = constants.JobStatus(status)
	j.LockedBy = stringPtr(lockedBy)
	j.ProcessingStartedTS = timePtr(startedTS)
	j.LastError = stringPtr(lastError)
	j.PDFURI = stringPtr(pdfURI)
	j.JSONURI = stringPtr(jsonURI)
	j.ParseConfidence = floatPtr(confidence)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

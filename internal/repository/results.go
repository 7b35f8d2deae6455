package repository

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
)

// CommitParams carries one successful extraction for a claimed job.
type CommitParams struct {
	JobID      int64
	WorkerID   string
	Fields     entity.Fields
	PDFURI     *string
	JSONURI    *string
	Confidence *float64
	Now        time.Time
}

// CommitState describes what a commit changed. When Applied is false the
// job was not owned by the caller and nothing was written; Job holds the
// row as it stood.
type CommitState struct {
	Applied   bool
	Duplicate bool
	Job       *entity.Job
}

// ResultFilter narrows List. Zero values match everything.
type ResultFilter struct {
	BidNumber string
	Since     *time.Time
	Limit     int
}

type ResultRepository interface {
	Commit(ctx context.Context, p CommitParams) (*CommitState, error)
	GetByBidNumber(ctx context.Context, bidNumber string) (*entity.ResultView, error)
	List(ctx context.Context, f ResultFilter) ([]*entity.ResultView, error)
	Count(ctx context.Context) (int, error)
}

type resultRepo struct {
	drv  dialect.Driver
	jobs *jobRepo
	log  *slog.Logger
}

func NewResultRepository(drv dialect.Driver, log *slog.Logger) ResultRepository {
	return &resultRepo{drv: drv, jobs: &jobRepo{drv: drv, log: log}, log: log}
}

func (r *resultRepo) b() *entsql.DialectBuilder {
	return entsql.Dialect(r.drv.Dialect())
}

// Commit marks the job done and stores its result in one transaction. The
// job update is guarded on ownership; the result insert is keyed by bid
// number and a second insert for the same bid is absorbed.
func (r *resultRepo) Commit(ctx context.Context, p CommitParams) (*CommitState, error) {
	specs, err := marshalSpecs(p.Fields.TechnicalSpecs)
	if err != nil {
		return nil, common.NewAppError("INVALID_RESULT", "technical_specs", fmt.Errorf("%w: %v", common.ErrValidation, err))
	}

	state := &CommitState{}
	err = withTx(ctx, r.drv, func(tx dialect.Tx) error {
		b := r.b()
		q, args := b.Update(TableBids).
			Set(ColStatus, string(constants.JobStatusDone)).
			Set(ColTodayScan, true).
			Set(ColPDFURI, nullString(p.PDFURI)).
			Set(ColJSONURI, nullString(p.JSONURI)).
			Set(ColParseConfidence, nullFloat(p.Confidence)).
			SetNull(ColLockedBy).
			SetNull(ColProcessingStartedTS).
			Set(ColUpdatedAt, p.Now).
			Where(entsql.And(
				entsql.EQ(ColID, p.JobID),
				entsql.EQ(ColStatus, string(constants.JobStatusProcessing)),
				entsql.EQ(ColLockedBy, p.WorkerID),
			)).Query()
		n, err := execAffected(ctx, tx, q, args)
		if err != nil {
			return err
		}

		q, args = r.jobs.selectJobs().Where(entsql.EQ(ColID, p.JobID)).Query()
		jobs, err := r.jobs.queryJobs(ctx, tx, q, args)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return common.NewAppError("NOT_FOUND", fmt.Sprintf("job %d", p.JobID), common.ErrNotFound)
		}
		state.Job = jobs[0]
		if n == 0 {
			return nil
		}
		state.Applied = true

		q, args = b.Insert(TableFinalBids).
			Columns(ColBidID, ColBidNumber, ColBuyer, ColItemDescription, ColTotalQuantity, ColUnit,
				ColEMDAmount, ColEPBGRequired, ColTechnicalSpecs, ColRawJSONURI, ColCreatedAt, ColUpdatedAt).
			Values(p.JobID, state.Job.BidNumber, nullString(p.Fields.Buyer), nullString(p.Fields.ItemDescription),
				nullString(p.Fields.TotalQuantity), nullString(p.Fields.Unit), nullString(p.Fields.EMDAmount),
				p.Fields.EPBGRequired, specs, nullString(p.JSONURI), p.Now, p.Now).
			OnConflict(entsql.ConflictColumns(ColBidNumber), entsql.DoNothing()).
			Query()
		inserted, err := execAffected(ctx, tx, q, args)
		if err != nil {
			return err
		}
		state.Duplicate = inserted == 0
		return nil
	})
	if err != nil {
		if common.IsNotFound(err) {
			return nil, err
		}
		r.log.Error("commit failed", "job_id", p.JobID, "worker_id", p.WorkerID, "err", err)
		return nil, common.DatabaseError("commit result", err)
	}
	if state.Applied {
		r.log.Info("result committed", "job_id", p.JobID, "bid_number", state.Job.BidNumber, "duplicate", state.Duplicate)
	}
	return state, nil
}

var resultColumns = []string{
	ColID, ColBidID, ColBidNumber, ColBuyer, ColItemDescription, ColTotalQuantity, ColUnit,
	ColEMDAmount, ColEPBGRequired, ColTechnicalSpecs, ColRawJSONURI, ColCreatedAt, ColUpdatedAt,
}

var viewJobColumns = []string{
	ColPage, ColDetailURL, ColItems, ColQuantity, ColDepartment, ColStartDate, ColEndDate,
	ColParseConfidence, ColPDFURI,
}

func (r *resultRepo) selectViews() (*entsql.Selector, *entsql.SelectTable) {
	b := r.b()
	rt := b.Table(TableFinalBids).As("r")
	bt := b.Table(TableBids).As("b")
	cols := make([]string, 0, len(resultColumns)+len(viewJobColumns))
	for _, c := range resultColumns {
		cols = append(cols, rt.C(c))
	}
	for _, c := range viewJobColumns {
		cols = append(cols, bt.C(c))
	}
	sel := b.Select(cols...).
		From(rt).
		Join(bt).On(rt.C(ColBidID), bt.C(ColID)).
		OrderBy(rt.C(ColID))
	return sel, rt
}

func (r *resultRepo) GetByBidNumber(ctx context.Context, bidNumber string) (*entity.ResultView, error) {
	views, err := r.List(ctx, ResultFilter{BidNumber: bidNumber, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, common.NewAppError("NOT_FOUND", fmt.Sprintf("result %s", bidNumber), common.ErrNotFound)
	}
	return views[0], nil
}

// List returns results joined with their job's listing fields, in commit order.
func (r *resultRepo) List(ctx context.Context, f ResultFilter) ([]*entity.ResultView, error) {
	sel, rt := r.selectViews()
	var preds []*entsql.Predicate
	if f.BidNumber != "" {
		preds = append(preds, entsql.EQ(rt.C(ColBidNumber), f.BidNumber))
	}
	if f.Since != nil {
		preds = append(preds, entsql.GTE(rt.C(ColCreatedAt), *f.Since))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	if f.Limit > 0 {
		sel.Limit(f.Limit)
	}
	q, args := sel.Query()
	rows := &entsql.Rows{}
	if err := r.drv.Query(ctx, q, args, rows); err != nil {
		return nil, common.DatabaseError("list results", err)
	}
	defer rows.Close()

	var views []*entity.ResultView
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, common.DatabaseError("scan result", err)
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, common.DatabaseError("list results", err)
	}
	return views, nil
}

func (r *resultRepo) Count(ctx context.Context) (int, error) {
	b := r.b()
	q, args := b.Select(entsql.Count("*")).From(b.Table(TableFinalBids)).Query()
	rows := &entsql.Rows{}
	if err := r.drv.Query(ctx, q, args, rows); err != nil {
		return 0, common.DatabaseError("count results", err)
	}
	defer rows.Close()
	n := 0
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, common.DatabaseError("count results", err)
		}
	}
	return n, rows.Err()
}

func scanView(rows *entsql.Rows) (*entity.ResultView, error) {
	var (
		v          entity.ResultView
		buyer      stdsql.NullString
		itemDesc   stdsql.NullString
		totalQty   stdsql.NullString
		unit       stdsql.NullString
		emd        stdsql.NullString
		specs      stdsql.NullString
		rawJSON    stdsql.NullString
		page       stdsql.NullInt64
		detailURL  stdsql.NullString
		items      stdsql.NullString
		quantity   stdsql.NullString
		department stdsql.NullString
		startDate  stdsql.NullString
		endDate    stdsql.NullString
		confidence stdsql.NullFloat64
		pdfURI     stdsql.NullString
	)
	if err := rows.Scan(&v.ID, &v.BidID, &v.BidNumber, &buyer, &itemDesc, &totalQty, &unit,
		&emd, &v.EPBGRequired, &specs, &rawJSON, &v.CreatedAt, &v.UpdatedAt,
		&page, &detailURL, &items, &quantity, &department, &startDate, &endDate,
		&confidence, &pdfURI); err != nil {
		return nil, err
	}
	v.Buyer = stringPtr(buyer)
	v.ItemDescription = stringPtr(itemDesc)
	v.TotalQuantity = stringPtr(totalQty)
	v.Unit = stringPtr(unit)
	v.EMDAmount = stringPtr(emd)
	v.RawJSONURI = stringPtr(rawJSON)
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	if specs.Valid && specs.String != "" {
		st := &structpb.Struct{}
		if err := protojson.Unmarshal([]byte(specs.String), st); err != nil {
			return nil, fmt.Errorf("decode technical_specs: %w", err)
		}
		v.TechnicalSpecs = st
	}
	v.Listing = entity.Listing{
		BidNumber:  v.BidNumber,
		Page:       intPtr(page),
		DetailURL:  stringPtr(detailURL),
		Items:      stringPtr(items),
		Quantity:   stringPtr(quantity),
		Department: stringPtr(department),
		StartDate:  stringPtr(startDate),
		EndDate:    stringPtr(endDate),
	}
	v.ParseConfidence = floatPtr(confidence)
	v.PDFURI = stringPtr(pdfURI)
	return &v, nil
}

func marshalSpecs(st *structpb.Struct) (any, error) {
	if st == nil {
		return nil, nil
	}
	b, err := protojson.Marshal(st)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

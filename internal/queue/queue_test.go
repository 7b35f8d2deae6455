package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
	"github.com/joseph-ayodele/tender-extractor/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	q       *Queue
	jobs    repository.JobRepository
	results repository.ResultRepository
	clock   *fakeClock
	reg     *prometheus.Registry
}

func newHarness(t *testing.T, policy RetryPolicy, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	drv, err := repository.OpenSQLite(ctx, "", logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = drv.Close() })
	if err := repository.Migrate(ctx, drv, logger); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	h := &harness{
		jobs:    repository.NewJobRepository(drv, logger),
		results: repository.NewResultRepository(drv, logger),
		clock:   &fakeClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
		reg:     prometheus.NewRegistry(),
	}
	base := []Option{WithClock(h.clock.Now), WithLogger(logger), WithMetrics(NewMetrics(h.reg)), WithReviewConfidence(0.6)}
	h.q = New(h.jobs, h.results, policy, append(base, opts...)...)
	return h
}

func (h *harness) enqueue(t *testing.T, bidNumbers ...string) []*entity.Job {
	t.Helper()
	var out []*entity.Job
	for _, bn := range bidNumbers {
		j, _, err := h.jobs.Insert(context.Background(), entity.Listing{BidNumber: bn}, constants.JobStatusQueued, h.clock.Now())
		if err != nil {
			t.Fatalf("Insert(%s): %v", bn, err)
		}
		out = append(out, j)
	}
	return out
}

func (h *harness) job(t *testing.T, id int64) *entity.Job {
	t.Helper()
	j, err := h.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return j
}

func (h *harness) claimOne(t *testing.T, worker string) *entity.Job {
	t.Helper()
	jobs, err := h.q.Claim(context.Background(), worker, 1)
	if err != nil {
		t.Fatalf("Claim(%s): %v", worker, err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Claim(%s) returned %d jobs", worker, len(jobs))
	}
	return jobs[0]
}

func (h *harness) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := h.reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	total := 0.0
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func strp(s string) *string { return &s }

func TestRetryPolicy_Next(t *testing.T) {
	tests := []struct {
		name         string
		policy       RetryPolicy
		attempts     int
		kind         constants.FailureKind
		permanent    bool
		wantStatus   constants.JobStatus
		wantAttempts int
	}{
		{"first transient", RetryPolicy{MaxAttempts: 3}, 0, constants.FailureTransient, false, constants.JobStatusQueued, 1},
		{"second transient", RetryPolicy{MaxAttempts: 3}, 1, constants.FailureTransient, false, constants.JobStatusQueued, 2},
		{"exhausted", RetryPolicy{MaxAttempts: 3}, 2, constants.FailureTransient, false, constants.JobStatusFailed, 3},
		{"lease counts as attempt", RetryPolicy{MaxAttempts: 3}, 2, constants.FailureLeaseExpired, false, constants.JobStatusFailed, 3},
		{"permanent bypass", RetryPolicy{MaxAttempts: 3, PermanentBypass: true}, 0, constants.FailurePermanent, true, constants.JobStatusFailed, 1},
		{"permanent without flag", RetryPolicy{MaxAttempts: 3, PermanentBypass: true}, 0, constants.FailurePermanent, false, constants.JobStatusQueued, 1},
		{"bypass disabled", RetryPolicy{MaxAttempts: 3}, 0, constants.FailurePermanent, true, constants.JobStatusQueued, 1},
		{"flag ignored for transient", RetryPolicy{MaxAttempts: 3, PermanentBypass: true}, 0, constants.FailureTransient, true, constants.JobStatusQueued, 1},
		{"zero max treated as one", RetryPolicy{}, 0, constants.FailureTransient, false, constants.JobStatusFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, attempts := tt.policy.Next(tt.attempts, tt.kind, tt.permanent)
			if status != tt.wantStatus || attempts != tt.wantAttempts {
				t.Errorf("Next(%d) = %s/%d, want %s/%d", tt.attempts, status, attempts, tt.wantStatus, tt.wantAttempts)
			}
		})
	}
}

// A job that fails twice and then succeeds ends done with two attempts
// and a single result.
func TestScenario_RetriedThenCommitted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RetryPolicy{MaxAttempts: 3})
	h.enqueue(t, "GEM/2024/B/001")

	a := h.claimOne(t, "worker-a")
	if a.Status != constants.JobStatusProcessing || a.Attempts != 0 {
		t.Fatalf("after claim by A: %+v", a)
	}
	out, err := h.q.Fail(ctx, FailRequest{JobID: a.ID, WorkerID: "worker-a", Kind: constants.FailureTransient, Message: "portal timeout"})
	if err != nil {
		t.Fatalf("Fail(A): %v", err)
	}
	if out.Status != constants.JobStatusQueued || out.Attempts != 1 {
		t.Fatalf("Fail(A) = %+v", out)
	}

	b := h.claimOne(t, "worker-b")
	out, err = h.q.Fail(ctx, FailRequest{JobID: b.ID, WorkerID: "worker-b", Kind: constants.FailureTransient, Message: "pdf download reset"})
	if err != nil {
		t.Fatalf("Fail(B): %v", err)
	}
	if out.Status != constants.JobStatusQueued || out.Attempts != 2 {
		t.Fatalf("Fail(B) = %+v", out)
	}

	c := h.claimOne(t, "worker-c")
	conf := 0.91
	res, err := h.q.Commit(ctx, CommitRequest{
		JobID:      c.ID,
		WorkerID:   "worker-c",
		Result:     entity.Fields{Buyer: strp("Ministry of Defence")},
		Artifacts:  Artifacts{JSONURI: strp("file:///artifacts/GEM_2024_B_001.json")},
		Confidence: &conf,
	})
	if err != nil {
		t.Fatalf("Commit(C): %v", err)
	}
	if res.Duplicate || res.AlreadyDone || res.LowConfidence {
		t.Errorf("Commit(C) = %+v", res)
	}

	final := h.job(t, c.ID)
	if final.Status != constants.JobStatusDone || !final.TodayScan || final.Attempts != 2 {
		t.Errorf("final job = %+v", final)
	}
	if final.LockedBy != nil || final.ProcessingStartedTS != nil {
		t.Errorf("lock not cleared: %+v", final)
	}
	if n, _ := h.results.Count(ctx); n != 1 {
		t.Errorf("results = %d, want 1", n)
	}
	v, err := h.results.GetByBidNumber(ctx, "GEM/2024/B/001")
	if err != nil {
		t.Fatal(err)
	}
	if v.BidID != c.ID {
		t.Errorf("result bid_id = %d, want %d", v.BidID, c.ID)
	}
}

func TestClaim_Validation(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())
	if _, err := h.q.Claim(context.Background(), "", 1); !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("empty worker: err = %v", err)
	}
	if _, err := h.q.Claim(context.Background(), "w", 0); !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("zero batch: err = %v", err)
	}
	jobs, err := h.q.Claim(context.Background(), "w", 3)
	if err != nil || len(jobs) != 0 {
		t.Errorf("empty queue: %v %v", jobs, err)
	}
}

func TestClaim_EarlierInsertFirst(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())
	h.enqueue(t, "FIFO-1", "FIFO-2", "FIFO-3", "FIFO-4")
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, h.claimOne(t, "w").BidNumber)
	}
	want := "FIFO-1,FIFO-2,FIFO-3,FIFO-4"
	if strings.Join(got, ",") != want {
		t.Errorf("claim order = %v, want %s", got, want)
	}
}

func TestClaim_ConcurrentWorkersNeverShare(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultRetryPolicy())
	const jobs = 40
	var bids []string
	for i := 0; i < jobs; i++ {
		bids = append(bids, fmt.Sprintf("MX-%03d", i))
	}
	h.enqueue(t, bids...)

	var (
		mu    sync.Mutex
		owner = map[int64]string{}
		wg    sync.WaitGroup
		errs  = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		worker := "w" + strconv.Itoa(w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := h.q.Claim(ctx, worker, 3)
				if err != nil {
					errs <- err
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, j := range claimed {
					if prev, ok := owner[j.ID]; ok {
						mu.Unlock()
						errs <- errors.New("job " + j.BidNumber + " claimed by " + prev + " and " + worker)
						return
					}
					owner[j.ID] = worker
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if len(owner) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(owner), jobs)
	}
	for id, w := range owner {
		j := h.job(t, id)
		if !j.OwnedBy(w) {
			t.Errorf("job %d: locked_by=%v status=%s, want owner %s", id, j.LockedBy, j.Status, w)
		}
	}
	if got := h.counter(t, "tender_queue_claimed_total", nil); got != jobs {
		t.Errorf("claimed counter = %v, want %d", got, jobs)
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultRetryPolicy())
	h.enqueue(t, "REL-1")
	j := h.claimOne(t, "owner")

	err := h.q.Release(ctx, j.ID, "someone-else")
	var own *common.OwnershipError
	if !errors.As(err, &own) {
		t.Fatalf("release by non-owner: err = %v", err)
	}
	if own.Owner != "owner" || own.Status != string(constants.JobStatusProcessing) {
		t.Errorf("ownership error = %+v", own)
	}
	if !errors.Is(err, common.ErrOwnership) {
		t.Error("OwnershipError does not match ErrOwnership")
	}

	if err := h.q.Release(ctx, j.ID, "owner"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got := h.job(t, j.ID)
	if got.Status != constants.JobStatusQueued || got.Attempts != 0 || got.LockedBy != nil || got.ProcessingStartedTS != nil {
		t.Errorf("after release: %+v", got)
	}
	if err := h.q.Release(ctx, j.ID, "owner"); !errors.Is(err, common.ErrOwnership) {
		t.Errorf("second release: err = %v", err)
	}
	if err := h.q.Release(ctx, 9999, "owner"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("unknown job: err = %v", err)
	}
}

func TestFail_Ownership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultRetryPolicy())
	h.enqueue(t, "OWN-1")
	j := h.claimOne(t, "owner")

	_, err := h.q.Fail(ctx, FailRequest{JobID: j.ID, WorkerID: "intruder", Kind: constants.FailureTransient, Message: "x"})
	if !errors.Is(err, common.ErrOwnership) {
		t.Fatalf("err = %v, want ownership", err)
	}
	if got := h.job(t, j.ID); got.Attempts != 0 || !got.OwnedBy("owner") {
		t.Errorf("job changed by non-owner: %+v", got)
	}

	for _, kind := range []constants.FailureKind{constants.FailureLeaseExpired, "LEASE_EXPIRED", " Lease_Expired "} {
		_, err = h.q.Fail(ctx, FailRequest{JobID: j.ID, WorkerID: "owner", Kind: kind})
		if !errors.Is(err, common.ErrInvalidInput) {
			t.Errorf("worker-reported %q: err = %v", kind, err)
		}
	}
	if got := h.job(t, j.ID); got.Attempts != 0 || !got.OwnedBy("owner") {
		t.Errorf("job changed by reserved kind: %+v", got)
	}
	if got := h.counter(t, "tender_queue_failed_total", map[string]string{"kind": "lease_expired"}); got != 0 {
		t.Errorf("lease_expired failures counted: %v", got)
	}
}

func TestFail_TerminatesWithinMaxAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RetryPolicy{MaxAttempts: 4})
	h.enqueue(t, "TERM-1")

	prev := 0
	for i := 1; i <= 4; i++ {
		j := h.claimOne(t, "w")
		out, err := h.q.Fail(ctx, FailRequest{JobID: j.ID, WorkerID: "w", Kind: constants.FailureTransient, Message: "attempt " + strconv.Itoa(i)})
		if err != nil {
			t.Fatalf("Fail #%d: %v", i, err)
		}
		if out.Attempts <= prev {
			t.Fatalf("attempts went from %d to %d", prev, out.Attempts)
		}
		prev = out.Attempts
		want := constants.JobStatusQueued
		if i == 4 {
			want = constants.JobStatusFailed
		}
		if out.Status != want {
			t.Fatalf("Fail #%d status = %s, want %s", i, out.Status, want)
		}
	}
	jobs, err := h.q.Claim(ctx, "w", 1)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("failed job was claimable: %v %v", jobs, err)
	}
	j, _ := h.jobs.GetByBidNumber(ctx, "TERM-1")
	if j.LastError == nil || *j.LastError != "attempt 4" {
		t.Errorf("last_error = %v", j.LastError)
	}
	if got := h.counter(t, "tender_queue_failed_total", map[string]string{"kind": "transient", "outcome": "failed"}); got != 1 {
		t.Errorf("terminal failures counter = %v", got)
	}
}

func TestFail_PermanentBypass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RetryPolicy{MaxAttempts: 5, PermanentBypass: true})
	h.enqueue(t, "PERM-1")
	j := h.claimOne(t, "w")
	out, err := h.q.Fail(ctx, FailRequest{JobID: j.ID, WorkerID: "w", Kind: constants.FailurePermanent, Message: "corrupt pdf", Permanent: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != constants.JobStatusFailed || out.Attempts != 1 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestCommit_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultRetryPolicy())
	h.enqueue(t, "DUP-1")
	j := h.claimOne(t, "w")
	req := CommitRequest{JobID: j.ID, WorkerID: "w", Result: entity.Fields{Unit: strp("Nos")}}

	first, err := h.q.Commit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Duplicate || first.AlreadyDone {
		t.Errorf("first = %+v", first)
	}
	second, err := h.q.Commit(ctx, req)
	if err != nil {
		t.Fatalf("replayed commit: %v", err)
	}
	if !second.Duplicate || !second.AlreadyDone {
		t.Errorf("second = %+v", second)
	}
	if n, _ := h.results.Count(ctx); n != 1 {
		t.Errorf("results = %d, want 1", n)
	}
	if got := h.job(t, j.ID); got.Status != constants.JobStatusDone {
		t.Errorf("status = %s", got.Status)
	}
	if got := h.counter(t, "tender_queue_committed_total", map[string]string{"duplicate": "true"}); got != 1 {
		t.Errorf("duplicate commits counter = %v", got)
	}
}

func TestCommit_StaleWorkerAfterDone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultRetryPolicy())
	h.enqueue(t, "STALE-1")
	j := h.claimOne(t, "b")
	if _, err := h.q.Commit(ctx, CommitRequest{JobID: j.ID, WorkerID: "b", Result: entity.Fields{Unit: strp("Nos")}}); err != nil {
		t.Fatal(err)
	}

	late, err := h.q.Commit(ctx, CommitRequest{JobID: j.ID, WorkerID: "a", Result: entity.Fields{Unit: strp("Kg")}})
	if err != nil {
		t.Fatalf("late commit: %v", err)
	}
	if !late.AlreadyDone {
		t.Errorf("late = %+v, want AlreadyDone", late)
	}
	view, err := h.results.GetByBidNumber(ctx, "STALE-1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Unit == nil || *view.Unit != "Nos" {
		t.Errorf("unit = %v, want the first commit's", view.Unit)
	}
}

func TestCommit_RejectsNonOwnerAndBadInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultRetryPolicy())
	h.enqueue(t, "BAD-1")
	j := h.claimOne(t, "w")

	_, err := h.q.Commit(ctx, CommitRequest{JobID: j.ID, WorkerID: "intruder"})
	if !errors.Is(err, common.ErrOwnership) {
		t.Errorf("non-owner commit: err = %v", err)
	}
	if n, _ := h.results.Count(ctx); n != 0 {
		t.Errorf("non-owner commit wrote %d results", n)
	}

	bad := 1.5
	_, err = h.q.Commit(ctx, CommitRequest{JobID: j.ID, WorkerID: "w", Confidence: &bad})
	if !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("confidence 1.5: err = %v", err)
	}

	long := strings.Repeat("u", 500)
	_, err = h.q.Commit(ctx, CommitRequest{JobID: j.ID, WorkerID: "w", Result: entity.Fields{Unit: &long}})
	if !errors.Is(err, common.ErrValidation) {
		t.Errorf("oversized unit: err = %v", err)
	}
	if got := h.job(t, j.ID); !got.OwnedBy("w") {
		t.Errorf("rejected commit changed the job: %+v", got)
	}
}

func TestCommit_LowConfidenceIsAdvisory(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())
	h.enqueue(t, "LOW-1")
	j := h.claimOne(t, "w")
	low := 0.2
	out, err := h.q.Commit(context.Background(), CommitRequest{JobID: j.ID, WorkerID: "w", Confidence: &low})
	if err != nil {
		t.Fatal(err)
	}
	if !out.LowConfidence {
		t.Error("LowConfidence not set")
	}
	if got := h.job(t, j.ID); got.Status != constants.JobStatusDone || got.ParseConfidence == nil || *got.ParseConfidence != 0.2 {
		t.Errorf("job = %+v", got)
	}
}

func TestCounts(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())
	h.enqueue(t, "CNT-1", "CNT-2")
	h.claimOne(t, "w")
	counts, err := h.q.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[constants.JobStatusQueued] != 1 || counts[constants.JobStatusProcessing] != 1 || counts.Total() != 2 {
		t.Errorf("counts = %v", counts)
	}
}

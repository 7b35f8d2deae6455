package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
	"github.com/joseph-ayodele/tender-extractor/internal/repository"
)

const lease = 3 * time.Minute

func TestSweep_RequeuesExpiredClaim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RetryPolicy{MaxAttempts: 3})
	h.enqueue(t, "LEASE-1", "LEASE-2")
	lm := NewLeaseManager(h.q, lease, time.Minute, nil)

	stale := h.claimOne(t, "crashed")
	h.clock.Advance(time.Minute)
	fresh := h.claimOne(t, "alive")

	h.clock.Advance(lease - time.Minute + time.Second)
	rep, err := lm.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Scanned != 1 || rep.Requeued != 1 || rep.Failed != 0 || rep.Skipped != 0 {
		t.Fatalf("report = %+v", rep)
	}

	got := h.job(t, stale.ID)
	if got.Status != constants.JobStatusQueued || got.Attempts != 1 || got.LockedBy != nil || got.ProcessingStartedTS != nil {
		t.Errorf("reclaimed job = %+v", got)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "lease expired") {
		t.Errorf("last_error = %v", got.LastError)
	}
	if !h.job(t, fresh.ID).OwnedBy("alive") {
		t.Error("sweep touched a claim inside its lease")
	}

	// The presumed-dead worker is no longer the owner.
	_, err = h.q.Commit(ctx, CommitRequest{JobID: stale.ID, WorkerID: "crashed"})
	if !errors.Is(err, common.ErrOwnership) {
		t.Errorf("late commit: err = %v", err)
	}
	if got := h.counter(t, "tender_lease_reclaimed_total", nil); got != 1 {
		t.Errorf("reclaimed counter = %v", got)
	}
	if got := h.counter(t, "tender_queue_failed_total", map[string]string{"kind": "lease_expired", "outcome": "queued"}); got != 1 {
		t.Errorf("lease failures counter = %v", got)
	}
}

func TestSweep_FailsWhenAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RetryPolicy{MaxAttempts: 2})
	h.enqueue(t, "LEASE-X")
	lm := NewLeaseManager(h.q, lease, time.Minute, nil)

	for i := 0; i < 2; i++ {
		h.claimOne(t, "crashy")
		h.clock.Advance(lease + time.Second)
		if _, err := lm.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
	}
	j, _ := h.jobs.GetByBidNumber(ctx, "LEASE-X")
	if j.Status != constants.JobStatusFailed || j.Attempts != 2 {
		t.Errorf("job = %+v", j)
	}
}

func TestSweep_CompletedJustBeforeExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultRetryPolicy())
	h.enqueue(t, "EDGE-1")
	lm := NewLeaseManager(h.q, lease, time.Minute, nil)

	j := h.claimOne(t, "w")
	h.clock.Advance(lease - time.Millisecond)
	if _, err := h.q.Commit(ctx, CommitRequest{JobID: j.ID, WorkerID: "w"}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Minute)
	rep, err := lm.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Scanned != 0 {
		t.Errorf("report = %+v", rep)
	}
	got := h.job(t, j.ID)
	if got.Status != constants.JobStatusDone || got.Attempts != 0 {
		t.Errorf("job = %+v", got)
	}
}

// racingJobs lets the owner finish between the sweep's scan and its
// reclaim update.
type racingJobs struct {
	repository.JobRepository
	beforeReturn func()
}

func (r *racingJobs) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*entity.Job, error) {
	jobs, err := r.JobRepository.ListStale(ctx, cutoff, limit)
	if err == nil && r.beforeReturn != nil {
		r.beforeReturn()
	}
	return jobs, err
}

func TestSweep_LosesRaceToCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultRetryPolicy())
	h.enqueue(t, "RACE-1")
	j := h.claimOne(t, "w")
	h.clock.Advance(lease + time.Second)

	race := &racingJobs{JobRepository: h.jobs}
	sweeper := New(race, h.results, DefaultRetryPolicy(), WithClock(h.clock.Now), WithLogger(slog.New(slog.DiscardHandler)))
	race.beforeReturn = func() {
		if _, err := h.q.Commit(ctx, CommitRequest{JobID: j.ID, WorkerID: "w"}); err != nil {
			t.Errorf("Commit: %v", err)
		}
	}

	rep, err := NewLeaseManager(sweeper, lease, time.Minute, nil).Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Scanned != 1 || rep.Skipped != 1 || rep.Requeued != 0 {
		t.Errorf("report = %+v", rep)
	}
	got := h.job(t, j.ID)
	if got.Status != constants.JobStatusDone || got.Attempts != 0 || got.LastError != nil {
		t.Errorf("completed job overwritten: %+v", got)
	}
}

func TestSweep_LosesRaceToReclaim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultRetryPolicy())
	h.enqueue(t, "RACE-2")
	h.claimOne(t, "w")
	h.clock.Advance(lease + time.Second)

	// A second sweeper reclaims and another worker claims again before
	// the first sweeper's update lands.
	race := &racingJobs{JobRepository: h.jobs}
	sweeper := New(race, h.results, DefaultRetryPolicy(), WithClock(h.clock.Now), WithLogger(slog.New(slog.DiscardHandler)))
	race.beforeReturn = func() {
		if _, err := NewLeaseManager(h.q, lease, time.Minute, nil).Sweep(ctx); err != nil {
			t.Errorf("inner sweep: %v", err)
		}
		h.claimOne(t, "w2")
	}
	rep, err := NewLeaseManager(sweeper, lease, time.Minute, nil).Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Skipped != 1 {
		t.Errorf("report = %+v", rep)
	}
	j, _ := h.jobs.GetByBidNumber(ctx, "RACE-2")
	if !j.OwnedBy("w2") || j.Attempts != 1 {
		t.Errorf("job = %+v", j)
	}
}

func TestLeaseManager_StartStop(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())
	h.enqueue(t, "TICK-1")
	j := h.claimOne(t, "gone")
	h.clock.Advance(lease + time.Second)

	lm := NewLeaseManager(h.q, lease, time.Second, nil)
	if err := lm.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := lm.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	defer lm.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.job(t, j.ID).Status == constants.JobStatusQueued {
			lm.Stop()
			lm.Stop()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("scheduled sweep did not reclaim the job")
}

func TestLeaseManager_InvalidConfig(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())
	if _, err := NewLeaseManager(h.q, 0, time.Second, nil).Sweep(context.Background()); err == nil {
		t.Error("zero lease timeout accepted")
	}
	if err := NewLeaseManager(h.q, lease, 0, nil).Start(context.Background()); err == nil {
		t.Error("zero interval accepted")
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/joseph-ayodele/tender-extractor/constants"
)

// SweepReport summarises one sweep.
type SweepReport struct {
	Scanned  int
	Requeued int
	Failed   int
	// Skipped counts stale claims that changed before they could be
	// reclaimed, typically because the owner finished in the meantime.
	Skipped int
}

// LeaseManager reclaims jobs whose owner has held them past the lease
// timeout. Reclaims go through the same failure path as Queue.Fail with
// kind lease_expired.
type LeaseManager struct {
	q        *Queue
	timeout  time.Duration
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func NewLeaseManager(q *Queue, timeout, interval time.Duration, log *slog.Logger) *LeaseManager {
	if log == nil {
		log = q.log
	}
	return &LeaseManager{q: q, timeout: timeout, interval: interval, log: log}
}

// Sweep reclaims every claim older than the lease timeout.
func (m *LeaseManager) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	if m.timeout <= 0 {
		return rep, errors.New("lease timeout must be positive")
	}
	cutoff := m.q.now().Add(-m.timeout)
	stale, err := m.q.jobs.ListStale(ctx, cutoff, 0)
	if err != nil {
		return rep, err
	}
	rep.Scanned = len(stale)

	for _, job := range stale {
		msg := fmt.Sprintf("lease expired: held by %s since %s (timeout %s)",
			job.Owner(), job.ProcessingStartedTS.Format(time.RFC3339), m.timeout)
		applied, out, err := m.q.applyFailure(ctx, job, constants.FailureLeaseExpired, msg, false, &cutoff)
		if err != nil {
			return rep, err
		}
		if !applied {
			rep.Skipped++
			m.log.Debug("lease.reclaim.skipped", "job_id", job.ID, "worker_id", job.Owner())
			continue
		}
		m.q.metrics.incReclaimed()
		if out.Status == constants.JobStatusFailed {
			rep.Failed++
		} else {
			rep.Requeued++
		}
	}
	if rep.Scanned > 0 {
		m.log.Info("lease.sweep.done", "scanned", rep.Scanned, "requeued", rep.Requeued,
			"failed", rep.Failed, "skipped", rep.Skipped)
	}
	return rep, nil
}

// Start runs Sweep every interval until Stop. A sweep still running when
// the next tick arrives is not overlapped.
func (m *LeaseManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return errors.New("lease manager already started")
	}
	if m.interval <= 0 {
		return errors.New("sweep interval must be positive")
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := cronLogger{log: m.log}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)), cron.WithLogger(logger))
	_, err := c.AddFunc(fmt.Sprintf("@every %s", m.interval), func() {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("lease.sweep.failed", "error", err)
		}
		// keeps the jobs gauge current without a scrape-time query
		if _, err := m.q.Counts(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("job counts refresh failed", "error", err)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	m.cron, m.cancel = c, cancel
	m.log.Info("lease manager started", "timeout", m.timeout, "interval", m.interval)
	return nil
}

// Stop halts the schedule and waits for a running sweep to return.
func (m *LeaseManager) Stop() {
	m.mu.Lock()
	c, cancel := m.cron, m.cancel
	m.cron, m.cancel = nil, nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	done := c.Stop()
	<-done.Done()
	m.log.Info("lease manager stopped")
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

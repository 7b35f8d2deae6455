package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
	"github.com/joseph-ayodele/tender-extractor/internal/extract"
	"github.com/joseph-ayodele/tender-extractor/internal/queue"
)

// Waiter blocks until new work may be available or timeout passes.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration)
}

type sleepWaiter struct{}

func (sleepWaiter) Wait(ctx context.Context, timeout time.Duration) {
	sleep(ctx, timeout)
}

// Stats are running totals for one pool.
type Stats struct {
	Claimed   int64
	Committed int64
	Failed    int64
	Released  int64
	Discarded int64
}

// Pool runs goroutines that claim jobs, hand them to the extraction
// engine and report the outcome. Each goroutine claims under its own
// worker id, "<base>-<n>".
type Pool struct {
	q      *queue.Queue
	proc   extract.Processor
	logger *slog.Logger
	baseID string

	workers        int
	batch          int
	poll           time.Duration
	maxBackoff     time.Duration
	processTimeout time.Duration
	artifactDir    string
	waiter         Waiter

	claimed, committed, failed, released, discarded atomic.Int64

	wg     sync.WaitGroup
	once   sync.Once
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.batch = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.poll = d
		}
	}
}

func WithMaxBackoff(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.maxBackoff = d
		}
	}
}

// WithProcessTimeout bounds a single extraction. Keep it below the lease
// timeout or the job will be reclaimed while still running.
func WithProcessTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.processTimeout = d
		}
	}
}

func WithArtifactDir(dir string) Option {
	return func(p *Pool) { p.artifactDir = dir }
}

// WithWaiter replaces plain sleeping between empty polls, e.g. with a
// Redis wake-up channel.
func WithWaiter(w Waiter) Option {
	return func(p *Pool) {
		if w != nil {
			p.waiter = w
		}
	}
}

func NewPool(q *queue.Queue, proc extract.Processor, baseID string, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		q:          q,
		proc:       proc,
		logger:     logger,
		baseID:     baseID,
		workers:    4,
		batch:      1,
		poll:       2 * time.Second,
		maxBackoff: 30 * time.Second,
		waiter:     sleepWaiter{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. Calling it again has no effect.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		for i := 0; i < p.workers; i++ {
			id := fmt.Sprintf("%s-%d", p.baseID, i+1)
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.logger.Info("worker started", "worker_id", id)
				p.run(common.WithWorkerID(ctx, id), id)
				p.logger.Info("worker stopped", "worker_id", id)
			}()
		}
	})
}

func (p *Pool) run(ctx context.Context, id string) {
	var backoff time.Duration
	for ctx.Err() == nil {
		jobs, err := p.q.Claim(ctx, id, p.batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			backoff = nextBackoff(backoff, p.poll, p.maxBackoff)
			p.logger.Warn("claim failed, backing off", "worker_id", id, "backoff", backoff, "error", err)
			sleep(ctx, backoff)
			continue
		}
		backoff = 0
		if len(jobs) == 0 {
			p.waiter.Wait(ctx, p.poll)
			continue
		}
		p.claimed.Add(int64(len(jobs)))
		for i, job := range jobs {
			if ctx.Err() != nil {
				p.releaseAll(id, jobs[i:])
				return
			}
			p.handle(ctx, id, job)
		}
	}
}

func (p *Pool) handle(ctx context.Context, id string, job *entity.Job) {
	log := p.logger.With("worker_id", id, "job_id", job.ID, "bid_number", job.BidNumber)
	pctx := ctx
	if p.processTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(pctx, p.processTimeout)
		defer cancel()
	}

	task := extract.Task{JobID: job.ID, BidNumber: job.BidNumber, ArtifactDir: p.artifactDir}
	if job.DetailURL != nil {
		task.DetailURL = *job.DetailURL
	}
	start := time.Now()
	out, err := p.proc.Process(pctx, task)
	p.q.Metrics().ObserveProcess(time.Since(start))

	if ctx.Err() != nil {
		p.releaseAll(id, []*entity.Job{job})
		return
	}
	if err != nil {
		p.fail(id, job, err, log)
		return
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	res, err := p.q.Commit(cctx, queue.CommitRequest{
		JobID:      job.ID,
		WorkerID:   id,
		Result:     out.Fields,
		Artifacts:  queue.Artifacts{PDFURI: out.PDFURI, JSONURI: out.JSONURI},
		Confidence: out.Confidence,
	})
	switch {
	case err == nil && res.AlreadyDone:
		// committed earlier, by this claim or by whoever reclaimed it
		p.discarded.Add(1)
		log.Warn("job already done, discarding result")
	case err == nil:
		p.committed.Add(1)
		if res.LowConfidence {
			log.Warn("committed with low confidence", "confidence", *out.Confidence)
		}
	case errors.Is(err, common.ErrOwnership):
		p.discarded.Add(1)
		log.Warn("claim lost before commit, discarding result", "error", err)
	case errors.Is(err, common.ErrValidation), errors.Is(err, common.ErrInvalidInput):
		p.fail(id, job, extract.Permanent("result rejected", err), log)
	case common.IsRetryableStoreError(err):
		// The lease sweeper will reclaim the job.
		log.Error("commit failed, store unreachable", "error", err)
	default:
		log.Error("commit failed", "error", err)
	}
}

func (p *Pool) fail(id string, job *entity.Job, cause error, log *slog.Logger) {
	kind, msg := extract.Classify(cause)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := p.q.Fail(ctx, queue.FailRequest{
		JobID:     job.ID,
		WorkerID:  id,
		Kind:      kind,
		Message:   msg,
		Permanent: kind == constants.FailurePermanent,
	})
	switch {
	case err == nil:
		p.failed.Add(1)
		log.Info("attempt failed", "kind", kind, "status", out.Status, "attempts", out.Attempts)
	case errors.Is(err, common.ErrOwnership):
		p.discarded.Add(1)
		log.Warn("claim lost before failure report", "error", err)
	default:
		log.Error("failure report failed", "error", err)
	}
}

// releaseAll hands back claims the pool will not work on. It runs on a
// fresh context because the pool's own is already cancelled.
func (p *Pool) releaseAll(id string, jobs []*entity.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, job := range jobs {
		if err := p.q.Release(ctx, job.ID, id); err != nil {
			p.logger.Warn("release failed", "worker_id", id, "job_id", job.ID, "error", err)
			continue
		}
		p.released.Add(1)
	}
}

// Shutdown stops claiming, releases claims not yet finished and waits for
// the workers, or for ctx.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted by context")
	case <-done:
		p.logger.Info("workers drained, shutdown complete")
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Claimed:   p.claimed.Load(),
		Committed: p.committed.Load(),
		Failed:    p.failed.Load(),
		Released:  p.released.Load(),
		Discarded: p.discarded.Load(),
	}
}

func nextBackoff(prev, base, max time.Duration) time.Duration {
	if prev <= 0 {
		return base
	}
	next := prev * 2
	if next > max {
		return max
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

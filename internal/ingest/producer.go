package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/tender-extractor/internal/repository"
)

// Producer releases new jobs into the queue in batches and wakes idle
// workers.
type Producer struct {
	jobs     repository.JobRepository
	notifier Notifier
	batch    int
	clock    func() time.Time
	logger   *slog.Logger
}

func NewProducer(jobs repository.JobRepository, notifier Notifier, batch int, logger *slog.Logger) *Producer {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if batch < 1 {
		batch = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{jobs: jobs, notifier: notifier, batch: batch, clock: time.Now, logger: logger}
}

// Promote moves up to one batch of new jobs to queued, oldest first.
func (p *Producer) Promote(ctx context.Context) (int, error) {
	ids, err := p.jobs.Promote(ctx, p.batch, p.clock().UTC().Truncate(time.Microsecond))
	if err != nil {
		p.logger.Error("promote failed", "error", err)
		return 0, err
	}
	if len(ids) > 0 {
		p.notifier.Notify(ctx, len(ids))
		p.logger.Info("producer.promote.ok", "count", len(ids), "first_id", ids[0])
	}
	return len(ids), nil
}

// PromoteAll promotes batches until no new jobs remain.
func (p *Producer) PromoteAll(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.Promote(ctx)
		total += n
		if err != nil || n < p.batch {
			return total, err
		}
	}
}

// Run promotes every interval until ctx is done. Store errors are logged
// and retried on the next tick.
func (p *Producer) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := p.PromoteAll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("producer tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

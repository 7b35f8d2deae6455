package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
	"github.com/joseph-ayodele/tender-extractor/internal/repository"
)

// Notifier is told how many jobs were just queued.
type Notifier interface {
	Notify(ctx context.Context, n int)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, int) {}

// IngestStats counts what happened to a batch of listings.
type IngestStats struct {
	Scanned  int
	Inserted int
	Existing int
	Invalid  int
}

func (s *IngestStats) add(o IngestStats) {
	s.Scanned += o.Scanned
	s.Inserted += o.Inserted
	s.Existing += o.Existing
	s.Invalid += o.Invalid
}

// Ingestor is the scraper side of the store: insert-only, keyed by bid
// number. A bid number seen before is left as it is.
type Ingestor struct {
	jobs     repository.JobRepository
	notifier Notifier
	clock    func() time.Time
	logger   *slog.Logger
}

func NewIngestor(jobs repository.JobRepository, notifier Notifier, logger *slog.Logger) *Ingestor {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{jobs: jobs, notifier: notifier, clock: time.Now, logger: logger}
}

// Ingest inserts listings as new jobs, or directly as queued jobs when
// autoQueue is set. Invalid rows are skipped and reported; only a store
// failure stops the batch.
func (i *Ingestor) Ingest(ctx context.Context, listings []entity.Listing, autoQueue bool) (IngestStats, []RowError, error) {
	status := constants.JobStatusNew
	if autoQueue {
		status = constants.JobStatusQueued
	}
	var (
		stats IngestStats
		bad   []RowError
	)
	for n, l := range listings {
		stats.Scanned++
		v := common.NewValidator().
			Field("bid_number", l.BidNumber, common.Required, common.MaxLength(128), common.BidNumber)
		if v.HasErrors() {
			stats.Invalid++
			bad = append(bad, RowError{Row: n + 1, Err: v.ErrorMessage()})
			continue
		}
		_, created, err := i.jobs.Insert(ctx, l, status, i.clock().UTC().Truncate(time.Microsecond))
		if err != nil {
			return stats, bad, err
		}
		if created {
			stats.Inserted++
		} else {
			stats.Existing++
		}
	}
	if autoQueue && stats.Inserted > 0 {
		i.notifier.Notify(ctx, stats.Inserted)
	}
	i.logger.Info("ingest.ok", "scanned", stats.Scanned, "inserted", stats.Inserted,
		"existing", stats.Existing, "invalid", stats.Invalid, "status", status)
	return stats, bad, nil
}

// FileResult is the outcome of ingesting one listing file.
type FileResult struct {
	Path      string
	Stats     IngestStats
	RowErrors []RowError
	Err       string
}

// IngestFile reads and ingests one listing file.
func (i *Ingestor) IngestFile(ctx context.Context, path string, autoQueue bool) (FileResult, error) {
	res := FileResult{Path: path}
	listings, bad, err := ReadListings(path)
	if err != nil {
		i.logger.Error("listing file unreadable", "path", path, "error", err)
		res.Err = err.Error()
		return res, err
	}
	stats, invalid, err := i.Ingest(ctx, listings, autoQueue)
	stats.Scanned += len(bad)
	stats.Invalid += len(bad)
	res.Stats = stats
	res.RowErrors = append(bad, invalid...)
	if err != nil {
		res.Err = err.Error()
		return res, err
	}
	return res, nil
}

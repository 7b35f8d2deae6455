package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/ingest"
	"github.com/joseph-ayodele/tender-extractor/internal/notify"
	repo "github.com/joseph-ayodele/tender-extractor/internal/repository"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		inmem   = flag.Bool("inmem", false, "use in-memory SQLite database")
		file    = flag.String("file", "", "listing file to ingest (csv or xlsx)")
		dir     = flag.String("dir", "", "directory of listing files to ingest")
		watch   = flag.Bool("watch", false, "keep watching --dir for new listing files")
		queued  = flag.Bool("queue", false, "insert listings directly as queued instead of new")
		promote = flag.Bool("promote", false, "promote all new jobs to queued and exit")
	)
	flag.Parse()

	if *file == "" && *dir == "" && !*promote {
		printError("Error: one of --file, --dir or --promote is required\n")
		os.Exit(1)
	}
	if *watch && *dir == "" {
		printError("Error: --watch requires --dir\n")
		os.Exit(1)
	}

	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbResult, err := repo.InitDatabase(ctx, cfg.Database, *inmem, logger)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbResult.Cleanup()

	jobs := repo.NewJobRepository(dbResult.Driver, logger)
	notifier := notify.New(cfg.Redis, logger)
	defer func() { _ = notifier.Close() }()
	ingestor := ingest.NewIngestor(jobs, notifier, logger)

	exit := 0
	if *file != "" {
		res, err := ingestor.IngestFile(ctx, *file, *queued)
		printFile(res)
		if err != nil {
			exit = 1
		}
	}

	if *dir != "" {
		if *watch {
			logger.Info("watching for listing files", "dir", *dir)
			err := ingestor.Watch(ctx, ingest.WatchConfig{Roots: []string{*dir}, InitialScan: true}, *queued)
			if err != nil {
				logger.Error("watch failed", "error", err)
				exit = 1
			}
		} else {
			results, stats, err := ingestor.IngestDirectory(ctx, *dir, true, *queued)
			for _, r := range results {
				printFile(r)
			}
			logger.Info("directory ingested",
				"scanned", stats.Scanned,
				"matched", stats.Matched,
				"succeeded", stats.Succeeded,
				"failed", stats.Failed,
				"inserted", stats.Listings.Inserted,
				"existing", stats.Listings.Existing,
				"invalid", stats.Listings.Invalid)
			if err != nil || stats.Failed > 0 {
				exit = 1
			}
		}
	}

	if *promote {
		producer := ingest.NewProducer(jobs, notifier, cfg.Queue.PromoteBatch, logger)
		n, err := producer.PromoteAll(ctx)
		if err != nil {
			logger.Error("promote failed", "error", err)
			exit = 1
		}
		fmt.Printf("Promoted %d job(s) to queued\n", n)
	}
	if exit != 0 {
		dbResult.Cleanup()
		os.Exit(exit)
	}
}

func printFile(r ingest.FileResult) {
	if r.Err != "" {
		printError("%s: %s\n", r.Path, r.Err)
		return
	}
	fmt.Printf("%s: scanned=%d inserted=%d existing=%d invalid=%d\n",
		r.Path, r.Stats.Scanned, r.Stats.Inserted, r.Stats.Existing, r.Stats.Invalid)
	for _, e := range r.RowErrors {
		printError("  row %d: %s\n", e.Row, e.Err)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/export"
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
		format   = flag.String("format", "xlsx", "output format: xlsx or json")
		out      = flag.String("out", "", "output file path (defaults to final_bids.<format>)")
		sinceStr = flag.String("since", "", "only results extracted on or after this date YYYY-MM-DD")
		bid      = flag.String("bid", "", "export a single bid number")
		limit    = flag.Int("limit", 0, "maximum rows (0 = all)")
	)
	flag.Parse()

	*format = strings.ToLower(*format)
	if *format != "xlsx" && *format != "json" {
		printError("Error: --format must be xlsx or json\n")
		os.Exit(1)
	}
	if *out == "" {
		*out = "final_bids." + *format
	}

	filter := repo.ResultFilter{BidNumber: *bid, Limit: *limit}
	if *sinceStr != "" {
		parsed, err := time.Parse("2006-01-02", *sinceStr)
		if err != nil {
			printError("Error: invalid --since date format, use YYYY-MM-DD: %v\n", err)
			os.Exit(1)
		}
		filter.Since = &parsed
	}

	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)
	ctx := context.Background()

	dbResult, err := repo.InitDatabase(ctx, cfg.Database, false, logger)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbResult.Cleanup()

	svc := export.NewService(repo.NewResultRepository(dbResult.Driver, logger), logger)
	var data []byte
	if *format == "json" {
		data, err = svc.ExportResultsJSON(ctx, filter)
	} else {
		data, err = svc.ExportResultsXLSX(ctx, filter)
	}
	if err != nil {
		logger.Error("failed to export results", "error", err)
		dbResult.Cleanup()
		os.Exit(1)
	}

	if err := os.WriteFile(*out, data, 0644); err != nil {
		logger.Error("failed to write output file", "error", err)
		dbResult.Cleanup()
		os.Exit(1)
	}
	fmt.Printf("Exported to %s\n", *out)
}

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/tender-extractor/internal/entity"
	"github.com/joseph-ayodele/tender-extractor/internal/repository"
)

// Service is a tiny façade over the result repository that produces the
// consumer-side exports.
type Service struct {
	results repository.ResultRepository
	logger  *slog.Logger
}

func NewService(results repository.ResultRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{results: results, logger: logger}
}

// Record is one exported bid: the listing fields, the extracted fields and
// where the artifacts live.
type Record struct {
	BidNumber       string         `json:"bid_number"`
	Page            *int           `json:"page,omitempty"`
	DetailURL       *string        `json:"detail_url,omitempty"`
	Items           *string        `json:"items,omitempty"`
	Quantity        *string        `json:"quantity,omitempty"`
	Department      *string        `json:"department,omitempty"`
	StartDate       *string        `json:"start_date,omitempty"`
	EndDate         *string        `json:"end_date,omitempty"`
	Buyer           *string        `json:"buyer"`
	ItemDescription *string        `json:"item_description"`
	TotalQuantity   *string        `json:"total_quantity"`
	Unit            *string        `json:"unit"`
	EMDAmount       *string        `json:"emd_amount"`
	EPBGRequired    bool           `json:"epbg_required"`
	TechnicalSpecs  map[string]any `json:"technical_specs"`
	ParseConfidence *float64       `json:"parse_confidence,omitempty"`
	PDFURI          *string        `json:"pdf_uri,omitempty"`
	RawJSONURI      *string        `json:"raw_json_uri,omitempty"`
	ExtractedAt     time.Time      `json:"extracted_at"`
}

func toRecord(v *entity.ResultView) Record {
	r := Record{
		BidNumber:       v.BidNumber,
		Page:            v.Listing.Page,
		DetailURL:       v.Listing.DetailURL,
		Items:           v.Listing.Items,
		Quantity:        v.Listing.Quantity,
		Department:      v.Listing.Department,
		StartDate:       v.Listing.StartDate,
		EndDate:         v.Listing.EndDate,
		Buyer:           v.Buyer,
		ItemDescription: v.ItemDescription,
		TotalQuantity:   v.TotalQuantity,
		Unit:            v.Unit,
		EMDAmount:       v.EMDAmount,
		EPBGRequired:    v.EPBGRequired,
		ParseConfidence: v.ParseConfidence,
		PDFURI:          v.PDFURI,
		RawJSONURI:      v.RawJSONURI,
		ExtractedAt:     v.CreatedAt,
	}
	if v.TechnicalSpecs != nil {
		r.TechnicalSpecs = v.TechnicalSpecs.AsMap()
	}
	return r
}

// Records loads the filtered results as export records.
func (s *Service) Records(ctx context.Context, filter repository.ResultFilter) ([]Record, error) {
	views, err := s.results.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	out := make([]Record, 0, len(views))
	for _, v := range views {
		out = append(out, toRecord(v))
	}
	return out, nil
}

// ExportResultsJSON returns the merged results as an indented JSON array.
func (s *Service) ExportResultsJSON(ctx context.Context, filter repository.ResultFilter) ([]byte, error) {
	start := time.Now()
	recs, err := s.Records(ctx, filter)
	if err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	s.logger.Info("export.json.ok", "rows", len(recs), "elapsed_ms", time.Since(start).Milliseconds())
	return b, nil
}

var xlsxHeaders = []string{
	"Bid Number",
	"Department",
	"Items",
	"Buyer",
	"Item Description",
	"Total Quantity",
	"Unit",
	"EMD Amount",
	"ePBG Required",
	"Technical Specs",
	"Confidence",
	"Start Date",
	"End Date",
	"Detail URL",
	"PDF",
}

// ExportResultsXLSX returns an XLSX workbook (as bytes) with one row per
// final bid.
func (s *Service) ExportResultsXLSX(ctx context.Context, filter repository.ResultFilter) ([]byte, error) {
	start := time.Now()
	recs, err := s.Records(ctx, filter)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Bids"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, err
	}

	for i, h := range xlsxHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for n, r := range recs {
		row := n + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.BidNumber)
		write(2, deref(r.Department))
		write(3, deref(r.Items))
		write(4, deref(r.Buyer))
		write(5, truncate(deref(r.ItemDescription), 500))
		write(6, deref(r.TotalQuantity))
		write(7, deref(r.Unit))
		write(8, deref(r.EMDAmount))
		if r.EPBGRequired {
			write(9, "Yes")
		} else {
			write(9, "No")
		}
		write(10, specsText(r.TechnicalSpecs))
		if r.ParseConfidence != nil {
			write(11, *r.ParseConfidence)
		}
		write(12, deref(r.StartDate))
		write(13, deref(r.EndDate))
		write(14, deref(r.DetailURL))
		write(15, deref(r.PDFURI))
	}

	_ = f.SetColWidth(sheet, "A", "A", 22) // bid number
	_ = f.SetColWidth(sheet, "B", "D", 30)
	_ = f.SetColWidth(sheet, "E", "E", 60) // description
	_ = f.SetColWidth(sheet, "F", "I", 14)
	_ = f.SetColWidth(sheet, "J", "J", 60) // specs
	_ = f.SetColWidth(sheet, "N", "O", 48) // links

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(recs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// specsText renders the specs bag as compact JSON for a spreadsheet cell.
func specsText(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return truncate(strings.TrimSpace(string(b)), 2000)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

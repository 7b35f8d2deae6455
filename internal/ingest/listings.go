package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
)

// RowError is a listing row that could not be turned into a job.
type RowError struct {
	Row int
	Err string
}

// AllowedExt checks if a file extension is a listing format we read.
func AllowedExt(ext string) bool {
	_, ok := constants.ListingExtensions[constants.NormalizeExt(ext)]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// ReadListings parses a scraper export, CSV or XLSX by extension. Rows
// without a bid number are reported, not fatal.
func ReadListings(path string) ([]entity.Listing, []RowError, error) {
	ext := constants.NormalizeExt(filepath.Ext(path))
	if !AllowedExt(ext) {
		return nil, nil, fmt.Errorf("unsupported listing format %q", ext)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ParseListings(f, ext)
}

// ParseListings reads listings in the given format ("csv" or "xlsx").
func ParseListings(r io.Reader, ext string) ([]entity.Listing, []RowError, error) {
	var (
		rows [][]string
		err  error
	)
	switch constants.NormalizeExt(ext) {
	case "csv":
		rows, err = readCSV(r)
	case "xlsx":
		rows, err = readXLSX(r)
	default:
		return nil, nil, fmt.Errorf("unsupported listing format %q", ext)
	}
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, errors.New("listing file is empty")
	}
	return mapRows(rows)
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return rows, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("xlsx has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

func mapRows(rows [][]string) ([]entity.Listing, []RowError, error) {
	index := map[string]int{}
	for i, h := range rows[0] {
		index[constants.NormalizeHeader(h)] = i
	}
	if _, ok := index[constants.NormalizeHeader(constants.ColumnBidNumber)]; !ok {
		return nil, nil, fmt.Errorf("missing %q column", constants.ColumnBidNumber)
	}
	cell := func(row []string, col string) string {
		i, ok := index[constants.NormalizeHeader(col)]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	opt := func(row []string, col string) *string {
		if v := cell(row, col); v != "" {
			return &v
		}
		return nil
	}

	var (
		listings []entity.Listing
		bad      []RowError
	)
	for n, row := range rows[1:] {
		rowNum := n + 2
		if isBlank(row) {
			continue
		}
		l := entity.Listing{
			BidNumber:  cell(row, constants.ColumnBidNumber),
			DetailURL:  opt(row, constants.ColumnDetailURL),
			Items:      opt(row, constants.ColumnItems),
			Quantity:   opt(row, constants.ColumnQuantity),
			Department: opt(row, constants.ColumnDepartment),
			StartDate:  opt(row, constants.ColumnStartDate),
			EndDate:    opt(row, constants.ColumnEndDate),
		}
		if l.BidNumber == "" {
			bad = append(bad, RowError{Row: rowNum, Err: "bid number is empty"})
			continue
		}
		if p := cell(row, constants.ColumnPage); p != "" {
			page, err := strconv.Atoi(strings.TrimSuffix(p, ".0"))
			if err != nil {
				bad = append(bad, RowError{Row: rowNum, Err: fmt.Sprintf("page %q is not a number", p)})
				continue
			}
			l.Page = &page
		}
		listings = append(listings, l)
	}
	return listings, bad, nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

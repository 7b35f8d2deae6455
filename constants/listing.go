package constants

import "strings"

// Column headers written by the listing scraper (CSV or XLSX export).
const (
	ColumnPage       = "Page"
	ColumnBidNumber  = "Bid Number"
	ColumnDetailURL  = "Detail URL"
	ColumnItems      = "Items"
	ColumnQuantity   = "Quantity"
	ColumnDepartment = "Department"
	ColumnStartDate  = "Start Date"
	ColumnEndDate    = "End Date"
)

// ListingExtensions holds the file types the ingester understands.
var ListingExtensions = map[string]struct{}{
	"csv":  {},
	"xlsx": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// NormalizeHeader folds a header cell so "bid number", "Bid  Number " and
// "BID NUMBER" all match ColumnBidNumber.
func NormalizeHeader(h string) string {
	return strings.ToLower(strings.Join(strings.Fields(h), " "))
}

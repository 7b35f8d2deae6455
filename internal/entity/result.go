package entity

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Fields are the canonical values the extraction engine pulled out of a
// bid document.
type Fields struct {
	Buyer           *string `json:"buyer,omitempty"`
	ItemDescription *string `json:"item_description,omitempty"`
	TotalQuantity   *string `json:"total_quantity,omitempty"`
	Unit            *string `json:"unit,omitempty"`
	EMDAmount       *string `json:"emd_amount,omitempty"`
	EPBGRequired    bool    `json:"epbg_required"`
	// TechnicalSpecs is schema-free; encode it with protojson, not encoding/json.
	TechnicalSpecs *structpb.Struct `json:"-"`
}

// Result is one row of final_bids.
type Result struct {
	ID        int64  `json:"id"`
	BidID     int64  `json:"bid_id"`
	BidNumber string `json:"bid_number"`
	Fields
	RawJSONURI *string   `json:"raw_json_uri,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ResultView joins a result with its job's descriptive fields and
// extraction metadata, for downstream readers.
type ResultView struct {
	Result
	Listing         Listing  `json:"listing"`
	ParseConfidence *float64 `json:"parse_confidence,omitempty"`
	PDFURI          *string  `json:"pdf_uri,omitempty"`
}

package repository

import (
	"context"
	"log/slog"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"

	"github.com/joseph-ayodele/tender-extractor/internal/common"
)

// Table and column names shared by the repositories.
const (
	TableBids      = "bids"
	TableFinalBids = "final_bids"

	ColID                  = "id"
	ColBidNumber           = "bid_number"
	ColPage                = "page"
	ColDetailURL           = "detail_url"
	ColItems               = "items"
	ColQuantity            = "quantity"
	ColDepartment          = "department"
	ColStartDate           = "start_date"
	ColEndDate             = "end_date"
	ColStatus              = "status"
	ColLockedBy            = "locked_by"
	ColProcessingStartedTS = "processing_started_ts"
	ColAttempts            = "attempts"
	ColLastError           = "last_error"
	ColTodayScan           = "todayscan"
	ColPDFURI              = "pdf_uri"
	ColJSONURI             = "json_uri"
	ColParseConfidence     = "parse_confidence"
	ColCreatedAt           = "created_at"
	ColUpdatedAt           = "updated_at"

	ColBidID           = "bid_id"
	ColBuyer           = "buyer"
	ColItemDescription = "item_description"
	ColTotalQuantity   = "total_quantity"
	ColUnit            = "unit"
	ColEMDAmount       = "emd_amount"
	ColEPBGRequired    = "epbg_required"
	ColTechnicalSpecs  = "technical_specs"
	ColRawJSONURI      = "raw_json_uri"
)

const textSize = 2147483647

var (
	bidID                  = &schema.Column{Name: ColID, Type: field.TypeInt64, Increment: true}
	bidStatus              = &schema.Column{Name: ColStatus, Type: field.TypeString, Size: 16, Default: "new"}
	bidProcessingStartedTS = &schema.Column{Name: ColProcessingStartedTS, Type: field.TypeTime, Nullable: true}
	bidAttempts            = &schema.Column{Name: ColAttempts, Type: field.TypeInt, Default: 0}
	bidTodayScan           = &schema.Column{Name: ColTodayScan, Type: field.TypeBool, Default: false}

	// BidsColumns holds the columns for the "bids" table.
	BidsColumns = []*schema.Column{
		bidID,
		{Name: ColBidNumber, Type: field.TypeString, Unique: true, Size: 128},
		{Name: ColPage, Type: field.TypeInt, Nullable: true},
		{Name: ColDetailURL, Type: field.TypeString, Nullable: true, Size: textSize},
		{Name: ColItems, Type: field.TypeString, Nullable: true, Size: textSize},
		{Name: ColQuantity, Type: field.TypeString, Nullable: true},
		{Name: ColDepartment, Type: field.TypeString, Nullable: true, Size: textSize},
		{Name: ColStartDate, Type: field.TypeString, Nullable: true},
		{Name: ColEndDate, Type: field.TypeString, Nullable: true},
		bidStatus,
		{Name: ColLockedBy, Type: field.TypeString, Nullable: true},
		bidProcessingStartedTS,
		bidAttempts,
		{Name: ColLastError, Type: field.TypeString, Nullable: true, Size: textSize},
		bidTodayScan,
		{Name: ColPDFURI, Type: field.TypeString, Nullable: true, Size: textSize},
		{Name: ColJSONURI, Type: field.TypeString, Nullable: true, Size: textSize},
		{Name: ColParseConfidence, Type: field.TypeFloat64, Nullable: true},
		{Name: ColCreatedAt, Type: field.TypeTime},
		{Name: ColUpdatedAt, Type: field.TypeTime},
	}
	// BidsTable holds the schema information for the "bids" table.
	BidsTable = &schema.Table{
		Name:       TableBids,
		Columns:    BidsColumns,
		PrimaryKey: []*schema.Column{bidID},
		Indexes: []*schema.Index{
			{
				Name:    "bids_todayscan_status_attempts",
				Columns: []*schema.Column{bidTodayScan, bidStatus, bidAttempts},
			},
			{
				Name:    "bids_status_processing_started_ts",
				Columns: []*schema.Column{bidStatus, bidProcessingStartedTS},
			},
		},
	}

	finalBidID        = &schema.Column{Name: ColID, Type: field.TypeInt64, Increment: true}
	finalBidBidID     = &schema.Column{Name: ColBidID, Type: field.TypeInt64, Unique: true}
	finalBidBidNumber = &schema.Column{Name: ColBidNumber, Type: field.TypeString, Unique: true, Size: 128}

	// FinalBidsColumns holds the columns for the "final_bids" table.
	FinalBidsColumns = []*schema.Column{
		finalBidID,
		finalBidBidID,
		finalBidBidNumber,
		{Name: ColBuyer, Type: field.TypeString, Nullable: true, Size: textSize},
		{Name: ColItemDescription, Type: field.TypeString, Nullable: true, Size: textSize},
		{Name: ColTotalQuantity, Type: field.TypeString, Nullable: true},
		{Name: ColUnit, Type: field.TypeString, Nullable: true},
		{Name: ColEMDAmount, Type: field.TypeString, Nullable: true},
		{Name: ColEPBGRequired, Type: field.TypeBool, Default: false},
		{Name: ColTechnicalSpecs, Type: field.TypeJSON, Nullable: true},
		{Name: ColRawJSONURI, Type: field.TypeString, Nullable: true, Size: textSize},
		{Name: ColCreatedAt, Type: field.TypeTime},
		{Name: ColUpdatedAt, Type: field.TypeTime},
	}
	// FinalBidsTable holds the schema information for the "final_bids" table.
	FinalBidsTable = &schema.Table{
		Name:       TableFinalBids,
		Columns:    FinalBidsColumns,
		PrimaryKey: []*schema.Column{finalBidID},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "final_bids_bids_result",
				Columns:    []*schema.Column{finalBidBidID},
				RefColumns: []*schema.Column{bidID},
				OnDelete:   schema.Cascade,
			},
		},
	}

	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		BidsTable,
		FinalBidsTable,
	}
)

func init() {
	FinalBidsTable.ForeignKeys[0].RefTable = BidsTable
}

// Migrate creates or upgrades the bids and final_bids tables.
func Migrate(ctx context.Context, drv dialect.Driver, logger *slog.Logger) error {
	m, err := schema.NewMigrate(drv)
	if err != nil {
		return common.DatabaseError("migrate", err)
	}
	if err := m.Create(ctx, Tables...); err != nil {
		logger.Error("schema migration failed", "error", err)
		return common.DatabaseError("migrate", err)
	}
	logger.Info("schema migration complete", "tables", len(Tables))
	return nil
}

package entity

import (
	"time"

	"github.com/joseph-ayodele/tender-extractor/constants"
)

// Listing is the scraper-owned part of a job. Fields are opaque to the queue.
type Listing struct {
	BidNumber  string  `json:"bid_number"`
	Page       *int    `json:"page,omitempty"`
	DetailURL  *string `json:"detail_url,omitempty"`
	Items      *string `json:"items,omitempty"`
	Quantity   *string `json:"quantity,omitempty"`
	Department *string `json:"department,omitempty"`
	StartDate  *string `json:"start_date,omitempty"`
	EndDate    *string `json:"end_date,omitempty"`
}

// Job is one row of bids, for data transfer between layers.
type Job struct {
	ID int64 `json:"id"`
	Listing

	Status              constants.JobStatus `json:"status"`
	LockedBy            *string             `json:"locked_by,omitempty"`
	ProcessingStartedTS *time.Time          `json:"processing_started_ts,omitempty"`
	Attempts            int                 `json:"attempts"`
	LastError           *string             `json:"last_error,omitempty"`
	TodayScan           bool                `json:"todayscan"`

	PDFURI          *string  `json:"pdf_uri,omitempty"`
	JSONURI         *string  `json:"json_uri,omitempty"`
	ParseConfidence *float64 `json:"parse_confidence,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OwnedBy reports whether workerID currently holds the claim.
func (j *Job) OwnedBy(workerID string) bool {
	return j.Status == constants.JobStatusProcessing && j.LockedBy != nil && *j.LockedBy == workerID
}

// Owner returns locked_by or "".
func (j *Job) Owner() string {
	if j.LockedBy == nil {
		return ""
	}
	return *j.LockedBy
}

// StatusCounts is the number of jobs per status.
type StatusCounts map[constants.JobStatus]int

func (c StatusCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
)

// Task is one claimed job handed to the extraction engine.
type Task struct {
	JobID       int64
	BidNumber   string
	DetailURL   string
	ArtifactDir string
}

// Output is a successful extraction.
type Output struct {
	Fields     entity.Fields
	PDFURI     *string
	JSONURI    *string
	Confidence *float64
}

// Processor fetches and extracts one bid. It may block for as long as ctx
// allows. Errors should be *Failure so the caller can route them; anything
// else is treated as transient.
type Processor interface {
	Process(ctx context.Context, task Task) (*Output, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task Task) (*Output, error)

func (f ProcessorFunc) Process(ctx context.Context, task Task) (*Output, error) {
	return f(ctx, task)
}

// Failure is an extraction error classified for the retry policy.
type Failure struct {
	Kind    constants.FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

func Transient(message string, err error) error {
	return &Failure{Kind: constants.FailureTransient, Message: message, Err: err}
}

func Permanent(message string, err error) error {
	return &Failure{Kind: constants.FailurePermanent, Message: message, Err: err}
}

// Classify returns the failure kind and message recorded for err.
func Classify(err error) (constants.FailureKind, string) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, f.Error()
	}
	return constants.FailureTransient, err.Error()
}

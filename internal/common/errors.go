package common

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")
	ErrOwnership    = errors.New("job not owned by caller")
)

// OwnershipError is returned when a worker reports on a job it no longer
// owns. The worker must stop and discard its output.
type OwnershipError struct {
	JobID    int64
	WorkerID string
	// Owner is the current locked_by value, empty when the job is unlocked.
	Owner  string
	Status string
}

func (e *OwnershipError) Error() string {
	owner := e.Owner
	if owner == "" {
		owner = "<none>"
	}
	return fmt.Sprintf("job %d: worker %q is not the owner (owner=%s status=%s)", e.JobID, e.WorkerID, owner, e.Status)
}

func (e *OwnershipError) Is(target error) bool {
	return target == ErrOwnership
}

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// DatabaseError tags err as a store failure so pollers can back off the
// connection instead of blaming a job.
func DatabaseError(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewAppError("DB_ERROR", op, errors.Join(ErrDatabase, err))
}

// IsRetryableStoreError reports whether err came from the store rather
// than from job state.
func IsRetryableStoreError(err error) bool {
	return errors.Is(err, ErrDatabase)
}

// GRPCStatus maps an application error to a gRPC status error. Errors
// that already carry a status pass through.
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, ErrOwnership):
		code = codes.FailedPrecondition
	case errors.Is(err, ErrDatabase):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package common

import (
	"errors"
	"fmt"
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

// Failure classes for the pipeline. Callers branch with errors.Is; the
// concrete error types below attach context while still matching these.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrJobStart              = errors.New("job start rejected")
	ErrMalformedNotification = errors.New("malformed completion notification")
	ErrResultRetrieval       = errors.New("result retrieval failed")
	ErrPersist               = errors.New("persist failed")
	ErrAuditWrite            = errors.New("audit write failed")
	ErrNotFound              = errors.New("resource not found")
	ErrConfig                = errors.New("configuration invalid")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// JobStartError carries the engine's rejection of a start request.
// No job exists when this is returned, so no audit record is written.
type JobStartError struct {
	SourceKey string
	Cause     error
}

func (e *JobStartError) Error() string {
	return fmt.Sprintf("start analysis for %s: %v", e.SourceKey, e.Cause)
}

func (e *JobStartError) Unwrap() error { return e.Cause }

func (e *JobStartError) Is(target error) bool { return target == ErrJobStart }

// RetrievalError marks a failed paginated result fetch. Nothing retrieved
// before the failure is handed downstream; the whole collection retries.
type RetrievalError struct {
	JobID string
	Cause error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve results for job %s: %v", e.JobID, e.Cause)
}

func (e *RetrievalError) Unwrap() error { return e.Cause }

func (e *RetrievalError) Is(target error) bool { return target == ErrResultRetrieval }

// PersistError marks a failed page or manifest write. The manifest is never
// written after one of these, so redelivery can safely rewrite everything.
type PersistError struct {
	Key   string
	Cause error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Key, e.Cause)
}

func (e *PersistError) Unwrap() error { return e.Cause }

func (e *PersistError) Is(target error) bool { return target == ErrPersist }

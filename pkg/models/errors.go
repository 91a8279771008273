package models

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned for an unknown or already deleted job id
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when a job id is created twice
	ErrJobExists = errors.New("job already exists")
	// ErrNotReady is returned when a result is requested before completion
	ErrNotReady = errors.New("job result not ready")
	// ErrJobActive is returned when an operation needs a job to be idle
	ErrJobActive = errors.New("job is still processing")
	// ErrEngineNotReady is returned when no engine is loaded
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrTimeout is recorded when an engine call exceeds the configured ceiling
	ErrTimeout = errors.New("engine call timed out")
	// ErrInvalidTransition is returned for a transition the state machine forbids
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrPoolStopped is returned when work is handed to a stopped pool
	ErrPoolStopped = errors.New("worker pool stopped")

	ErrUnsupportedFormat = &AdmissionError{Reason: ReasonUnsupportedFormat}
	ErrPayloadTooLarge   = &AdmissionError{Reason: ReasonPayloadTooLarge}
	ErrEmptyPayload      = &AdmissionError{Reason: ReasonEmptyPayload}
	ErrInvalidParams     = &AdmissionError{Reason: ReasonInvalidParams}
)

// Error codes recorded in ErrorDetail.Code
const (
	CodeEngineError  = "ENGINE_ERROR"
	CodeTimeout      = "TIMEOUT"
	CodeStorageError = "STORAGE_ERROR"
	CodeInterrupted  = "INTERRUPTED"
	CodeShutdown     = "SHUTDOWN"
)

// AdmissionReason classifies why a submission was rejected
type AdmissionReason string

const (
	ReasonUnsupportedFormat AdmissionReason = "unsupported_format"
	ReasonPayloadTooLarge   AdmissionReason = "payload_too_large"
	ReasonEmptyPayload      AdmissionReason = "empty_payload"
	ReasonInvalidParams     AdmissionReason = "invalid_params"
)

// AdmissionError rejects a submission before any job exists
type AdmissionError struct {
	Reason AdmissionReason
	Detail string
}

func (e *AdmissionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("admission rejected: %s", e.Reason)
	}
	return fmt.Sprintf("admission rejected: %s: %s", e.Reason, e.Detail)
}

// Is matches any AdmissionError with the same reason
func (e *AdmissionError) Is(target error) bool {
	t, ok := target.(*AdmissionError)
	return ok && t.Reason == e.Reason
}

// EngineError wraps a failure reported by the transformation engine
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string { return "engine error: " + e.Err.Error() }

func (e *EngineError) Unwrap() error { return e.Err }

// StorageError wraps an artifact read or write failure
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Detail converts a processing-time error into the record stored on the job
func Detail(err error) *ErrorDetail {
	var storageErr *StorageError
	switch {
	case errors.Is(err, ErrTimeout):
		return &ErrorDetail{Code: CodeTimeout, Message: err.Error()}
	case errors.As(err, &storageErr):
		return &ErrorDetail{Code: CodeStorageError, Message: err.Error()}
	default:
		return &ErrorDetail{Code: CodeEngineError, Message: err.Error()}
	}
}

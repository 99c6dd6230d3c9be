package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for job lifecycle operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrJobInFlight is returned by a submit while another job is live.
	ErrJobInFlight = errors.New("a job is already in progress")

	// ErrUploadInFlight is returned by a reset while the upload request is pending.
	ErrUploadInFlight = errors.New("upload still in progress")

	// ErrNotCompleted is returned when a download is requested before completion.
	ErrNotCompleted = errors.New("job is not completed")
)

// ValidationKind classifies a validation failure.
type ValidationKind string

const (
	NotANumber      ValidationKind = "not_a_number"
	RangeInverted   ValidationKind = "range_inverted"
	OutOfRange      ValidationKind = "out_of_range"
	MissingFile     ValidationKind = "missing_file"
	FileTooLarge    ValidationKind = "file_too_large"
	UnsupportedType ValidationKind = "unsupported_type"
)

// ValidationError is a local, pre-network rejection of submission parameters.
type ValidationError struct {
	Kind    ValidationKind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// SubmissionError is returned when job creation fails.
// HTTPStatus is 0 for transport failures.
type SubmissionError struct {
	HTTPStatus int
	Detail     string
}

func (e *SubmissionError) Error() string {
	if e.HTTPStatus == 0 {
		return fmt.Sprintf("submit job: %s", e.Detail)
	}
	return fmt.Sprintf("submit job: %s (HTTP %d)", e.Detail, e.HTTPStatus)
}

// ChannelError is a processing failure reported by the server over the event channel.
type ChannelError struct {
	JobID   string
	Message string
}

func (e *ChannelError) Error() string {
	return e.Message
}

// DownloadError is returned when the finished artifact cannot be fetched.
// It never changes the job state.
type DownloadError struct {
	HTTPStatus int
	Detail     string
}

func (e *DownloadError) Error() string {
	if e.HTTPStatus == 0 {
		return fmt.Sprintf("download failed: %s", e.Detail)
	}
	return fmt.Sprintf("download failed: %s (HTTP %d)", e.Detail, e.HTTPStatus)
}

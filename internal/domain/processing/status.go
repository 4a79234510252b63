// Package processing mirrors the document processing jobs owned by the
// external repository, and defines the lifecycle rules that govern which
// actions a client may request for them.
package processing

import (
	"fmt"
	"strings"
)

// JobStatus represents the server-reported state of a processing job.
type JobStatus string

const (
	// JobStatusUploaded indicates files were received but processing has not been requested.
	JobStatusUploaded JobStatus = "uploaded"

	// JobStatusPending indicates the job is queued for processing.
	JobStatusPending JobStatus = "pending"

	// JobStatusProcessing indicates extraction is running.
	JobStatusProcessing JobStatus = "processing"

	// JobStatusCompleted indicates every file finished.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed indicates the job stopped on an unrecoverable error.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled indicates the job was cancelled by a user.
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) String() string { return string(s) }

// IsActive reports whether the status still expects server-side progress.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// ParseJobStatus normalizes a wire value: case and surrounding space are
// ignored and "canceled" is read as cancelled. Unknown values come back
// lowercased so they stay visible in logs; such a status is never active
// and permits no action.
func ParseJobStatus(s string) JobStatus {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if st == "canceled" {
		return JobStatusCancelled
	}
	return st
}

// UnmarshalText decodes a wire status through ParseJobStatus.
func (s *JobStatus) UnmarshalText(text []byte) error {
	*s = ParseJobStatus(string(text))
	return nil
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid job status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition encodes the client-visible job lifecycle. Server-driven
// progress (pending to processing, processing to completed or failed) is
// accepted as well as the transitions the client can request.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusUploaded:
		return target == JobStatusPending || target == JobStatusProcessing
	case JobStatusPending:
		return target == JobStatusProcessing || target == JobStatusCancelled || target == JobStatusFailed
	case JobStatusProcessing:
		return target == JobStatusCompleted || target == JobStatusFailed || target == JobStatusCancelled
	case JobStatusFailed, JobStatusCancelled:
		// Restart re-queues the job.
		return target == JobStatusPending
	case JobStatusCompleted:
		return false
	default:
		return false
	}
}

// FileStatus represents the state of one file within a job.
type FileStatus string

const (
	FileStatusUploaded   FileStatus = "uploaded"
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
)

func (s FileStatus) String() string { return string(s) }

// ParseFileStatus normalizes a wire value the way ParseJobStatus does.
func ParseFileStatus(s string) FileStatus {
	return FileStatus(strings.ToLower(strings.TrimSpace(s)))
}

// UnmarshalText decodes a wire status through ParseFileStatus.
func (s *FileStatus) UnmarshalText(text []byte) error {
	*s = ParseFileStatus(string(text))
	return nil
}

// IsActive reports whether the file is still being worked on.
func (s FileStatus) IsActive() bool {
	return s == FileStatusPending || s == FileStatusProcessing
}

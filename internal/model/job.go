package model

import "time"

// JobStatus tracks the lifecycle of a logical ingestion batch run.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IngestionJob records one batch run. Created before processing starts and
// updated at completion; rows survive failures for observability.
type IngestionJob struct {
	ID          string     `json:"id"`
	Marketplace string     `json:"marketplace"`
	Status      JobStatus  `json:"status"`
	Total       int        `json:"total"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"` // fresh-cache hits, no vendor call
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

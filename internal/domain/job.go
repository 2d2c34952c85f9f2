package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the state of a background job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a unit of deferred work stored in the jobs table.
type Job struct {
	ID          uuid.UUID
	JobType     string
	Payload     json.RawMessage
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	ScheduledAt time.Time
	LastError   string
	WorkerID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

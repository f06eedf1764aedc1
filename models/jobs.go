package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError
}

type Job struct {
	ID          string            `json:"id"`
	Status      JobStatus         `json:"status"`
	Progress    float64           `json:"progress"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	FailedAt    *time.Time        `json:"failedAt,omitempty"`
}

// JobUpdate is merged into a stored job; nil members are left alone.
type JobUpdate struct {
	Status      *JobStatus
	Progress    *float64
	Result      json.RawMessage
	Error       *string
	Fields      map[string]string
	CompletedAt *time.Time
	FailedAt    *time.Time
}

package job

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeSingle Type = "single_classification"
	TypeBatch  Type = "batch_classification"
)

// Valid reports whether t is a job type workers know how to handle.
func (t Type) Valid() bool {
	return t == TypeSingle || t == TypeBatch
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Failure is the structured error attached to a failed job.
type Failure struct {
	Type       string `json:"error_type"`
	Message    string `json:"error_message"`
	Component  string `json:"component,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// Job is the registry record for one unit of classification work. It is
// always written whole.
type Job struct {
	ID        string          `json:"job_id"`
	Type      Type            `json:"job_type"`
	Status    Status          `json:"status"`
	Progress  float64         `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Failure        `json:"error,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewPending returns the initial record written by the dispatcher.
func NewPending(id string, t Type, now time.Time) *Job {
	return &Job{
		ID:        id,
		Type:      t,
		Status:    StatusPending,
		Progress:  0,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers can mutate without touching shared
// state held by in-memory drivers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

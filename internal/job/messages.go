package job

import (
	"encoding/json"
	"time"
)

// TaskMessage hands one job to a worker role. It is published once.
type TaskMessage struct {
	JobID   string          `json:"job_id"`
	JobType Type            `json:"job_type"`
	Payload json.RawMessage `json:"payload"`
}

// CancelMessage asks workers to abandon a job. Delivery may happen zero,
// one or many times.
type CancelMessage struct {
	JobID string `json:"job_id"`
}

// CompletionMessage reports the outcome of a job back to status consumers.
type CompletionMessage struct {
	JobID     string          `json:"job_id"`
	Status    Status          `json:"status"`
	Agent     string          `json:"agent"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Failure        `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusUpdate is a progress or lifecycle notice on the shared status channel.
type StatusUpdate struct {
	JobID     string    `json:"job_id"`
	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	Agent     string    `json:"agent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Record converts a completion into the registry record it implies.
func (m CompletionMessage) Record() *Job {
	return &Job{
		ID:        m.JobID,
		Status:    m.Status,
		Result:    m.Result,
		Error:     m.Error,
		Agent:     m.Agent,
		UpdatedAt: m.Timestamp,
	}
}

// Record converts a status update into the registry record it implies.
func (u StatusUpdate) Record() *Job {
	return &Job{
		ID:        u.JobID,
		Status:    u.Status,
		Progress:  u.Progress,
		Agent:     u.Agent,
		UpdatedAt: u.Timestamp,
	}
}

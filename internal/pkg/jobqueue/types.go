package jobqueue

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	// JobTypeApplyMembership retries the membership update of a paid order.
	JobTypeApplyMembership JobType = "apply_membership"
	// JobTypeArchiveCallback copies a stored callback delivery to the archive bucket.
	JobTypeArchiveCallback JobType = "archive_callback"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job is stored as JSON under JobKeyPrefix+ID.
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

type ApplyMembershipJobPayload struct {
	OrderID string `json:"order_id"`
}

func (p ApplyMembershipJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{"order_id": p.OrderID}
}

type ArchiveCallbackJobPayload struct {
	EventID uint `json:"event_id"`
}

func (p ArchiveCallbackJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{"event_id": p.EventID}
}

// decodePayload converts a payload map read back from Redis into T. Numbers
// arrive as float64, so the map goes through JSON once more.
func decodePayload[T any](data map[string]interface{}) (*T, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IsRetryable reports whether a failed job has attempts left.
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed counts the attempt.
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}

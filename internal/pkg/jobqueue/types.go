package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeWebhookRetry    JobType = "webhook_retry"
	JobTypeTransactionPoll JobType = "transaction_poll"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string         `json:"id"`
	Type        JobType        `json:"type"`
	Status      JobStatus      `json:"status"`
	UniqueKey   string         `json:"unique_key,omitempty"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ErrorMsg    string         `json:"error_msg,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
}

// WebhookRetryJobPayload points at a stored webhook event whose retry is due.
type WebhookRetryJobPayload struct {
	EventID       uint   `json:"event_id"`
	TransactionID string `json:"transaction_id"`
}

// ToMap converts the payload to a map for storage
func (p WebhookRetryJobPayload) ToMap() map[string]any {
	return map[string]any{
		"event_id":       p.EventID,
		"transaction_id": p.TransactionID,
	}
}

// WebhookRetryJobPayloadFromMap creates a payload from a map
func WebhookRetryJobPayloadFromMap(data map[string]any) (*WebhookRetryJobPayload, error) {
	var payload WebhookRetryJobPayload
	return &payload, fromMap(data, &payload)
}

// TransactionPollJobPayload names a transaction that has not moved for a while.
type TransactionPollJobPayload struct {
	TransactionID string `json:"transaction_id"`
}

func (p TransactionPollJobPayload) ToMap() map[string]any {
	return map[string]any{
		"transaction_id": p.TransactionID,
	}
}

func TransactionPollJobPayloadFromMap(data map[string]any) (*TransactionPollJobPayload, error) {
	var payload TransactionPollJobPayload
	return &payload, fromMap(data, &payload)
}

func fromMap(data map[string]any, out any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable reports whether a failed job has attempts left.
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

func (j *Job) touch(status JobStatus) time.Time {
	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	return now
}

func (j *Job) MarkAsProcessing() {
	now := j.touch(JobStatusProcessing)
	j.ProcessedAt = &now
}

func (j *Job) MarkAsCompleted() {
	now := j.touch(JobStatusCompleted)
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed records the error and counts the attempt.
func (j *Job) MarkAsFailed(errorMsg string) {
	j.touch(JobStatusFailed)
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

func (j *Job) MarkAsRetrying() {
	j.touch(JobStatusRetrying)
}

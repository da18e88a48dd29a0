package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeWebhookEvent    JobType = "webhook_event"
	JobTypeWebhookIntake   JobType = "webhook_intake"
	JobTypeTenantProvision JobType = "tenant_provision"
	JobTypeBroadcast       JobType = "broadcast"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusDead       JobStatus = "dead"
)

// Job represents a background job
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

// WebhookEventJobPayload points at a stored processor event.
type WebhookEventJobPayload struct {
	WebhookEventID  uint   `json:"webhook_event_id"`
	ProviderEventID string `json:"provider_event_id"`
	EventType       string `json:"event_type"`
}

// ToMap converts the payload to a map for storage
func (p WebhookEventJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"webhook_event_id":  p.WebhookEventID,
		"provider_event_id": p.ProviderEventID,
		"event_type":        p.EventType,
	}
}

// WebhookEventJobPayloadFromMap creates a payload from a map
func WebhookEventJobPayloadFromMap(data map[string]interface{}) (*WebhookEventJobPayload, error) {
	var payload WebhookEventJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// WebhookIntakeJobPayload carries a verified delivery that could not be
// stored at intake time.
type WebhookIntakeJobPayload struct {
	Provider        string `json:"provider"`
	ProviderEventID string `json:"provider_event_id"`
	EventType       string `json:"event_type"`
	EventCreatedAt  int64  `json:"event_created_at"`
	PayloadJSON     string `json:"payload_json"`
}

func (p WebhookIntakeJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"provider":          p.Provider,
		"provider_event_id": p.ProviderEventID,
		"event_type":        p.EventType,
		"event_created_at":  p.EventCreatedAt,
		"payload_json":      p.PayloadJSON,
	}
}

func WebhookIntakeJobPayloadFromMap(data map[string]interface{}) (*WebhookIntakeJobPayload, error) {
	var payload WebhookIntakeJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// TenantProvisionJobPayload names the subscription whose tenant is provisioned.
type TenantProvisionJobPayload struct {
	SubscriptionID string `json:"subscription_id"`
	EventID        string `json:"event_id"`
}

func (p TenantProvisionJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"subscription_id": p.SubscriptionID,
		"event_id":        p.EventID,
	}
}

func TenantProvisionJobPayloadFromMap(data map[string]interface{}) (*TenantProvisionJobPayload, error) {
	var payload TenantProvisionJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// BroadcastJobPayload resumes a persisted broadcast run.
type BroadcastJobPayload struct {
	RunID string `json:"run_id"`
}

func (p BroadcastJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"run_id": p.RunID,
	}
}

func BroadcastJobPayloadFromMap(data map[string]interface{}) (*BroadcastJobPayload, error) {
	var payload BroadcastJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func decodePayload(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}

// MarkAsDead parks the job in the dead-letter list.
func (j *Job) MarkAsDead() {
	j.Status = JobStatusDead
	j.UpdatedAt = time.Now()
}

// ResetForRequeue gives a dead job a fresh retry budget.
func (j *Job) ResetForRequeue() {
	j.Status = JobStatusPending
	j.RetryCount = 0
	j.ErrorMsg = ""
	j.ProcessedAt = nil
	j.UpdatedAt = time.Now()
}

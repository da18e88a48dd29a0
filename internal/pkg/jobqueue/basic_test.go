package jobqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBasicJobTypes tests the basic job type constants
func TestBasicJobTypes(t *testing.T) {
	assert.Equal(t, "webhook_event", string(JobTypeWebhookEvent))
	assert.Equal(t, "tenant_provision", string(JobTypeTenantProvision))
	assert.Equal(t, "broadcast", string(JobTypeBroadcast))
}

// TestBasicJobStatus tests the basic job status constants
func TestBasicJobStatus(t *testing.T) {
	assert.Equal(t, "pending", string(JobStatusPending))
	assert.Equal(t, "processing", string(JobStatusProcessing))
	assert.Equal(t, "completed", string(JobStatusCompleted))
	assert.Equal(t, "failed", string(JobStatusFailed))
	assert.Equal(t, "retrying", string(JobStatusRetrying))
	assert.Equal(t, "dead", string(JobStatusDead))
}

// TestJob_BasicMethods tests basic job methods
func TestJob_BasicMethods(t *testing.T) {
	job := &Job{
		Status:     JobStatusFailed,
		RetryCount: 1,
		MaxRetries: 3,
	}

	assert.True(t, job.IsRetryable())

	job.RetryCount = 3
	assert.False(t, job.IsRetryable())

	beforeTime := time.Now()

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.NotNil(t, job.ProcessedAt)
	assert.False(t, job.UpdatedAt.Before(beforeTime))

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMsg)

	job.MarkAsFailed("test error")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "test error", job.ErrorMsg)
	assert.Equal(t, 4, job.RetryCount)

	job.MarkAsRetrying()
	assert.Equal(t, JobStatusRetrying, job.Status)

	job.MarkAsDead()
	assert.Equal(t, JobStatusDead, job.Status)

	job.ResetForRequeue()
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.Empty(t, job.ErrorMsg)
	assert.Nil(t, job.ProcessedAt)
}

func TestWebhookEventJobPayload_Serialization(t *testing.T) {
	payload := WebhookEventJobPayload{
		WebhookEventID:  42,
		ProviderEventID: "evt_123",
		EventType:       "customer.subscription.updated",
	}

	data := payload.ToMap()
	assert.Equal(t, map[string]interface{}{
		"webhook_event_id":  uint(42),
		"provider_event_id": "evt_123",
		"event_type":        "customer.subscription.updated",
	}, data)

	result, err := WebhookEventJobPayloadFromMap(data)
	require.NoError(t, err)
	assert.Equal(t, &payload, result)
}

// Payloads read back from Redis carry JSON numbers as float64.
func TestWebhookEventJobPayload_FromStoredJob(t *testing.T) {
	job := &Job{ID: "webhook:evt_1", Type: JobTypeWebhookEvent, Payload: WebhookEventJobPayload{WebhookEventID: 7, ProviderEventID: "evt_1"}.ToMap()}
	raw, err := json.Marshal(job)
	require.NoError(t, err)

	var stored Job
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.IsType(t, float64(0), stored.Payload["webhook_event_id"])

	payload, err := WebhookEventJobPayloadFromMap(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint(7), payload.WebhookEventID)
}

// TestPayloadFromMapErrors tests error handling in payload deserialization
func TestPayloadFromMapErrors(t *testing.T) {
	invalidData := map[string]interface{}{
		"invalid": make(chan int), // Channels can't be marshaled to JSON
	}

	t.Run("WebhookEventJobPayload", func(t *testing.T) {
		payload, err := WebhookEventJobPayloadFromMap(invalidData)
		assert.Error(t, err)
		assert.Nil(t, payload)
	})
	t.Run("TenantProvisionJobPayload", func(t *testing.T) {
		_, err := TenantProvisionJobPayloadFromMap(invalidData)
		assert.Error(t, err)
	})
	t.Run("BroadcastJobPayload", func(t *testing.T) {
		_, err := BroadcastJobPayloadFromMap(invalidData)
		assert.Error(t, err)
	})
}

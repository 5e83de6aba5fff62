// Package tasks defines the messages that are sent to Kafka.
package tasks

import "time"

// JobEnqueued announces a new pending ProcessingJob. The job row is the
// source of truth; the message only wakes the workers early.
type JobEnqueued struct {
	JobID      string    `json:"job_id"`
	DocumentID string    `json:"document_id"`
	TenantID   string    `json:"tenant_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

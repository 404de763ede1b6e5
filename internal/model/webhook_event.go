package model

import "time"

// Webhook event processing states. Exactly one terminal outcome is ever
// applied to entitlement state per event id; failed records and processing
// records older than the staleness threshold may be reclaimed.
const (
	WebhookStatusProcessing = "processing"
	WebhookStatusProcessed  = "processed"
	WebhookStatusFailed     = "failed"
)

// WebhookEventRecord is the idempotency marker for one billing-provider event.
type WebhookEventRecord struct {
	ID          string     `db:"id" json:"id"`
	EventType   string     `db:"event_type" json:"event_type"`
	Status      string     `db:"status" json:"status"`
	LastError   *string    `db:"last_error" json:"last_error,omitempty"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

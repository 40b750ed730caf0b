package entity

import "time"

const (
	WebhookEventReceived  int32 = 1
	WebhookEventProcessed int32 = 10
)

// WebhookEvent is the durable journal entry for one inbound subscription
// lifecycle notification. Rows are created before any processing is
// attempted and are never physically deleted, only soft-deleted once past
// the audit retention window.
type WebhookEvent struct {
	ID uint64

	UUID      string
	EventType string

	// DedupeKey is the sender's event id when one is present, otherwise a
	// content hash of the raw payload.
	DedupeKey string

	PayloadJSON string

	Status int32
	Error  *string

	ReceivedAt  time.Time
	ProcessedAt *time.Time
	DeletedAt   *time.Time
}

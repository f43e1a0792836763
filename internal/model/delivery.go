package model

import "time"

type DeliveryStatus string

const (
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryRecord is one sink attempt for one outbox row (ClickHouse analytics).
type DeliveryRecord struct {
	OutboxID    string         `db:"outbox_id" json:"outbox_id"`
	EventType   string         `db:"event_type" json:"event_type"`
	Sink        string         `db:"sink" json:"sink"`
	Status      DeliveryStatus `db:"status" json:"status"`
	Error       string         `db:"error" json:"error,omitempty"`
	DurationMs  int64          `db:"duration_ms" json:"duration_ms"`
	AttemptedAt time.Time      `db:"attempted_at" json:"attempted_at"`
}

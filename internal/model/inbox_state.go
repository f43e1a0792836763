package model

import "time"

// InboxState marks a message as consumed by one consumer.
type InboxState struct {
	MessageID   string    `db:"message_id"`
	ConsumerID  string    `db:"consumer_id"`
	ProcessedAt time.Time `db:"processed_at"`
}

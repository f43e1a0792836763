package model

import "time"

type OutboxState string

const (
	OutboxPending   OutboxState = "pending"
	OutboxFailed    OutboxState = "failed"
	OutboxProcessed OutboxState = "processed"
)

func (s OutboxState) String() string {
	return string(s)
}

func (s OutboxState) Valid() bool {
	return s == OutboxPending || s == OutboxFailed || s == OutboxProcessed
}

// OutboxEntry is the DB entity persisted in the outbox table.
// A row is processed once ProcessedAt is set; Error holds the last failure.
type OutboxEntry struct {
	ID          string     `db:"id" json:"id"` // ULID
	EventType   string     `db:"event_type" json:"event_type"`
	Payload     []byte     `db:"payload" json:"payload"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	Error       *string    `db:"error" json:"error,omitempty"`
	Attempts    int        `db:"attempts" json:"attempts"`
	LockedBy    *string    `db:"locked_by" json:"-"`
	LockedUntil *time.Time `db:"locked_until" json:"-"`
}

// State derives the lifecycle state from the nullable columns.
func (e OutboxEntry) State() OutboxState {
	switch {
	case e.ProcessedAt != nil:
		return OutboxProcessed
	case e.Error != nil && *e.Error != "":
		return OutboxFailed
	default:
		return OutboxPending
	}
}

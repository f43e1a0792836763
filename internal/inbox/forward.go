package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/relay/internal/events"
	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/resilience"
	"github.com/jmehdipour/relay/internal/util"
	"github.com/jmoiron/sqlx"
)

// OutboxWriter stores outbox rows inside a caller transaction.
type OutboxWriter interface {
	Insert(ctx context.Context, tx *sqlx.Tx, e model.OutboxEntry) error
}

// Forward is an Effect that re-publishes accepted messages through the
// outbox, so the inbox marker and the outgoing row commit together. Unknown
// or malformed event types are rejected as permanent.
func Forward(registry *events.Registry, outbox OutboxWriter) Effect {
	return func(ctx context.Context, tx *sqlx.Tx, msg model.TransportMessage) error {
		ev, err := registry.Decode(msg.MessageType, msg.Body)
		if err != nil {
			return resilience.Permanent(err)
		}
		payload, err := events.Encode(ev)
		if err != nil {
			return resilience.Permanent(err)
		}

		now := time.Now().UTC()
		entry := model.OutboxEntry{
			ID:        util.NewAt(now),
			EventType: ev.EventType(),
			Payload:   payload,
			CreatedAt: now,
		}
		if err := outbox.Insert(ctx, tx, entry); err != nil {
			return fmt.Errorf("forward %s: %w", msg.MessageID, err)
		}
		return nil
	}
}

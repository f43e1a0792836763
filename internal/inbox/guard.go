// Package inbox makes consumers idempotent: a side effect runs at most once
// per (message id, consumer id).
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/relay/internal/metrics"
	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/repository"
	"github.com/jmehdipour/relay/internal/resilience"
	"github.com/jmehdipour/relay/internal/transport"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var ErrMissingMessageID = errors.New("message has no id")

// Effect is the business side effect. It must do its writes through tx.
type Effect func(ctx context.Context, tx *sqlx.Tx, msg model.TransportMessage) error

type Guard struct {
	db   *sqlx.DB
	repo repository.InboxRepository
	log  *zap.Logger
	now  func() time.Time
}

func NewGuard(db *sqlx.DB, repo repository.InboxRepository, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		db:   db,
		repo: repo,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Wrap returns a consumer that skips messages consumerID already handled and
// otherwise commits effect and the inbox marker together.
func (g *Guard) Wrap(consumerID string, effect Effect) transport.ConsumeFunc {
	return func(ctx context.Context, msg model.TransportMessage) error {
		if msg.MessageID == "" {
			metrics.InboxMessages.WithLabelValues(consumerID, "rejected").Inc()
			return resilience.Permanent(fmt.Errorf("%s: %w", consumerID, ErrMissingMessageID))
		}

		err := g.handle(ctx, consumerID, effect, msg)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrInboxConflict):
			metrics.InboxMessages.WithLabelValues(consumerID, "conflict").Inc()
			g.log.Warn("inbox conflict, message handled concurrently",
				zap.String("consumer", consumerID),
				zap.String("message_id", msg.MessageID))
		default:
			metrics.InboxMessages.WithLabelValues(consumerID, "failed").Inc()
		}
		return err
	}
}

func (g *Guard) handle(ctx context.Context, consumerID string, effect Effect, msg model.TransportMessage) error {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("inbox begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seen, err := g.repo.Exists(ctx, tx, msg.MessageID, consumerID)
	if err != nil {
		return fmt.Errorf("inbox lookup: %w", err)
	}
	if seen {
		metrics.InboxMessages.WithLabelValues(consumerID, "duplicate").Inc()
		g.log.Debug("duplicate message skipped",
			zap.String("consumer", consumerID),
			zap.String("message_id", msg.MessageID))
		return nil
	}

	if err := effect(ctx, tx, msg); err != nil {
		return err
	}

	if err := g.repo.Insert(ctx, tx, msg.MessageID, consumerID, g.now()); err != nil {
		if errors.Is(err, repository.ErrInboxConflict) {
			return fmt.Errorf("%s/%s: %w", consumerID, msg.MessageID, err)
		}
		return fmt.Errorf("inbox insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("inbox commit: %w", err)
	}
	metrics.InboxMessages.WithLabelValues(consumerID, "processed").Inc()
	return nil
}

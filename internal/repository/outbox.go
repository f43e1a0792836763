package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNoTransaction = errors.New("outbox insert requires the business transaction")
	ErrUnknownState  = errors.New("unknown outbox state")
)

const outboxColumns = `id, event_type, payload, created_at, processed_at, error, attempts, locked_by, locked_until`

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes one row inside the caller's transaction; tx must not be nil.
	Insert(ctx context.Context, tx *sqlx.Tx, e model.OutboxEntry) error
	// Claim leases up to limit unprocessed rows to owner, oldest first, and returns them.
	Claim(ctx context.Context, owner string, lease time.Duration, limit int) ([]model.OutboxEntry, error)
	MarkProcessed(ctx context.Context, id string) error
	// MarkFailed stores the sanitized error, bumps attempts and releases the lease.
	MarkFailed(ctx context.Context, id string, cause error) error
	List(ctx context.Context, state model.OutboxState, limit, offset int) ([]model.OutboxEntry, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, e model.OutboxEntry) error {
	if tx == nil {
		return ErrNoTransaction
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}

	const q = `
		INSERT INTO outbox (id, event_type, payload, created_at, attempts)
		VALUES (?, ?, ?, ?, 0)
	`
	if _, err := tx.ExecContext(ctx, q, e.ID, e.EventType, e.Payload, e.CreatedAt); err != nil {
		return fmt.Errorf("insert outbox %s: %w", e.EventType, err)
	}
	return nil
}

// Claim is two statements: a single UPDATE takes the lease (atomic per row in
// InnoDB, so concurrent publishers never claim the same row) and a SELECT reads
// back the rows stamped with this claim's lease. Rows the owner still holds
// from an earlier cycle carry a different locked_until and are not re-read.
func (r *OutboxRepositoryImpl) Claim(ctx context.Context, owner string, lease time.Duration, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := r.now()
	// locked_until is DATETIME(6)
	until := now.Add(lease).Truncate(time.Microsecond)

	const claim = `
		UPDATE outbox
		SET locked_by = ?, locked_until = ?
		WHERE processed_at IS NULL
		  AND (locked_until IS NULL OR locked_until < ?)
		ORDER BY created_at, id
		LIMIT ?
	`
	res, err := r.db.ExecContext(ctx, claim, owner, until, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, nil
	}

	const sel = `SELECT ` + outboxColumns + `
		FROM outbox
		WHERE locked_by = ? AND locked_until = ? AND processed_at IS NULL
		ORDER BY created_at, id
		LIMIT ?
	`
	var rows []model.OutboxEntry
	if err := r.db.SelectContext(ctx, &rows, sel, owner, until, limit); err != nil {
		return nil, fmt.Errorf("read claimed outbox rows: %w", err)
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) MarkProcessed(ctx context.Context, id string) error {
	const q = `
		UPDATE outbox
		SET processed_at = ?, error = NULL, locked_by = NULL, locked_until = NULL
		WHERE id = ? AND processed_at IS NULL
	`
	_, err := r.db.ExecContext(ctx, q, r.now(), id)
	return err
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id string, cause error) error {
	const q = `
		UPDATE outbox
		SET error = ?, attempts = attempts + 1, locked_by = NULL, locked_until = NULL
		WHERE id = ? AND processed_at IS NULL
	`
	_, err := r.db.ExecContext(ctx, q, SanitizeError(cause), id)
	return err
}

// List is the admin view. Pending excludes rows that already carry an error.
func (r *OutboxRepositoryImpl) List(ctx context.Context, state model.OutboxState, limit, offset int) ([]model.OutboxEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var where string
	switch state {
	case model.OutboxPending:
		where = "processed_at IS NULL AND error IS NULL"
	case model.OutboxFailed:
		where = "processed_at IS NULL AND error IS NOT NULL"
	case model.OutboxProcessed:
		where = "processed_at IS NOT NULL"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, state)
	}

	q := `SELECT ` + outboxColumns + ` FROM outbox WHERE ` + where + ` ORDER BY created_at, id LIMIT ? OFFSET ?`

	var rows []model.OutboxEntry
	if err := r.db.SelectContext(ctx, &rows, q, limit, offset); err != nil {
		return nil, err
	}
	return rows, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// ErrInboxConflict means another worker recorded the same (message, consumer)
// pair between our lookup and our insert.
var ErrInboxConflict = errors.New("inbox marker already exists")

const mysqlDuplicateEntry = 1062

// InboxRepository reads and writes inbox markers. All calls run in the
// caller's transaction.
type InboxRepository interface {
	Exists(ctx context.Context, tx *sqlx.Tx, messageID, consumerID string) (bool, error)
	Insert(ctx context.Context, tx *sqlx.Tx, messageID, consumerID string, at time.Time) error
}

type inboxRepo struct{}

func NewInboxRepository() InboxRepository { return &inboxRepo{} }

func (r *inboxRepo) Exists(ctx context.Context, tx *sqlx.Tx, messageID, consumerID string) (bool, error) {
	var one int
	err := tx.QueryRowxContext(ctx,
		`SELECT 1 FROM inbox_state WHERE message_id = ? AND consumer_id = ? LIMIT 1`,
		messageID, consumerID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *inboxRepo) Insert(ctx context.Context, tx *sqlx.Tx, messageID, consumerID string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO inbox_state (message_id, consumer_id, processed_at) VALUES (?, ?, ?)`,
		messageID, consumerID, at,
	)
	if IsDuplicateKey(err) {
		return ErrInboxConflict
	}
	return err
}

// IsDuplicateKey reports a MySQL unique/primary key violation.
func IsDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

package repository

import (
	"context"
	"fmt"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmoiron/sqlx"
)

// DeliveriesDDL creates the ClickHouse analytics table.
const DeliveriesDDL = `
CREATE TABLE IF NOT EXISTS deliveries (
    outbox_id    String,
    event_type   LowCardinality(String),
    sink         LowCardinality(String),
    status       LowCardinality(String),
    error        String,
    duration_ms  Int64,
    attempted_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(attempted_at)
ORDER BY (event_type, attempted_at, outbox_id)
`

type DeliveryFilter struct {
	EventType string
	Sink      string
	Status    model.DeliveryStatus
	Limit     int
	Offset    int
}

// DeliveryLog records sink attempts in ClickHouse.
type DeliveryLog interface {
	Record(ctx context.Context, recs ...model.DeliveryRecord) error
	List(ctx context.Context, f DeliveryFilter) ([]model.DeliveryRecord, error)
}

type chDeliveryLog struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewDeliveryLog(ch *sqlx.DB) DeliveryLog {
	return &chDeliveryLog{ch: ch}
}

// EnsureDeliveriesTable applies DeliveriesDDL.
func EnsureDeliveriesTable(ctx context.Context, ch *sqlx.DB) error {
	_, err := ch.ExecContext(ctx, DeliveriesDDL)
	return err
}

// Record writes a batch; clickhouse-go sends everything prepared inside the tx as one block.
func (r *chDeliveryLog) Record(ctx context.Context, recs ...model.DeliveryRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO deliveries (outbox_id, event_type, sink, status, error, duration_ms, attempted_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare deliveries insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range recs {
		if _, err := stmt.ExecContext(ctx,
			d.OutboxID, d.EventType, d.Sink, string(d.Status), d.Error, d.DurationMs, d.AttemptedAt,
		); err != nil {
			return fmt.Errorf("append delivery %s: %w", d.OutboxID, err)
		}
	}
	return tx.Commit()
}

func (r *chDeliveryLog) List(ctx context.Context, f DeliveryFilter) ([]model.DeliveryRecord, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT outbox_id, event_type, sink, status, error, duration_ms, attempted_at
		FROM deliveries
		WHERE 1 = 1
	`
	var args []any

	if f.EventType != "" {
		q += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	if f.Sink != "" {
		q += " AND sink = ?"
		args = append(args, f.Sink)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}

	q += " ORDER BY attempted_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []model.DeliveryRecord
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

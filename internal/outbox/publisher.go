// Package outbox drains pending outbox rows to the configured sinks.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/relay/internal/events"
	"github.com/jmehdipour/relay/internal/metrics"
	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/repository"
	"github.com/jmehdipour/relay/internal/util"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Store is the part of the outbox repository the publisher needs.
type Store interface {
	Claim(ctx context.Context, owner string, lease time.Duration, limit int) ([]model.OutboxEntry, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

type Config struct {
	BatchSize    int
	PollInterval time.Duration
	Lease        time.Duration
	// DrainTimeout bounds how long a claimed batch keeps running after ctx is
	// cancelled. Rows not finished by then are left to their lease.
	DrainTimeout time.Duration
	// InstanceID owns the leases taken by this publisher; defaults to a fresh ULID.
	InstanceID string
}

// CycleResult counts what one poll did.
type CycleResult struct {
	Claimed   int
	Processed int
	Failed    int
}

type Publisher struct {
	store      Store
	registry   *events.Registry
	sinks      []Sink
	deliveries repository.DeliveryLog
	log        *zap.Logger
	cfg        Config
	now        func() time.Time
}

type Option func(*Publisher)

// WithDeliveryLog records every sink attempt (best effort).
func WithDeliveryLog(d repository.DeliveryLog) Option {
	return func(p *Publisher) { p.deliveries = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

func NewPublisher(store Store, registry *events.Registry, sinks []Sink, cfg Config, opts ...Option) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = util.New()
	}

	p := &Publisher{
		store:    store,
		registry: registry,
		sinks:    sinks,
		log:      zap.NewNop(),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Publisher) InstanceID() string { return p.cfg.InstanceID }

// Run polls every PollInterval until ctx is cancelled. A batch in flight when
// ctx ends gets DrainTimeout to finish.
func (p *Publisher) Run(ctx context.Context) error {
	p.log.Info("outbox publisher started",
		zap.String("instance", p.cfg.InstanceID),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Duration("poll_interval", p.cfg.PollInterval))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error("outbox cycle failed", zap.Error(err))
		} else if res.Claimed > 0 {
			p.log.Debug("outbox cycle",
				zap.Int("claimed", res.Claimed),
				zap.Int("processed", res.Processed),
				zap.Int("failed", res.Failed))
		}

		select {
		case <-ctx.Done():
			p.log.Info("outbox publisher stopped", zap.String("instance", p.cfg.InstanceID))
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and handles every row in it.
func (p *Publisher) RunOnce(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	start := time.Now()
	defer func() { metrics.OutboxCycleDuration.Observe(time.Since(start).Seconds()) }()

	rows, err := p.store.Claim(ctx, p.cfg.InstanceID, p.cfg.Lease, p.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Claimed = len(rows)
	if len(rows) == 0 {
		return res, nil
	}

	batchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(p.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.log.Warn("outbox drain timed out", zap.Duration("drain_timeout", p.cfg.DrainTimeout))
			cancel()
		case <-batchCtx.Done():
		}
	})
	defer stop()

	var records []model.DeliveryRecord
	for _, row := range rows {
		if batchCtx.Err() != nil {
			break
		}
		recs, perr := p.publish(batchCtx, row)
		records = append(records, recs...)

		if perr != nil && batchCtx.Err() != nil {
			// aborted by shutdown, not a delivery failure; the lease releases the row
			break
		}
		if perr != nil {
			res.Failed++
			metrics.OutboxRows.WithLabelValues("failed").Inc()
			p.log.Warn("outbox row failed",
				zap.String("id", row.ID),
				zap.String("event_type", row.EventType),
				zap.Int("attempts", row.Attempts+1),
				zap.Error(perr))
			if err := p.store.MarkFailed(batchCtx, row.ID, perr); err != nil {
				p.log.Error("mark outbox row failed", zap.String("id", row.ID), zap.Error(err))
			}
			continue
		}

		if err := p.store.MarkProcessed(batchCtx, row.ID); err != nil {
			// lease expires and the row is delivered again; inboxes absorb the duplicate
			res.Failed++
			p.log.Error("mark outbox row processed", zap.String("id", row.ID), zap.Error(err))
			continue
		}
		res.Processed++
		metrics.OutboxRows.WithLabelValues("processed").Inc()
	}

	if p.deliveries != nil && len(records) > 0 {
		logCtx, cancelLog := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancelLog()
		if err := p.deliveries.Record(logCtx, records...); err != nil {
			p.log.Warn("delivery log write failed", zap.Int("records", len(records)), zap.Error(err))
		}
	}
	return res, nil
}

// publish decodes the row and offers it to every sink. All sinks are tried
// even after one fails; the returned error names each failing sink.
func (p *Publisher) publish(ctx context.Context, row model.OutboxEntry) ([]model.DeliveryRecord, error) {
	ev, err := p.registry.Decode(row.EventType, row.Payload)
	if err != nil {
		return nil, err
	}

	var (
		errs    error
		records = make([]model.DeliveryRecord, 0, len(p.sinks))
	)
	for _, s := range p.sinks {
		started := time.Now()
		serr := s.Deliver(ctx, row, ev)

		rec := model.DeliveryRecord{
			OutboxID:    row.ID,
			EventType:   row.EventType,
			Sink:        s.Name(),
			Status:      model.DeliverySucceeded,
			DurationMs:  time.Since(started).Milliseconds(),
			AttemptedAt: p.now(),
		}
		if serr != nil {
			rec.Status = model.DeliveryFailed
			rec.Error = repository.SanitizeError(serr)
			metrics.SinkPublishes.WithLabelValues(s.Name(), "error").Inc()
			errs = multierr.Append(errs, fmt.Errorf("sink %s: %w", s.Name(), serr))
		} else {
			metrics.SinkPublishes.WithLabelValues(s.Name(), "ok").Inc()
		}
		records = append(records, rec)
	}
	return records, errs
}

// Package uow commits business state and the outbox rows for the integration
// events it raised in a single MySQL transaction.
package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/relay/internal/events"
	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/repository"
	"github.com/jmehdipour/relay/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ErrTooManyRounds means domain handlers kept raising domain events.
var ErrTooManyRounds = errors.New("domain event dispatch did not settle")

const defaultMaxRounds = 10

// Scope is what the business function sees inside Run.
type Scope struct {
	Tx     *sqlx.Tx
	Buffer *events.Buffer

	mu      sync.Mutex
	tracked []events.Source
}

// Track registers aggregates whose pending events are collected at commit.
func (s *Scope) Track(src ...events.Source) {
	s.mu.Lock()
	s.tracked = append(s.tracked, src...)
	s.mu.Unlock()
}

func (s *Scope) sources() []events.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Source(nil), s.tracked...)
}

func (s *Scope) drainDomain() []events.DomainEvent {
	var out []events.DomainEvent
	for _, src := range s.sources() {
		out = append(out, src.DrainDomainEvents()...)
	}
	return out
}

func (s *Scope) drainIntegration() []events.IntegrationEvent {
	var out []events.IntegrationEvent
	for _, src := range s.sources() {
		out = append(out, src.DrainIntegrationEvents()...)
	}
	return append(out, s.Buffer.Drain()...)
}

type scopeKey struct{}

// ScopeFrom returns the scope of the unit of work running on ctx. Domain
// handlers use it to reach the transaction, the buffer or to track more aggregates.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}

type Option func(*UnitOfWork)

// WithLocalDispatch delivers integration events in-process after commit.
// Off by default so the outbox publisher stays the single delivery path.
func WithLocalDispatch(d *events.IntegrationDispatcher) Option {
	return func(u *UnitOfWork) { u.local = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(u *UnitOfWork) {
		if log != nil {
			u.log = log
		}
	}
}

func WithMaxRounds(n int) Option {
	return func(u *UnitOfWork) {
		if n > 0 {
			u.maxRounds = n
		}
	}
}

type UnitOfWork struct {
	db        *sqlx.DB
	outbox    repository.OutboxRepository
	domain    *events.DomainDispatcher
	local     *events.IntegrationDispatcher
	log       *zap.Logger
	maxRounds int
	now       func() time.Time
}

func New(db *sqlx.DB, outbox repository.OutboxRepository, domain *events.DomainDispatcher, opts ...Option) *UnitOfWork {
	if domain == nil {
		domain = events.NewDomainDispatcher()
	}
	u := &UnitOfWork{
		db:        db,
		outbox:    outbox,
		domain:    domain,
		log:       zap.NewNop(),
		maxRounds: defaultMaxRounds,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Run executes fn in a transaction, dispatches domain events until none are
// left, writes one outbox row per integration event and commits. Any error
// before commit rolls everything back.
func (u *UnitOfWork) Run(ctx context.Context, fn func(ctx context.Context, s *Scope) error) error {
	tx, err := u.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	scope := &Scope{Tx: tx, Buffer: events.NewBuffer()}
	ctx = context.WithValue(ctx, scopeKey{}, scope)

	if err := fn(ctx, scope); err != nil {
		return err
	}

	if err := u.dispatchDomain(ctx, scope); err != nil {
		return err
	}

	pending := scope.drainIntegration()
	now := u.now()
	for _, ev := range pending {
		payload, err := events.Encode(ev)
		if err != nil {
			return err
		}
		entry := model.OutboxEntry{
			ID:        util.NewAt(now),
			EventType: ev.EventType(),
			Payload:   payload,
			CreatedAt: now,
		}
		if err := u.outbox.Insert(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if u.local != nil {
		u.dispatchLocal(ctx, pending)
	}
	return nil
}

func (u *UnitOfWork) dispatchDomain(ctx context.Context, s *Scope) error {
	for round := 0; ; round++ {
		evs := s.drainDomain()
		if len(evs) == 0 {
			return nil
		}
		if round >= u.maxRounds {
			return fmt.Errorf("%w after %d rounds", ErrTooManyRounds, u.maxRounds)
		}
		for _, ev := range evs {
			if err := u.domain.Dispatch(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// dispatchLocal runs after commit; failures are logged only, the rows are
// already durable and the publisher will deliver them.
func (u *UnitOfWork) dispatchLocal(ctx context.Context, evs []events.IntegrationEvent) {
	for _, ev := range evs {
		if err := u.local.Dispatch(ctx, ev); err != nil {
			u.log.Warn("local dispatch failed after commit",
				zap.String("event_type", ev.EventType()),
				zap.Error(err))
		}
	}
}

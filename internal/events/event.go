// Package events holds the in-process side of event delivery: aggregates that
// raise events, the scoped buffer for events raised by handlers, the registry
// that maps stored type keys back to decoders, and the domain dispatcher.
package events

import (
	"context"
	"sync"
)

// DomainEvent is dispatched in-process before the enclosing transaction commits.
type DomainEvent interface {
	EventType() string
}

// IntegrationEvent crosses process boundaries through the outbox.
type IntegrationEvent interface {
	EventType() string
}

// DomainHandler handles one domain event inside the business transaction.
type DomainHandler func(ctx context.Context, ev DomainEvent) error

// IntegrationHandler handles one integration event in-process.
type IntegrationHandler func(ctx context.Context, ev IntegrationEvent) error

// Source is anything that carries pending events, typically an aggregate root.
type Source interface {
	DrainDomainEvents() []DomainEvent
	DrainIntegrationEvents() []IntegrationEvent
}

// Aggregate is embedded by aggregate roots to collect pending events.
// The zero value is ready to use.
type Aggregate struct {
	mu          sync.Mutex
	domain      []DomainEvent
	integration []IntegrationEvent
}

func (a *Aggregate) RaiseDomain(ev DomainEvent) {
	a.mu.Lock()
	a.domain = append(a.domain, ev)
	a.mu.Unlock()
}

func (a *Aggregate) RaiseIntegration(ev IntegrationEvent) {
	a.mu.Lock()
	a.integration = append(a.integration, ev)
	a.mu.Unlock()
}

// DrainDomainEvents returns pending domain events and clears the list.
func (a *Aggregate) DrainDomainEvents() []DomainEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.domain
	a.domain = nil
	return out
}

// DrainIntegrationEvents returns pending integration events and clears the list.
func (a *Aggregate) DrainIntegrationEvents() []IntegrationEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.integration
	a.integration = nil
	return out
}

package events

import (
	"context"
	"fmt"
	"sync"
)

// DomainDispatcher is the startup-built table of domain-event handlers.
type DomainDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]DomainHandler
}

func NewDomainDispatcher() *DomainDispatcher {
	return &DomainDispatcher{handlers: make(map[string][]DomainHandler)}
}

func (d *DomainDispatcher) Handle(eventType string, h DomainHandler) {
	d.mu.Lock()
	d.handlers[eventType] = append(d.handlers[eventType], h)
	d.mu.Unlock()
}

// Dispatch runs handlers in registration order and stops at the first error.
// Events without handlers are ignored.
func (d *DomainDispatcher) Dispatch(ctx context.Context, ev DomainEvent) error {
	d.mu.RLock()
	hs := d.handlers[ev.EventType()]
	d.mu.RUnlock()

	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			return fmt.Errorf("domain handler for %s: %w", ev.EventType(), err)
		}
	}
	return nil
}

// IntegrationDispatcher delivers integration events to local subscribers.
type IntegrationDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]IntegrationHandler
}

func NewIntegrationDispatcher() *IntegrationDispatcher {
	return &IntegrationDispatcher{handlers: make(map[string][]IntegrationHandler)}
}

func (d *IntegrationDispatcher) Subscribe(eventType string, h IntegrationHandler) {
	d.mu.Lock()
	d.handlers[eventType] = append(d.handlers[eventType], h)
	d.mu.Unlock()
}

func (d *IntegrationDispatcher) HasSubscribers(eventType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[eventType]) > 0
}

// Dispatch runs every subscriber for ev, stopping at the first error.
func (d *IntegrationDispatcher) Dispatch(ctx context.Context, ev IntegrationEvent) error {
	d.mu.RLock()
	hs := d.handlers[ev.EventType()]
	d.mu.RUnlock()

	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			return fmt.Errorf("integration subscriber for %s: %w", ev.EventType(), err)
		}
	}
	return nil
}

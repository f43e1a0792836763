package events

import "sync"

// Buffer collects integration events that have no aggregate to attach to,
// e.g. events raised by domain-event handlers. One Buffer per unit of work.
type Buffer struct {
	mu     sync.Mutex
	events []IntegrationEvent
}

func NewBuffer() *Buffer { return &Buffer{} }

func (b *Buffer) Add(ev ...IntegrationEvent) {
	b.mu.Lock()
	b.events = append(b.events, ev...)
	b.mu.Unlock()
}

// Drain returns buffered events and empties the buffer.
func (b *Buffer) Drain() []IntegrationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.events
	b.events = nil
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

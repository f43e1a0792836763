package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/relay/internal/events"
	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/transport"
)

// Sink is one delivery target for outbox rows. A row is processed only after
// every configured sink accepted it.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, entry model.OutboxEntry, ev events.IntegrationEvent) error
}

// TransportSink publishes rows through a transport host, one publish
// transport per event type.
type TransportSink struct {
	host transport.Host
	now  func() time.Time

	mu   sync.Mutex
	pubs map[string]transport.PublishTransport
}

func NewTransportSink(host transport.Host) *TransportSink {
	return &TransportSink{
		host: host,
		now:  func() time.Time { return time.Now().UTC() },
		pubs: make(map[string]transport.PublishTransport),
	}
}

func (s *TransportSink) Name() string { return s.host.Name() }

func (s *TransportSink) Deliver(ctx context.Context, entry model.OutboxEntry, _ events.IntegrationEvent) error {
	pub, err := s.publisher(ctx, entry.EventType)
	if err != nil {
		return err
	}
	return pub.Publish(ctx, Message(entry, s.now()))
}

func (s *TransportSink) publisher(ctx context.Context, eventType string) (transport.PublishTransport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pubs[eventType]; ok {
		return p, nil
	}
	p, err := s.host.PublishTransport(ctx, eventType)
	if err != nil {
		return nil, err
	}
	s.pubs[eventType] = p
	return p, nil
}

// Message maps a row onto the wire message. The row id doubles as message id
// so redeliveries of the same row dedupe in consumer inboxes.
func Message(entry model.OutboxEntry, sent time.Time) model.TransportMessage {
	return model.TransportMessage{
		MessageID:   entry.ID,
		MessageType: entry.EventType,
		ContentType: model.ContentTypeJSON,
		Body:        entry.Payload,
		SentTime:    sent,
	}
}

// LocalSink hands decoded events to in-process subscribers.
type LocalSink struct {
	dispatcher *events.IntegrationDispatcher
}

func NewLocalSink(d *events.IntegrationDispatcher) *LocalSink {
	return &LocalSink{dispatcher: d}
}

func (s *LocalSink) Name() string { return "local" }

func (s *LocalSink) Deliver(ctx context.Context, _ model.OutboxEntry, ev events.IntegrationEvent) error {
	return s.dispatcher.Dispatch(ctx, ev)
}

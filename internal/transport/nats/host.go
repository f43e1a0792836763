// Package nats is a transport host over core NATS subjects. Publish subjects
// come from the same name topology as Kafka topics; receive endpoints are
// queue subscriptions where the queue is the consumer group.
package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/relay/internal/config"
	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/resilience"
	"github.com/jmehdipour/relay/internal/transport"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	hdrMessageID      = "Message-Id"
	hdrCorrelationID  = "Correlation-Id"
	hdrConversationID = "Conversation-Id"
	hdrMessageType    = "Message-Type"
	hdrContentType    = "Content-Type"
	hdrSentTime       = "Sent-Time"
)

// Topology maps a message type to a subject.
type Topology interface {
	TopicFor(messageType string) string
}

type subscription interface {
	Unsubscribe() error
}

// conn is the part of *nats.Conn the host uses.
type conn interface {
	PublishMsg(m *nats.Msg) error
	ChanQueueSubscribe(subj, queue string, ch chan *nats.Msg) (subscription, error)
	Drain() error
}

type natsConn struct{ *nats.Conn }

func (c natsConn) ChanQueueSubscribe(subj, queue string, ch chan *nats.Msg) (subscription, error) {
	return c.Conn.ChanQueueSubscribe(subj, queue, ch)
}

// Connect dials NATS with reconnect handling logged through zap.
func Connect(c config.NATSConfig, log *zap.Logger) (*nats.Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	name := c.Name
	if name == "" {
		name = "relay"
	}
	url := c.URL
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

type Host struct {
	conn     conn
	topology Topology
	buffer   int
	log      *zap.Logger

	mu     sync.Mutex
	closed bool
}

func NewHost(nc *nats.Conn, topology Topology, log *zap.Logger) *Host {
	return newHost(natsConn{nc}, topology, log)
}

func newHost(c conn, topology Topology, log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{conn: c, topology: topology, buffer: 256, log: log}
}

func (h *Host) Name() string { return "nats" }

func (h *Host) publish(ctx context.Context, subject string, msg model.TransportMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if err := h.conn.PublishMsg(toNATS(subject, msg)); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (h *Host) SendTransport(_ context.Context, address string) (transport.SendTransport, error) {
	return transport.SendFunc(func(ctx context.Context, msg model.TransportMessage) error {
		return h.publish(ctx, address, msg)
	}), nil
}

func (h *Host) PublishTransport(_ context.Context, messageType string) (transport.PublishTransport, error) {
	subject := h.topology.TopicFor(messageType)
	return transport.PublishFunc(func(ctx context.Context, msg model.TransportMessage) error {
		return h.publish(ctx, subject, msg)
	}), nil
}

func (h *Host) ConnectReceiveEndpoint(_ context.Context, cfg transport.ReceiveEndpointConfig) (transport.ReceiveEndpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ch := make(chan *nats.Msg, h.buffer)
	sub, err := h.conn.ChanQueueSubscribe(cfg.InputAddress, cfg.ConsumerGroup, ch)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", cfg.InputAddress, err)
	}
	return &endpoint{host: h, cfg: cfg, ch: ch, sub: sub}, nil
}

// Close drains subscriptions and the connection.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	return h.conn.Drain()
}

type endpoint struct {
	host *Host
	cfg  transport.ReceiveEndpointConfig
	ch   chan *nats.Msg
	sub  subscription
	once sync.Once
}

func (e *endpoint) Address() string { return e.cfg.InputAddress }

// Run consumes until ctx is done. Core NATS has no redelivery: without a
// dead-letter subject a permanent failure is logged and dropped, and any
// other failure stops the endpoint and is reported.
func (e *endpoint) Run(ctx context.Context) error {
	defer e.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-e.ch:
			if !ok {
				return nil
			}
			msg := fromNATS(m)
			if err := e.cfg.Consumer(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				dlq := e.cfg.DeadLetter()
				if dlq == "" && resilience.IsPermanent(err) {
					e.host.log.Error("rejecting message",
						zap.String("subject", e.cfg.InputAddress),
						zap.String("message_id", msg.MessageID),
						zap.Error(err))
					continue
				}
				if dlq == "" {
					return fmt.Errorf("consume %s from %s: %w", msg.MessageID, e.cfg.InputAddress, err)
				}
				e.host.log.Warn("dead-lettering message",
					zap.String("subject", e.cfg.InputAddress),
					zap.String("message_id", msg.MessageID),
					zap.Error(err))
				if perr := e.host.publish(ctx, dlq, msg.WithHeader(transport.HeaderDeadLetterReason, err.Error())); perr != nil {
					return perr
				}
			}
		}
	}
}

func (e *endpoint) Close() error {
	var err error
	e.once.Do(func() { err = e.sub.Unsubscribe() })
	return err
}

func toNATS(subject string, msg model.TransportMessage) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = msg.Body
	m.Header.Set(hdrMessageID, msg.MessageID)
	m.Header.Set(hdrMessageType, msg.MessageType)
	m.Header.Set(hdrContentType, msg.ContentType)
	if msg.CorrelationID != "" {
		m.Header.Set(hdrCorrelationID, msg.CorrelationID)
	}
	if msg.ConversationID != "" {
		m.Header.Set(hdrConversationID, msg.ConversationID)
	}
	if !msg.SentTime.IsZero() {
		m.Header.Set(hdrSentTime, msg.SentTime.UTC().Format(time.RFC3339Nano))
	}
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	return m
}

func fromNATS(m *nats.Msg) model.TransportMessage {
	msg := model.TransportMessage{Body: m.Data}
	for k := range m.Header {
		v := m.Header.Get(k)
		switch k {
		case hdrMessageID:
			msg.MessageID = v
		case hdrCorrelationID:
			msg.CorrelationID = v
		case hdrConversationID:
			msg.ConversationID = v
		case hdrMessageType:
			msg.MessageType = v
		case hdrContentType:
			msg.ContentType = v
		case hdrSentTime:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				msg.SentTime = t
			}
		default:
			if msg.Headers == nil {
				msg.Headers = make(map[string]string)
			}
			msg.Headers[k] = v
		}
	}
	return msg
}

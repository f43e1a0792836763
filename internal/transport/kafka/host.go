// Package kafka is the broker transport host on segmentio/kafka-go: topic per
// message type, consumer group per logical subscription, idempotent
// provisioning and SASL auth for managed brokers.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jmehdipour/relay/internal/config"
	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/resilience"
	"github.com/jmehdipour/relay/internal/transport"
	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type HostConfig struct {
	Auth           Auth
	Topology       Topology
	MinBytes       int
	MaxBytes       int
	CommitInterval time.Duration
	ClientID       string
}

// HostConfigFrom resolves auth and topology from the kafka config section.
func HostConfigFrom(c config.KafkaConfig) (HostConfig, error) {
	auth, err := ResolveAuth(c)
	if err != nil {
		return HostConfig{}, err
	}
	return HostConfig{
		Auth:           auth,
		Topology:       NameTopology{Prefix: c.TopicPrefix},
		MinBytes:       c.MinBytes,
		MaxBytes:       c.MaxBytes,
		CommitInterval: time.Duration(c.CommitInterval) * time.Millisecond,
		ClientID:       "relay",
	}, nil
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type reader interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, m Message) error
	Close() error
}

type Host struct {
	cfg    HostConfig
	writer writer
	dialer *kafka.Dialer
	log    *zap.Logger

	// newReader is swapped in tests
	newReader func(topic, group string) reader

	mu        sync.Mutex
	endpoints map[*endpoint]struct{}
	closed    bool
}

func newTransport(a Auth) *kafka.Transport {
	return &kafka.Transport{
		DialTimeout: 10 * time.Second,
		ClientID:    "relay",
		TLS:         a.TLS,
		SASL:        a.Mechanism,
	}
}

func NewHost(cfg HostConfig, log *zap.Logger) *Host {
	if cfg.Topology == nil {
		cfg.Topology = NameTopology{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	h := &Host{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Auth.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			Transport:    newTransport(cfg.Auth),
		},
		dialer: &kafka.Dialer{
			Timeout:       10 * time.Second,
			DualStack:     true,
			ClientID:      cfg.ClientID,
			TLS:           cfg.Auth.TLS,
			SASLMechanism: cfg.Auth.Mechanism,
		},
		log:       log,
		endpoints: make(map[*endpoint]struct{}),
	}
	h.newReader = func(topic, group string) reader {
		return NewConsumer(ConsumerConfig{
			Brokers:        cfg.Auth.Brokers,
			Topic:          topic,
			GroupID:        group,
			MinBytes:       cfg.MinBytes,
			MaxBytes:       cfg.MaxBytes,
			CommitInterval: cfg.CommitInterval,
			Dialer:         h.dialer,
			Log:            log,
		})
	}
	return h
}

func (h *Host) Name() string { return "kafka" }

func (h *Host) write(ctx context.Context, topic string, msg model.TransportMessage) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if err := h.writer.WriteMessages(ctx, toKafka(topic, msg)); err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

// SendTransport treats address as the topic name.
func (h *Host) SendTransport(_ context.Context, address string) (transport.SendTransport, error) {
	return transport.SendFunc(func(ctx context.Context, msg model.TransportMessage) error {
		return h.write(ctx, address, msg)
	}), nil
}

func (h *Host) PublishTransport(_ context.Context, messageType string) (transport.PublishTransport, error) {
	topic := h.cfg.Topology.TopicFor(messageType)
	return transport.PublishFunc(func(ctx context.Context, msg model.TransportMessage) error {
		return h.write(ctx, topic, msg)
	}), nil
}

// ConnectReceiveEndpoint reads InputAddress (a topic) as the group derived
// from ConsumerGroup.
func (h *Host) ConnectReceiveEndpoint(_ context.Context, cfg transport.ReceiveEndpointConfig) (transport.ReceiveEndpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("%w: kafka endpoints need a consumer group", transport.ErrInvalidEndpoint)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, transport.ErrClosed
	}

	group := h.cfg.Topology.SubscriptionFor(cfg.InputAddress, cfg.ConsumerGroup)
	ep := &endpoint{
		host:   h,
		cfg:    cfg,
		group:  group,
		reader: h.newReader(cfg.InputAddress, group),
		log:    h.log.With(zap.String("topic", cfg.InputAddress), zap.String("group", group)),
	}
	h.endpoints[ep] = struct{}{}
	return ep, nil
}

func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	eps := make([]*endpoint, 0, len(h.endpoints))
	for ep := range h.endpoints {
		eps = append(eps, ep)
	}
	h.mu.Unlock()

	var err error
	for _, ep := range eps {
		err = multierr.Append(err, ep.Close())
	}
	return multierr.Append(err, h.writer.Close())
}

type endpoint struct {
	host   *Host
	cfg    transport.ReceiveEndpointConfig
	group  string
	reader reader
	log    *zap.Logger

	once sync.Once
}

func (e *endpoint) Address() string { return e.cfg.InputAddress }

// Run is fetch, consume, commit. A consumer failure goes to the dead-letter
// topic when one is set. Without one, a permanent failure is logged and
// committed; any other failure makes Run return with the record uncommitted,
// so the group redelivers it after restart.
func (e *endpoint) Run(ctx context.Context) error {
	e.log.Info("kafka receive endpoint started")
	for {
		m, err := e.reader.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			e.log.Warn("kafka fetch failed", zap.Error(err))
			if serr := resilience.SleepWithContext(ctx, 200*time.Millisecond); serr != nil {
				return nil
			}
			continue
		}

		msg := fromKafka(m)
		if cerr := e.cfg.Consumer(ctx, msg); cerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := e.deadLetter(ctx, msg, cerr); err != nil {
				return err
			}
		}

		if err := e.reader.Commit(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (e *endpoint) deadLetter(ctx context.Context, msg model.TransportMessage, cause error) error {
	dlq := e.cfg.DeadLetter()
	if dlq == "" && resilience.IsPermanent(cause) {
		e.log.Error("rejecting message",
			zap.String("message_id", msg.MessageID),
			zap.Error(cause))
		return nil
	}
	if dlq == "" {
		return fmt.Errorf("consume %s from %s: %w", msg.MessageID, e.cfg.InputAddress, cause)
	}

	e.log.Warn("dead-lettering message",
		zap.String("message_id", msg.MessageID),
		zap.String("dead_letter", dlq),
		zap.Error(cause))
	if err := e.host.write(ctx, dlq, msg.WithHeader(transport.HeaderDeadLetterReason, cause.Error())); err != nil {
		return fmt.Errorf("dead-letter %s: %w (consume error: %v)", msg.MessageID, err, cause)
	}
	return nil
}

func (e *endpoint) Close() error {
	var err error
	e.once.Do(func() {
		e.host.mu.Lock()
		delete(e.host.endpoints, e)
		e.host.mu.Unlock()
		err = e.reader.Close()
	})
	return err
}

// Package memory is an in-process transport host backed by channels. Each
// consumer group attached to an address gets one copy of every publish.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/transport"
	"go.uber.org/zap"
)

const defaultBuffer = 64

type Host struct {
	log    *zap.Logger
	buffer int

	mu     sync.RWMutex
	groups map[string]map[string]*group // address -> consumer group -> members
	closed bool
}

type group struct {
	members []*endpoint
	next    int
}

func (g *group) pick() *endpoint {
	ep := g.members[g.next%len(g.members)]
	g.next++
	return ep
}

func New(buffer int, log *zap.Logger) *Host {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{log: log, buffer: buffer, groups: make(map[string]map[string]*group)}
}

func (h *Host) Name() string { return "memory" }

func (h *Host) SendTransport(_ context.Context, address string) (transport.SendTransport, error) {
	return transport.SendFunc(func(ctx context.Context, msg model.TransportMessage) error {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return transport.ErrClosed
		}
		var target *endpoint
		for _, g := range h.groups[address] {
			target = g.pick()
			break
		}
		h.mu.Unlock()

		if target == nil {
			return fmt.Errorf("%w: %s", transport.ErrNoRoute, address)
		}
		return target.offer(ctx, msg)
	}), nil
}

// PublishTransport fans out to every consumer group listening on messageType.
// No listeners is not an error.
func (h *Host) PublishTransport(_ context.Context, messageType string) (transport.PublishTransport, error) {
	return transport.PublishFunc(func(ctx context.Context, msg model.TransportMessage) error {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return transport.ErrClosed
		}
		targets := make([]*endpoint, 0, len(h.groups[messageType]))
		for _, g := range h.groups[messageType] {
			targets = append(targets, g.pick())
		}
		h.mu.Unlock()

		for _, ep := range targets {
			if err := ep.offer(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func (h *Host) ConnectReceiveEndpoint(_ context.Context, cfg transport.ReceiveEndpointConfig) (transport.ReceiveEndpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ep := &endpoint{
		host:  h,
		cfg:   cfg,
		queue: make(chan model.TransportMessage, h.buffer),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, transport.ErrClosed
	}
	byGroup := h.groups[cfg.InputAddress]
	if byGroup == nil {
		byGroup = make(map[string]*group)
		h.groups[cfg.InputAddress] = byGroup
	}
	g := byGroup[cfg.ConsumerGroup]
	if g == nil {
		g = &group{}
		byGroup[cfg.ConsumerGroup] = g
	}
	g.members = append(g.members, ep)
	return ep, nil
}

func (h *Host) detach(ep *endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byGroup := h.groups[ep.cfg.InputAddress]
	g := byGroup[ep.cfg.ConsumerGroup]
	if g == nil {
		return
	}
	for i, m := range g.members {
		if m == ep {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	if len(g.members) == 0 {
		delete(byGroup, ep.cfg.ConsumerGroup)
	}
	if len(byGroup) == 0 {
		delete(h.groups, ep.cfg.InputAddress)
	}
}

func (h *Host) Close() error {
	h.mu.Lock()
	var eps []*endpoint
	for _, byGroup := range h.groups {
		for _, g := range byGroup {
			eps = append(eps, g.members...)
		}
	}
	h.closed = true
	h.mu.Unlock()

	for _, ep := range eps {
		_ = ep.Close()
	}
	return nil
}

type endpoint struct {
	host  *Host
	cfg   transport.ReceiveEndpointConfig
	queue chan model.TransportMessage

	once sync.Once
	done chan struct{}
}

func (e *endpoint) Address() string { return e.cfg.InputAddress }

// offer blocks while the queue is full; ctx bounds the wait.
func (e *endpoint) offer(ctx context.Context, msg model.TransportMessage) error {
	select {
	case e.queue <- msg:
		return nil
	case <-e.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpoint) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.done:
			return nil
		case msg := <-e.queue:
			if err := e.handle(ctx, msg); err != nil {
				_ = e.Close()
				return err
			}
		}
	}
}

func (e *endpoint) handle(ctx context.Context, msg model.TransportMessage) error {
	err := e.cfg.Consumer(ctx, msg)
	if err == nil || (errors.Is(err, context.Canceled) && ctx.Err() != nil) {
		return nil
	}

	dlq := e.cfg.DeadLetter()
	if dlq == "" {
		return fmt.Errorf("consume %s on %s: %w", msg.MessageID, e.cfg.InputAddress, err)
	}

	e.host.log.Warn("dead-lettering message",
		zap.String("address", e.cfg.InputAddress),
		zap.String("message_id", msg.MessageID),
		zap.String("dead_letter", dlq),
		zap.Error(err))

	send, serr := e.host.SendTransport(ctx, dlq)
	if serr != nil {
		return serr
	}
	if serr := send.Send(ctx, msg.WithHeader(transport.HeaderDeadLetterReason, err.Error())); serr != nil {
		return fmt.Errorf("dead-letter %s: %w (consume error: %v)", msg.MessageID, serr, err)
	}
	return nil
}

func (e *endpoint) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.host.detach(e)
	})
	return nil
}

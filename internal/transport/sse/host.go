package sse

import (
	"context"
	"fmt"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/transport"
	"go.uber.org/zap"
)

// Host adapts a Hub to the transport contract. Publishing broadcasts on the
// stream named after the message type; sending targets conn:<id> or user:<id>.
type Host struct {
	hub *Hub
	log *zap.Logger
}

func NewHost(hub *Hub, log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{hub: hub, log: log}
}

func (h *Host) Name() string { return "sse" }

func (h *Host) Hub() *Hub { return h.hub }

func frameOf(msg model.TransportMessage) Frame {
	return Frame{
		ID:     msg.MessageID,
		Event:  msg.MessageType,
		Data:   msg.Body,
		Stream: msg.MessageType,
	}
}

func (h *Host) SendTransport(_ context.Context, address string) (transport.SendTransport, error) {
	if _, _, err := splitTarget(address); err != nil {
		return nil, err
	}
	return transport.SendFunc(func(ctx context.Context, msg model.TransportMessage) error {
		n, err := h.hub.SendTo(address, frameOf(msg))
		if err != nil {
			return err
		}
		if n == 0 {
			h.log.Debug("sse send reached no connection", zap.String("address", address), zap.String("message_id", msg.MessageID))
		}
		return nil
	}), nil
}

func (h *Host) PublishTransport(_ context.Context, messageType string) (transport.PublishTransport, error) {
	return transport.PublishFunc(func(ctx context.Context, msg model.TransportMessage) error {
		f := frameOf(msg)
		f.Stream = messageType
		_, _, err := h.hub.Publish(ctx, f)
		return err
	}), nil
}

func (h *Host) ConnectReceiveEndpoint(context.Context, transport.ReceiveEndpointConfig) (transport.ReceiveEndpoint, error) {
	return nil, fmt.Errorf("sse receive endpoint: %w", transport.ErrNotSupported)
}

// Close drops every connection; their Serve loops return.
func (h *Host) Close() error {
	for _, c := range h.hub.snapshot() {
		h.hub.Unregister(c.ID)
	}
	return nil
}

func splitTarget(address string) (string, string, error) {
	for _, p := range []string{"conn:", "user:"} {
		if len(address) > len(p) && address[:len(p)] == p {
			return p[:len(p)-1], address[len(p):], nil
		}
	}
	return "", "", fmt.Errorf("%w: sse address %q must be conn:<id> or user:<id>", transport.ErrInvalidEndpoint, address)
}

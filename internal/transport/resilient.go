package transport

import (
	"context"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/resilience"
)

type resilientHost struct {
	Host
	pipeline *resilience.Pipeline
}

// Resilient wraps send, publish and receive of h with p. Endpoints with their
// own FaultPolicy pipeline use that one instead.
func Resilient(h Host, p *resilience.Pipeline) Host {
	return &resilientHost{Host: h, pipeline: p}
}

func (h *resilientHost) SendTransport(ctx context.Context, address string) (SendTransport, error) {
	t, err := h.Host.SendTransport(ctx, address)
	if err != nil {
		return nil, err
	}
	return SendFunc(func(ctx context.Context, msg model.TransportMessage) error {
		return h.pipeline.Do(ctx, func(ctx context.Context) error {
			return t.Send(ctx, msg)
		})
	}), nil
}

func (h *resilientHost) PublishTransport(ctx context.Context, messageType string) (PublishTransport, error) {
	t, err := h.Host.PublishTransport(ctx, messageType)
	if err != nil {
		return nil, err
	}
	return PublishFunc(func(ctx context.Context, msg model.TransportMessage) error {
		return h.pipeline.Do(ctx, func(ctx context.Context) error {
			return t.Publish(ctx, msg)
		})
	}), nil
}

func (h *resilientHost) ConnectReceiveEndpoint(ctx context.Context, cfg ReceiveEndpointConfig) (ReceiveEndpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := h.pipeline
	if cfg.Fault != nil && cfg.Fault.Pipeline != nil {
		p = cfg.Fault.Pipeline
	}
	consume := cfg.Consumer
	cfg.Consumer = func(ctx context.Context, msg model.TransportMessage) error {
		return p.Do(ctx, func(ctx context.Context) error {
			return consume(ctx, msg)
		})
	}
	return h.Host.ConnectReceiveEndpoint(ctx, cfg)
}

package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/relay/internal/metrics"
	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/resilience"
	"github.com/jmehdipour/relay/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Host sends to a named subscription, publishes to every matching
// subscription and exposes inbound webhook routes as receive endpoints.
type Host struct {
	store       Store
	sender      *Sender
	tolerance   time.Duration
	newPipeline func(subscription string) *resilience.Pipeline
	pipelines   sync.Map
	now         func() time.Time
	log         *zap.Logger

	mu        sync.RWMutex
	secrets   map[string]string
	endpoints map[string]*endpoint
}

type HostOption func(*Host)

// WithInboundSecret sets the secret inbound requests to address are signed with.
func WithInboundSecret(address, secret string) HostOption {
	return func(h *Host) { h.secrets[address] = secret }
}

func WithTolerance(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.tolerance = d
		}
	}
}

// WithPipelines gives every subscription its own retry budget and breaker,
// built on first use.
func WithPipelines(build func(subscription string) *resilience.Pipeline) HostOption {
	return func(h *Host) { h.newPipeline = build }
}

func (h *Host) pipeline(subscription string) *resilience.Pipeline {
	if h.newPipeline == nil {
		return nil
	}
	if p, ok := h.pipelines.Load(subscription); ok {
		return p.(*resilience.Pipeline)
	}
	p, _ := h.pipelines.LoadOrStore(subscription, h.newPipeline(subscription))
	return p.(*resilience.Pipeline)
}

func WithLogger(log *zap.Logger) HostOption {
	return func(h *Host) {
		if log != nil {
			h.log = log
		}
	}
}

func NewHost(store Store, sender *Sender, opts ...HostOption) *Host {
	h := &Host{
		store:     store,
		sender:    sender,
		tolerance: DefaultTolerance,
		now:       time.Now,
		log:       zap.NewNop(),
		secrets:   make(map[string]string),
		endpoints: make(map[string]*endpoint),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Host) Name() string { return "webhook" }

func (h *Host) SendTransport(_ context.Context, address string) (transport.SendTransport, error) {
	return transport.SendFunc(func(ctx context.Context, msg model.TransportMessage) error {
		sub, ok, err := h.store.Get(ctx, address)
		if err != nil {
			return fmt.Errorf("webhook lookup %s: %w", address, err)
		}
		if !ok || !sub.Enabled {
			return fmt.Errorf("webhook %s: %w", address, transport.ErrNoRoute)
		}
		return h.deliver(ctx, sub, msg)
	}), nil
}

func (h *Host) PublishTransport(_ context.Context, messageType string) (transport.PublishTransport, error) {
	return transport.PublishFunc(func(ctx context.Context, msg model.TransportMessage) error {
		subs, err := h.store.Matching(ctx, messageType)
		if err != nil {
			return fmt.Errorf("webhook match %s: %w", messageType, err)
		}
		return h.fanOut(ctx, subs, msg)
	}), nil
}

// fanOut delivers to every subscription concurrently and waits for all of them.
func (h *Host) fanOut(ctx context.Context, subs []model.WebhookSubscription, msg model.TransportMessage) error {
	if len(subs) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub model.WebhookSubscription) {
			defer wg.Done()
			if err := h.deliver(ctx, sub, msg); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return errs
}

func (h *Host) deliver(ctx context.Context, sub model.WebhookSubscription, msg model.TransportMessage) error {
	err := h.pipeline(sub.Name).Do(ctx, func(ctx context.Context) error {
		return h.sender.Send(ctx, sub, msg)
	})
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues(sub.Name, "error").Inc()
		h.log.Warn("webhook delivery failed",
			zap.String("subscription", sub.Name),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return fmt.Errorf("webhook %s: %w", sub.Name, err)
	}
	metrics.WebhookDeliveries.WithLabelValues(sub.Name, "ok").Inc()
	return nil
}

// ConnectReceiveEndpoint attaches a consumer to POST /v1/webhooks/<InputAddress>.
// Failures are answered with an HTTP status; the calling system owns retries.
func (h *Host) ConnectReceiveEndpoint(_ context.Context, cfg transport.ReceiveEndpointConfig) (transport.ReceiveEndpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.endpoints[cfg.InputAddress]; dup {
		return nil, fmt.Errorf("%w: webhook address %q already attached", transport.ErrInvalidEndpoint, cfg.InputAddress)
	}
	ep := &endpoint{host: h, address: cfg.InputAddress, consume: cfg.Consumer, done: make(chan struct{})}
	h.endpoints[cfg.InputAddress] = ep
	return ep, nil
}

func (h *Host) endpoint(address string) *endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.endpoints[address]
}

// secretFor returns the inbound secret for address; unknown addresses report false.
func (h *Host) secretFor(address string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.secrets[address]
	return s, ok
}

func (h *Host) Close() error {
	h.mu.Lock()
	eps := make([]*endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		eps = append(eps, ep)
	}
	h.mu.Unlock()

	var err error
	for _, ep := range eps {
		err = multierr.Append(err, ep.Close())
	}
	return err
}

type endpoint struct {
	host    *Host
	address string
	consume transport.ConsumeFunc
	once    sync.Once
	done    chan struct{}
}

func (e *endpoint) Address() string { return e.address }

// Run blocks until ctx is done or the endpoint is closed; requests are served
// by the HTTP handler meanwhile.
func (e *endpoint) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-e.done:
	}
	return nil
}

func (e *endpoint) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.host.mu.Lock()
		if e.host.endpoints[e.address] == e {
			delete(e.host.endpoints, e.address)
		}
		e.host.mu.Unlock()
	})
	return nil
}

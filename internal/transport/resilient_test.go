package transport_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/resilience"
	"github.com/jmehdipour/relay/internal/transport"
	"github.com/jmehdipour/relay/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyHost struct {
	*memory.Host
	failures int32
	calls    atomic.Int32
}

func (h *flakyHost) SendTransport(ctx context.Context, address string) (transport.SendTransport, error) {
	return transport.SendFunc(func(ctx context.Context, msg model.TransportMessage) error {
		if h.calls.Add(1) <= h.failures {
			return errors.New("broker unavailable")
		}
		return nil
	}), nil
}

func fastPipeline(attempts int) *resilience.Pipeline {
	return resilience.New("test", resilience.Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)
}

func TestResilient_SendRetriesWithinBudget(t *testing.T) {
	inner := &flakyHost{Host: memory.New(1, nil), failures: 2}
	h := transport.Resilient(inner, fastPipeline(3))

	send, err := h.SendTransport(context.Background(), "orders")
	require.NoError(t, err)
	require.NoError(t, send.Send(context.Background(), model.TransportMessage{MessageID: "m1"}))
	assert.EqualValues(t, 3, inner.calls.Load())
}

func TestResilient_SendSurfacesTerminalFailure(t *testing.T) {
	inner := &flakyHost{Host: memory.New(1, nil), failures: 10}
	h := transport.Resilient(inner, fastPipeline(2))

	send, err := h.SendTransport(context.Background(), "orders")
	require.NoError(t, err)
	err = send.Send(context.Background(), model.TransportMessage{MessageID: "m1"})
	assert.ErrorIs(t, err, resilience.ErrRetryExhausted)
}

func TestResilient_WrapsConsumer(t *testing.T) {
	h := transport.Resilient(memory.New(4, nil), fastPipeline(3))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	got := make(chan string, 1)
	ep, err := h.ConnectReceiveEndpoint(ctx, transport.ReceiveEndpointConfig{
		InputAddress: "order.placed",
		Consumer: func(_ context.Context, msg model.TransportMessage) error {
			if calls.Add(1) < 3 {
				return errors.New("db busy")
			}
			got <- msg.MessageID
			return nil
		},
	})
	require.NoError(t, err)
	go func() { _ = ep.Run(ctx) }()

	pub, err := h.PublishTransport(ctx, "order.placed")
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, model.TransportMessage{MessageID: "m1"}))

	select {
	case id := <-got:
		assert.Equal(t, "m1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never succeeded")
	}
	assert.EqualValues(t, 3, calls.Load())
}

func TestReceiveEndpointConfig_Validate(t *testing.T) {
	err := transport.ReceiveEndpointConfig{Consumer: func(context.Context, model.TransportMessage) error { return nil }}.Validate()
	assert.ErrorIs(t, err, transport.ErrInvalidEndpoint)

	err = transport.ReceiveEndpointConfig{InputAddress: "x"}.Validate()
	assert.ErrorIs(t, err, transport.ErrInvalidEndpoint)

	assert.Empty(t, transport.ReceiveEndpointConfig{}.DeadLetter())
}

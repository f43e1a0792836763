package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) consume(_ context.Context, msg model.TransportMessage) error {
	c.mu.Lock()
	c.ids = append(c.ids, msg.MessageID)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func attach(t *testing.T, ctx context.Context, h *Host, cfg transport.ReceiveEndpointConfig) chan error {
	t.Helper()
	ep, err := h.ConnectReceiveEndpoint(ctx, cfg)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- ep.Run(ctx) }()
	return done
}

func TestHost_PublishFansOutPerGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(8, nil)

	var billing, shipping1, shipping2 collector
	attach(t, ctx, h, transport.ReceiveEndpointConfig{InputAddress: "order.placed", ConsumerGroup: "billing", Consumer: billing.consume})
	attach(t, ctx, h, transport.ReceiveEndpointConfig{InputAddress: "order.placed", ConsumerGroup: "shipping", Consumer: shipping1.consume})
	attach(t, ctx, h, transport.ReceiveEndpointConfig{InputAddress: "order.placed", ConsumerGroup: "shipping", Consumer: shipping2.consume})

	pub, err := h.PublishTransport(ctx, "order.placed")
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, pub.Publish(ctx, model.TransportMessage{MessageID: id}))
	}

	require.Eventually(t, func() bool {
		return len(billing.snapshot()) == 2 && len(shipping1.snapshot())+len(shipping2.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, billing.snapshot())
	assert.Len(t, shipping1.snapshot(), 1)
	assert.Len(t, shipping2.snapshot(), 1)
}

func TestHost_PublishWithoutListenersIsNoop(t *testing.T) {
	h := New(1, nil)
	pub, err := h.PublishTransport(context.Background(), "nobody.listens")
	require.NoError(t, err)
	assert.NoError(t, pub.Publish(context.Background(), model.TransportMessage{MessageID: "a"}))
}

func TestHost_SendWithoutReceiver(t *testing.T) {
	h := New(1, nil)
	send, err := h.SendTransport(context.Background(), "billing-commands")
	require.NoError(t, err)
	err = send.Send(context.Background(), model.TransportMessage{MessageID: "a"})
	assert.ErrorIs(t, err, transport.ErrNoRoute)
}

func TestHost_ConsumerFailureStopsEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(1, nil)
	boom := errors.New("boom")

	done := attach(t, ctx, h, transport.ReceiveEndpointConfig{
		InputAddress: "orders",
		Consumer:     func(context.Context, model.TransportMessage) error { return boom },
	})

	send, err := h.SendTransport(ctx, "orders")
	require.NoError(t, err)
	require.NoError(t, send.Send(ctx, model.TransportMessage{MessageID: "a"}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("endpoint did not stop")
	}

	// detached: nothing listens on the address anymore
	err = send.Send(ctx, model.TransportMessage{MessageID: "b"})
	assert.ErrorIs(t, err, transport.ErrNoRoute)
}

func TestHost_DeadLetter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(1, nil)

	dead := make(chan model.TransportMessage, 1)
	attach(t, ctx, h, transport.ReceiveEndpointConfig{
		InputAddress: "orders.dlq",
		Consumer: func(_ context.Context, msg model.TransportMessage) error {
			dead <- msg
			return nil
		},
	})
	attach(t, ctx, h, transport.ReceiveEndpointConfig{
		InputAddress: "orders",
		Consumer:     func(context.Context, model.TransportMessage) error { return errors.New("poison") },
		Fault:        &transport.FaultPolicy{DeadLetterAddress: "orders.dlq"},
	})

	send, err := h.SendTransport(ctx, "orders")
	require.NoError(t, err)
	require.NoError(t, send.Send(ctx, model.TransportMessage{MessageID: "a"}))

	select {
	case msg := <-dead:
		assert.Equal(t, "a", msg.MessageID)
		assert.Equal(t, "poison", msg.Header(transport.HeaderDeadLetterReason))
	case <-time.After(time.Second):
		t.Fatal("message was not dead-lettered")
	}
}

func TestHost_Close(t *testing.T) {
	h := New(1, nil)
	ctx := context.Background()
	done := attach(t, ctx, h, transport.ReceiveEndpointConfig{
		InputAddress: "orders",
		Consumer:     func(context.Context, model.TransportMessage) error { return nil },
	})

	require.NoError(t, h.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("endpoint kept running after close")
	}

	_, err := h.ConnectReceiveEndpoint(ctx, transport.ReceiveEndpointConfig{
		InputAddress: "orders",
		Consumer:     func(context.Context, model.TransportMessage) error { return nil },
	})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

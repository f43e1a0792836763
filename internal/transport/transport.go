// Package transport defines the host contract shared by every delivery
// mechanism: point-to-point send, fan-out publish and receive endpoints.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/resilience"
)

var (
	ErrNotSupported    = errors.New("capability not supported by transport")
	ErrInvalidEndpoint = errors.New("invalid receive endpoint configuration")
	ErrNoRoute         = errors.New("no receiver for address")
	ErrClosed          = errors.New("transport host closed")
)

// HeaderDeadLetterReason carries the consumer error on dead-lettered messages.
const HeaderDeadLetterReason = "x-dead-letter-reason"

// ConsumeFunc handles one received message. Returning an error marked with
// resilience.Permanent rejects the message without retries.
type ConsumeFunc func(ctx context.Context, msg model.TransportMessage) error

type SendTransport interface {
	Send(ctx context.Context, msg model.TransportMessage) error
}

type PublishTransport interface {
	Publish(ctx context.Context, msg model.TransportMessage) error
}

type SendFunc func(ctx context.Context, msg model.TransportMessage) error

func (f SendFunc) Send(ctx context.Context, msg model.TransportMessage) error { return f(ctx, msg) }

type PublishFunc func(ctx context.Context, msg model.TransportMessage) error

func (f PublishFunc) Publish(ctx context.Context, msg model.TransportMessage) error {
	return f(ctx, msg)
}

// FaultPolicy overrides how a receive endpoint treats consumer failures.
type FaultPolicy struct {
	// Pipeline replaces the host pipeline for this endpoint.
	Pipeline *resilience.Pipeline
	// DeadLetterAddress receives messages whose consumer failed for good.
	// Empty means the endpoint stops and leaves the message unacknowledged.
	DeadLetterAddress string
}

type ReceiveEndpointConfig struct {
	InputAddress  string
	ConsumerGroup string
	Consumer      ConsumeFunc
	Fault         *FaultPolicy
}

func (c ReceiveEndpointConfig) Validate() error {
	if c.InputAddress == "" {
		return fmt.Errorf("%w: input address is required", ErrInvalidEndpoint)
	}
	if c.Consumer == nil {
		return fmt.Errorf("%w: consumer is required", ErrInvalidEndpoint)
	}
	return nil
}

// DeadLetter returns the configured dead-letter address, if any.
func (c ReceiveEndpointConfig) DeadLetter() string {
	if c.Fault == nil {
		return ""
	}
	return c.Fault.DeadLetterAddress
}

// ReceiveEndpoint is an attached consumer. Run blocks until ctx is done
// (returning nil) or the endpoint fails terminally.
type ReceiveEndpoint interface {
	Address() string
	Run(ctx context.Context) error
	Close() error
}

// Host is one underlying delivery mechanism.
type Host interface {
	Name() string
	SendTransport(ctx context.Context, address string) (SendTransport, error)
	PublishTransport(ctx context.Context, messageType string) (PublishTransport, error)
	ConnectReceiveEndpoint(ctx context.Context, cfg ReceiveEndpointConfig) (ReceiveEndpoint, error)
	Close() error
}

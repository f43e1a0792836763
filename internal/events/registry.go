package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrEventTypeEmpty    = errors.New("event type is required")
	ErrAlreadyRegistered = errors.New("event type already registered")
)

// DecodeFunc turns a stored payload back into an event.
type DecodeFunc func(payload []byte) (IntegrationEvent, error)

// Registry maps stable type keys to decoders. It is built at startup and
// only read afterwards.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

// Register binds key to decode.
func (r *Registry) Register(key string, decode DecodeFunc) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEventTypeEmpty
	}
	if decode == nil {
		return fmt.Errorf("nil decoder for %q", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}
	r.decoders[key] = decode
	return nil
}

// MustRegister is Register that panics; meant for startup wiring.
func (r *Registry) MustRegister(key string, decode DecodeFunc) {
	if err := r.Register(key, decode); err != nil {
		panic(err)
	}
}

// RegisterJSON registers T under key using encoding/json.
func RegisterJSON[T IntegrationEvent](r *Registry, key string) error {
	return r.Register(key, func(payload []byte) (IntegrationEvent, error) {
		var ev T
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	})
}

// RegisterRaw registers key with a pass-through decoder that only validates
// the payload is JSON. Used by the standalone publisher, which forwards bytes
// without knowing the concrete types.
func (r *Registry) RegisterRaw(key string) error {
	return r.Register(key, func(payload []byte) (IntegrationEvent, error) {
		if !json.Valid(payload) {
			return nil, errors.New("payload is not valid JSON")
		}
		return RawEvent{Type: key, Payload: append(json.RawMessage(nil), payload...)}, nil
	})
}

func (r *Registry) Known(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[key]
	return ok
}

// Keys lists registered keys (unordered).
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.decoders))
	for k := range r.decoders {
		keys = append(keys, k)
	}
	return keys
}

// Decode resolves key and decodes payload.
func (r *Registry) Decode(key string, payload []byte) (IntegrationEvent, error) {
	r.mu.RLock()
	decode, ok := r.decoders[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, key)
	}

	ev, err := decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return ev, nil
}

// Encode serializes an integration event for the outbox. RawEvent payloads
// are written as-is.
func Encode(ev IntegrationEvent) ([]byte, error) {
	if raw, ok := ev.(RawEvent); ok {
		return raw.Payload, nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return b, nil
}

// RawEvent is an integration event whose payload is already serialized.
type RawEvent struct {
	Type    string
	Payload json.RawMessage
}

func (e RawEvent) EventType() string { return e.Type }

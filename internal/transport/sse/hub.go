// Package sse streams frames to connected HTTP clients with bounded
// per-connection queues, catch-up replay and keep-alives.
package sse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jmehdipour/relay/internal/metrics"
	"go.uber.org/zap"
)

const DefaultQueueSize = 256

// ReplayStore keeps recent frames so reconnecting clients can catch up.
type ReplayStore interface {
	// Append stores f and returns the id assigned to it.
	Append(ctx context.Context, f Frame) (string, error)
	// After returns frames newer than lastID, oldest first, limited to streams
	// (all when empty).
	After(ctx context.Context, lastID string, streams []string) ([]Frame, error)
}

// CatchUp returns the frames a client missed after lastEventID.
type CatchUp func(ctx context.Context, lastEventID string, streams []string) ([]Frame, error)

type ConnectOptions struct {
	UserID  string
	Streams []string
}

// Connection is one registered client.
type Connection struct {
	ID     string
	UserID string

	streams map[string]struct{}
	queue   chan Frame
	dropped atomic.Int64

	once sync.Once
	done chan struct{}
}

// Wants reports whether the connection subscribed to stream (no filter = all).
func (c *Connection) Wants(stream string) bool {
	if len(c.streams) == 0 {
		return true
	}
	_, ok := c.streams[stream]
	return ok
}

// Dropped counts frames lost to a full queue.
func (c *Connection) Dropped() int64 { return c.dropped.Load() }

// offer never blocks; when the queue is full the incoming frame is dropped.
func (c *Connection) offer(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- f:
		return true
	default:
		c.dropped.Add(1)
		metrics.SSEDropped.Inc()
		return false
	}
}

func (c *Connection) complete() {
	c.once.Do(func() { close(c.done) })
}

type Hub struct {
	queueSize int
	store     ReplayStore
	catchUp   CatchUp
	log       *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

type Option func(*Hub)

func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithReplayStore persists published frames; the store also becomes the
// catch-up provider unless WithCatchUp overrides it.
func WithReplayStore(s ReplayStore) Option {
	return func(h *Hub) { h.store = s }
}

func WithCatchUp(fn CatchUp) Option {
	return func(h *Hub) { h.catchUp = fn }
}

func WithLogger(log *zap.Logger) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		queueSize: DefaultQueueSize,
		log:       zap.NewNop(),
		conns:     make(map[string]*Connection),
	}
	for _, o := range opts {
		o(h)
	}
	if h.catchUp == nil && h.store != nil {
		h.catchUp = h.store.After
	}
	return h
}

func (h *Hub) Register(opts ConnectOptions) *Connection {
	c := &Connection{
		ID:     uuid.NewString(),
		UserID: opts.UserID,
		queue:  make(chan Frame, h.queueSize),
		done:   make(chan struct{}),
	}
	for _, s := range opts.Streams {
		if s = strings.TrimSpace(s); s != "" {
			if c.streams == nil {
				c.streams = make(map[string]struct{})
			}
			c.streams[s] = struct{}{}
		}
	}

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	metrics.SSEConnections.Inc()
	return c
}

// Unregister completes the connection queue and removes it; publishes after
// this never target it.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()

	if ok {
		c.complete()
		metrics.SSEConnections.Dec()
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Publish stores f (taking the store's id) and offers it to every connection
// subscribed to f.Stream. It returns the frame as delivered and how many
// queues accepted it.
func (h *Hub) Publish(ctx context.Context, f Frame) (Frame, int, error) {
	if h.store != nil {
		id, err := h.store.Append(ctx, f)
		if err != nil {
			return f, 0, fmt.Errorf("sse replay append: %w", err)
		}
		f.ID = id
	}

	n := 0
	for _, c := range h.snapshot() {
		if c.Wants(f.Stream) && c.offer(f) {
			n++
		}
	}
	return f, n, nil
}

// SendTo delivers f to "conn:<id>" or "user:<id>" without touching the replay store.
func (h *Hub) SendTo(target string, f Frame) (int, error) {
	kind, id, ok := strings.Cut(target, ":")
	if !ok || id == "" {
		return 0, fmt.Errorf("sse: bad address %q", target)
	}

	n := 0
	switch kind {
	case "conn":
		h.mu.RLock()
		c := h.conns[id]
		h.mu.RUnlock()
		if c != nil && c.offer(f) {
			n++
		}
	case "user":
		for _, c := range h.snapshot() {
			if c.UserID == id && c.offer(f) {
				n++
			}
		}
	default:
		return 0, fmt.Errorf("sse: bad address %q", target)
	}
	return n, nil
}

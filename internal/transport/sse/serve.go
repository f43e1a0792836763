package sse

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
)

type Request struct {
	UserID      string
	Streams     []string
	LastEventID string
	// KeepAlive is the comment interval; 0 disables it.
	KeepAlive time.Duration
}

// Serve registers a connection and streams frames to w until ctx is done or
// a write fails. Replayed frames are written before any live frame. A client
// going away is not an error.
func (h *Hub) Serve(ctx context.Context, w io.Writer, flush func(), req Request) error {
	if flush == nil {
		flush = func() {}
	}

	c := h.Register(ConnectOptions{UserID: req.UserID, Streams: req.Streams})
	defer h.Unregister(c.ID)

	log := h.log.With(zap.String("conn", c.ID), zap.String("user", req.UserID))
	log.Debug("sse client connected", zap.Strings("streams", req.Streams), zap.String("last_event_id", req.LastEventID))

	// live frames queue up while the replay is written
	replayed := map[string]struct{}{}
	if req.LastEventID != "" && h.catchUp != nil {
		frames, err := h.catchUp(ctx, req.LastEventID, req.Streams)
		if err != nil {
			log.Warn("sse catch-up failed, streaming live only", zap.Error(err))
		}
		for _, f := range frames {
			if _, err := f.WriteTo(w); err != nil {
				return nil
			}
			if f.ID != "" {
				replayed[f.ID] = struct{}{}
			}
		}
		flush()
	}

	var tick <-chan time.Time
	if req.KeepAlive > 0 {
		t := time.NewTicker(req.KeepAlive)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("sse client disconnected")
			return nil
		case <-c.done:
			return nil
		case <-tick:
			if _, err := KeepAlive.WriteTo(w); err != nil {
				return nil
			}
			flush()
		case f := <-c.queue:
			if _, dup := replayed[f.ID]; dup && f.ID != "" {
				continue
			}
			if _, err := f.WriteTo(w); err != nil {
				return nil
			}
			flush()
		}
	}
}

package sse

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultReplayBatch = 1000

// RedisStore keeps frames in one Redis stream capped at MaxLen entries.
type RedisStore struct {
	rdb    *redis.Client
	key    string
	maxLen int64
	batch  int64
}

func NewRedisStore(rdb *redis.Client, key string, maxLen int64) *RedisStore {
	if key == "" {
		key = "relay:sse"
	}
	return &RedisStore{rdb: rdb, key: key, maxLen: maxLen, batch: defaultReplayBatch}
}

func (s *RedisStore) Append(ctx context.Context, f Frame) (string, error) {
	args := &redis.XAddArgs{
		Stream: s.key,
		ID:     "*",
		Values: map[string]any{
			"stream": f.Stream,
			"event":  f.Event,
			"data":   string(f.Data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
	}
	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

// After reads entries strictly newer than lastID. An id the stream cannot
// parse is an error; the caller falls back to live frames.
func (s *RedisStore) After(ctx context.Context, lastID string, streams []string) ([]Frame, error) {
	want := make(map[string]struct{}, len(streams))
	for _, st := range streams {
		want[st] = struct{}{}
	}

	msgs, err := s.rdb.XRangeN(ctx, s.key, "("+lastID, "+", s.batch).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange after %s: %w", lastID, err)
	}

	out := make([]Frame, 0, len(msgs))
	for _, m := range msgs {
		f := Frame{
			ID:     m.ID,
			Stream: str(m.Values["stream"]),
			Event:  str(m.Values["event"]),
			Data:   []byte(str(m.Values["data"])),
		}
		if len(want) > 0 {
			if _, ok := want[f.Stream]; !ok {
				continue
			}
		}
		out = append(out, f)
	}
	return out, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

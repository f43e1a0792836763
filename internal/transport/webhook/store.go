// Package webhook delivers messages to subscribed HTTP endpoints with HMAC
// signatures and verifies signed inbound webhook requests.
package webhook

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/jmehdipour/relay/internal/model"
)

var ErrSubscriptionName = errors.New("webhook subscription name is required")

// Store resolves webhook subscriptions.
type Store interface {
	Get(ctx context.Context, name string) (model.WebhookSubscription, bool, error)
	// Matching returns enabled subscriptions whose predicate accepts messageType.
	Matching(ctx context.Context, messageType string) ([]model.WebhookSubscription, error)
}

// MemoryStore is a Store held in process, usually loaded from configuration.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]model.WebhookSubscription
}

func NewMemoryStore(subs ...model.WebhookSubscription) (*MemoryStore, error) {
	s := &MemoryStore{subs: make(map[string]model.WebhookSubscription, len(subs))}
	for _, sub := range subs {
		if err := s.Put(sub); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put adds or replaces a subscription by name.
func (s *MemoryStore) Put(sub model.WebhookSubscription) error {
	sub.Name = strings.TrimSpace(sub.Name)
	if sub.Name == "" {
		return ErrSubscriptionName
	}
	s.mu.Lock()
	s.subs[sub.Name] = sub
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(name string) {
	s.mu.Lock()
	delete(s.subs, name)
	s.mu.Unlock()
}

func (s *MemoryStore) Get(_ context.Context, name string) (model.WebhookSubscription, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[name]
	return sub, ok, nil
}

// Matching returns subscriptions sorted by name.
func (s *MemoryStore) Matching(_ context.Context, messageType string) ([]model.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WebhookSubscription
	for _, sub := range s.subs {
		if sub.Enabled && sub.Matches(messageType) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

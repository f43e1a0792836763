package kafka

import (
	"strings"
)

const maxTopicLen = 249

// Topology maps message types to topics and consumer groups to group ids.
type Topology interface {
	TopicFor(messageType string) string
	SubscriptionFor(topic, consumerGroup string) string
}

// NameTopology derives names from the message type key itself.
type NameTopology struct {
	Prefix string
}

func (t NameTopology) TopicFor(messageType string) string {
	return sanitizeName(t.Prefix + messageType)
}

// SubscriptionFor scopes the group to the topic so one logical group can
// subscribe to several topics without sharing a rebalance.
func (t NameTopology) SubscriptionFor(topic, consumerGroup string) string {
	return sanitizeName(t.Prefix+consumerGroup) + "." + topic
}

func sanitizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			b = append(b, c)
		default:
			b = append(b, '-')
		}
	}
	if len(b) > maxTopicLen {
		b = b[:maxTopicLen]
	}
	return string(b)
}

package model

import (
	"maps"
	"time"
)

// HeaderPartitionKey overrides the broker partition key (defaults to the message id).
const HeaderPartitionKey = "partition-key"

const ContentTypeJSON = "application/json"

// TransportMessage is the unit handed to a transport. It must not be mutated
// after Send/Publish; use WithHeader to derive a copy.
type TransportMessage struct {
	MessageID      string            `json:"message_id"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	MessageType    string            `json:"message_type"`
	ContentType    string            `json:"content_type"`
	Body           []byte            `json:"body"`
	SentTime       time.Time         `json:"sent_time"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// WithHeader returns a copy of m with an extra header set.
func (m TransportMessage) WithHeader(key, value string) TransportMessage {
	h := make(map[string]string, len(m.Headers)+1)
	maps.Copy(h, m.Headers)
	h[key] = value
	m.Headers = h
	return m
}

// Header returns a header value or "".
func (m TransportMessage) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWebhookSubscription_Matches(t *testing.T) {
	cases := []struct {
		name     string
		patterns []string
		typ      string
		want     bool
	}{
		{"empty matches all", nil, "OrderCreated", true},
		{"wildcard", []string{"*"}, "OrderCancelled", true},
		{"exact", []string{"OrderCreated"}, "OrderCreated", true},
		{"exact other type", []string{"OrderCreated"}, "OrderCancelled", false},
		{"prefix", []string{"order.*"}, "order.created", true},
		{"prefix miss", []string{"order.*"}, "patient.created", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := WebhookSubscription{EventTypes: tc.patterns}
			assert.Equal(t, tc.want, s.Matches(tc.typ))
		})
	}
}

func TestTransportMessage_WithHeaderCopies(t *testing.T) {
	orig := TransportMessage{MessageID: "m1", Headers: map[string]string{"a": "1"}}
	next := orig.WithHeader("b", "2")

	assert.Equal(t, "", orig.Header("b"))
	assert.Equal(t, "2", next.Header("b"))
	assert.Equal(t, "1", next.Header("a"))
}

func TestOutboxEntry_State(t *testing.T) {
	msg := "boom"
	empty := ""
	assert.Equal(t, OutboxPending, OutboxEntry{}.State())
	assert.Equal(t, OutboxPending, OutboxEntry{Error: &empty}.State())
	assert.Equal(t, OutboxFailed, OutboxEntry{Error: &msg}.State())
}

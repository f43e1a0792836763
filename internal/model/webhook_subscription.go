package model

import "strings"

// WebhookSubscription is an outbound webhook destination.
type WebhookSubscription struct {
	Name       string   `mapstructure:"name" json:"name"`
	URL        string   `mapstructure:"url" json:"url"`
	Secret     string   `mapstructure:"secret" json:"-"`
	Enabled    bool     `mapstructure:"enabled" json:"enabled"`
	EventTypes []string `mapstructure:"event_types" json:"event_types"` // empty => all
}

// Matches reports whether the subscription wants messages of the given type.
// Supported patterns: "*", exact key, and "prefix.*".
func (s WebhookSubscription) Matches(messageType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, p := range s.EventTypes {
		p = strings.TrimSpace(p)
		switch {
		case p == "*":
			return true
		case strings.HasSuffix(p, ".*"):
			if strings.HasPrefix(messageType, strings.TrimSuffix(p, "*")) {
				return true
			}
		case strings.EqualFold(p, messageType):
			return true
		}
	}
	return false
}

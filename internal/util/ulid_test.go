package util

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Sortable(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		require.Less(t, prev, next)
		prev = next
	}
}

func TestNewAt_EmbedsTimestamp(t *testing.T) {
	at := time.UnixMilli(1700000000123)

	u, err := ulid.ParseStrict(NewAt(at))
	require.NoError(t, err)
	assert.True(t, ulid.Time(u.Time()).Equal(at))
}

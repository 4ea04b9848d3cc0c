package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_BurstThenThrottle(t *testing.T) {
	l := New(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("u1"), "burst request %d", i)
	}
	assert.False(t, l.Allow("u1"), "burst exhausted")
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(1, 1)

	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))
	assert.True(t, l.Allow("u2"), "u2 has its own bucket")
}

func TestLimiter_RemoveResetsBucket(t *testing.T) {
	l := New(1, 1)

	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))
	assert.Equal(t, 1, l.Len())

	l.Remove("u1")
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.Allow("u1"), "fresh bucket after remove")
}

package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedup_SuppressesWithinTTL(t *testing.T) {
	d := NewDedup(16, time.Minute)

	assert.False(t, d.Suppress("remote_degraded:0"), "first occurrence fires")
	assert.True(t, d.Suppress("remote_degraded:0"), "repeat within TTL suppressed")
	assert.False(t, d.Suppress("remote_degraded:1"), "other camera is a separate key")
}

func TestDedup_ExpiresAfterTTL(t *testing.T) {
	d := NewDedup(16, time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }

	assert.False(t, d.Suppress("baseline_established:d1"))

	now = now.Add(2 * time.Minute)
	assert.False(t, d.Suppress("baseline_established:d1"), "fires again after TTL")
}

func TestDedup_ForgetRearms(t *testing.T) {
	d := NewDedup(16, time.Hour)

	assert.False(t, d.Suppress("remote_degraded:0"))
	assert.True(t, d.Suppress("remote_degraded:0"))

	d.Forget("remote_degraded:0")
	assert.False(t, d.Suppress("remote_degraded:0"))
}

func TestDedup_LRUBoundsKeys(t *testing.T) {
	d := NewDedup(2, time.Hour)

	d.Suppress("a")
	d.Suppress("b")
	d.Suppress("c") // evicts "a"

	assert.False(t, d.Suppress("a"), "evicted key behaves like a new one")
}

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	now := start
	l := New()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowUpToLimitThenDeny(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l, _ := newTestLimiter(start)
	key := Key("login", "tester-1")

	for i := 0; i < 5; i++ {
		d := l.Allow(key, 5, 15*time.Minute)
		require.True(t, d.Allowed, "attempt %d", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}
	d := l.Allow(key, 5, 15*time.Minute)
	require.False(t, d.Allowed)
	assert.Equal(t, 15*time.Minute, d.RetryAfter)
}

func TestWindowRestartsAfterExpiry(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(start)
	key := Key("password_reset", "tester-1")

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(key, 3, time.Hour).Allowed)
	}
	*now = start.Add(30 * time.Minute)
	d := l.Allow(key, 3, time.Hour)
	require.False(t, d.Allowed)
	assert.Equal(t, 30*time.Minute, d.RetryAfter)

	*now = start.Add(time.Hour)
	d = l.Allow(key, 3, time.Hour)
	require.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestKeysAreIndependent(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l, _ := newTestLimiter(start)

	require.True(t, l.Allow(Key("login", "a"), 1, time.Minute).Allowed)
	require.False(t, l.Allow(Key("login", "a"), 1, time.Minute).Allowed)

	// same actor, different operation: separate budget
	assert.True(t, l.Allow(Key("session_start", "a"), 1, time.Minute).Allowed)
	// same operation, different actor: separate budget
	assert.True(t, l.Allow(Key("login", "b"), 1, time.Minute).Allowed)
}

func TestZeroConfigIsUnlimited(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("login:x", 0, 0).Allowed)
	}
	assert.Equal(t, 0, l.windows.Count())
}

func TestSweepDropsOnlyExpiredWindows(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(start)

	l.Allow(Key("login", "a"), 5, time.Minute)
	l.Allow(Key("login", "b"), 5, time.Hour)
	require.Equal(t, 2, l.windows.Count())

	*now = start.Add(5 * time.Minute)
	l.Sweep()
	assert.Equal(t, 1, l.windows.Count())
	assert.True(t, l.windows.Has(Key("login", "b")))
}

func TestErrorMessage(t *testing.T) {
	err := Error{RetryAfter: 90 * time.Second}
	assert.Equal(t, "rate limited; retry after 1m30s", err.Error())
}

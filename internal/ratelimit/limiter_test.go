package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestAllowSync_BudgetExhaustion(t *testing.T) {
	clock := newFakeClock()
	l := New(2, 60, clock)

	require.NoError(t, l.AllowSync("alice"))
	require.NoError(t, l.AllowSync("alice"))

	err := l.AllowSync("alice")
	assert.ErrorIs(t, err, ErrLimited)
}

func TestAllowSync_RefillsOverTime(t *testing.T) {
	clock := newFakeClock()
	l := New(2, 60, clock)

	require.NoError(t, l.AllowSync("alice"))
	require.NoError(t, l.AllowSync("alice"))
	require.ErrorIs(t, l.AllowSync("alice"), ErrLimited)

	// 2 per hour refills one token every 30 minutes.
	clock.advance(31 * time.Minute)
	assert.NoError(t, l.AllowSync("alice"))
	assert.ErrorIs(t, l.AllowSync("alice"), ErrLimited)
}

func TestAllowExtraction_IndependentOfSyncBudget(t *testing.T) {
	clock := newFakeClock()
	l := New(1, 3, clock)

	require.NoError(t, l.AllowSync("alice"))
	require.ErrorIs(t, l.AllowSync("alice"), ErrLimited)

	// The extraction bucket is untouched by sync consumption.
	for i := 0; i < 3; i++ {
		require.NoError(t, l.AllowExtraction("alice"))
	}
	assert.ErrorIs(t, l.AllowExtraction("alice"), ErrLimited)
}

func TestBudgets_PerUser(t *testing.T) {
	clock := newFakeClock()
	l := New(1, 1, clock)

	require.NoError(t, l.AllowSync("alice"))
	require.ErrorIs(t, l.AllowSync("alice"), ErrLimited)

	// Bob's bucket is separate.
	assert.NoError(t, l.AllowSync("bob"))
}

func TestNew_PermissiveDefaults(t *testing.T) {
	l := New(0, -5, newFakeClock())

	for i := 0; i < 12; i++ {
		require.NoError(t, l.AllowSync("alice"), "sync %d", i)
	}
	for i := 0; i < 60; i++ {
		require.NoError(t, l.AllowExtraction("alice"), "extraction %d", i)
	}
}

func TestEvictIdle(t *testing.T) {
	clock := newFakeClock()
	l := New(1, 1, clock)

	require.NoError(t, l.AllowSync("alice"))
	require.ErrorIs(t, l.AllowSync("alice"), ErrLimited)

	// After eviction the user starts with a fresh bucket.
	clock.advance(idleEviction + time.Minute)
	l.evictIdle()

	assert.NoError(t, l.AllowSync("alice"))
}

func TestStartStop_Idempotent(t *testing.T) {
	l := New(1, 1, newFakeClock())

	l.Start()
	l.Start()
	l.Stop()
	l.Stop()
}

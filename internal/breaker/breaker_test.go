package breaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongroom-io/strongroom/internal/breaker"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestActivateAndExpiry(t *testing.T) {
	b := breaker.New(10 * time.Minute)

	assert.False(t, b.IsActive(t0))
	require.NoError(t, b.Activate(t0, "manual"))

	assert.True(t, b.IsActive(t0))
	assert.True(t, b.IsActive(t0.Add(10*time.Minute)), "active through the full duration")
	assert.False(t, b.IsActive(t0.Add(10*time.Minute+time.Nanosecond)), "expired one instant later")
	assert.Equal(t, "manual", b.LastCause())
}

func TestDoubleActivateRejected(t *testing.T) {
	b := breaker.New(time.Hour)

	require.NoError(t, b.Activate(t0, "first"))
	err := b.Activate(t0.Add(time.Minute), "second")
	assert.ErrorIs(t, err, breaker.ErrAlreadyActive)
	assert.Equal(t, "first", b.LastCause(), "rejected activation must not overwrite state")
}

func TestReactivateAfterExpiry(t *testing.T) {
	b := breaker.New(time.Minute)

	require.NoError(t, b.Activate(t0, "first"))
	later := t0.Add(2 * time.Minute)
	assert.False(t, b.IsActive(later))
	require.NoError(t, b.Activate(later, "second"))
	assert.True(t, b.IsActive(later))
}

func TestDeactivateClears(t *testing.T) {
	b := breaker.New(time.Hour)

	require.NoError(t, b.Activate(t0, "trip"))
	b.Deactivate()
	assert.False(t, b.IsActive(t0.Add(time.Second)))

	// idempotent
	b.Deactivate()
	assert.False(t, b.IsActive(t0.Add(time.Second)))
}

func TestRateLimitCap(t *testing.T) {
	b := breaker.NewWithPolicy(time.Hour, breaker.Policy{
		Window:         time.Hour,
		MaxActivations: 3,
	})

	now := t0
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Activate(now, "cycle"), "activation %d", i+1)
		b.Deactivate()
		now = now.Add(time.Minute)
	}

	err := b.Activate(now, "fourth")
	assert.ErrorIs(t, err, breaker.ErrRateLimited)
	assert.False(t, b.IsActive(now))
}

func TestRateLimitWindowRollover(t *testing.T) {
	b := breaker.NewWithPolicy(time.Hour, breaker.Policy{
		Window:         time.Hour,
		MaxActivations: 3,
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Activate(t0.Add(time.Duration(i)*time.Minute), "cycle"))
		b.Deactivate()
	}
	assert.ErrorIs(t, b.Activate(t0.Add(30*time.Minute), "capped"), breaker.ErrRateLimited)

	// first activation observing an aged-out window resets the count
	afterWindow := t0.Add(time.Hour + time.Second)
	require.NoError(t, b.Activate(afterWindow, "fresh window"))
	assert.True(t, b.IsActive(afterWindow))
}

func TestExpiryDoesNotRefundWindowCount(t *testing.T) {
	b := breaker.NewWithPolicy(time.Second, breaker.Policy{
		Window:         time.Hour,
		MaxActivations: 2,
	})

	require.NoError(t, b.Activate(t0, "one"))
	// lapses on its own, no deactivate
	require.NoError(t, b.Activate(t0.Add(2*time.Second), "two"))
	assert.ErrorIs(t, b.Activate(t0.Add(4*time.Second), "three"), breaker.ErrRateLimited)
}

func TestStateRoundTrip(t *testing.T) {
	b := breaker.NewWithPolicy(time.Minute, breaker.Policy{Window: time.Hour, MaxActivations: 3})
	require.NoError(t, b.Activate(t0, "report-77"))

	restored := breaker.NewWithPolicy(time.Minute, breaker.Policy{Window: time.Hour, MaxActivations: 3})
	restored.Restore(b.State())

	assert.True(t, restored.IsActive(t0.Add(30*time.Second)))
	assert.False(t, restored.IsActive(t0.Add(2*time.Minute)))
	assert.Equal(t, "report-77", restored.LastCause())
}

func TestExpiresAt(t *testing.T) {
	b := breaker.New(time.Minute)
	assert.True(t, b.ExpiresAt().IsZero())

	require.NoError(t, b.Activate(t0, "trip"))
	assert.Equal(t, t0.Add(time.Minute), b.ExpiresAt())
}

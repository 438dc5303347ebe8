package defense

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRiskTracker(t *testing.T) (*RiskTracker, *MemoryStore, *fakeClock) {
	t.Helper()
	store, clock := newClockedStore(t)
	tracker := NewRiskTracker(store, RiskConfig{
		Window:   time.Hour,
		Elevated: 3,
		High:     8,
		Critical: 20,
	})
	return tracker, store, clock
}

func TestRiskTrackerCountsBothScopes(t *testing.T) {
	tracker, _, _ := newTestRiskTracker(t)
	ctx := context.Background()

	count, err := tracker.RecordFailure(ctx, "1.2.3.4", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = tracker.RecordFailure(ctx, "1.2.3.4", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "the IP scope counts across usernames")

	pair, err := tracker.PairCount(ctx, "1.2.3.4", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pair)

	pair, err = tracker.PairCount(ctx, "1.2.3.4", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pair)
}

func TestRiskTrackerEmptyUsernameCountsIPOnly(t *testing.T) {
	tracker, _, _ := newTestRiskTracker(t)
	ctx := context.Background()

	count, err := tracker.RecordFailure(ctx, "1.2.3.4", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	pair, err := tracker.PairCount(ctx, "1.2.3.4", "")
	require.NoError(t, err)
	assert.Zero(t, pair)
}

func TestRiskTrackerWindowExpiry(t *testing.T) {
	tracker, _, clock := newTestRiskTracker(t)
	ctx := context.Background()

	_, err := tracker.RecordFailure(ctx, "1.2.3.4", "alice")
	require.NoError(t, err)

	clock.Advance(61 * time.Minute)

	count, err := tracker.FailureCount(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRiskLevelTiers(t *testing.T) {
	tests := []struct {
		failures int
		want     Tier
	}{
		{0, TierLow},
		{2, TierLow},
		{3, TierElevated},
		{7, TierElevated},
		{8, TierHigh},
		{19, TierHigh},
		{20, TierCritical},
		{50, TierCritical},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("failures_%d", tt.failures), func(t *testing.T) {
			tracker, store, _ := newTestRiskTracker(t)
			ctx := context.Background()

			for i := 0; i < tt.failures; i++ {
				_, err := store.Incr(ctx, ipKey("9.9.9.9"), time.Hour)
				require.NoError(t, err)
			}

			tier, err := tracker.RiskLevel(ctx, "9.9.9.9")
			require.NoError(t, err)
			assert.Equal(t, tt.want, tier)
		})
	}
}

func TestRiskTrackerReset(t *testing.T) {
	tracker, _, _ := newTestRiskTracker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := tracker.RecordFailure(ctx, "1.2.3.4", "alice")
		require.NoError(t, err)
	}
	_, err := tracker.RecordFailure(ctx, "1.2.3.4", "bob")
	require.NoError(t, err)

	require.NoError(t, tracker.Reset(ctx, "1.2.3.4", "alice"))

	count, err := tracker.FailureCount(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Zero(t, count)

	pair, err := tracker.PairCount(ctx, "1.2.3.4", "alice")
	require.NoError(t, err)
	assert.Zero(t, pair)

	pair, err = tracker.PairCount(ctx, "1.2.3.4", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pair, "other pairs keep their history")
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "low", TierLow.String())
	assert.Equal(t, "elevated", TierElevated.String())
	assert.Equal(t, "high", TierHigh.String())
	assert.Equal(t, "critical", TierCritical.String())
	assert.Equal(t, "unknown", Tier(42).String())
}

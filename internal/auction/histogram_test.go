package auction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/storage"
)

func newHistogramFixture(t *testing.T) (*testEnv, *HistogramUpdater) {
	t.Helper()
	env := newTestEnv(t)
	u := NewHistogramUpdater(env.selections, env.fcap, env.filter, 100, 80, zap.NewNop(), nil)
	u.now = func() time.Time { return testNow }

	signals := models.SignalsFromCustomAudience(testAudience(testBuyer, "shoes"))
	require.NoError(t, env.selections.PersistAdSelection(context.Background(), models.AdSelectionResult{
		AdSelectionID:         5,
		WinningAdRenderURI:    "https://buyer.com/ads/a",
		WinningAdBid:          2,
		BiddingLogicURI:       "https://buyer.com/bidding.js",
		CustomAudienceSignals: &signals,
		ContextualSignals:     models.EmptySignals,
		CreationTime:          testNow,
		CallerPackageName:     testCaller,
		AdCounterKeys:         []string{"boots", "summer"},
	}))
	return env, u
}

func TestUpdateAdCounterHistogram(t *testing.T) {
	env, u := newHistogramFixture(t)
	ctx := context.Background()

	require.NoError(t, u.UpdateAdCounterHistogram(ctx, 5, models.AdEventClick, testCaller))
	assert.Equal(t, 2, env.fcap.Len())

	since := testNow.Add(-time.Minute)
	for _, key := range []string{"boots", "summer"} {
		n, err := env.fcap.NumEventsForCustomAudienceAfterTime(ctx, key, testBuyer, testCaller, "shoes", models.AdEventClick, since)
		require.NoError(t, err)
		assert.Equal(t, 1, n, key)
	}
	n, err := env.fcap.NumEventsForBuyerAfterTime(ctx, "boots", testBuyer, models.AdEventView, since)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpdateAdCounterHistogramRejections(t *testing.T) {
	tests := []struct {
		name      string
		id        uint64
		eventType models.AdEventType
		caller    string
		want      error
	}{
		{name: "win event", id: 5, eventType: models.AdEventWin, caller: testCaller, want: ErrInvalidArgument},
		{name: "other caller", id: 5, eventType: models.AdEventView, caller: "com.other.app", want: ErrInvalidArgument},
		{name: "unknown id", id: 6, eventType: models.AdEventView, caller: testCaller, want: storage.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, u := newHistogramFixture(t)
			err := u.UpdateAdCounterHistogram(context.Background(), tt.id, tt.eventType, tt.caller)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, StatusInvalidArgument, StatusFor(err))
			assert.Contains(t, err.Error(), HistogramUpdateFailurePrefix)
			assert.Zero(t, env.fcap.Len())
		})
	}
}

func TestUpdateAdCounterHistogramConsentRevoked(t *testing.T) {
	env, u := newHistogramFixture(t)
	env.consent.SetRevoked(testCaller, true)

	assert.NoError(t, u.UpdateAdCounterHistogram(context.Background(), 5, models.AdEventImpression, testCaller))
	assert.NoError(t, u.UpdateAdCounterHistogram(context.Background(), 99, models.AdEventImpression, testCaller))
	assert.Zero(t, env.fcap.Len())
}

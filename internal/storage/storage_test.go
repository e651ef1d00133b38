package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/adselection/internal/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testAudience(buyer models.AdTechIdentifier, name string) models.CustomAudience {
	return models.CustomAudience{
		Owner:                        "com.example.app",
		Buyer:                        buyer,
		Name:                         name,
		ActivationTime:               t0.Add(-time.Hour),
		ExpirationTime:               t0.Add(24 * time.Hour),
		LastAdsAndBiddingDataUpdated: t0.Add(-time.Hour),
		BiddingLogicURI:              "https://" + string(buyer) + "/bid.js",
		Ads: []models.AdCandidate{
			{RenderURI: "https://" + string(buyer) + "/ad/1", Metadata: "{}", AdCounterKeys: []string{"k1"}},
		},
	}
}

func TestCustomAudienceStoreActiveFilter(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryCustomAudienceStore()

	active := testAudience("buyer.example", "shoes")
	expired := testAudience("buyer.example", "old")
	expired.ExpirationTime = t0
	future := testAudience("buyer.example", "future")
	future.ActivationTime = t0.Add(time.Minute)
	stale := testAudience("buyer.example", "stale")
	stale.LastAdsAndBiddingDataUpdated = t0.Add(-72 * time.Hour)
	other := testAudience("other.example", "shoes")

	for _, ca := range []models.CustomAudience{active, expired, future, stale, other} {
		require.NoError(t, s.UpsertCustomAudience(ctx, ca))
	}

	got, err := s.GetActiveCustomAudiencesByBuyers(ctx, []models.AdTechIdentifier{"buyer.example"}, t0, 48*time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "shoes", got[0].Name)

	// Results are copies.
	got[0].Ads[0].AdCounterKeys[0] = "mutated"
	again, err := s.GetActiveCustomAudiencesByBuyers(ctx, []models.AdTechIdentifier{"buyer.example"}, t0, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "k1", again[0].Ads[0].AdCounterKeys[0])
}

func TestCustomAudienceStoreRejectsInvalid(t *testing.T) {
	s := NewInMemoryCustomAudienceStore()
	ca := testAudience("buyer.example", "")
	assert.Error(t, s.UpsertCustomAudience(context.Background(), ca))
}

func TestAdSelectionStorePersistAndJoin(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryAdSelectionStore()

	sig := models.SignalsFromCustomAudience(testAudience("buyer.example", "shoes"))
	require.NoError(t, s.PersistAdSelection(ctx, models.AdSelectionResult{
		AdSelectionID:         42,
		WinningAdRenderURI:    "https://buyer.example/ad/1",
		WinningAdBid:          3,
		BiddingLogicURI:       "https://buyer.example/bid.js",
		CustomAudienceSignals: &sig,
		ContextualSignals:     models.EmptySignals,
		CreationTime:          t0,
		CallerPackageName:     "com.example.app",
	}))
	require.NoError(t, s.PersistBuyerDecisionLogic(ctx, models.BuyerDecisionLogic{
		BiddingLogicURI: "https://buyer.example/bid.js",
		JS:              "function reportWin() {}",
	}))

	got, err := s.GetAdSelection(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "function reportWin() {}", got.BuyerDecisionLogicJS)
	assert.Equal(t, models.AdTechIdentifier("buyer.example"), got.Buyer())

	_, err = s.GetAdSelection(ctx, 43)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.DoesIDExist(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DoesIDExistForCaller(ctx, 42, "com.other.app")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DoAllIDsExistForCaller(ctx, []uint64{42, 43}, "com.example.app")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DoAllIDsExistForCaller(ctx, []uint64{42}, "com.example.app")
	require.NoError(t, err)
	assert.True(t, ok)

	ids, err := s.GetAdSelectionIDsWithBidAndRenderURI(ctx, []uint64{43, 42})
	require.NoError(t, err)
	assert.Equal(t, []models.AdSelectionIDWithBidAndRenderURI{
		{AdSelectionID: 42, Bid: 3, RenderURI: "https://buyer.example/ad/1"},
	}, ids)
}

func TestSafelyInsertRegisteredAdInteractions(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryAdSelectionStore()

	interactions := func(keys ...string) []models.RegisteredAdInteraction {
		res := make([]models.RegisteredAdInteraction, len(keys))
		for i, k := range keys {
			res[i] = models.RegisteredAdInteraction{InteractionKey: k, InteractionReportingURI: "https://seller.example/" + k}
		}
		return res
	}

	n, err := s.SafelyInsertRegisteredAdInteractions(ctx, 1, interactions("click", "view", "hover"), 10, 2, models.DestinationSeller)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	uri, err := s.GetRegisteredAdInteractionURI(ctx, 1, "view", models.DestinationSeller)
	require.NoError(t, err)
	assert.Equal(t, "https://seller.example/view", uri)

	_, err = s.GetRegisteredAdInteractionURI(ctx, 1, "hover", models.DestinationSeller)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRegisteredAdInteractionURI(ctx, 1, "click", models.DestinationBuyer)
	assert.ErrorIs(t, err, ErrNotFound)

	// Global cap leaves room for one more row.
	n, err = s.SafelyInsertRegisteredAdInteractions(ctx, 2, interactions("click", "view"), 3, 5, models.DestinationBuyer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.SafelyInsertRegisteredAdInteractions(ctx, 3, interactions("click"), 3, 5, models.DestinationBuyer)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSafelyInsertRegisteredAdInteractionsRewritesExistingKeys(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryAdSelectionStore()
	row := func(key, uri string) models.RegisteredAdInteraction {
		return models.RegisteredAdInteraction{InteractionKey: key, InteractionReportingURI: uri}
	}

	n, err := s.SafelyInsertRegisteredAdInteractions(ctx, 1, []models.RegisteredAdInteraction{
		row("click", "https://seller.example/click/1"),
		row("click", "https://seller.example/click/2"),
		row("view", "https://seller.example/view"),
	}, 10, 2, models.DestinationSeller)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	uri, err := s.GetRegisteredAdInteractionURI(ctx, 1, "click", models.DestinationSeller)
	require.NoError(t, err)
	assert.Equal(t, "https://seller.example/click/2", uri)
	uri, err = s.GetRegisteredAdInteractionURI(ctx, 1, "view", models.DestinationSeller)
	require.NoError(t, err)
	assert.Equal(t, "https://seller.example/view", uri)

	// A full destination still accepts rewrites of its keys.
	n, err = s.SafelyInsertRegisteredAdInteractions(ctx, 1, []models.RegisteredAdInteraction{
		row("hover", "https://seller.example/hover"),
		row("click", "https://seller.example/click/3"),
	}, 10, 2, models.DestinationSeller)
	require.NoError(t, err)
	assert.Zero(t, n)

	uri, err = s.GetRegisteredAdInteractionURI(ctx, 1, "click", models.DestinationSeller)
	require.NoError(t, err)
	assert.Equal(t, "https://seller.example/click/3", uri)
	_, err = s.GetRegisteredAdInteractionURI(ctx, 1, "hover", models.DestinationSeller)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryFrequencyCapStore(t *testing.T) {
	testFrequencyCapStore(t, NewInMemoryFrequencyCapStore())
}

func TestRedisFrequencyCapStore(t *testing.T) {
	addr := os.Getenv("ADSELECTION_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ADSELECTION_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	prefix := "fcap-test-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	testFrequencyCapStore(t, NewRedisFrequencyCapStore(client, prefix))
}

func testFrequencyCapStore(t *testing.T, s FrequencyCapStore) {
	t.Helper()
	ctx := context.Background()

	insert := func(key string, buyer models.AdTechIdentifier, owner, name string, eventType models.AdEventType, ts time.Time) int {
		e, err := models.NewHistogramEvent(key, buyer, owner, name, eventType, ts)
		require.NoError(t, err)
		evicted, err := s.InsertHistogramEvent(ctx, e, 5, 3)
		require.NoError(t, err)
		return evicted
	}

	insert("k1", "buyer.example", "com.app", "shoes", models.AdEventWin, t0.Add(-2*time.Hour))
	insert("k1", "buyer.example", "com.app", "shoes", models.AdEventWin, t0.Add(-time.Minute))
	insert("k1", "buyer.example", "com.app", "hats", models.AdEventWin, t0.Add(-50*time.Second))
	insert("k1", "buyer.example", "", "", models.AdEventClick, t0.Add(-40*time.Second))

	n, err := s.NumEventsForCustomAudienceAfterTime(ctx, "k1", "buyer.example", "com.app", "shoes", models.AdEventWin, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.NumEventsForBuyerAfterTime(ctx, "k1", "buyer.example", models.AdEventWin, t0.Add(-3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.NumEventsForBuyerAfterTime(ctx, "k1", "buyer.example", models.AdEventClick, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.NumEventsForBuyerAfterTime(ctx, "k2", "buyer.example", models.AdEventClick, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// Fifth event fits, the sixth triggers eviction down to the lower bound.
	assert.Zero(t, insert("k1", "buyer.example", "", "", models.AdEventView, t0))
	assert.Equal(t, 2, insert("k1", "buyer.example", "", "", models.AdEventView, t0))

	// The oldest win went first.
	n, err = s.NumEventsForBuyerAfterTime(ctx, "k1", "buyer.example", models.AdEventWin, t0.Add(-3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppInstallStore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryAppInstallStore()
	require.NoError(t, s.SetAppInstallAdvertisers(ctx, "com.game", []models.AdTechIdentifier{"buyer.example"}))

	ok, err := s.CanBuyerFilterPackage(ctx, "buyer.example", "com.game")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CanBuyerFilterPackage(ctx, "other.example", "com.game")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetAppInstallAdvertisers(ctx, "com.game", nil))
	ok, err = s.CanBuyerFilterPackage(ctx, "buyer.example", "com.game")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOverrideStore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryOverrideStore()

	require.NoError(t, s.PutCustomAudienceOverride(ctx, CustomAudienceOverride{
		Owner: "com.app", Buyer: "buyer.example", Name: "shoes", BiddingLogicJS: "js",
	}))
	require.NoError(t, s.PutAdSelectionOverride(ctx, AdSelectionOverride{ConfigID: "c1", DecisionLogicJS: "score"}))
	require.NoError(t, s.PutOutcomeSelectionOverride(ctx, OutcomeSelectionOverride{ConfigID: "o1", SelectionLogicJS: "select"}))

	o, ok, err := s.GetCustomAudienceOverride(ctx, "com.app", "buyer.example", "shoes")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "js", o.BiddingLogicJS)

	_, ok, _ = s.GetCustomAudienceOverride(ctx, "com.app", "buyer.example", "hats")
	assert.False(t, ok)

	sel, ok, _ := s.GetAdSelectionOverride(ctx, "c1")
	assert.True(t, ok)
	assert.Equal(t, "score", sel.DecisionLogicJS)

	require.NoError(t, s.RemoveAll(ctx))
	_, ok, _ = s.GetOutcomeSelectionOverride(ctx, "o1")
	assert.False(t, ok)
}

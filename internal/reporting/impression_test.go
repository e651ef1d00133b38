package reporting

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/adselection/internal/auction"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/servicefilter"
	"github.com/radiusdt/adselection/internal/storage"
)

func TestReportImpressionPingsSellerAndBuyer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	cfg := testConfig()
	env.overrideSellerJS(t, cfg, sellerReportingJS)
	env.persistWin(t, buyerReportingJS)

	require.NoError(t, env.impression.ReportImpressionSync(ctx, reportInput(cfg)))

	assert.ElementsMatch(t, []string{
		"https://seller.com/report?bid=2",
		"https://buyer.com/win?ca=shoes&sb=2",
	}, env.transport.URLs(http.MethodGet))

	uri, err := env.selections.GetRegisteredAdInteractionURI(ctx, testID, "click", models.DestinationSeller)
	require.NoError(t, err)
	assert.Equal(t, "https://seller.com/click", uri)

	uri, err = env.selections.GetRegisteredAdInteractionURI(ctx, testID, "click", models.DestinationBuyer)
	require.NoError(t, err)
	assert.Equal(t, "https://buyer.com/click", uri)

	_, err = env.selections.GetRegisteredAdInteractionURI(ctx, testID, "hover", models.DestinationSeller)
	assert.ErrorIs(t, err, storage.ErrNotFound, "beacon owned by another ad tech must be dropped")
}

func TestReportImpressionFetchesBuyerLogicWhenNotCached(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	cfg := testConfig()
	env.overrideSellerJS(t, cfg, sellerReportingJS)
	env.persistWin(t, "")
	require.NoError(t, env.overrides.PutCustomAudienceOverride(ctx, storage.CustomAudienceOverride{
		Owner:          testCaller,
		Buyer:          testBuyer,
		Name:           "shoes",
		BiddingLogicJS: buyerReportingJS,
	}))

	require.NoError(t, env.impression.ReportImpressionSync(ctx, reportInput(cfg)))
	assert.Contains(t, env.transport.URLs(http.MethodGet), "https://buyer.com/win?ca=shoes&sb=2")
}

func TestReportImpressionContextualWinnerSkipsBuyer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	cfg := testConfig()
	env.overrideSellerJS(t, cfg, sellerReportingJS)

	contextual := models.ContextualPlaceholderSignals(testBuyer, testNow)
	require.NoError(t, env.selections.PersistAdSelection(ctx, models.AdSelectionResult{
		AdSelectionID:         testID,
		WinningAdRenderURI:    "https://buyer.com/ads/contextual",
		WinningAdBid:          3,
		BiddingLogicURI:       "https://buyer.com/bidding.js",
		CustomAudienceSignals: &contextual,
		ContextualSignals:     models.EmptySignals,
		CreationTime:          testNow,
		CallerPackageName:     testCaller,
	}))

	require.NoError(t, env.impression.ReportImpressionSync(ctx, reportInput(cfg)))
	assert.Equal(t, []string{"https://seller.com/report?bid=3"}, env.transport.URLs(http.MethodGet))

	_, err := env.selections.GetRegisteredAdInteractionURI(ctx, testID, "click", models.DestinationBuyer)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReportImpressionSkipsForeignReportingURI(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := testConfig()
	env.overrideSellerJS(t, cfg, `function reportResult(ad_selection_config, render_uri, bid, contextual_signals) {
  return {'status': 0, 'results': {'signals_for_buyer': '{"seller_bid":1}', 'reporting_uri': 'https://evil.com/steal'}};
}`)
	env.persistWin(t, buyerReportingJS)

	require.NoError(t, env.impression.ReportImpressionSync(context.Background(), reportInput(cfg)))
	assert.Equal(t, []string{"https://buyer.com/win?ca=shoes&sb=1"}, env.transport.URLs(http.MethodGet))
}

func TestReportImpressionSkipsUnenrolledBuyer(t *testing.T) {
	env := newTestEnv(t, servicefilter.NewEnrollment([]string{testSeller.String()}, false))
	cfg := testConfig()
	env.overrideSellerJS(t, cfg, sellerReportingJS)
	env.persistWin(t, buyerReportingJS)

	require.NoError(t, env.impression.ReportImpressionSync(context.Background(), reportInput(cfg)))
	assert.Equal(t, []string{"https://seller.com/report?bid=2"}, env.transport.URLs(http.MethodGet))
}

func TestReportImpressionLimitsRegisteredInteractions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.impression.cfg.MaxBeaconsPerAdTech = 2
	longKey := strings.Repeat("k", 41)

	cfg := testConfig()
	env.overrideSellerJS(t, cfg, `function reportResult(ad_selection_config, render_uri, bid, contextual_signals) {
  registerAdBeacon('`+longKey+`', 'https://seller.com/long');
  registerAdBeacon('k0', 'https://seller.com/0');
  registerAdBeacon('k1', 'https://seller.com/1');
  registerAdBeacon('k2', 'https://seller.com/2');
  return {'status': 0, 'results': {'signals_for_buyer': '{}', 'reporting_uri': 'https://seller.com/r'}};
}`)
	env.persistWin(t, buyerReportingJS)

	require.NoError(t, env.impression.ReportImpressionSync(ctx, reportInput(cfg)))

	for key, want := range map[string]string{"k0": "https://seller.com/0", "k1": "https://seller.com/1"} {
		uri, err := env.selections.GetRegisteredAdInteractionURI(ctx, testID, key, models.DestinationSeller)
		require.NoError(t, err, key)
		assert.Equal(t, want, uri)
	}
	for _, key := range []string{longKey, "k2"} {
		_, err := env.selections.GetRegisteredAdInteractionURI(ctx, testID, key, models.DestinationSeller)
		assert.ErrorIs(t, err, storage.ErrNotFound, key)
	}
}

func TestReportImpressionScriptFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := testConfig()
	env.overrideSellerJS(t, cfg, `function reportResult(ad_selection_config, render_uri, bid, contextual_signals) {
  return {'status': -1, 'results': {}};
}`)
	env.persistWin(t, buyerReportingJS)

	err := env.impression.ReportImpressionSync(context.Background(), reportInput(cfg))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReportScriptFailed)
	assert.Equal(t, auction.StatusInternalError, auction.StatusFor(err))
	assert.Contains(t, err.Error(), ReportImpressionFailurePrefix)
	assert.Empty(t, env.transport.Requests())
}

func TestReportImpressionRejectsRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ReportImpressionInput)
	}{
		{
			name:   "unknown id",
			mutate: func(in *ReportImpressionInput) { in.AdSelectionID = 7 },
		},
		{
			name:   "other caller",
			mutate: func(in *ReportImpressionInput) { in.CallerPackageName = "com.other.app" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			cfg := testConfig()
			env.overrideSellerJS(t, cfg, sellerReportingJS)
			env.persistWin(t, buyerReportingJS)

			in := reportInput(cfg)
			tt.mutate(&in)
			err := env.impression.ReportImpression(context.Background(), in)
			env.impression.Wait()

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNoMatchingAdSelection)
			assert.Equal(t, auction.StatusInvalidArgument, auction.StatusFor(err))
			assert.Empty(t, env.transport.Requests())
		})
	}
}

func TestReportImpressionRejectsInvalidConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := testConfig()
	cfg.DecisionLogicURI = "https://evil.com/decision.js"
	env.persistWin(t, buyerReportingJS)

	err := env.impression.ReportImpression(context.Background(), reportInput(cfg))
	require.Error(t, err)
	assert.Equal(t, auction.StatusInvalidArgument, auction.StatusFor(err))
}

func TestReportImpressionConsentRevoked(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := testConfig()
	env.overrideSellerJS(t, cfg, sellerReportingJS)
	env.persistWin(t, buyerReportingJS)
	env.consent.SetRevoked(testCaller, true)

	require.NoError(t, env.impression.ReportImpression(context.Background(), reportInput(cfg)))
	env.impression.Wait()
	assert.Empty(t, env.transport.Requests())
}

func TestReportImpressionRunsInBackground(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := testConfig()
	env.overrideSellerJS(t, cfg, sellerReportingJS)
	env.persistWin(t, buyerReportingJS)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, env.impression.ReportImpression(ctx, reportInput(cfg)))
	cancel()
	env.impression.Wait()

	assert.Len(t, env.transport.URLs(http.MethodGet), 2)
}

func TestReportImpressionSellerFailureDoesNotCancelBuyer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.transport.intercept = failHostDelayOthers("seller.com", 50*time.Millisecond)
	cfg := testConfig()
	env.overrideSellerJS(t, cfg, sellerReportingJS)
	env.persistWin(t, buyerReportingJS)

	err := env.impression.ReportImpressionSync(ctx, reportInput(cfg))
	require.Error(t, err)
	assert.ErrorIs(t, err, errEndpointDown)
	assert.Equal(t, []string{"https://buyer.com/win?ca=shoes&sb=2"}, env.transport.URLs(http.MethodGet))
}

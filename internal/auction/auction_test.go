package auction

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/fetch"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/prebuilt"
	"github.com/radiusdt/adselection/internal/scriptengine"
	"github.com/radiusdt/adselection/internal/servicefilter"
	"github.com/radiusdt/adselection/internal/storage"
)

const (
	testCaller = "com.example.app"
	testSeller = models.AdTechIdentifier("seller.com")
	testBuyer  = models.AdTechIdentifier("buyer.com")
	otherBuyer = models.AdTechIdentifier("other.com")
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// bidFromMetadataJS bids the "bid" field of each ad's metadata.
const bidFromMetadataJS = `function generateBid(ad, auction_signals, per_buyer_signals, trusted_bidding_signals, contextual_signals, custom_audience_signals) {
  return {'status': 0, 'ad': ad, 'bid': ad.metadata.bid};
}`

const scoreByBidJS = `function scoreAd(ad, bid, auction_config, seller_signals, trusted_scoring_signals, contextual_signals, custom_audience_signals) {
  return {'status': 0, 'score': bid};
}`

func newTestScripts() *ScriptEngine {
	return NewScriptEngine(scriptengine.NewGojaEngine(zap.NewNop(), nil), scriptengine.IsolateSettings{},
		DefaultScriptArgumentsPolicy(), zap.NewNop())
}

func bidAd(buyer models.AdTechIdentifier, name string, bid float64) models.AdCandidate {
	return models.AdCandidate{
		RenderURI: fmt.Sprintf("https://%s/ads/%s", buyer, name),
		Metadata:  fmt.Sprintf(`{"bid":%v}`, bid),
	}
}

func testAudience(buyer models.AdTechIdentifier, name string, ads ...models.AdCandidate) models.CustomAudience {
	return models.CustomAudience{
		Owner:                        testCaller,
		Buyer:                        buyer,
		Name:                         name,
		ActivationTime:               testNow.Add(-time.Hour),
		ExpirationTime:               testNow.Add(24 * time.Hour),
		LastAdsAndBiddingDataUpdated: testNow.Add(-time.Minute),
		UserBiddingSignals:           models.EmptySignals,
		BiddingLogicURI:              fmt.Sprintf("https://%s/bidding.js", buyer),
		Ads:                          ads,
	}
}

func testConfig(buyers ...models.AdTechIdentifier) models.AdSelectionConfig {
	return models.AdSelectionConfig{
		Seller:               testSeller,
		DecisionLogicURI:     "https://seller.com/decision.js",
		CustomAudienceBuyers: buyers,
		AdSelectionSignals:   models.EmptySignals,
		SellerSignals:        models.EmptySignals,
	}
}

// testEnv wires an auction over in-memory stores. Scripts are injected as
// developer overrides so no network access is needed.
type testEnv struct {
	audiences  *storage.InMemoryCustomAudienceStore
	selections *storage.InMemoryAdSelectionStore
	fcap       *storage.InMemoryFrequencyCapStore
	appInstall *storage.InMemoryAppInstallStore
	overrides  *storage.InMemoryOverrideStore
	consent    *servicefilter.Consent
	filter     *servicefilter.Filter
	generator  *prebuilt.Generator
	client     *fetch.Client
	jsFetcher  *fetch.JSFetcher
	signals    *fetch.TrustedSignalsFetcher
	scripts    *ScriptEngine
	validator  *ConfigValidator
	bidder     *BidGenerator
	scorer     *ScoreGenerator
	scheduler  *PerBuyerScheduler
	runner     *Runner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	now := func() time.Time { return testNow }

	env := &testEnv{
		audiences:  storage.NewInMemoryCustomAudienceStore(),
		selections: storage.NewInMemoryAdSelectionStore(),
		fcap:       storage.NewInMemoryFrequencyCapStore(),
		appInstall: storage.NewInMemoryAppInstallStore(),
		overrides:  storage.NewInMemoryOverrideStore(),
		consent:    servicefilter.NewConsent(nil),
		generator:  prebuilt.NewGenerator(true),
		scripts:    newTestScripts(),
	}
	enrollment := servicefilter.NewEnrollment(nil, true)
	env.filter = servicefilter.NewFilter(env.consent, servicefilter.NewThrottler(0, 1), enrollment, logger, nil)
	env.client = fetch.NewClient(fetch.ClientConfig{
		Timeout:          5 * time.Second,
		MaxResponseBytes: 1 << 16,
		AllowInsecure:    true,
	}, nil, logger, nil)
	env.jsFetcher = fetch.NewJSFetcher(env.client, env.overrides, env.generator, logger)
	env.signals = fetch.NewTrustedSignalsFetcher(env.client)
	env.validator = NewConfigValidator(env.generator, enrollment)
	env.bidder = NewBidGenerator(env.scripts, env.jsFetcher, env.signals, env.overrides,
		BiddingConfig{TimeoutPerCA: 5 * time.Second, JSVersionRequested: 2}, logger, nil)
	env.scorer = NewScoreGenerator(env.scripts, env.jsFetcher, env.signals, env.overrides,
		ScoringConfig{Timeout: 5 * time.Second}, now, logger, nil)
	env.scheduler = NewPerBuyerScheduler(2, logger)

	env.runner = NewRunner(RunnerDependencies{
		CustomAudiences: env.audiences,
		AdSelections:    env.selections,
		FrequencyCaps:   env.fcap,
		Filterer:        NewAdFilterer(env.fcap, env.appInstall, now, logger, nil),
		Bidder:          env.bidder,
		Scheduler:       env.scheduler,
		Scorer:          env.scorer,
		Validator:       env.validator,
		ServiceFilter:   env.filter,
	}, RunnerConfig{
		BiddingTimeoutPerBuyer:  5 * time.Second,
		OverallTimeout:          10 * time.Second,
		ContextualAdsEnabled:    true,
		MaxIDGenerationAttempts: 3,
		HistogramAbsoluteMax:    100,
		HistogramLowerMax:       80,
	}, logger, nil)
	env.runner.now = now
	return env
}

func (e *testEnv) addAudience(t *testing.T, ca models.CustomAudience, biddingJS string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.audiences.UpsertCustomAudience(ctx, ca))
	require.NoError(t, e.overrides.PutCustomAudienceOverride(ctx, storage.CustomAudienceOverride{
		Owner:          ca.Owner,
		Buyer:          ca.Buyer,
		Name:           ca.Name,
		BiddingLogicJS: biddingJS,
	}))
}

func (e *testEnv) overrideScoring(t *testing.T, cfg models.AdSelectionConfig, js string, trusted models.AdSelectionSignals) {
	t.Helper()
	require.NoError(t, e.overrides.PutAdSelectionOverride(context.Background(), storage.AdSelectionOverride{
		ConfigID:              cfg.OverrideID(),
		DecisionLogicJS:       js,
		TrustedScoringSignals: trusted,
	}))
}

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/config"
	"github.com/radiusdt/adselection/internal/models"
)

const scenarioYAML = `
caller: com.example.app
seller: seller.com
decision_logic_uri: https://seller.com/decision.js
decision_logic_file: decision.js
seller_signals: '{"floor":1}'
per_buyer_signals:
  buyer.com: '{"boost":2}'
audiences:
  - buyer: buyer.com
    name: shoes
    bidding_logic_file: bidding.js
    ads:
      - render_uri: https://buyer.com/ads/sneakers
        metadata: '{"bid":1}'
      - render_uri: https://buyer.com/ads/boots
        metadata: '{"bid":4}'
        ad_counter_keys: [boots, boots]
contextual_ads:
  - buyer: other.com
    decision_logic_uri: https://other.com/contextual.js
    ads:
      - render_uri: https://other.com/ads/banner
        bid: 2
report: true
`

const scenarioBiddingJS = `function generateBid(ad, auction_signals, per_buyer_signals, trusted_bidding_signals, contextual_signals, custom_audience_signals) {
  return {'status': 0, 'ad': ad, 'bid': ad.metadata.bid};
}
function reportWin(ad_selection_signals, per_buyer_signals, signals_for_buyer, contextual_signals, custom_audience_signals) {
  return {'status': 0, 'results': {'reporting_uri': 'https://buyer.com/win'}};
}`

const scenarioDecisionJS = `function scoreAd(ad, bid, auction_config, seller_signals, trusted_scoring_signals, contextual_signals, custom_audience_signals) {
  return {'status': 0, 'score': bid};
}
function reportResult(ad_selection_config, render_uri, bid, contextual_signals) {
  return {'status': 0, 'results': {'signals_for_buyer': '{}', 'reporting_uri': 'https://seller.com/report'}};
}`

func writeScenario(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scenario.yaml"), []byte(scenarioYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bidding.js"), []byte(scenarioBiddingJS), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "decision.js"), []byte(scenarioDecisionJS), 0o600))
	return filepath.Join(dir, "scenario.yaml")
}

func TestParseScenarioRequiresSeller(t *testing.T) {
	_, err := ParseScenario([]byte("decision_logic_uri: https://seller.com/d.js\n"))
	assert.ErrorContains(t, err, "seller is required")

	_, err = ParseScenario([]byte("seller: seller.com\n"))
	assert.ErrorContains(t, err, "decision_logic_uri is required")

	_, err = ParseScenario([]byte("seller: [\n"))
	assert.Error(t, err)
}

func TestScenarioConfig(t *testing.T) {
	sc, err := LoadScenario(writeScenario(t))
	require.NoError(t, err)

	cfg, err := sc.Config()
	require.NoError(t, err)
	assert.Equal(t, models.AdTechIdentifier("seller.com"), cfg.Seller)
	assert.Equal(t, []models.AdTechIdentifier{"buyer.com"}, cfg.CustomAudienceBuyers)
	assert.Equal(t, models.EmptySignals, cfg.AdSelectionSignals)
	assert.Equal(t, models.AdSelectionSignals(`{"floor":1}`), cfg.SellerSignals)
	assert.Equal(t, models.AdSelectionSignals(`{"boost":2}`), cfg.PerBuyerSignalsFor("buyer.com"))

	require.Contains(t, cfg.BuyerContextualAds, models.AdTechIdentifier("other.com"))
	contextual := cfg.BuyerContextualAds["other.com"]
	require.Len(t, contextual.AdsWithBid, 1)
	assert.Equal(t, 2.0, contextual.AdsWithBid[0].Bid)
	assert.Equal(t, "{}", contextual.AdsWithBid[0].Ad.Metadata)
}

func TestScenarioAudiencesAndOverrides(t *testing.T) {
	sc, err := LoadScenario(writeScenario(t))
	require.NoError(t, err)

	cas, err := sc.CustomAudiences(time.Now())
	require.NoError(t, err)
	require.Len(t, cas, 1)
	assert.Equal(t, "https://buyer.com/bidding.js", cas[0].BiddingLogicURI)
	assert.Equal(t, []string{"boots"}, cas[0].Ads[1].AdCounterKeys)

	cfg, err := sc.Config()
	require.NoError(t, err)
	caOverrides, selOverride, err := sc.Overrides(cfg)
	require.NoError(t, err)
	require.Len(t, caOverrides, 1)
	assert.Equal(t, scenarioBiddingJS, caOverrides[0].BiddingLogicJS)
	require.NotNil(t, selOverride)
	assert.Equal(t, cfg.OverrideID(), selOverride.ConfigID)
	assert.Equal(t, scenarioDecisionJS, selOverride.DecisionLogicJS)
}

func TestScenarioMissingScript(t *testing.T) {
	sc, err := ParseScenario([]byte(`
seller: seller.com
decision_logic_uri: https://seller.com/d.js
decision_logic_file: missing.js
`))
	require.NoError(t, err)
	sc.dir = t.TempDir()

	cfg, err := sc.Config()
	require.NoError(t, err)
	_, _, err = sc.Overrides(cfg)
	assert.ErrorContains(t, err, "reading script")
}

func TestRunScenario(t *testing.T) {
	sc, err := LoadScenario(writeScenario(t))
	require.NoError(t, err)

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Auction.EnforceMaxHeapSize = false

	var out bytes.Buffer
	err = run(context.Background(), sc, cfg, options{dryRun: true}, zap.NewNop(), &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), `"render_uri": "https://buyer.com/ads/boots"`)
	assert.Contains(t, out.String(), "GET https://seller.com/report")
	assert.Contains(t, out.String(), "GET https://buyer.com/win")
}

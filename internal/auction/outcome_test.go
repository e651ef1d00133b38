package auction

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/storage"
)

const pickHighestBidJS = `function selectOutcome(outcomes, selection_signals) {
  let best = null;
  for (const o of outcomes) {
    if (best === null || o.bid > best.bid) best = o;
  }
  return {'status': 0, 'result': best};
}`

func (e *testEnv) outcomeSelector(timeout time.Duration) *OutcomeSelector {
	return NewOutcomeSelector(OutcomeSelectorDependencies{
		AdSelections:  e.selections,
		JSFetcher:     e.jsFetcher,
		Scripts:       e.scripts,
		Validator:     e.validator,
		ServiceFilter: e.filter,
	}, timeout, zap.NewNop(), nil)
}

func (e *testEnv) persistOutcome(t *testing.T, id uint64, bid float64) {
	t.Helper()
	require.NoError(t, e.selections.PersistAdSelection(context.Background(), models.AdSelectionResult{
		AdSelectionID:      id,
		WinningAdRenderURI: fmt.Sprintf("https://buyer.com/ads/winner?id=%d", id),
		WinningAdBid:       bid,
		BiddingLogicURI:    "https://buyer.com/bidding.js",
		ContextualSignals:  models.EmptySignals,
		CreationTime:       testNow,
		CallerPackageName:  testCaller,
	}))
}

func (e *testEnv) overrideSelection(t *testing.T, cfg models.AdSelectionFromOutcomesConfig, js string) {
	t.Helper()
	require.NoError(t, e.overrides.PutOutcomeSelectionOverride(context.Background(), storage.OutcomeSelectionOverride{
		ConfigID:         cfg.OverrideID(),
		SelectionLogicJS: js,
	}))
}

func outcomesConfig(ids ...uint64) models.AdSelectionFromOutcomesConfig {
	return models.AdSelectionFromOutcomesConfig{
		Seller:            testSeller,
		AdSelectionIDs:    ids,
		SelectionSignals:  models.EmptySignals,
		SelectionLogicURI: "https://seller.com/select.js",
	}
}

func TestSelectFromOutcomesPicksScriptChoice(t *testing.T) {
	env := newTestEnv(t)
	env.persistOutcome(t, 1, 1.5)
	env.persistOutcome(t, 2, 4)
	env.persistOutcome(t, 3, 2)
	cfg := outcomesConfig(1, 2, 3)
	env.overrideSelection(t, cfg, pickHighestBidJS)

	outcome, err := env.outcomeSelector(time.Second).SelectFromOutcomes(context.Background(), cfg, testCaller)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.EqualValues(t, 2, outcome.AdSelectionID)
	assert.Equal(t, "https://buyer.com/ads/winner?id=2", outcome.RenderURI)
}

func TestSelectFromOutcomesNullResult(t *testing.T) {
	env := newTestEnv(t)
	env.persistOutcome(t, 1, 1)
	cfg := outcomesConfig(1)
	env.overrideSelection(t, cfg, `function selectOutcome(outcomes) { return {'status': 0, 'result': null}; }`)

	outcome, err := env.outcomeSelector(time.Second).SelectFromOutcomes(context.Background(), cfg, testCaller)
	require.NoError(t, err)
	assert.Nil(t, outcome)
}

func TestSelectFromOutcomesRejectsUnknownSelection(t *testing.T) {
	env := newTestEnv(t)
	env.persistOutcome(t, 1, 1)
	cfg := outcomesConfig(1)
	env.overrideSelection(t, cfg, `function selectOutcome(outcomes) {
  return {'status': 0, 'result': {'adSelectionId': '99', 'bid': 1}};
}`)

	_, err := env.outcomeSelector(time.Second).SelectFromOutcomes(context.Background(), cfg, testCaller)
	assert.ErrorIs(t, err, ErrIllegalState)
	assert.Contains(t, err.Error(), OutcomeSelectionFailurePrefix)
	assert.Equal(t, StatusInternalError, StatusFor(err))
}

func TestSelectFromOutcomesWaterfallPrebuilt(t *testing.T) {
	tests := []struct {
		name   string
		floor  string
		wantID bool
	}{
		{name: "above floor", floor: `{"bid_floor":1}`, wantID: true},
		{name: "below floor", floor: `{"bid_floor":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.persistOutcome(t, 7, 2)
			cfg := outcomesConfig(7)
			cfg.SelectionSignals = models.AdSelectionSignals(tt.floor)
			cfg.SelectionLogicURI = "ad-selection-prebuilt://ad-selection-from-outcomes/waterfall-mediation-truncation/?bidFloor=bid_floor"

			outcome, err := env.outcomeSelector(time.Second).SelectFromOutcomes(context.Background(), cfg, testCaller)
			require.NoError(t, err)
			if !tt.wantID {
				assert.Nil(t, outcome)
				return
			}
			require.NotNil(t, outcome)
			assert.EqualValues(t, 7, outcome.AdSelectionID)
		})
	}
}

func TestSelectFromOutcomesRejectsForeignIDs(t *testing.T) {
	env := newTestEnv(t)
	env.persistOutcome(t, 1, 1)

	_, err := env.outcomeSelector(time.Second).SelectFromOutcomes(context.Background(), outcomesConfig(1), "com.other.app")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, StatusInvalidArgument, StatusFor(err))
}

func TestSelectFromOutcomesConsentRevoked(t *testing.T) {
	env := newTestEnv(t)
	env.persistOutcome(t, 1, 1)
	cfg := outcomesConfig(1)
	env.overrideSelection(t, cfg, pickHighestBidJS)
	env.consent.SetRevoked(testCaller, true)

	outcome, err := env.outcomeSelector(time.Second).SelectFromOutcomes(context.Background(), cfg, testCaller)
	assert.NoError(t, err)
	assert.Nil(t, outcome)
}

func TestSelectFromOutcomesTimesOut(t *testing.T) {
	env := newTestEnv(t)
	env.persistOutcome(t, 1, 1)
	cfg := outcomesConfig(1)
	env.overrideSelection(t, cfg, `function selectOutcome(outcomes) { while (true) {} }`)

	_, err := env.outcomeSelector(100*time.Millisecond).SelectFromOutcomes(context.Background(), cfg, testCaller)
	assert.ErrorIs(t, err, ErrOutcomeSelectionTimedOut)
	assert.Equal(t, StatusTimeout, StatusFor(err))
}

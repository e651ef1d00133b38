package auction

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/adselection/internal/models"
)

func scoringOutcome(buyer models.AdTechIdentifier, name string, score float64) models.AdScoringOutcome {
	return models.AdScoringOutcome{
		AdWithScore: models.AdWithScore{
			AdWithBid: models.AdWithBid{Ad: bidAd(buyer, name, score), Bid: score},
			Score:     score,
		},
		Buyer: buyer,
	}
}

func TestSelectWinner(t *testing.T) {
	tests := []struct {
		name    string
		scores  []float64
		want    int
		wantErr bool
	}{
		{name: "single", scores: []float64{1}, want: 0},
		{name: "max wins", scores: []float64{1, 5, 3}, want: 1},
		{name: "tie keeps first", scores: []float64{2, 4, 4}, want: 1},
		{name: "non positive skipped", scores: []float64{-1, 0, 0.25}, want: 2},
		{name: "all non positive", scores: []float64{0, -2}, wantErr: true},
		{name: "empty", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcomes := make([]models.AdScoringOutcome, len(tt.scores))
			for i, s := range tt.scores {
				outcomes[i] = scoringOutcome(testBuyer, "ad", s)
			}
			winner, err := SelectWinner(outcomes)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoWinningAdFound)
				assert.Nil(t, winner)
				return
			}
			require.NoError(t, err)
			assert.Same(t, &outcomes[tt.want], winner)
		})
	}
}

func TestSelectWinnerIsAlwaysPositive(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		outcomes := make([]models.AdScoringOutcome, rng.Intn(8))
		best := 0.0
		for j := range outcomes {
			s := rng.Float64()*10 - 5
			outcomes[j] = scoringOutcome(testBuyer, "ad", s)
			if s > best {
				best = s
			}
		}
		winner, err := SelectWinner(outcomes)
		if best <= 0 {
			assert.ErrorIs(t, err, ErrNoWinningAdFound)
			continue
		}
		require.NoError(t, err)
		assert.Greater(t, winner.AdWithScore.Score, 0.0)
		assert.Equal(t, best, winner.AdWithScore.Score)
	}
}

func TestRunAdSelectionPicksHighestScoringAd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	winning := bidAd(testBuyer, "boots", 3)
	winning.AdCounterKeys = []string{"boots"}
	env.addAudience(t, testAudience(testBuyer, "shoes", bidAd(testBuyer, "sneakers", 1), winning), bidFromMetadataJS)
	env.addAudience(t, testAudience(otherBuyer, "hats", bidAd(otherBuyer, "cap", 2)), bidFromMetadataJS)

	cfg := testConfig(testBuyer, otherBuyer)
	env.overrideScoring(t, cfg, scoreByBidJS, "")

	outcome, err := env.runner.RunAdSelection(ctx, RunAdSelectionInput{Config: cfg, CallerPackageName: testCaller})
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, winning.RenderURI, outcome.RenderURI)
	assert.NotZero(t, outcome.AdSelectionID)

	stored, err := env.selections.GetAdSelection(ctx, outcome.AdSelectionID)
	require.NoError(t, err)
	assert.Equal(t, 3.0, stored.WinningAdBid)
	assert.Equal(t, testCaller, stored.CallerPackageName)
	assert.Equal(t, "https://buyer.com/bidding.js", stored.BiddingLogicURI)
	assert.Equal(t, models.EmptySignals, stored.ContextualSignals)
	require.NotNil(t, stored.CustomAudienceSignals)
	assert.Equal(t, "shoes", stored.CustomAudienceSignals.Name)
	assert.Equal(t, []string{"boots"}, stored.AdCounterKeys)

	wins, err := env.fcap.NumEventsForCustomAudienceAfterTime(ctx, "boots", testBuyer, testCaller, "shoes",
		models.AdEventWin, testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, wins)
}

func TestRunAdSelectionContextualAdCanWin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAudience(t, testAudience(testBuyer, "shoes", bidAd(testBuyer, "sneakers", 1)), bidFromMetadataJS)
	cfg := testConfig(testBuyer)
	env.overrideScoring(t, cfg, scoreByBidJS, "")

	contextual := bidAd(otherBuyer, "banner", 5)
	cfg.BuyerContextualAds = map[models.AdTechIdentifier]models.ContextualAds{
		otherBuyer: {
			Buyer:            otherBuyer,
			DecisionLogicURI: "https://other.com/contextual.js",
			AdsWithBid:       []models.AdWithBid{{Ad: contextual, Bid: 5}},
		},
	}

	outcome, err := env.runner.RunAdSelection(ctx, RunAdSelectionInput{Config: cfg, CallerPackageName: testCaller})
	require.NoError(t, err)
	assert.Equal(t, contextual.RenderURI, outcome.RenderURI)

	stored, err := env.selections.GetAdSelection(ctx, outcome.AdSelectionID)
	require.NoError(t, err)
	assert.True(t, stored.IsContextual())
	assert.Equal(t, otherBuyer, stored.Buyer())
	assert.Empty(t, stored.AdCounterKeys)
	assert.Zero(t, env.fcap.Len())
}

func TestRunAdSelectionDropsContextualAdsWhenDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.runner.cfg.ContextualAdsEnabled = false

	cfg := testConfig()
	cfg.BuyerContextualAds = map[models.AdTechIdentifier]models.ContextualAds{
		otherBuyer: {
			Buyer:            otherBuyer,
			DecisionLogicURI: "https://other.com/contextual.js",
			AdsWithBid:       []models.AdWithBid{{Ad: bidAd(otherBuyer, "banner", 5), Bid: 5}},
		},
	}
	_, err := env.runner.RunAdSelection(context.Background(), RunAdSelectionInput{Config: cfg, CallerPackageName: testCaller})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoBuyersOrContextualAds)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StatusInvalidArgument, se.Code)
	assert.Contains(t, err.Error(), AdSelectionFailurePrefix)
}

func TestRunAdSelectionNoAudiences(t *testing.T) {
	env := newTestEnv(t)
	cfg := testConfig(testBuyer)

	_, err := env.runner.RunAdSelection(context.Background(), RunAdSelectionInput{Config: cfg, CallerPackageName: testCaller})
	assert.ErrorIs(t, err, ErrNoBuyersOrContextualAds)
	assert.Contains(t, err.Error(), "No Custom Audience or contextual ads available")
}

func TestRunAdSelectionNoPositiveScore(t *testing.T) {
	env := newTestEnv(t)
	env.addAudience(t, testAudience(testBuyer, "shoes", bidAd(testBuyer, "sneakers", 1)), bidFromMetadataJS)
	cfg := testConfig(testBuyer)
	env.overrideScoring(t, cfg, `function scoreAd(ad, bid) { return {'status': 0, 'score': -bid}; }`, "")

	_, err := env.runner.RunAdSelection(context.Background(), RunAdSelectionInput{Config: cfg, CallerPackageName: testCaller})
	assert.ErrorIs(t, err, ErrNoWinningAdFound)
	assert.Zero(t, env.fcap.Len())
}

func TestRunAdSelectionConsentRevoked(t *testing.T) {
	env := newTestEnv(t)
	env.addAudience(t, testAudience(testBuyer, "shoes", bidAd(testBuyer, "sneakers", 1)), bidFromMetadataJS)
	cfg := testConfig(testBuyer)
	env.overrideScoring(t, cfg, scoreByBidJS, "")
	env.consent.SetRevoked(testCaller, true)

	ctx := context.Background()
	outcome, err := env.runner.RunAdSelection(ctx, RunAdSelectionInput{Config: cfg, CallerPackageName: testCaller})
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Empty(t, outcome.RenderURI)

	exists, err := env.selections.DoesIDExist(ctx, outcome.AdSelectionID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunAdSelectionRejectsInvalidConfig(t *testing.T) {
	env := newTestEnv(t)
	cfg := testConfig(testBuyer)
	cfg.DecisionLogicURI = "https://evil.com/decision.js"

	_, err := env.runner.RunAdSelection(context.Background(), RunAdSelectionInput{Config: cfg, CallerPackageName: testCaller})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, StatusInvalidArgument, StatusFor(err))
}

func TestRunAdSelectionTimesOut(t *testing.T) {
	env := newTestEnv(t)
	env.runner.cfg.OverallTimeout = 200 * time.Millisecond
	env.addAudience(t, testAudience(testBuyer, "shoes", bidAd(testBuyer, "sneakers", 1)),
		`function generateBid(ad) { while (true) {} }`)
	cfg := testConfig(testBuyer)
	env.overrideScoring(t, cfg, scoreByBidJS, "")

	start := time.Now()
	_, err := env.runner.RunAdSelection(context.Background(), RunAdSelectionInput{Config: cfg, CallerPackageName: testCaller})
	assert.ErrorIs(t, err, ErrAdSelectionTimedOut)
	assert.Equal(t, StatusTimeout, StatusFor(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGenerateUniqueIDSkipsExistingIDs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.selections.PersistAdSelection(ctx, models.AdSelectionResult{AdSelectionID: 7, CallerPackageName: testCaller}))

	ids := []uint64{7, 0, 8}
	env.runner.newID = func() uint64 {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	id, err := env.runner.generateUniqueID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 8, id)

	env.runner.newID = func() uint64 { return 7 }
	_, err = env.runner.generateUniqueID(ctx)
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestRunAdSelectionOneBuyerFailingDoesNotAbortOthers(t *testing.T) {
	failingSignals := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failingSignals.Close()

	tests := []struct {
		name    string
		prepare func(ca *models.CustomAudience) string
	}{
		{
			name: "trusted signals unavailable",
			prepare: func(ca *models.CustomAudience) string {
				ca.TrustedBiddingData = &models.TrustedBiddingData{URI: failingSignals.URL + "/signals", Keys: []string{"k"}}
				return bidFromMetadataJS
			},
		},
		{
			name: "bidding logic throws",
			prepare: func(ca *models.CustomAudience) string {
				return `function generateBid(ad) { throw new Error('broken'); }`
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			failing := testAudience(testBuyer, "shoes", bidAd(testBuyer, "boots", 9))
			env.addAudience(t, failing, tt.prepare(&failing))
			survivor := bidAd(otherBuyer, "cap", 2)
			env.addAudience(t, testAudience(otherBuyer, "hats", survivor), bidFromMetadataJS)

			cfg := testConfig(testBuyer, otherBuyer)
			env.overrideScoring(t, cfg, scoreByBidJS, "")

			outcome, err := env.runner.RunAdSelection(ctx, RunAdSelectionInput{Config: cfg, CallerPackageName: testCaller})
			require.NoError(t, err)
			assert.Equal(t, survivor.RenderURI, outcome.RenderURI)

			stored, err := env.selections.GetAdSelection(ctx, outcome.AdSelectionID)
			require.NoError(t, err)
			assert.Equal(t, otherBuyer, stored.Buyer())
			assert.Equal(t, 2.0, stored.WinningAdBid)
		})
	}
}

func TestRunAdSelectionSlowTrustedSignalsBoundedByBuyerTimeout(t *testing.T) {
	slowSignals := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
			w.Write([]byte(`{"k":1}`))
		}
	}))
	defer slowSignals.Close()

	env := newTestEnv(t)
	env.runner.cfg.BiddingTimeoutPerBuyer = 300 * time.Millisecond
	ctx := context.Background()

	slow := testAudience(testBuyer, "shoes", bidAd(testBuyer, "boots", 9))
	slow.TrustedBiddingData = &models.TrustedBiddingData{URI: slowSignals.URL + "/signals", Keys: []string{"k"}}
	env.addAudience(t, slow, bidFromMetadataJS)
	survivor := bidAd(otherBuyer, "cap", 2)
	env.addAudience(t, testAudience(otherBuyer, "hats", survivor), bidFromMetadataJS)

	cfg := testConfig(testBuyer, otherBuyer)
	env.overrideScoring(t, cfg, scoreByBidJS, "")

	start := time.Now()
	outcome, err := env.runner.RunAdSelection(ctx, RunAdSelectionInput{Config: cfg, CallerPackageName: testCaller})
	require.NoError(t, err)
	assert.Equal(t, survivor.RenderURI, outcome.RenderURI)
	assert.Less(t, time.Since(start), 2*time.Second)
}

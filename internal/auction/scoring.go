package auction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radiusdt/adselection/internal/codec"
	"github.com/radiusdt/adselection/internal/fetch"
	"github.com/radiusdt/adselection/internal/metrics"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/storage"
)

// ScoringConfig bounds seller scoring.
type ScoringConfig struct {
	Timeout  time.Duration
	UseCache bool
}

// ScoreGenerator runs the seller scoreAd logic over every bid of an auction.
type ScoreGenerator struct {
	scripts   *ScriptEngine
	jsFetcher *fetch.JSFetcher
	signals   *fetch.TrustedSignalsFetcher
	overrides storage.OverrideStore
	cfg       ScoringConfig
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewScoreGenerator creates a generator. overrides may be nil.
func NewScoreGenerator(scripts *ScriptEngine, jsFetcher *fetch.JSFetcher, signals *fetch.TrustedSignalsFetcher, overrides storage.OverrideStore, cfg ScoringConfig, now func() time.Time, logger *zap.Logger, m *metrics.Metrics) *ScoreGenerator {
	if now == nil {
		now = time.Now
	}
	return &ScoreGenerator{
		scripts:   scripts,
		jsFetcher: jsFetcher,
		signals:   signals,
		overrides: overrides,
		cfg:       cfg,
		now:       now,
		logger:    logger,
		metrics:   m,
	}
}

// scoringEntry ties a scored ad back to where it came from.
type scoringEntry struct {
	adWithBid models.AdWithBid
	bidding   *models.AdBiddingOutcome
	buyer     models.AdTechIdentifier
	logicURI  string
	signals   models.CustomAudienceSignals
}

// RunAdScoring scores remarketing outcomes followed by the contextual ads of
// cfg, in buyer order. Scores are matched to ads by position.
func (g *ScoreGenerator) RunAdScoring(ctx context.Context, outcomes []*models.AdBiddingOutcome, cfg models.AdSelectionConfig) ([]models.AdScoringOutcome, error) {
	start := time.Now()
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	scored, err := g.runAdScoring(ctx, outcomes, cfg)
	err = classifyTimeout(ctx, err, ErrScoringTimedOut)
	if err != nil && errors.Is(err, codec.ErrInvalidFormat) {
		err = fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if g.metrics != nil {
		status := "success"
		switch {
		case errors.Is(err, ErrScoringTimedOut):
			status = "timeout"
		case err != nil:
			status = "failure"
		}
		g.metrics.RecordScoring(status, time.Since(start))
	}
	if err != nil {
		g.logger.Warn("ad scoring failed", zap.Error(err))
		return nil, err
	}
	return scored, nil
}

func (g *ScoreGenerator) runAdScoring(ctx context.Context, outcomes []*models.AdBiddingOutcome, cfg models.AdSelectionConfig) ([]models.AdScoringOutcome, error) {
	entries := g.collectEntries(outcomes, cfg)
	if len(entries) == 0 {
		return nil, nil
	}

	ads := make([]models.AdWithBid, len(entries))
	caSignals := make([]models.CustomAudienceSignals, len(entries))
	renderURIs := make([]string, len(entries))
	for i, e := range entries {
		ads[i] = e.adWithBid
		caSignals[i] = e.signals
		renderURIs[i] = e.adWithBid.Ad.RenderURI
	}

	var (
		js             string
		trustedScoring models.AdSelectionSignals
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		js, err = g.jsFetcher.FetchSellerDecisionLogic(egCtx, cfg, g.cfg.UseCache)
		return err
	})
	eg.Go(func() error {
		var err error
		trustedScoring, err = g.trustedScoringSignals(egCtx, cfg, renderURIs)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	scores, err := g.scripts.ScoreAds(ctx, js, ads, cfg.WithoutContextualAds(),
		cfg.SellerSignals, trustedScoring, models.EmptySignals, caSignals)
	if err != nil {
		return nil, err
	}
	if len(scores) < len(entries) {
		return nil, fmt.Errorf("%w: %w: got %d scores for %d ads",
			ErrIllegalState, ErrScoresCountLessThanExpected, len(scores), len(entries))
	}
	if len(scores) > len(entries) {
		g.logger.Warn("scoreAd returned more scores than ads, ignoring extra",
			zap.Int("scores", len(scores)),
			zap.Int("ads", len(entries)),
		)
	}

	scored := make([]models.AdScoringOutcome, len(entries))
	for i, e := range entries {
		out := models.AdScoringOutcome{
			AdWithScore:     models.AdWithScore{AdWithBid: e.adWithBid, Score: scores[i]},
			BiddingLogicURI: e.logicURI,
			Buyer:           e.buyer,
		}
		sig := e.signals
		out.Signals = &sig
		if e.bidding != nil {
			out.BiddingLogicJS = e.bidding.BiddingInfo.BuyerDecisionLogicJS
			out.BiddingLogicJSDownloaded = e.bidding.BiddingInfo.BuyerDecisionLogicDownloaded
		} else {
			out.Contextual = true
		}
		scored[i] = out
	}
	return scored, nil
}

func (g *ScoreGenerator) collectEntries(outcomes []*models.AdBiddingOutcome, cfg models.AdSelectionConfig) []scoringEntry {
	entries := make([]scoringEntry, 0, len(outcomes))
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		entries = append(entries, scoringEntry{
			adWithBid: o.AdWithBid,
			bidding:   o,
			buyer:     o.BiddingInfo.Signals.Buyer,
			logicURI:  o.BiddingInfo.BiddingLogicURI,
			signals:   o.BiddingInfo.Signals,
		})
	}

	buyers := make([]string, 0, len(cfg.BuyerContextualAds))
	for b := range cfg.BuyerContextualAds {
		buyers = append(buyers, b.String())
	}
	sort.Strings(buyers)
	now := g.now()
	for _, b := range buyers {
		ctxAds := cfg.BuyerContextualAds[models.AdTechIdentifier(b)]
		buyer := ctxAds.Buyer
		if buyer == "" {
			buyer = models.AdTechIdentifier(b)
		}
		placeholder := models.ContextualPlaceholderSignals(buyer, now)
		for _, awb := range ctxAds.AdsWithBid {
			entries = append(entries, scoringEntry{
				adWithBid: awb,
				buyer:     buyer,
				logicURI:  ctxAds.DecisionLogicURI,
				signals:   placeholder,
			})
		}
	}
	return entries
}

// trustedScoringSignals prefers a registered override and skips the fetch
// when the config names no signals server.
func (g *ScoreGenerator) trustedScoringSignals(ctx context.Context, cfg models.AdSelectionConfig, renderURIs []string) (models.AdSelectionSignals, error) {
	if g.overrides != nil {
		o, ok, err := g.overrides.GetAdSelectionOverride(ctx, cfg.OverrideID())
		if err != nil {
			g.logger.Warn("ad selection override lookup failed", zap.Error(err))
		} else if ok && o.TrustedScoringSignals != "" {
			return o.TrustedScoringSignals, nil
		}
	}
	if cfg.TrustedScoringSignalsURI == "" {
		return models.EmptySignals, nil
	}
	return g.signals.FetchScoringSignals(ctx, cfg.TrustedScoringSignalsURI, renderURIs)
}

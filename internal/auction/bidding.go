package auction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/codec"
	"github.com/radiusdt/adselection/internal/fetch"
	"github.com/radiusdt/adselection/internal/metrics"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/storage"
)

// BuyerSignals are the signals shared by every audience of one buyer.
type BuyerSignals struct {
	AuctionSignals    models.AdSelectionSignals
	PerBuyerSignals   models.AdSelectionSignals
	ContextualSignals models.AdSelectionSignals
}

// BiddingConfig bounds bidding for one custom audience.
type BiddingConfig struct {
	TimeoutPerCA       time.Duration
	JSVersionRequested int64
	UseCache           bool
}

// BidGenerator runs buyer generateBid logic for custom audiences.
type BidGenerator struct {
	scripts   *ScriptEngine
	jsFetcher *fetch.JSFetcher
	signals   *fetch.TrustedSignalsFetcher
	overrides storage.OverrideStore
	cfg       BiddingConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewBidGenerator creates a generator. overrides may be nil.
func NewBidGenerator(scripts *ScriptEngine, jsFetcher *fetch.JSFetcher, signals *fetch.TrustedSignalsFetcher, overrides storage.OverrideStore, cfg BiddingConfig, logger *zap.Logger, m *metrics.Metrics) *BidGenerator {
	return &BidGenerator{
		scripts:   scripts,
		jsFetcher: jsFetcher,
		signals:   signals,
		overrides: overrides,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
}

// FetchTrustedBiddingSignals fetches the trusted bidding signals of a buyer's
// audiences once per server, requesting the union of their keys. Audiences
// with overridden signals are skipped.
func (g *BidGenerator) FetchTrustedBiddingSignals(ctx context.Context, cas []models.CustomAudience) (map[string]models.AdSelectionSignals, error) {
	keysByURI := make(map[string]map[string]struct{})
	for _, ca := range cas {
		if ca.TrustedBiddingData == nil || ca.TrustedBiddingData.URI == "" {
			continue
		}
		if _, ok := g.overriddenSignals(ctx, ca); ok {
			continue
		}
		keys, ok := keysByURI[ca.TrustedBiddingData.URI]
		if !ok {
			keys = make(map[string]struct{})
			keysByURI[ca.TrustedBiddingData.URI] = keys
		}
		for _, k := range ca.TrustedBiddingData.Keys {
			keys[k] = struct{}{}
		}
	}

	out := make(map[string]models.AdSelectionSignals, len(keysByURI))
	for uri, keySet := range keysByURI {
		keys := make([]string, 0, len(keySet))
		for k := range keySet {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s, err := g.signals.FetchBiddingSignals(ctx, uri, keys)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMissingTrustedBiddingSignals, err)
		}
		out[uri] = s
	}
	return out, nil
}

// RunBiddingForSegment returns the best bid of ca, or nil when the audience has
// no ads or no positive bid.
func (g *BidGenerator) RunBiddingForSegment(ctx context.Context, ca models.CustomAudience, trustedSignalsByURI map[string]models.AdSelectionSignals, signals BuyerSignals) (*models.AdBiddingOutcome, error) {
	if len(ca.Ads) == 0 {
		return nil, nil
	}

	start := time.Now()
	if g.cfg.TimeoutPerCA > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.TimeoutPerCA)
		defer cancel()
	}

	outcome, err := g.runBidding(ctx, ca, trustedSignalsByURI, signals)
	err = classifyTimeout(ctx, err, ErrBiddingTimedOut)

	if g.metrics != nil {
		status := "success"
		switch {
		case errors.Is(err, ErrBiddingTimedOut):
			status = "timeout"
		case err != nil:
			status = "failure"
		case outcome == nil:
			status = "no_bid"
		default:
			g.metrics.RecordBidValue(ca.Buyer.String(), outcome.AdWithBid.Bid)
		}
		g.metrics.RecordBidding(ca.Buyer.String(), status, time.Since(start))
	}
	if err != nil {
		g.logger.Warn("bidding failed",
			zap.String("buyer", ca.Buyer.String()),
			zap.String("name", ca.Name),
			zap.Error(err),
		)
		return nil, err
	}
	return outcome, nil
}

func (g *BidGenerator) runBidding(ctx context.Context, ca models.CustomAudience, trustedSignalsByURI map[string]models.AdSelectionSignals, signals BuyerSignals) (*models.AdBiddingOutcome, error) {
	logic, err := g.jsFetcher.FetchBuyerDecisionLogic(ctx, fetch.BuyerLogicRequest{
		URI:              ca.BiddingLogicURI,
		Owner:            ca.Owner,
		Buyer:            ca.Buyer,
		Name:             ca.Name,
		RequestedVersion: g.cfg.JSVersionRequested,
		UseCache:         g.cfg.UseCache,
	})
	if err != nil {
		return nil, err
	}

	version := logic.Version(fetch.PayloadTypeBuyerBiddingLogic)
	if version > g.cfg.JSVersionRequested {
		return nil, fmt.Errorf("%w: Requested js version is %d while the returned version is %d",
			ErrVersionMismatch, g.cfg.JSVersionRequested, version)
	}

	trusted, ok := g.overriddenSignals(ctx, ca)
	if !ok {
		trusted, err = trustedSignalsFor(ca, trustedSignalsByURI)
		if err != nil {
			return nil, err
		}
	}

	var bids []models.AdWithBid
	if g.scripts.BiddingShape(version) == ShapeV3 {
		bids, err = g.scripts.GenerateBidsV3(ctx, logic.JS, ca,
			signals.AuctionSignals, signals.PerBuyerSignals, trusted, signals.ContextualSignals)
	} else {
		ads := make([]models.AdCandidate, len(ca.Ads))
		for i, ad := range ca.Ads {
			ads[i] = ad.WithoutFilters()
		}
		bids, err = g.scripts.GenerateBids(ctx, logic.JS, ads,
			signals.AuctionSignals, signals.PerBuyerSignals, trusted, signals.ContextualSignals,
			models.SignalsFromCustomAudience(ca))
	}
	if errors.Is(err, codec.ErrInvalidFormat) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBidScript, err)
	}
	if err != nil {
		return nil, err
	}

	best := BestAdWithBid(bids)
	if best == nil {
		return nil, nil
	}
	best.Ad = withStoredCounterKeys(best.Ad, ca.Ads)

	return &models.AdBiddingOutcome{
		AdWithBid: *best,
		BiddingInfo: models.CustomAudienceBiddingInfo{
			BiddingLogicURI:              ca.BiddingLogicURI,
			BuyerDecisionLogicJS:         logic.JS,
			Signals:                      models.SignalsFromCustomAudience(ca),
			BuyerDecisionLogicDownloaded: logic.Downloaded,
		},
	}, nil
}

// BestAdWithBid returns the first entry with the highest bid, or nil when no
// bid is positive.
func BestAdWithBid(bids []models.AdWithBid) *models.AdWithBid {
	var best *models.AdWithBid
	for i := range bids {
		b := bids[i].Bid
		if math.IsNaN(b) || b <= 0 {
			continue
		}
		if best == nil || b > best.Bid {
			best = &bids[i]
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (g *BidGenerator) overriddenSignals(ctx context.Context, ca models.CustomAudience) (models.AdSelectionSignals, bool) {
	if g.overrides == nil {
		return "", false
	}
	o, ok, err := g.overrides.GetCustomAudienceOverride(ctx, ca.Owner, ca.Buyer, ca.Name)
	if err != nil || !ok || o.TrustedBiddingSignals == "" {
		return "", false
	}
	return o.TrustedBiddingSignals, true
}

func trustedSignalsFor(ca models.CustomAudience, byURI map[string]models.AdSelectionSignals) (models.AdSelectionSignals, error) {
	if ca.TrustedBiddingData == nil || ca.TrustedBiddingData.URI == "" {
		return models.EmptySignals, nil
	}
	all, ok := byURI[ca.TrustedBiddingData.URI]
	if !ok {
		return "", fmt.Errorf("%w: no signals for %s", ErrMissingTrustedBiddingSignals, ca.TrustedBiddingData.URI)
	}
	subset, err := codec.TrustedBiddingSignalsForKeys(all, ca.TrustedBiddingData.Keys)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMissingTrustedBiddingSignals, err)
	}
	return subset, nil
}

// withStoredCounterKeys replaces counter keys echoed by the script with the
// keys stored on the matching ad. Scripts cannot add keys of their own.
func withStoredCounterKeys(ad models.AdCandidate, stored []models.AdCandidate) models.AdCandidate {
	for _, s := range stored {
		if s.RenderURI == ad.RenderURI {
			ad.AdCounterKeys = append([]string(nil), s.AdCounterKeys...)
			return ad
		}
	}
	ad.AdCounterKeys = []string{}
	return ad
}

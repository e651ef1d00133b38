package fetch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/prebuilt"
	"github.com/radiusdt/adselection/internal/storage"
)

var (
	ErrMissingBiddingLogic          = errors.New("error fetching bidding js logic")
	ErrMissingScoringLogic          = errors.New("error fetching scoring decision logic")
	ErrMissingOutcomeSelectionLogic = errors.New("error fetching outcome selection logic")
)

// BuyerLogicRequest identifies the buyer script of one custom audience.
type BuyerLogicRequest struct {
	URI              string
	Owner            string
	Buyer            models.AdTechIdentifier
	Name             string
	RequestedVersion int64
	UseCache         bool
}

// JSFetcher resolves decision logic from dev overrides, prebuilt templates or
// the network, in that order.
type JSFetcher struct {
	client    *Client
	overrides storage.OverrideStore
	prebuilt  *prebuilt.Generator
	logger    *zap.Logger
}

// NewJSFetcher creates a fetcher. overrides may be nil.
func NewJSFetcher(client *Client, overrides storage.OverrideStore, generator *prebuilt.Generator, logger *zap.Logger) *JSFetcher {
	return &JSFetcher{
		client:    client,
		overrides: overrides,
		prebuilt:  generator,
		logger:    logger,
	}
}

// FetchBuyerDecisionLogic returns the generateBid script of a custom audience.
// Requested versions of 3 and above are sent in the version header.
func (f *JSFetcher) FetchBuyerDecisionLogic(ctx context.Context, req BuyerLogicRequest) (DecisionLogic, error) {
	if f.overrides != nil {
		o, ok, err := f.overrides.GetCustomAudienceOverride(ctx, req.Owner, req.Buyer, req.Name)
		if err != nil {
			f.logger.Warn("custom audience override lookup failed", zap.Error(err))
		} else if ok && o.BiddingLogicJS != "" {
			f.logger.Debug("using bidding logic override", zap.String("buyer", req.Buyer.String()), zap.String("name", req.Name))
			return DecisionLogic{JS: o.BiddingLogicJS}, nil
		}
	}

	if prebuilt.IsPrebuiltURI(req.URI) {
		js, err := f.prebuilt.Generate(req.URI)
		if err != nil {
			return DecisionLogic{}, fmt.Errorf("%w: %w", ErrMissingBiddingLogic, err)
		}
		return DecisionLogic{JS: js}, nil
	}

	header := VersionHeaderName(PayloadTypeBuyerBiddingLogic)
	httpReq := Request{
		URI:                req.URI,
		ResponseHeaderKeys: []string{header},
		UseCache:           req.UseCache,
		Kind:               KindBiddingLogic,
	}
	if req.RequestedVersion >= 3 {
		httpReq.RequestHeaders = map[string]string{header: strconv.FormatInt(req.RequestedVersion, 10)}
	}

	p, err := f.client.FetchPayload(ctx, httpReq)
	if err != nil {
		return DecisionLogic{}, fmt.Errorf("%w: %w", ErrMissingBiddingLogic, err)
	}
	return DecisionLogic{JS: p.Body, Versions: ParseVersionHeaders(p.Headers), Downloaded: true}, nil
}

// FetchSellerDecisionLogic returns the scoreAd/reportResult script of cfg.
func (f *JSFetcher) FetchSellerDecisionLogic(ctx context.Context, cfg models.AdSelectionConfig, useCache bool) (string, error) {
	if f.overrides != nil {
		o, ok, err := f.overrides.GetAdSelectionOverride(ctx, cfg.OverrideID())
		if err != nil {
			f.logger.Warn("ad selection override lookup failed", zap.Error(err))
		} else if ok && o.DecisionLogicJS != "" {
			return o.DecisionLogicJS, nil
		}
	}
	return f.fetchLogic(ctx, cfg.DecisionLogicURI, KindScoringLogic, useCache, ErrMissingScoringLogic)
}

// FetchOutcomeSelectionLogic returns the selectOutcome script of cfg.
func (f *JSFetcher) FetchOutcomeSelectionLogic(ctx context.Context, cfg models.AdSelectionFromOutcomesConfig) (string, error) {
	if f.overrides != nil {
		o, ok, err := f.overrides.GetOutcomeSelectionOverride(ctx, cfg.OverrideID())
		if err != nil {
			f.logger.Warn("outcome selection override lookup failed", zap.Error(err))
		} else if ok && o.SelectionLogicJS != "" {
			return o.SelectionLogicJS, nil
		}
	}
	return f.fetchLogic(ctx, cfg.SelectionLogicURI, KindSelectionLogic, false, ErrMissingOutcomeSelectionLogic)
}

func (f *JSFetcher) fetchLogic(ctx context.Context, uri, kind string, useCache bool, missing error) (string, error) {
	if prebuilt.IsPrebuiltURI(uri) {
		js, err := f.prebuilt.Generate(uri)
		if err != nil {
			return "", fmt.Errorf("%w: %w", missing, err)
		}
		return js, nil
	}
	p, err := f.client.FetchPayload(ctx, Request{URI: uri, UseCache: useCache, Kind: kind})
	if err != nil {
		return "", fmt.Errorf("%w: %w", missing, err)
	}
	return p.Body, nil
}

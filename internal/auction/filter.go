package auction

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/metrics"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/storage"
)

// Filterer removes ads that must not take part in an auction.
type Filterer interface {
	FilterCustomAudiences(ctx context.Context, cas []models.CustomAudience) ([]models.CustomAudience, error)
	FilterContextualAds(ctx context.Context, ads models.ContextualAds) (models.ContextualAds, error)
}

// AdFilterer applies frequency cap and app install filters.
type AdFilterer struct {
	fcap       storage.FrequencyCapStore
	appInstall storage.AppInstallStore
	now        func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewAdFilterer creates a filterer. now defaults to time.Now.
func NewAdFilterer(fcap storage.FrequencyCapStore, appInstall storage.AppInstallStore, now func() time.Time, logger *zap.Logger, m *metrics.Metrics) *AdFilterer {
	if now == nil {
		now = time.Now
	}
	return &AdFilterer{
		fcap:       fcap,
		appInstall: appInstall,
		now:        now,
		logger:     logger,
		metrics:    m,
	}
}

// FilterCustomAudiences drops filtered ads and every audience left without ads.
func (f *AdFilterer) FilterCustomAudiences(ctx context.Context, cas []models.CustomAudience) ([]models.CustomAudience, error) {
	now := f.now()
	out := make([]models.CustomAudience, 0, len(cas))
	for _, ca := range cas {
		kept := make([]models.AdCandidate, 0, len(ca.Ads))
		for _, ad := range ca.Ads {
			ok, err := f.passes(ctx, ad, ca.Buyer, &ca, now)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, ad)
			}
		}
		if len(kept) == 0 {
			f.logger.Debug("custom audience has no ads left after filtering",
				zap.String("buyer", ca.Buyer.String()),
				zap.String("name", ca.Name),
			)
			continue
		}
		filtered := ca.Clone()
		filtered.Ads = kept
		out = append(out, filtered)
	}
	return out, nil
}

// FilterContextualAds filters contextual ads. Win caps never apply to them.
func (f *AdFilterer) FilterContextualAds(ctx context.Context, ads models.ContextualAds) (models.ContextualAds, error) {
	now := f.now()
	kept := make([]models.AdWithBid, 0, len(ads.AdsWithBid))
	for _, awb := range ads.AdsWithBid {
		ok, err := f.passes(ctx, awb.Ad, ads.Buyer, nil, now)
		if err != nil {
			return models.ContextualAds{}, err
		}
		if ok {
			kept = append(kept, awb)
		}
	}
	ads.AdsWithBid = kept
	return ads, nil
}

// passes evaluates the filters of one ad. ca is nil for contextual ads.
func (f *AdFilterer) passes(ctx context.Context, ad models.AdCandidate, buyer models.AdTechIdentifier, ca *models.CustomAudience, now time.Time) (bool, error) {
	if !ad.HasFilters() {
		return true, nil
	}
	if ad.AdFilters.AppInstall != nil {
		for _, pkg := range ad.AdFilters.AppInstall.PackageNames {
			canFilter, err := f.appInstall.CanBuyerFilterPackage(ctx, buyer, pkg)
			if err != nil {
				return false, fmt.Errorf("app install filter: %w", err)
			}
			if canFilter {
				f.recordFiltered("app_install", ad, buyer)
				return false, nil
			}
		}
	}
	if ad.AdFilters.FrequencyCap != nil {
		for _, eventType := range models.AllAdEventTypes {
			if eventType == models.AdEventWin && ca == nil {
				continue
			}
			for _, fc := range ad.AdFilters.FrequencyCap.CapsFor(eventType) {
				count, err := f.countEvents(ctx, fc, eventType, buyer, ca, now)
				if err != nil {
					return false, fmt.Errorf("frequency cap filter: %w", err)
				}
				if count >= fc.MaxCount {
					f.recordFiltered("frequency_cap", ad, buyer)
					return false, nil
				}
			}
		}
	}
	return true, nil
}

func (f *AdFilterer) countEvents(ctx context.Context, fc models.KeyedFrequencyCap, eventType models.AdEventType, buyer models.AdTechIdentifier, ca *models.CustomAudience, now time.Time) (int, error) {
	since := now.Add(-fc.Interval())
	if eventType == models.AdEventWin {
		return f.fcap.NumEventsForCustomAudienceAfterTime(ctx, fc.AdCounterKey, buyer, ca.Owner, ca.Name, eventType, since)
	}
	return f.fcap.NumEventsForBuyerAfterTime(ctx, fc.AdCounterKey, buyer, eventType, since)
}

func (f *AdFilterer) recordFiltered(reason string, ad models.AdCandidate, buyer models.AdTechIdentifier) {
	if f.metrics != nil {
		f.metrics.RecordFilteredAd(reason)
	}
	f.logger.Debug("ad filtered",
		zap.String("reason", reason),
		zap.String("buyer", buyer.String()),
		zap.String("render_uri", ad.RenderURI),
	)
}

// NoOpAdFilterer passes everything through.
type NoOpAdFilterer struct{}

func (NoOpAdFilterer) FilterCustomAudiences(_ context.Context, cas []models.CustomAudience) ([]models.CustomAudience, error) {
	return cas, nil
}

func (NoOpAdFilterer) FilterContextualAds(_ context.Context, ads models.ContextualAds) (models.ContextualAds, error) {
	return ads, nil
}

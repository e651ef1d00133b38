package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/metrics"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/servicefilter"
	"github.com/radiusdt/adselection/internal/storage"
)

// HistogramUpdater records non-win ad events against the counter keys of a
// persisted auction winner.
type HistogramUpdater struct {
	adSelections  storage.AdSelectionStore
	frequencyCaps storage.FrequencyCapStore
	filter        *servicefilter.Filter
	absoluteMax   int
	lowerMax      int
	now           func() time.Time
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

func NewHistogramUpdater(adSelections storage.AdSelectionStore, frequencyCaps storage.FrequencyCapStore, filter *servicefilter.Filter, absoluteMax, lowerMax int, logger *zap.Logger, m *metrics.Metrics) *HistogramUpdater {
	return &HistogramUpdater{
		adSelections:  adSelections,
		frequencyCaps: frequencyCaps,
		filter:        filter,
		absoluteMax:   absoluteMax,
		lowerMax:      lowerMax,
		now:           time.Now,
		logger:        logger,
		metrics:       m,
	}
}

// UpdateAdCounterHistogram adds one event per counter key of the winning ad.
// Win events are recorded by the auction itself and are rejected here.
func (u *HistogramUpdater) UpdateAdCounterHistogram(ctx context.Context, adSelectionID uint64, eventType models.AdEventType, callerPackage string) error {
	err := u.update(ctx, adSelectionID, eventType, callerPackage)
	if errors.Is(err, ErrConsentRevoked) {
		return nil
	}
	if err != nil {
		u.logger.Warn("ad counter histogram update failed",
			zap.Uint64("ad_selection_id", adSelectionID),
			zap.Stringer("event_type", eventType),
			zap.Error(err),
		)
		return NewStatusError(HistogramUpdateFailurePrefix, err)
	}
	return nil
}

func (u *HistogramUpdater) update(ctx context.Context, adSelectionID uint64, eventType models.AdEventType, callerPackage string) error {
	if eventType == models.AdEventWin {
		return fmt.Errorf("%w: win events cannot be recorded by callers", ErrInvalidArgument)
	}
	if err := u.filter.FilterRequest(ctx, "", callerPackage, servicefilter.APIUpdateAdCounterHistogram); err != nil {
		return err
	}
	result, err := u.adSelections.GetAdSelection(ctx, adSelectionID)
	if err != nil {
		return err
	}
	if result.CallerPackageName != callerPackage {
		return fmt.Errorf("%w: ad selection %d does not belong to %s", ErrInvalidArgument, adSelectionID, callerPackage)
	}

	var owner, name string
	if sig := result.CustomAudienceSignals; sig != nil && !result.IsContextual() {
		owner, name = sig.Owner, sig.Name
	}
	now := u.now()
	for _, key := range result.AdCounterKeys {
		event, err := models.NewHistogramEvent(key, result.Buyer(), owner, name, eventType, now)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		evicted, err := u.frequencyCaps.InsertHistogramEvent(ctx, event, u.absoluteMax, u.lowerMax)
		if err != nil {
			return fmt.Errorf("inserting histogram event: %w", err)
		}
		if evicted > 0 && u.metrics != nil {
			u.metrics.RecordHistogramEvictions(evicted)
		}
	}
	return nil
}

package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/fetch"
	"github.com/radiusdt/adselection/internal/metrics"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/servicefilter"
	"github.com/radiusdt/adselection/internal/storage"
	"github.com/radiusdt/adselection/internal/telemetry"
)

// OutcomeSelectorDependencies are the collaborators of OutcomeSelector.
type OutcomeSelectorDependencies struct {
	AdSelections  storage.AdSelectionStore
	JSFetcher     *fetch.JSFetcher
	Scripts       *ScriptEngine
	Validator     *ConfigValidator
	ServiceFilter *servicefilter.Filter
	Telemetry     telemetry.APICallLogger
}

// OutcomeSelector picks one of several persisted auction outcomes with seller
// provided selectOutcome logic.
type OutcomeSelector struct {
	deps    OutcomeSelectorDependencies
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewOutcomeSelector(deps OutcomeSelectorDependencies, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *OutcomeSelector {
	return &OutcomeSelector{
		deps:    deps,
		timeout: timeout,
		logger:  logger,
		metrics: m,
	}
}

// SelectFromOutcomes returns the selected outcome, or nil when the script
// selected nothing or the caller's consent is revoked.
func (s *OutcomeSelector) SelectFromOutcomes(ctx context.Context, cfg models.AdSelectionFromOutcomesConfig, callerPackage string) (*models.AdSelectionOutcome, error) {
	start := time.Now()
	logger := s.logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("caller_package", callerPackage),
		zap.String("seller", cfg.Seller.String()),
	)

	outcome, err := s.selectFromOutcomes(ctx, cfg, callerPackage)

	status := StatusFor(err).String()
	switch {
	case errors.Is(err, ErrConsentRevoked):
		status = "consent_revoked"
		outcome, err = nil, nil
	case err == nil && outcome == nil:
		status = "no_outcome"
	}
	if s.metrics != nil {
		s.metrics.RecordOutcomeSelection(status)
	}
	if s.deps.Telemetry != nil {
		s.deps.Telemetry.LogAPICallStats(telemetry.APICallStat{
			API:           servicefilter.APISelectAdsFromOutcomes,
			CallerPackage: callerPackage,
			Status:        status,
			Latency:       time.Since(start),
			Timestamp:     start,
		})
	}
	if err != nil {
		logger.Warn("outcome selection failed", zap.Error(err))
		return nil, NewStatusError(OutcomeSelectionFailurePrefix, err)
	}
	return outcome, nil
}

func (s *OutcomeSelector) selectFromOutcomes(ctx context.Context, cfg models.AdSelectionFromOutcomesConfig, callerPackage string) (*models.AdSelectionOutcome, error) {
	if err := s.deps.ServiceFilter.FilterRequest(ctx, cfg.Seller, callerPackage, servicefilter.APISelectAdsFromOutcomes); err != nil {
		return nil, err
	}
	if err := s.deps.Validator.ValidateOutcomesConfig(ctx, cfg, callerPackage, s.deps.AdSelections); err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	outcomes, err := s.deps.AdSelections.GetAdSelectionIDsWithBidAndRenderURI(ctx, cfg.AdSelectionIDs)
	if err != nil {
		return nil, fmt.Errorf("loading outcomes: %w", err)
	}
	js, err := s.deps.JSFetcher.FetchOutcomeSelectionLogic(ctx, cfg)
	if err != nil {
		return nil, classifyTimeout(ctx, err, ErrOutcomeSelectionTimedOut)
	}

	selected, err := s.deps.Scripts.SelectOutcome(ctx, js, outcomes, cfg.SelectionSignals)
	if err != nil {
		return nil, classifyTimeout(ctx, err, ErrOutcomeSelectionTimedOut)
	}
	if selected == nil {
		return nil, nil
	}
	for _, o := range outcomes {
		if o.AdSelectionID == *selected {
			return &models.AdSelectionOutcome{AdSelectionID: o.AdSelectionID, RenderURI: o.RenderURI}, nil
		}
	}
	return nil, fmt.Errorf("%w: SELECTED_OUTCOME_MUST_BE_ONE_OF_THE_INPUTS", ErrIllegalState)
}

package reporting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radiusdt/adselection/internal/adtech"
	"github.com/radiusdt/adselection/internal/auction"
	"github.com/radiusdt/adselection/internal/config"
	"github.com/radiusdt/adselection/internal/fetch"
	"github.com/radiusdt/adselection/internal/metrics"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/servicefilter"
	"github.com/radiusdt/adselection/internal/storage"
	"github.com/radiusdt/adselection/internal/telemetry"
)

// ImpressionConfig bounds impression reporting.
type ImpressionConfig struct {
	Timeout               time.Duration
	BeaconEnabled         bool
	MaxBeaconsTotal       int
	MaxBeaconsPerAdTech   int
	MaxInteractionKeySize int
	UseCache              bool
}

// NewImpressionConfig reads reporting limits from the service config.
func NewImpressionConfig(cfg *config.Config) ImpressionConfig {
	return ImpressionConfig{
		Timeout:               cfg.Reporting.ReportImpressionTimeout,
		BeaconEnabled:         cfg.Reporting.RegisterAdBeaconEnabled,
		MaxBeaconsTotal:       cfg.Reporting.MaxRegisteredAdBeaconsTotal,
		MaxBeaconsPerAdTech:   cfg.Reporting.MaxRegisteredAdBeaconsPerAdTechCount,
		MaxInteractionKeySize: cfg.Reporting.MaxInteractionKeySizeB,
		UseCache:              cfg.Fetch.CacheEnabled,
	}
}

// ImpressionDependencies are the collaborators of ImpressionReporter.
type ImpressionDependencies struct {
	AdSelections  storage.AdSelectionStore
	JSFetcher     *fetch.JSFetcher
	Client        *fetch.Client
	Scripts       *ReportingScriptEngine
	Validator     *auction.ConfigValidator
	ServiceFilter *servicefilter.Filter
	Telemetry     telemetry.APICallLogger
}

// ReportImpressionInput identifies the auction to report.
type ReportImpressionInput struct {
	AdSelectionID     uint64
	Config            models.AdSelectionConfig
	CallerPackageName string
}

// ImpressionReporter runs reportResult and reportWin for a finished auction and
// pings the reporting URIs they return.
type ImpressionReporter struct {
	deps    ImpressionDependencies
	cfg     ImpressionConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

func NewImpressionReporter(deps ImpressionDependencies, cfg ImpressionConfig, logger *zap.Logger, m *metrics.Metrics) *ImpressionReporter {
	return &ImpressionReporter{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// ReportImpression validates the request and reports in the background. Only
// request errors are returned; reporting failures are logged.
func (r *ImpressionReporter) ReportImpression(ctx context.Context, in ReportImpressionInput) error {
	start := time.Now()
	logger := r.requestLogger(in)

	err := r.checkRequest(ctx, in)
	if errors.Is(err, ErrConsentRevoked) {
		r.logStats(in.CallerPackageName, "consent_revoked", start)
		return nil
	}
	if err != nil {
		r.logStats(in.CallerPackageName, auction.StatusFor(err).String(), start)
		logger.Warn("report impression rejected", zap.Error(err))
		return auction.NewStatusError(ReportImpressionFailurePrefix, err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		bg, cancel := r.reportingContext(ctx)
		defer cancel()
		err := r.report(bg, in, logger)
		r.logStats(in.CallerPackageName, auction.StatusFor(err).String(), start)
		if err != nil {
			logger.Warn("impression reporting failed", zap.Error(err))
		}
	}()
	return nil
}

// ReportImpressionSync runs the whole reporting chain and returns its error.
func (r *ImpressionReporter) ReportImpressionSync(ctx context.Context, in ReportImpressionInput) error {
	err := r.checkRequest(ctx, in)
	if errors.Is(err, ErrConsentRevoked) {
		return nil
	}
	if err != nil {
		return auction.NewStatusError(ReportImpressionFailurePrefix, err)
	}
	bg, cancel := r.reportingContext(ctx)
	defer cancel()
	if err := r.report(bg, in, r.requestLogger(in)); err != nil {
		return auction.NewStatusError(ReportImpressionFailurePrefix, err)
	}
	return nil
}

// Wait blocks until background reporting started so far has finished.
func (r *ImpressionReporter) Wait() { r.wg.Wait() }

func (r *ImpressionReporter) requestLogger(in ReportImpressionInput) *zap.Logger {
	return r.logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.Uint64("ad_selection_id", in.AdSelectionID),
		zap.String("caller_package", in.CallerPackageName),
	)
}

func (r *ImpressionReporter) reportingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	bg := context.WithoutCancel(ctx)
	if r.cfg.Timeout > 0 {
		return context.WithTimeout(bg, r.cfg.Timeout)
	}
	return context.WithCancel(bg)
}

func (r *ImpressionReporter) checkRequest(ctx context.Context, in ReportImpressionInput) error {
	if err := r.deps.ServiceFilter.FilterRequest(ctx, in.Config.Seller, in.CallerPackageName, servicefilter.APIReportImpression); err != nil {
		return err
	}
	if err := r.deps.Validator.Validate(in.Config); err != nil {
		return err
	}
	ok, err := r.deps.AdSelections.DoesIDExistForCaller(ctx, in.AdSelectionID, in.CallerPackageName)
	if err != nil {
		return fmt.Errorf("checking ad selection id: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, ErrNoMatchingAdSelection)
	}
	return nil
}

func (r *ImpressionReporter) report(ctx context.Context, in ReportImpressionInput, logger *zap.Logger) error {
	err := r.reportUnclassified(ctx, in, logger)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrReportImpressionTimedOut, err)
	}
	return err
}

func (r *ImpressionReporter) reportUnclassified(ctx context.Context, in ReportImpressionInput, logger *zap.Logger) error {
	result, err := r.deps.AdSelections.GetAdSelection(ctx, in.AdSelectionID)
	if err != nil {
		return fmt.Errorf("loading ad selection: %w", err)
	}

	sellerJS, err := r.deps.JSFetcher.FetchSellerDecisionLogic(ctx, in.Config, r.cfg.UseCache)
	if err != nil {
		return err
	}
	seller, err := r.deps.Scripts.ReportResult(ctx, sellerJS, in.Config,
		result.WinningAdRenderURI, result.WinningAdBid, result.ContextualSignals)
	if err != nil {
		r.recordReport(models.DestinationSeller, "script_failure")
		return fmt.Errorf("reportResult: %w", err)
	}
	r.commitInteractions(ctx, in.AdSelectionID, seller.Interactions, in.Config.Seller, models.DestinationSeller, logger)

	var buyerURI string
	buyer := result.Buyer()
	if !result.IsContextual() {
		buyerResult, err := r.reportWin(ctx, in.Config, result, seller.SignalsForBuyer)
		if err != nil {
			r.recordReport(models.DestinationBuyer, "script_failure")
			return fmt.Errorf("reportWin: %w", err)
		}
		r.commitInteractions(ctx, in.AdSelectionID, buyerResult.Interactions, buyer, models.DestinationBuyer, logger)
		buyerURI = buyerResult.ReportingURI
	}

	// A failed ping must not cancel the other one.
	var eg errgroup.Group
	var errs [2]error
	if r.validReportingURI(seller.ReportingURI, "seller", in.Config.Seller, false, logger) {
		eg.Go(func() error {
			errs[0] = r.ping(ctx, seller.ReportingURI, models.DestinationSeller)
			return nil
		})
	}
	if buyerURI != "" && r.validReportingURI(buyerURI, "buyer", buyer, true, logger) {
		eg.Go(func() error {
			errs[1] = r.ping(ctx, buyerURI, models.DestinationBuyer)
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs[0], errs[1])
}

// reportWin prefers the buyer script cached during bidding.
func (r *ImpressionReporter) reportWin(ctx context.Context, cfg models.AdSelectionConfig, result *models.AdSelectionResult, signalsForBuyer models.AdSelectionSignals) (BuyerReportingResult, error) {
	sig := *result.CustomAudienceSignals
	js := result.BuyerDecisionLogicJS
	if js == "" {
		logic, err := r.deps.JSFetcher.FetchBuyerDecisionLogic(ctx, fetch.BuyerLogicRequest{
			URI:      result.BiddingLogicURI,
			Owner:    sig.Owner,
			Buyer:    sig.Buyer,
			Name:     sig.Name,
			UseCache: r.cfg.UseCache,
		})
		if err != nil {
			return BuyerReportingResult{}, err
		}
		js = logic.JS
	}
	return r.deps.Scripts.ReportWin(ctx, js, cfg.AdSelectionSignals, cfg.PerBuyerSignalsFor(sig.Buyer),
		signalsForBuyer, result.ContextualSignals, sig)
}

// commitInteractions keeps registrations owned by adTech with keys within the
// size limit and stores as many as the table allows.
func (r *ImpressionReporter) commitInteractions(ctx context.Context, id uint64, regs []models.InteractionURIRegistration, adTech models.AdTechIdentifier, dest models.ReportingDestination, logger *zap.Logger) {
	if !r.cfg.BeaconEnabled || len(regs) == 0 {
		return
	}
	validator := adtech.URIValidator{Role: dest.String(), AdTech: adTech}
	valid := make([]models.RegisteredAdInteraction, 0, len(regs))
	for _, reg := range regs {
		if r.cfg.MaxInteractionKeySize > 0 && len(reg.InteractionKey) > r.cfg.MaxInteractionKeySize {
			logger.Debug("interaction key too long, skipping", zap.Int("bytes", len(reg.InteractionKey)))
			continue
		}
		if err := validator.Validate(reg.InteractionReportingURI); err != nil {
			logger.Debug("invalid interaction reporting uri, skipping", zap.Error(err))
			continue
		}
		valid = append(valid, models.RegisteredAdInteraction{
			AdSelectionID:           id,
			InteractionKey:          reg.InteractionKey,
			InteractionReportingURI: reg.InteractionReportingURI,
			Destination:             dest,
		})
	}
	if len(valid) == 0 {
		return
	}
	n, err := r.deps.AdSelections.SafelyInsertRegisteredAdInteractions(ctx, id, valid,
		r.cfg.MaxBeaconsTotal, r.cfg.MaxBeaconsPerAdTech, dest)
	if err != nil {
		logger.Warn("failed to persist registered interactions", zap.Stringer("destination", dest), zap.Error(err))
		return
	}
	logger.Debug("registered interactions",
		zap.Stringer("destination", dest),
		zap.Int("registered", n),
		zap.Int("dropped", len(valid)-n),
	)
}

func (r *ImpressionReporter) validReportingURI(uri, role string, owner models.AdTechIdentifier, checkEnrollment bool, logger *zap.Logger) bool {
	if err := (adtech.URIValidator{Role: role, AdTech: owner}).Validate(uri); err != nil {
		logger.Info("skipping invalid reporting uri", zap.String("role", role), zap.Error(err))
		return false
	}
	if !checkEnrollment {
		return true
	}
	host, err := adtech.HostIdentifier(uri)
	if err == nil {
		err = r.deps.ServiceFilter.Enrollment().AssertAdTechEnrolled(host)
	}
	if err != nil {
		logger.Info("skipping reporting uri of unenrolled ad tech", zap.String("role", role), zap.Error(err))
		return false
	}
	return true
}

func (r *ImpressionReporter) ping(ctx context.Context, uri string, dest models.ReportingDestination) error {
	if err := r.deps.Client.GetAndReadNothing(ctx, uri); err != nil {
		r.recordReport(dest, "failure")
		return fmt.Errorf("reporting to %s: %w", dest, err)
	}
	r.recordReport(dest, "success")
	return nil
}

func (r *ImpressionReporter) recordReport(dest models.ReportingDestination, status string) {
	if r.metrics != nil {
		r.metrics.RecordReport(dest.String(), status)
	}
}

func (r *ImpressionReporter) logStats(callerPackage, status string, start time.Time) {
	if r.deps.Telemetry == nil {
		return
	}
	r.deps.Telemetry.LogAPICallStats(telemetry.APICallStat{
		API:           servicefilter.APIReportImpression,
		CallerPackage: callerPackage,
		Status:        status,
		Latency:       time.Since(start),
		Timestamp:     start,
	})
}

package auction

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/config"
	"github.com/radiusdt/adselection/internal/metrics"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/servicefilter"
	"github.com/radiusdt/adselection/internal/storage"
	"github.com/radiusdt/adselection/internal/telemetry"
)

const cacheCleanupTimeout = 30 * time.Second

// CacheCleaner evicts expired HTTP cache entries.
type CacheCleaner interface {
	CleanupCache(ctx context.Context) error
}

// RunnerConfig holds the auction limits used by Runner.
type RunnerConfig struct {
	BiddingTimeoutPerBuyer     time.Duration
	OverallTimeout             time.Duration
	CustomAudienceActiveWindow time.Duration
	ContextualAdsEnabled       bool
	MaxIDGenerationAttempts    int
	HistogramAbsoluteMax       int
	HistogramLowerMax          int
}

// NewRunnerConfig picks the runner settings out of the service config.
func NewRunnerConfig(cfg *config.Config) RunnerConfig {
	return RunnerConfig{
		BiddingTimeoutPerBuyer:     cfg.Auction.BiddingTimeoutPerBuyer,
		OverallTimeout:             cfg.Auction.OverallTimeout,
		CustomAudienceActiveWindow: cfg.Auction.CustomAudienceActiveWindow,
		ContextualAdsEnabled:       cfg.Auction.ContextualAdsEnabled,
		MaxIDGenerationAttempts:    cfg.Auction.MaxIDGenerationAttempts,
		HistogramAbsoluteMax:       cfg.Histogram.AbsoluteMaxEventCount,
		HistogramLowerMax:          cfg.Histogram.LowerMaxEventCount,
	}
}

// RunnerDependencies are the collaborators of Runner.
type RunnerDependencies struct {
	CustomAudiences storage.CustomAudienceStore
	AdSelections    storage.AdSelectionStore
	FrequencyCaps   storage.FrequencyCapStore
	Filterer        Filterer
	Bidder          *BidGenerator
	Scheduler       *PerBuyerScheduler
	Scorer          *ScoreGenerator
	Validator       *ConfigValidator
	ServiceFilter   *servicefilter.Filter
	CacheCleaner    CacheCleaner
	Telemetry       telemetry.APICallLogger
}

// RunAdSelectionInput is one auction request.
type RunAdSelectionInput struct {
	Config            models.AdSelectionConfig
	CallerPackageName string
}

// Runner runs on-device auctions end to end.
type Runner struct {
	deps    RunnerDependencies
	cfg     RunnerConfig
	now     func() time.Time
	newID   func() uint64
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewRunner(deps RunnerDependencies, cfg RunnerConfig, logger *zap.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		deps:    deps,
		cfg:     cfg,
		now:     time.Now,
		newID:   randomID,
		logger:  logger,
		metrics: m,
	}
}

// RunAdSelection runs an auction and persists the winner. A caller whose
// consent is revoked gets an unpersisted outcome with an empty render URI.
func (r *Runner) RunAdSelection(ctx context.Context, in RunAdSelectionInput) (*models.AdSelectionOutcome, error) {
	start := time.Now()
	logger := r.logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("caller_package", in.CallerPackageName),
		zap.String("seller", in.Config.Seller.String()),
	)

	outcome, err := r.runAdSelection(ctx, in, logger)

	status := StatusFor(err).String()
	if errors.Is(err, ErrConsentRevoked) {
		logger.Info("consent revoked, returning empty outcome")
		status = "consent_revoked"
		outcome, err = &models.AdSelectionOutcome{AdSelectionID: randomID()}, nil
	}
	if r.metrics != nil {
		r.metrics.RecordAuction(status, time.Since(start))
	}
	if r.deps.Telemetry != nil {
		r.deps.Telemetry.LogAPICallStats(telemetry.APICallStat{
			API:           servicefilter.APISelectAds,
			CallerPackage: in.CallerPackageName,
			Status:        status,
			Latency:       time.Since(start),
			Timestamp:     start,
		})
	}
	if err != nil {
		logger.Warn("ad selection failed", zap.Error(err))
		return nil, NewStatusError(AdSelectionFailurePrefix, err)
	}
	return outcome, nil
}

func (r *Runner) runAdSelection(ctx context.Context, in RunAdSelectionInput, logger *zap.Logger) (*models.AdSelectionOutcome, error) {
	if err := r.deps.ServiceFilter.FilterRequest(ctx, in.Config.Seller, in.CallerPackageName, servicefilter.APISelectAds); err != nil {
		return nil, err
	}
	if err := r.deps.Validator.Validate(in.Config); err != nil {
		return nil, err
	}

	if r.cfg.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.OverallTimeout)
		defer cancel()
	}
	defer r.cleanupCache()

	outcome, err := r.runAuction(ctx, in, logger)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %w", ErrAdSelectionTimedOut, err)
	}
	return outcome, err
}

func (r *Runner) runAuction(ctx context.Context, in RunAdSelectionInput, logger *zap.Logger) (*models.AdSelectionOutcome, error) {
	cfg, err := r.prepareContextualAds(ctx, in.Config)
	if err != nil {
		return nil, err
	}
	if len(cfg.CustomAudienceBuyers) == 0 && !cfg.HasContextualAds() {
		return nil, fmt.Errorf("%w: %w: The list of the custom audience buyers and contextual ads both should not be empty.",
			ErrInvalidArgument, ErrNoBuyersOrContextualAds)
	}

	cas, err := r.deps.CustomAudiences.GetActiveCustomAudiencesByBuyers(ctx, cfg.CustomAudienceBuyers, r.now(), r.cfg.CustomAudienceActiveWindow)
	if err != nil {
		return nil, fmt.Errorf("fetching custom audiences: %w", err)
	}
	cas, err = r.deps.Filterer.FilterCustomAudiences(ctx, cas)
	if err != nil {
		return nil, fmt.Errorf("filtering custom audiences: %w", err)
	}
	if len(cas) == 0 && !cfg.HasContextualAds() {
		return nil, fmt.Errorf("%w: No Custom Audience or contextual ads available", ErrNoBuyersOrContextualAds)
	}
	logger.Debug("starting bidding", zap.Int("custom_audiences", len(cas)))

	biddingOutcomes := r.runBidding(ctx, cfg, cas, logger)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(biddingOutcomes) == 0 && !cfg.HasContextualAds() {
		return nil, ErrNoWinningAdFound
	}

	scored, err := r.deps.Scorer.RunAdScoring(ctx, biddingOutcomes, cfg)
	if err != nil {
		return nil, err
	}
	winner, err := SelectWinner(scored)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := r.persist(ctx, winner, in.CallerPackageName)
	if err != nil {
		return nil, err
	}
	logger.Info("ad selection completed",
		zap.Uint64("ad_selection_id", result.AdSelectionID),
		zap.String("buyer", winner.Buyer.String()),
		zap.Float64("bid", result.WinningAdBid),
		zap.Float64("score", winner.AdWithScore.Score),
	)
	return &models.AdSelectionOutcome{AdSelectionID: result.AdSelectionID, RenderURI: result.WinningAdRenderURI}, nil
}

// prepareContextualAds strips contextual ads when disabled and filters them
// otherwise. Buyers left without ads are removed.
func (r *Runner) prepareContextualAds(ctx context.Context, cfg models.AdSelectionConfig) (models.AdSelectionConfig, error) {
	if !r.cfg.ContextualAdsEnabled || len(cfg.BuyerContextualAds) == 0 {
		return cfg.WithoutContextualAds(), nil
	}
	filtered := make(map[models.AdTechIdentifier]models.ContextualAds, len(cfg.BuyerContextualAds))
	for buyer, ads := range cfg.BuyerContextualAds {
		if ads.Buyer == "" {
			ads.Buyer = buyer
		}
		out, err := r.deps.Filterer.FilterContextualAds(ctx, ads)
		if err != nil {
			return cfg, fmt.Errorf("filtering contextual ads: %w", err)
		}
		if len(out.AdsWithBid) > 0 {
			filtered[buyer] = out
		}
	}
	cfg.BuyerContextualAds = filtered
	return cfg, nil
}

// runBidding bids for every buyer in parallel. Outcomes are ordered by buyer.
func (r *Runner) runBidding(ctx context.Context, cfg models.AdSelectionConfig, cas []models.CustomAudience, logger *zap.Logger) []*models.AdBiddingOutcome {
	byBuyer := make(map[models.AdTechIdentifier][]models.CustomAudience)
	for _, ca := range cas {
		byBuyer[ca.Buyer] = append(byBuyer[ca.Buyer], ca)
	}
	buyers := sortedBuyers(byBuyer)

	perBuyer := make([][]*models.AdBiddingOutcome, len(buyers))
	var wg sync.WaitGroup
	for i, buyer := range buyers {
		wg.Add(1)
		go func(i int, buyer models.AdTechIdentifier) {
			defer wg.Done()
			// The buyer deadline covers the trusted signals fetch too.
			buyerCtx := ctx
			if r.cfg.BiddingTimeoutPerBuyer > 0 {
				var cancel context.CancelFunc
				buyerCtx, cancel = context.WithTimeout(ctx, r.cfg.BiddingTimeoutPerBuyer)
				defer cancel()
			}
			segments := byBuyer[buyer]
			trusted, err := r.deps.Bidder.FetchTrustedBiddingSignals(buyerCtx, segments)
			if err != nil {
				logger.Warn("skipping buyer, trusted bidding signals unavailable",
					zap.String("buyer", buyer.String()),
					zap.Error(err),
				)
				return
			}
			signals := BuyerSignals{
				AuctionSignals:    cfg.AdSelectionSignals,
				PerBuyerSignals:   cfg.PerBuyerSignalsFor(buyer),
				ContextualSignals: models.EmptySignals,
			}
			perBuyer[i] = r.deps.Scheduler.RunBidding(buyerCtx, buyer, segments, 0,
				func(ctx context.Context, ca models.CustomAudience) (*models.AdBiddingOutcome, error) {
					return r.deps.Bidder.RunBiddingForSegment(ctx, ca, trusted, signals)
				})
		}(i, buyer)
	}
	wg.Wait()

	var outcomes []*models.AdBiddingOutcome
	for _, o := range perBuyer {
		outcomes = append(outcomes, o...)
	}
	return outcomes
}

// SelectWinner returns the first outcome with the strictly highest positive
// score.
func SelectWinner(outcomes []models.AdScoringOutcome) (*models.AdScoringOutcome, error) {
	var winner *models.AdScoringOutcome
	for i := range outcomes {
		score := outcomes[i].AdWithScore.Score
		if !(score > 0) {
			continue
		}
		if winner == nil || score > winner.AdWithScore.Score {
			winner = &outcomes[i]
		}
	}
	if winner == nil {
		return nil, ErrNoWinningAdFound
	}
	return winner, nil
}

func (r *Runner) persist(ctx context.Context, winner *models.AdScoringOutcome, callerPackage string) (*models.AdSelectionResult, error) {
	id, err := r.generateUniqueID(ctx)
	if err != nil {
		return nil, err
	}

	ad := winner.AdWithScore.AdWithBid.Ad
	result := models.AdSelectionResult{
		AdSelectionID:         id,
		WinningAdRenderURI:    ad.RenderURI,
		WinningAdBid:          winner.AdWithScore.AdWithBid.Bid,
		BiddingLogicURI:       winner.BiddingLogicURI,
		CustomAudienceSignals: winner.Signals,
		ContextualSignals:     models.EmptySignals,
		CreationTime:          r.now(),
		CallerPackageName:     callerPackage,
	}
	if !winner.Contextual {
		result.AdCounterKeys = append([]string(nil), ad.AdCounterKeys...)
	}

	if err := r.deps.AdSelections.PersistAdSelection(ctx, result); err != nil {
		return nil, fmt.Errorf("persisting ad selection: %w", err)
	}
	if winner.BiddingLogicJSDownloaded {
		err := r.deps.AdSelections.PersistBuyerDecisionLogic(ctx, models.BuyerDecisionLogic{
			BiddingLogicURI: winner.BiddingLogicURI,
			JS:              winner.BiddingLogicJS,
		})
		if err != nil {
			return nil, fmt.Errorf("persisting buyer decision logic: %w", err)
		}
	}
	r.recordWin(ctx, result)
	return &result, nil
}

// recordWin adds a win event for each counter key of a remarketing winner.
// Failures are logged; the auction result stands.
func (r *Runner) recordWin(ctx context.Context, result models.AdSelectionResult) {
	if len(result.AdCounterKeys) == 0 || result.IsContextual() {
		return
	}
	sig := result.CustomAudienceSignals
	for _, key := range result.AdCounterKeys {
		event, err := models.NewHistogramEvent(key, sig.Buyer, sig.Owner, sig.Name, models.AdEventWin, result.CreationTime)
		if err != nil {
			r.logger.Warn("invalid win event", zap.Error(err))
			continue
		}
		evicted, err := r.deps.FrequencyCaps.InsertHistogramEvent(ctx, event, r.cfg.HistogramAbsoluteMax, r.cfg.HistogramLowerMax)
		if err != nil {
			r.logger.Warn("failed to record win event", zap.String("ad_counter_key", key), zap.Error(err))
			continue
		}
		if evicted > 0 && r.metrics != nil {
			r.metrics.RecordHistogramEvictions(evicted)
		}
	}
}

// generateUniqueID draws random ids until one is unused.
func (r *Runner) generateUniqueID(ctx context.Context) (uint64, error) {
	attempts := r.cfg.MaxIDGenerationAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		id := r.newID()
		if id == 0 {
			continue
		}
		exists, err := r.deps.AdSelections.DoesIDExist(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("checking ad selection id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: no unique ad selection id after %d attempts", ErrIllegalState, attempts)
}

func (r *Runner) cleanupCache() {
	if r.deps.CacheCleaner == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cacheCleanupTimeout)
		defer cancel()
		if err := r.deps.CacheCleaner.CleanupCache(ctx); err != nil {
			r.logger.Debug("http cache cleanup failed", zap.Error(err))
		}
	}()
}

func randomID() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8]) ^ binary.BigEndian.Uint64(u[8:])
}


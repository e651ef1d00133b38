// Package service assembles the ad selection services from a config and a set
// of stores.
package service

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/auction"
	"github.com/radiusdt/adselection/internal/config"
	"github.com/radiusdt/adselection/internal/fetch"
	"github.com/radiusdt/adselection/internal/metrics"
	"github.com/radiusdt/adselection/internal/prebuilt"
	"github.com/radiusdt/adselection/internal/reporting"
	"github.com/radiusdt/adselection/internal/scriptengine"
	"github.com/radiusdt/adselection/internal/servicefilter"
	"github.com/radiusdt/adselection/internal/storage"
	"github.com/radiusdt/adselection/internal/telemetry"
)

// Stores are the persistence backends used by the services.
type Stores struct {
	CustomAudiences storage.CustomAudienceStore
	AdSelections    storage.AdSelectionStore
	FrequencyCaps   storage.FrequencyCapStore
	AppInstalls     storage.AppInstallStore
	Overrides       storage.OverrideStore
}

// NewInMemoryStores returns process local stores.
func NewInMemoryStores() Stores {
	return Stores{
		CustomAudiences: storage.NewInMemoryCustomAudienceStore(),
		AdSelections:    storage.NewInMemoryAdSelectionStore(),
		FrequencyCaps:   storage.NewInMemoryFrequencyCapStore(),
		AppInstalls:     storage.NewInMemoryAppInstallStore(),
		Overrides:       storage.NewInMemoryOverrideStore(),
	}
}

// NewStores picks Postgres and Redis backends where a connection is given and
// falls back to memory otherwise. Overrides always live in memory.
func NewStores(pool *pgxpool.Pool, rdb *redis.Client) Stores {
	stores := NewInMemoryStores()
	if pool != nil {
		stores.CustomAudiences = storage.NewPostgresCustomAudienceStore(pool)
		stores.AdSelections = storage.NewPostgresAdSelectionStore(pool)
		stores.AppInstalls = storage.NewPostgresAppInstallStore(pool)
	}
	if rdb != nil {
		stores.FrequencyCaps = storage.NewRedisFrequencyCapStore(rdb, "adselection:fcap")
	}
	return stores
}

// Options configure New.
type Options struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Telemetry telemetry.APICallLogger

	// ResponseCache backs the HTTP cache when Fetch.CacheEnabled is set. A nil
	// cache with caching enabled uses an in-memory cache.
	ResponseCache fetch.ResponseCache
	// Transport replaces the default outbound transport.
	Transport http.RoundTripper
	// AllowInsecure permits plain http ad tech URIs.
	AllowInsecure bool
}

// Services are the entry points of the four public operations plus the
// supporting services the HTTP layer needs.
type Services struct {
	Stores  Stores
	Consent *servicefilter.Consent
	Filter  *servicefilter.Filter

	Runner       *auction.Runner
	Outcomes     *auction.OutcomeSelector
	Histogram    *auction.HistogramUpdater
	Impressions  *reporting.ImpressionReporter
	Interactions *reporting.InteractionReporter
}

// New wires the auction and reporting services over stores.
func New(stores Stores, opts Options) *Services {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics

	consent := servicefilter.NewConsent(cfg.Auction.ConsentRevokedPackages)
	enrollment := servicefilter.NewEnrollment(cfg.Enrollment.EnrolledAdTechs, cfg.Enrollment.CheckDisabled)
	var throttler *servicefilter.Throttler
	if cfg.RateLimit.Enabled {
		throttler = servicefilter.NewThrottler(cfg.RateLimit.PackageRPS, cfg.RateLimit.PackageBurst)
	}
	filter := servicefilter.NewFilter(consent, throttler, enrollment, logger, m)

	var cache fetch.ResponseCache
	if cfg.Fetch.CacheEnabled {
		cache = opts.ResponseCache
		if cache == nil {
			cache = fetch.NewInMemoryResponseCache()
		}
	}
	client := fetch.NewClient(fetch.ClientConfig{
		Timeout:          cfg.Fetch.HTTPTimeout,
		MaxResponseBytes: cfg.Fetch.MaxResponseBytes,
		CacheTTL:         cfg.Fetch.CacheTTL,
		AllowInsecure:    opts.AllowInsecure,
		Transport:        opts.Transport,
	}, cache, logger, m)

	generator := prebuilt.NewGenerator(cfg.Auction.PrebuiltURIEnabled)
	jsFetcher := fetch.NewJSFetcher(client, stores.Overrides, generator, logger)
	signals := fetch.NewTrustedSignalsFetcher(client)
	validator := auction.NewConfigValidator(generator, enrollment)

	engine := scriptengine.NewGojaEngine(logger, m)
	isolate := scriptengine.IsolateSettings{
		EnforceMaxHeapSize: cfg.Auction.EnforceMaxHeapSize,
		MaxHeapSizeBytes:   cfg.Auction.MaxHeapSizeBytes,
	}
	scripts := auction.NewScriptEngine(engine, isolate, auction.DefaultScriptArgumentsPolicy(), logger)

	var filterer auction.Filterer = auction.NoOpAdFilterer{}
	if cfg.Auction.FilteringEnabled {
		filterer = auction.NewAdFilterer(stores.FrequencyCaps, stores.AppInstalls, time.Now, logger, m)
	}

	runner := auction.NewRunner(auction.RunnerDependencies{
		CustomAudiences: stores.CustomAudiences,
		AdSelections:    stores.AdSelections,
		FrequencyCaps:   stores.FrequencyCaps,
		Filterer:        filterer,
		Bidder: auction.NewBidGenerator(scripts, jsFetcher, signals, stores.Overrides, auction.BiddingConfig{
			TimeoutPerCA:       cfg.Auction.BiddingTimeoutPerCA,
			JSVersionRequested: cfg.Auction.JSVersionRequested,
			UseCache:           cfg.Fetch.CacheEnabled,
		}, logger, m),
		Scheduler: auction.NewPerBuyerScheduler(cfg.Auction.MaxConcurrentBiddingCount, logger),
		Scorer: auction.NewScoreGenerator(scripts, jsFetcher, signals, stores.Overrides, auction.ScoringConfig{
			Timeout:  cfg.Auction.ScoringTimeout,
			UseCache: cfg.Fetch.CacheEnabled,
		}, time.Now, logger, m),
		Validator:     validator,
		ServiceFilter: filter,
		CacheCleaner:  client,
		Telemetry:     opts.Telemetry,
	}, auction.NewRunnerConfig(cfg), logger, m)

	outcomes := auction.NewOutcomeSelector(auction.OutcomeSelectorDependencies{
		AdSelections:  stores.AdSelections,
		JSFetcher:     jsFetcher,
		Scripts:       scripts,
		Validator:     validator,
		ServiceFilter: filter,
		Telemetry:     opts.Telemetry,
	}, cfg.Auction.SelectionFromOutcomesTimeout, logger, m)

	histogram := auction.NewHistogramUpdater(stores.AdSelections, stores.FrequencyCaps, filter,
		cfg.Histogram.AbsoluteMaxEventCount, cfg.Histogram.LowerMaxEventCount, logger, m)

	reportingScripts := reporting.NewReportingScriptEngine(engine, isolate,
		cfg.Reporting.RegisterAdBeaconEnabled, cfg.Reporting.MaxInteractionReportingURIs, logger)
	impressions := reporting.NewImpressionReporter(reporting.ImpressionDependencies{
		AdSelections:  stores.AdSelections,
		JSFetcher:     jsFetcher,
		Client:        client,
		Scripts:       reportingScripts,
		Validator:     validator,
		ServiceFilter: filter,
		Telemetry:     opts.Telemetry,
	}, reporting.NewImpressionConfig(cfg), logger, m)
	interactions := reporting.NewInteractionReporter(stores.AdSelections, client, filter, opts.Telemetry,
		cfg.Reporting.ReportImpressionTimeout, logger, m)

	return &Services{
		Stores:       stores,
		Consent:      consent,
		Filter:       filter,
		Runner:       runner,
		Outcomes:     outcomes,
		Histogram:    histogram,
		Impressions:  impressions,
		Interactions: interactions,
	}
}

// Wait blocks until background reporting has finished.
func (s *Services) Wait() {
	s.Impressions.Wait()
	s.Interactions.Wait()
}

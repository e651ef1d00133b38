package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/auction"
	"github.com/radiusdt/adselection/internal/config"
	"github.com/radiusdt/adselection/internal/database"
	"github.com/radiusdt/adselection/internal/fetch"
	"github.com/radiusdt/adselection/internal/metrics"
	"github.com/radiusdt/adselection/internal/middleware"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/reporting"
	"github.com/radiusdt/adselection/internal/service"
	"github.com/radiusdt/adselection/internal/storage"
	"github.com/radiusdt/adselection/internal/telemetry"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	DB        *database.PostgresDB
	Redis     *database.RedisDB
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Telemetry telemetry.APICallLogger

	// Transport replaces the outbound transport used for ad tech calls.
	Transport http.RoundTripper
	// AllowInsecure permits plain http ad tech URIs.
	AllowInsecure bool
}

// Server exposes the ad selection services over HTTP.
type Server struct {
	services *service.Services
	db       *database.PostgresDB
	redis    *database.RedisDB
	logger   *zap.Logger
	config   *config.Config
	metrics  *metrics.Metrics
	handler  http.Handler
}

// NewServer builds the services over the available backends and registers
// all routes.
func NewServer(deps *Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var pool *pgxpool.Pool
	if deps.DB != nil {
		pool = deps.DB.Pool
	}
	var rdb *redis.Client
	var cache fetch.ResponseCache
	if deps.Redis != nil {
		rdb = deps.Redis.Client
		cache = fetch.NewRedisResponseCache(rdb, "adselection:http")
	}

	services := service.New(service.NewStores(pool, rdb), service.Options{
		Config:        deps.Config,
		Logger:        logger,
		Metrics:       deps.Metrics,
		Telemetry:     deps.Telemetry,
		ResponseCache: cache,
		Transport:     deps.Transport,
		AllowInsecure: deps.AllowInsecure,
	})

	s := &Server{
		services: services,
		db:       deps.DB,
		redis:    deps.Redis,
		logger:   logger,
		config:   deps.Config,
		metrics:  deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	// Auction
	mux.HandleFunc("/v1/ad-selection", s.handleAdSelection)
	mux.HandleFunc("/v1/ad-selection/from-outcomes", s.handleSelectFromOutcomes)
	mux.HandleFunc("/v1/ad-counter-histogram", s.handleHistogram)

	// Reporting
	mux.HandleFunc("/v1/report-impression", s.handleReportImpression)
	mux.HandleFunc("/v1/report-interaction", s.handleReportInteraction)

	// Data
	mux.HandleFunc("/v1/custom-audiences", s.handleCustomAudiences)
	mux.HandleFunc("/v1/app-install-advertisers", s.handleAppInstallAdvertisers)

	// Developer overrides
	mux.HandleFunc("/v1/overrides", s.handleRemoveOverrides)
	mux.HandleFunc("/v1/overrides/custom-audience", s.handleCustomAudienceOverride)
	mux.HandleFunc("/v1/overrides/ad-selection", s.handleAdSelectionOverride)
	mux.HandleFunc("/v1/overrides/from-outcomes", s.handleOutcomeSelectionOverride)

	s.handler = middleware.Chain(mux,
		middleware.NewRecoveryMiddleware(logger).Handler,
		middleware.NewLoggingMiddleware(logger).Handler,
		middleware.NewRateLimitMiddleware(deps.Config.RateLimit, logger, deps.Metrics).Handler,
	)
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// Services exposes the underlying services.
func (s *Server) Services() *service.Services { return s.services }

// Wait blocks until background reporting has finished.
func (s *Server) Wait() { s.services.Wait() }

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			status["postgres"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if s.redis != nil {
		if err := s.redis.Health(ctx); err != nil {
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if code != http.StatusOK {
		status["status"] = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// ---- Auction ----

type adSelectionRequest struct {
	CallerPackageName string                   `json:"caller_package_name"`
	Config            models.AdSelectionConfig `json:"config"`
}

func (s *Server) handleAdSelection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req adSelectionRequest
	if !s.decode(w, r, &req) {
		return
	}

	outcome, err := s.services.Runner.RunAdSelection(r.Context(), auction.RunAdSelectionInput{
		Config:            req.Config,
		CallerPackageName: req.CallerPackageName,
	})
	if err != nil {
		s.statusErrorResponse(w, err)
		return
	}
	s.jsonResponse(w, outcome)
}

type selectFromOutcomesRequest struct {
	CallerPackageName string                               `json:"caller_package_name"`
	Config            models.AdSelectionFromOutcomesConfig `json:"config"`
}

func (s *Server) handleSelectFromOutcomes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req selectFromOutcomesRequest
	if !s.decode(w, r, &req) {
		return
	}

	outcome, err := s.services.Outcomes.SelectFromOutcomes(r.Context(), req.Config, req.CallerPackageName)
	if err != nil {
		s.statusErrorResponse(w, err)
		return
	}
	if outcome == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.jsonResponse(w, outcome)
}

type histogramRequest struct {
	CallerPackageName string `json:"caller_package_name"`
	AdSelectionID     uint64 `json:"ad_selection_id"`
	EventType         string `json:"event_type"`
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req histogramRequest
	if !s.decode(w, r, &req) {
		return
	}
	eventType, err := models.ParseAdEventType(req.EventType)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.services.Histogram.UpdateAdCounterHistogram(r.Context(), req.AdSelectionID, eventType, req.CallerPackageName)
	if err != nil {
		s.statusErrorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Reporting ----

type reportImpressionRequest struct {
	CallerPackageName string                   `json:"caller_package_name"`
	AdSelectionID     uint64                   `json:"ad_selection_id"`
	Config            models.AdSelectionConfig `json:"config"`
}

func (s *Server) handleReportImpression(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req reportImpressionRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.services.Impressions.ReportImpression(r.Context(), reporting.ReportImpressionInput{
		AdSelectionID:     req.AdSelectionID,
		Config:            req.Config,
		CallerPackageName: req.CallerPackageName,
	})
	if err != nil {
		s.statusErrorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type reportInteractionRequest struct {
	CallerPackageName string   `json:"caller_package_name"`
	AdSelectionID     uint64   `json:"ad_selection_id"`
	InteractionKey    string   `json:"interaction_key"`
	InteractionData   string   `json:"interaction_data"`
	Destinations      []string `json:"destinations"`
}

func parseDestinations(names []string) (models.ReportingDestination, error) {
	var dest models.ReportingDestination
	for _, name := range names {
		switch name {
		case "seller":
			dest |= models.DestinationSeller
		case "buyer":
			dest |= models.DestinationBuyer
		default:
			return 0, errors.New("unknown destination: " + name)
		}
	}
	return dest, nil
}

func (s *Server) handleReportInteraction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req reportInteractionRequest
	if !s.decode(w, r, &req) {
		return
	}
	dest, err := parseDestinations(req.Destinations)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.services.Interactions.ReportInteraction(r.Context(), reporting.ReportInteractionInput{
		AdSelectionID:     req.AdSelectionID,
		InteractionKey:    req.InteractionKey,
		InteractionData:   req.InteractionData,
		Destinations:      dest,
		CallerPackageName: req.CallerPackageName,
	})
	if err != nil {
		s.statusErrorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ---- Data ----

func (s *Server) handleCustomAudiences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ca models.CustomAudience
	if !s.decode(w, r, &ca) {
		return
	}
	if err := ca.Validate(); err != nil {
		s.errorResponse(w, "invalid custom audience: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ca.LastAdsAndBiddingDataUpdated.IsZero() {
		ca.LastAdsAndBiddingDataUpdated = time.Now()
	}

	if err := s.services.Stores.CustomAudiences.UpsertCustomAudience(r.Context(), ca); err != nil {
		s.logger.Error("failed to save custom audience", zap.Error(err))
		s.errorResponse(w, "failed to save", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type appInstallRequest struct {
	PackageName string                    `json:"package_name"`
	Advertisers []models.AdTechIdentifier `json:"advertisers"`
}

func (s *Server) handleAppInstallAdvertisers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req appInstallRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.PackageName == "" {
		s.errorResponse(w, "package_name is required", http.StatusBadRequest)
		return
	}

	if err := s.services.Stores.AppInstalls.SetAppInstallAdvertisers(r.Context(), req.PackageName, req.Advertisers); err != nil {
		s.logger.Error("failed to save app install advertisers", zap.Error(err))
		s.errorResponse(w, "failed to save", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Overrides ----

func (s *Server) handleRemoveOverrides(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.services.Stores.Overrides.RemoveAll(r.Context()); err != nil {
		s.logger.Error("failed to remove overrides", zap.Error(err))
		s.errorResponse(w, "failed to remove", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCustomAudienceOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var o storage.CustomAudienceOverride
	if !s.decode(w, r, &o) {
		return
	}
	if o.Owner == "" || o.Buyer == "" || o.Name == "" {
		s.errorResponse(w, "owner, buyer and name are required", http.StatusBadRequest)
		return
	}

	if err := s.services.Stores.Overrides.PutCustomAudienceOverride(r.Context(), o); err != nil {
		s.logger.Error("failed to save override", zap.Error(err))
		s.errorResponse(w, "failed to save", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adSelectionOverrideRequest struct {
	Config                models.AdSelectionConfig  `json:"config"`
	DecisionLogicJS       string                    `json:"decision_logic_js"`
	TrustedScoringSignals models.AdSelectionSignals `json:"trusted_scoring_signals"`
}

func (s *Server) handleAdSelectionOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req adSelectionOverrideRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.services.Stores.Overrides.PutAdSelectionOverride(r.Context(), storage.AdSelectionOverride{
		ConfigID:              req.Config.OverrideID(),
		DecisionLogicJS:       req.DecisionLogicJS,
		TrustedScoringSignals: req.TrustedScoringSignals,
	})
	if err != nil {
		s.logger.Error("failed to save override", zap.Error(err))
		s.errorResponse(w, "failed to save", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type outcomeSelectionOverrideRequest struct {
	Config           models.AdSelectionFromOutcomesConfig `json:"config"`
	SelectionLogicJS string                               `json:"selection_logic_js"`
}

func (s *Server) handleOutcomeSelectionOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req outcomeSelectionOverrideRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.services.Stores.Overrides.PutOutcomeSelectionOverride(r.Context(), storage.OutcomeSelectionOverride{
		ConfigID:         req.Config.OverrideID(),
		SelectionLogicJS: req.SelectionLogicJS,
	})
	if err != nil {
		s.logger.Error("failed to save override", zap.Error(err))
		s.errorResponse(w, "failed to save", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Helper Methods ----

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.errorResponse(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// httpStatus maps an API status code to an HTTP status.
func httpStatus(code auction.StatusCode) int {
	switch code {
	case auction.StatusSuccess:
		return http.StatusOK
	case auction.StatusInvalidArgument:
		return http.StatusBadRequest
	case auction.StatusTimeout:
		return http.StatusGatewayTimeout
	case auction.StatusUnauthorized:
		return http.StatusForbidden
	case auction.StatusRateLimitReached:
		return http.StatusTooManyRequests
	case auction.StatusIOError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) statusErrorResponse(w http.ResponseWriter, err error) {
	code := auction.StatusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  err.Error(),
		"status": code.String(),
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

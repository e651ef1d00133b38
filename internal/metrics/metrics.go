package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for ad selection.
type Metrics struct {
	// Auction metrics
	Auctions          *prometheus.CounterVec
	AuctionLatency    *prometheus.HistogramVec
	OutcomeSelections *prometheus.CounterVec

	// Bidding metrics
	Bidding        *prometheus.CounterVec
	BiddingLatency *prometheus.HistogramVec
	BidValue       *prometheus.HistogramVec
	FilteredAds    *prometheus.CounterVec

	// Scoring metrics
	Scoring        *prometheus.CounterVec
	ScoringLatency *prometheus.HistogramVec

	// Script engine metrics
	ScriptEvaluations *prometheus.CounterVec
	ScriptLatency     *prometheus.HistogramVec

	// Reporting metrics
	Reports *prometheus.CounterVec

	// Fetch metrics
	Fetches *prometheus.CounterVec

	// Throttling metrics
	Throttled *prometheus.CounterVec

	// Storage metrics
	HistogramEvictions prometheus.Counter
	DBConnections      *prometheus.GaugeVec
}

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers metrics on reg. Tests pass a fresh registry.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Auctions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auctions_total",
				Help:      "Total number of ad selection runs by final status",
			},
			[]string{"status"},
		),
		AuctionLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auction_latency_seconds",
				Help:      "End to end ad selection latency in seconds",
				Buckets:   latencyBuckets,
			},
			[]string{"status"},
		),
		OutcomeSelections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcome_selections_total",
				Help:      "Selections from persisted outcomes by status",
			},
			[]string{"status"},
		),
		Bidding: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bidding_runs_total",
				Help:      "Per custom audience bidding runs",
			},
			[]string{"buyer", "status"},
		),
		BiddingLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bidding_latency_seconds",
				Help:      "Per custom audience bidding latency in seconds",
				Buckets:   latencyBuckets,
			},
			[]string{"status"},
		),
		BidValue: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bid_value",
				Help:      "Winning bid per custom audience",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 50},
			},
			[]string{"buyer"},
		),
		FilteredAds: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filtered_ads_total",
				Help:      "Ads removed before bidding",
			},
			[]string{"reason"},
		),
		Scoring: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scoring_runs_total",
				Help:      "Scoring runs by status",
			},
			[]string{"status"},
		),
		ScoringLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scoring_latency_seconds",
				Help:      "Scoring latency in seconds",
				Buckets:   latencyBuckets,
			},
			[]string{"status"},
		),
		ScriptEvaluations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_evaluations_total",
				Help:      "JavaScript evaluations by entry point and status",
			},
			[]string{"entry", "status"},
		),
		ScriptLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "script_latency_seconds",
				Help:      "JavaScript evaluation latency in seconds",
				Buckets:   latencyBuckets,
			},
			[]string{"entry"},
		),
		Reports: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_total",
				Help:      "Reporting calls by destination and status",
			},
			[]string{"destination", "status"},
		),
		Fetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetches_total",
				Help:      "Remote fetches by payload kind and cache result",
			},
			[]string{"kind", "cache"},
		),
		Throttled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttled_requests_total",
				Help:      "Requests rejected by the per caller throttler",
			},
			[]string{"api"},
		),
		HistogramEvictions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "histogram_evictions_total",
				Help:      "Histogram events evicted after reaching the absolute cap",
			},
		),
		DBConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"},
		),
	}
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAuction records a finished ad selection run.
func (m *Metrics) RecordAuction(status string, latency time.Duration) {
	m.Auctions.WithLabelValues(status).Inc()
	m.AuctionLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordOutcomeSelection records a selection from outcomes.
func (m *Metrics) RecordOutcomeSelection(status string) {
	m.OutcomeSelections.WithLabelValues(status).Inc()
}

// RecordBidding records one custom audience bidding run.
func (m *Metrics) RecordBidding(buyer, status string, latency time.Duration) {
	m.Bidding.WithLabelValues(buyer, status).Inc()
	m.BiddingLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordBidValue records the best bid of a custom audience.
func (m *Metrics) RecordBidValue(buyer string, bid float64) {
	m.BidValue.WithLabelValues(buyer).Observe(bid)
}

// RecordFilteredAd records an ad removed by a filter.
func (m *Metrics) RecordFilteredAd(reason string) {
	m.FilteredAds.WithLabelValues(reason).Inc()
}

// RecordScoring records a scoring run.
func (m *Metrics) RecordScoring(status string, latency time.Duration) {
	m.Scoring.WithLabelValues(status).Inc()
	m.ScoringLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordScriptEvaluation records a JavaScript evaluation.
func (m *Metrics) RecordScriptEvaluation(entry, status string, latency time.Duration) {
	m.ScriptEvaluations.WithLabelValues(entry, status).Inc()
	m.ScriptLatency.WithLabelValues(entry).Observe(latency.Seconds())
}

// RecordReport records a reporting call.
func (m *Metrics) RecordReport(destination, status string) {
	m.Reports.WithLabelValues(destination, status).Inc()
}

// RecordFetch records a fetch and whether it was served from cache.
func (m *Metrics) RecordFetch(kind string, cacheHit bool) {
	m.Fetches.WithLabelValues(kind, strconv.FormatBool(cacheHit)).Inc()
}

// RecordThrottled records a throttled request.
func (m *Metrics) RecordThrottled(api string) {
	m.Throttled.WithLabelValues(api).Inc()
}

// RecordHistogramEvictions records evicted histogram events.
func (m *Metrics) RecordHistogramEvictions(n int) {
	m.HistogramEvictions.Add(float64(n))
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}

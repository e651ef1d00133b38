// Package servicefilter runs the checks every API call passes before any work
// is done: user consent, per caller throttling and ad tech enrollment.
package servicefilter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/radiusdt/adselection/internal/metrics"
	"github.com/radiusdt/adselection/internal/models"
)

var (
	ErrConsentRevoked = errors.New("user consent revoked")
	ErrThrottled      = errors.New("rate limit reached")
	ErrNotEnrolled    = errors.New("ad tech is not enrolled")
)

// API names used for throttling, metrics and telemetry.
const (
	APISelectAds                = "select_ads"
	APISelectAdsFromOutcomes    = "select_ads_from_outcomes"
	APIReportImpression         = "report_impression"
	APIReportInteraction        = "report_interaction"
	APIUpdateAdCounterHistogram = "update_ad_counter_histogram"
)

// =============================================
// CONSENT
// =============================================

// Consent tracks packages whose user revoked ad selection consent.
type Consent struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
}

func NewConsent(revokedPackages []string) *Consent {
	c := &Consent{revoked: make(map[string]struct{}, len(revokedPackages))}
	for _, p := range revokedPackages {
		c.revoked[p] = struct{}{}
	}
	return c
}

func (c *Consent) IsRevoked(callerPackage string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.revoked[callerPackage]
	return ok
}

func (c *Consent) SetRevoked(callerPackage string, revoked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if revoked {
		c.revoked[callerPackage] = struct{}{}
	} else {
		delete(c.revoked, callerPackage)
	}
}

// =============================================
// THROTTLER
// =============================================

// Throttler keeps one token bucket per (api, caller package).
type Throttler struct {
	rps   float64
	burst int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewThrottler creates a throttler. A non-positive rps disables throttling.
func NewThrottler(rps float64, burst int) *Throttler {
	if burst <= 0 {
		burst = 1
	}
	return &Throttler{
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the caller may make one more call to api.
func (t *Throttler) Allow(api, callerPackage string) bool {
	if t == nil || t.rps <= 0 {
		return true
	}
	return t.limiter(api + "|" + callerPackage).Allow()
}

func (t *Throttler) limiter(key string) *rate.Limiter {
	t.mu.RLock()
	limiter, exists := t.limiters[key]
	t.mu.RUnlock()

	if exists {
		return limiter
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if limiter, exists = t.limiters[key]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(t.rps), t.burst)
	t.limiters[key] = limiter
	return limiter
}

// =============================================
// ENROLLMENT
// =============================================

// Enrollment is a static allow-list of ad techs.
type Enrollment struct {
	disabled bool
	enrolled map[models.AdTechIdentifier]struct{}
}

// NewEnrollment creates the allow-list. When disabled every ad tech passes.
func NewEnrollment(enrolled []string, disabled bool) *Enrollment {
	e := &Enrollment{disabled: disabled, enrolled: make(map[models.AdTechIdentifier]struct{}, len(enrolled))}
	for _, a := range enrolled {
		e.enrolled[models.AdTechIdentifier(strings.ToLower(strings.TrimSpace(a)))] = struct{}{}
	}
	return e
}

// Disabled reports whether enrollment checks are skipped.
func (e *Enrollment) Disabled() bool {
	return e == nil || e.disabled
}

func (e *Enrollment) IsEnrolled(adTech models.AdTechIdentifier) bool {
	if e.Disabled() {
		return true
	}
	_, ok := e.enrolled[models.AdTechIdentifier(strings.ToLower(adTech.String()))]
	return ok
}

// AssertAdTechEnrolled returns ErrNotEnrolled for unknown ad techs.
func (e *Enrollment) AssertAdTechEnrolled(adTech models.AdTechIdentifier) error {
	if !e.IsEnrolled(adTech) {
		return fmt.Errorf("%w: %s", ErrNotEnrolled, adTech)
	}
	return nil
}

// =============================================
// FILTER
// =============================================

// Filter combines the checks in the order they apply.
type Filter struct {
	consent    *Consent
	throttler  *Throttler
	enrollment *Enrollment
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewFilter(consent *Consent, throttler *Throttler, enrollment *Enrollment, logger *zap.Logger, m *metrics.Metrics) *Filter {
	return &Filter{
		consent:    consent,
		throttler:  throttler,
		enrollment: enrollment,
		logger:     logger,
		metrics:    m,
	}
}

// Enrollment returns the enrollment allow-list.
func (f *Filter) Enrollment() *Enrollment {
	return f.enrollment
}

// FilterRequest returns ErrConsentRevoked, ErrThrottled or ErrNotEnrolled.
// An empty seller skips the enrollment check.
func (f *Filter) FilterRequest(_ context.Context, seller models.AdTechIdentifier, callerPackage, api string) error {
	if f.consent != nil && f.consent.IsRevoked(callerPackage) {
		f.logger.Info("consent revoked, skipping call",
			zap.String("api", api),
			zap.String("caller_package", callerPackage),
		)
		return ErrConsentRevoked
	}

	if !f.throttler.Allow(api, callerPackage) {
		if f.metrics != nil {
			f.metrics.RecordThrottled(api)
		}
		f.logger.Warn("caller throttled",
			zap.String("api", api),
			zap.String("caller_package", callerPackage),
		)
		return fmt.Errorf("%w: %s", ErrThrottled, api)
	}

	if seller != "" {
		if err := f.enrollment.AssertAdTechEnrolled(seller); err != nil {
			return err
		}
	}
	return nil
}

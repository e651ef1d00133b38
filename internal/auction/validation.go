package auction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/radiusdt/adselection/internal/adtech"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/prebuilt"
	"github.com/radiusdt/adselection/internal/servicefilter"
	"github.com/radiusdt/adselection/internal/storage"
)

// ValidationError lists every violation found in a request.
type ValidationError struct {
	Subject string
	errs    []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("Invalid object of type %s. The violations are: [%s]", e.Subject, strings.Join(msgs, ", "))
}

// Unwrap exposes the individual violations to errors.Is and errors.As.
func (e *ValidationError) Unwrap() []error { return e.errs }

// Is makes every ValidationError match ErrInvalidArgument.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidArgument }

// Violations returns the violation messages.
func (e *ValidationError) Violations() []string {
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Error()
	}
	return msgs
}

type violations struct {
	subject string
	errs    []error
}

func (v *violations) add(err error) {
	if err != nil {
		v.errs = append(v.errs, err)
	}
}

func (v *violations) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *violations) err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return &ValidationError{Subject: v.subject, errs: v.errs}
}

// ConfigValidator checks auction and outcome selection configs before any
// script runs.
type ConfigValidator struct {
	prebuilt   *prebuilt.Generator
	enrollment *servicefilter.Enrollment
}

// NewConfigValidator creates a validator. enrollment may be nil, which skips
// the contextual ad ownership checks.
func NewConfigValidator(generator *prebuilt.Generator, enrollment *servicefilter.Enrollment) *ConfigValidator {
	return &ConfigValidator{prebuilt: generator, enrollment: enrollment}
}

// Validate checks an auction config and returns a *ValidationError listing
// every violation.
func (v *ConfigValidator) Validate(cfg models.AdSelectionConfig) error {
	vs := &violations{subject: "AdSelectionConfig"}

	if cfg.Seller == "" {
		vs.addf("the seller must not be empty")
	} else {
		vs.add(adtech.ValidateIdentifier(cfg.Seller))
	}
	vs.add(v.validateLogicURI(cfg.DecisionLogicURI, "seller", cfg.Seller))

	for _, b := range cfg.CustomAudienceBuyers {
		vs.add(adtech.ValidateIdentifier(b))
	}
	vs.add(validateSignals("ad selection signals", cfg.AdSelectionSignals))
	vs.add(validateSignals("seller signals", cfg.SellerSignals))

	for _, b := range sortedBuyers(cfg.PerBuyerSignals) {
		vs.add(adtech.ValidateIdentifier(b))
		vs.add(validateSignals("per buyer signals of "+b.String(), cfg.PerBuyerSignals[b]))
	}

	if cfg.TrustedScoringSignalsURI != "" && cfg.Seller != "" {
		vs.add(adtech.URIValidator{Role: "seller", AdTech: cfg.Seller}.Validate(cfg.TrustedScoringSignalsURI))
	}

	for _, b := range sortedBuyers(cfg.BuyerContextualAds) {
		vs.add(v.validateContextualAds(b, cfg.BuyerContextualAds[b]))
	}
	return vs.err()
}

func (v *ConfigValidator) validateContextualAds(key models.AdTechIdentifier, ads models.ContextualAds) error {
	if err := adtech.ValidateIdentifier(key); err != nil {
		return err
	}
	if ads.Buyer != "" && ads.Buyer != key {
		return fmt.Errorf("contextual ads keyed by %s belong to buyer %s", key, ads.Buyer)
	}

	var errs []error
	errs = append(errs, v.validateLogicURI(ads.DecisionLogicURI, "buyer", key))
	if v.enrollment != nil && !v.enrollment.Disabled() {
		for _, awb := range ads.AdsWithBid {
			u, err := adtech.ParseHTTPS(awb.Ad.RenderURI, "contextual ad render")
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !adtech.SameOwner(u.Hostname(), key.String()) {
				errs = append(errs, fmt.Errorf("%w: contextual ad render uri %q does not belong to buyer %s",
					adtech.ErrInvalidURI, awb.Ad.RenderURI, key))
			}
		}
	}
	return errors.Join(errs...)
}

// validateLogicURI accepts prebuilt URIs the generator can render and HTTPS
// URIs owned by the ad tech.
func (v *ConfigValidator) validateLogicURI(uri, role string, owner models.AdTechIdentifier) error {
	if prebuilt.IsPrebuiltURI(uri) {
		return v.prebuilt.Validate(uri)
	}
	return adtech.URIValidator{Role: role, AdTech: owner}.Validate(uri)
}

// ValidateOutcomesConfig checks an outcome selection config. Every id must
// belong to callerPackage.
func (v *ConfigValidator) ValidateOutcomesConfig(ctx context.Context, cfg models.AdSelectionFromOutcomesConfig, callerPackage string, store storage.AdSelectionStore) error {
	vs := &violations{subject: "AdSelectionFromOutcomesConfig"}

	if cfg.Seller == "" {
		vs.addf("the seller must not be empty")
	} else {
		vs.add(adtech.ValidateIdentifier(cfg.Seller))
	}
	if len(cfg.AdSelectionIDs) == 0 {
		vs.addf("the ad selection id list must not be empty")
	} else {
		ok, err := store.DoAllIDsExistForCaller(ctx, cfg.AdSelectionIDs, callerPackage)
		switch {
		case err != nil:
			return fmt.Errorf("checking ad selection ids: %w", err)
		case !ok:
			vs.addf("ad selection ids %v must all exist and belong to %s", cfg.AdSelectionIDs, callerPackage)
		}
	}
	vs.add(validateSignals("selection signals", cfg.SelectionSignals))
	vs.add(v.validateLogicURI(cfg.SelectionLogicURI, "seller", cfg.Seller))
	return vs.err()
}

func validateSignals(what string, s models.AdSelectionSignals) error {
	if _, err := models.ParseSignals(string(s)); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func sortedBuyers[V any](m map[models.AdTechIdentifier]V) []models.AdTechIdentifier {
	buyers := make([]models.AdTechIdentifier, 0, len(m))
	for b := range m {
		buyers = append(buyers, b)
	}
	sort.Slice(buyers, func(i, j int) bool { return buyers[i] < buyers[j] })
	return buyers
}

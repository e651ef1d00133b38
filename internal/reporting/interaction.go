package reporting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radiusdt/adselection/internal/adtech"
	"github.com/radiusdt/adselection/internal/auction"
	"github.com/radiusdt/adselection/internal/fetch"
	"github.com/radiusdt/adselection/internal/metrics"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/servicefilter"
	"github.com/radiusdt/adselection/internal/storage"
	"github.com/radiusdt/adselection/internal/telemetry"
)

// ReportInteractionInput is one user interaction with a rendered ad.
type ReportInteractionInput struct {
	AdSelectionID     uint64
	InteractionKey    string
	InteractionData   string
	Destinations      models.ReportingDestination
	CallerPackageName string
}

// InteractionReporter POSTs interaction data to the URIs registered for an
// interaction key during impression reporting.
type InteractionReporter struct {
	adSelections storage.AdSelectionStore
	client       *fetch.Client
	filter       *servicefilter.Filter
	telemetry    telemetry.APICallLogger
	timeout      time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics

	wg sync.WaitGroup
}

// NewInteractionReporter creates a reporter. apiLogger may be nil.
func NewInteractionReporter(adSelections storage.AdSelectionStore, client *fetch.Client, filter *servicefilter.Filter, apiLogger telemetry.APICallLogger, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *InteractionReporter {
	return &InteractionReporter{
		adSelections: adSelections,
		client:       client,
		filter:       filter,
		telemetry:    apiLogger,
		timeout:      timeout,
		logger:       logger,
		metrics:      m,
	}
}

// ReportInteraction checks the request and reports in the background.
func (r *InteractionReporter) ReportInteraction(ctx context.Context, in ReportInteractionInput) error {
	start := time.Now()
	err := r.checkRequest(ctx, in)
	switch {
	case errors.Is(err, ErrConsentRevoked):
		r.logStats(in.CallerPackageName, "consent_revoked", start)
		return nil
	case err != nil:
		r.logStats(in.CallerPackageName, auction.StatusFor(err).String(), start)
		return auction.NewStatusError(ReportInteractionFailurePrefix, err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		bg, cancel := r.reportingContext(ctx)
		defer cancel()
		err := r.report(bg, in)
		r.logStats(in.CallerPackageName, auction.StatusFor(err).String(), start)
		if err != nil {
			r.logger.Warn("interaction reporting failed",
				zap.Uint64("ad_selection_id", in.AdSelectionID),
				zap.String("interaction_key", in.InteractionKey),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// ReportInteractionSync reports in the caller's goroutine and returns every
// delivery error.
func (r *InteractionReporter) ReportInteractionSync(ctx context.Context, in ReportInteractionInput) error {
	err := r.checkRequest(ctx, in)
	if errors.Is(err, ErrConsentRevoked) {
		return nil
	}
	if err != nil {
		return auction.NewStatusError(ReportInteractionFailurePrefix, err)
	}
	bg, cancel := r.reportingContext(ctx)
	defer cancel()
	if err := r.report(bg, in); err != nil {
		return auction.NewStatusError(ReportInteractionFailurePrefix, err)
	}
	return nil
}

// Wait blocks until background reporting started so far has finished.
func (r *InteractionReporter) Wait() { r.wg.Wait() }

func (r *InteractionReporter) reportingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	bg := context.WithoutCancel(ctx)
	if r.timeout > 0 {
		return context.WithTimeout(bg, r.timeout)
	}
	return context.WithCancel(bg)
}

func (r *InteractionReporter) checkRequest(ctx context.Context, in ReportInteractionInput) error {
	if err := r.filter.FilterRequest(ctx, "", in.CallerPackageName, servicefilter.APIReportInteraction); err != nil {
		return err
	}
	if in.InteractionKey == "" {
		return fmt.Errorf("%w: interaction key must not be empty", ErrInvalidArgument)
	}
	ok, err := r.adSelections.DoesIDExistForCaller(ctx, in.AdSelectionID, in.CallerPackageName)
	if err != nil {
		return fmt.Errorf("checking ad selection id: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, ErrNoMatchingAdSelection)
	}
	return nil
}

type interactionTarget struct {
	uri  string
	dest models.ReportingDestination
}

func (r *InteractionReporter) report(ctx context.Context, in ReportInteractionInput) error {
	targets, err := r.targets(ctx, in)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		r.logger.Debug("no registered interaction uris",
			zap.Uint64("ad_selection_id", in.AdSelectionID),
			zap.String("interaction_key", in.InteractionKey),
		)
		return nil
	}

	// Each destination is reported independently.
	var eg errgroup.Group
	errs := make([]error, len(targets))
	for i, t := range targets {
		i, t := i, t
		eg.Go(func() error {
			if err := r.client.PostPlainText(ctx, t.uri, in.InteractionData); err != nil {
				r.recordReport(t.dest, "failure")
				errs[i] = fmt.Errorf("reporting interaction to %s: %w", t.dest, err)
				return nil
			}
			r.recordReport(t.dest, "success")
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

// targets looks up the registered URI of every requested destination and
// drops those of unenrolled ad techs.
func (r *InteractionReporter) targets(ctx context.Context, in ReportInteractionInput) ([]interactionTarget, error) {
	var out []interactionTarget
	enrollment := r.filter.Enrollment()
	for _, dest := range models.AllDestinations {
		if !in.Destinations.Has(dest) {
			continue
		}
		uri, err := r.adSelections.GetRegisteredAdInteractionURI(ctx, in.AdSelectionID, in.InteractionKey, dest)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading %s interaction uri: %w", dest, err)
		}
		host, err := adtech.HostIdentifier(uri)
		if err == nil {
			err = enrollment.AssertAdTechEnrolled(host)
		}
		if err != nil {
			r.logger.Info("skipping interaction uri", zap.Stringer("destination", dest), zap.Error(err))
			continue
		}
		out = append(out, interactionTarget{uri: uri, dest: dest})
	}
	return out, nil
}

func (r *InteractionReporter) recordReport(dest models.ReportingDestination, status string) {
	if r.metrics != nil {
		r.metrics.RecordReport("interaction_"+dest.String(), status)
	}
}

func (r *InteractionReporter) logStats(callerPackage, status string, start time.Time) {
	if r.telemetry == nil {
		return
	}
	r.telemetry.LogAPICallStats(telemetry.APICallStat{
		API:           servicefilter.APIReportInteraction,
		CallerPackage: callerPackage,
		Status:        status,
		Latency:       time.Since(start),
		Timestamp:     start,
	})
}

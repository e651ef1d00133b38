// Command auctionctl runs a single ad selection locally from a YAML scenario.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/auction"
	"github.com/radiusdt/adselection/internal/config"
	"github.com/radiusdt/adselection/internal/middleware"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/reporting"
	"github.com/radiusdt/adselection/internal/service"
	"github.com/radiusdt/adselection/internal/telemetry"
)

type options struct {
	scenario      string
	logLevel      string
	dryRun        bool
	allowInsecure bool
	timeout       time.Duration
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("auctionctl", pflag.ExitOnError)
	fs.StringVarP(&opts.scenario, "scenario", "s", "", "path to the scenario YAML file")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	fs.BoolVar(&opts.dryRun, "dry-run", true, "print outbound requests instead of sending them")
	fs.BoolVar(&opts.allowInsecure, "allow-insecure", false, "allow plain http ad tech URIs")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline")
	_ = fs.Parse(os.Args[1:])

	if opts.scenario == "" {
		fmt.Fprintln(os.Stderr, "auctionctl: --scenario is required")
		fs.Usage()
		os.Exit(2)
	}

	logger, err := middleware.NewLogger(opts.logLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "auctionctl: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sc, err := LoadScenario(opts.scenario)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auctionctl: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "auctionctl: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if err := run(ctx, sc, cfg, opts, logger, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "auctionctl: %v\n", err)
		os.Exit(1)
	}
}

// run executes the scenario on in-memory stores and writes the result to out.
func run(ctx context.Context, sc *Scenario, cfg *config.Config, opts options, logger *zap.Logger, out io.Writer) error {
	// Local runs have no enrollment data and a single caller.
	cfg.Enrollment.CheckDisabled = true
	cfg.RateLimit.Enabled = false

	var transport http.RoundTripper
	if opts.dryRun {
		transport = &printingTransport{out: out}
	}

	svc := service.New(service.NewInMemoryStores(), service.Options{
		Config:        cfg,
		Logger:        logger,
		Telemetry:     telemetry.NewZapLogger(logger),
		Transport:     transport,
		AllowInsecure: opts.allowInsecure,
	})

	adCfg, err := sc.Config()
	if err != nil {
		return err
	}
	if err := seed(ctx, svc, sc, adCfg); err != nil {
		return err
	}

	outcome, err := svc.Runner.RunAdSelection(ctx, auction.RunAdSelectionInput{
		Config:            adCfg,
		CallerPackageName: sc.Caller,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return err
	}

	if !sc.Report {
		return nil
	}
	return svc.Impressions.ReportImpressionSync(ctx, reporting.ReportImpressionInput{
		AdSelectionID:     outcome.AdSelectionID,
		Config:            adCfg,
		CallerPackageName: sc.Caller,
	})
}

// seed stores the scenario audiences and script overrides.
func seed(ctx context.Context, svc *service.Services, sc *Scenario, adCfg models.AdSelectionConfig) error {
	audiences, err := sc.CustomAudiences(time.Now())
	if err != nil {
		return err
	}
	for _, ca := range audiences {
		if err := svc.Stores.CustomAudiences.UpsertCustomAudience(ctx, ca); err != nil {
			return err
		}
	}

	caOverrides, selOverride, err := sc.Overrides(adCfg)
	if err != nil {
		return err
	}
	for _, o := range caOverrides {
		if err := svc.Stores.Overrides.PutCustomAudienceOverride(ctx, o); err != nil {
			return err
		}
	}
	if selOverride != nil {
		return svc.Stores.Overrides.PutAdSelectionOverride(ctx, *selOverride)
	}
	return nil
}

// printingTransport answers every request with an empty 200 and prints it.
type printingTransport struct {
	mu  sync.Mutex
	out io.Writer
}

func (t *printingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	fmt.Fprintf(t.out, "%s %s\n", req.Method, req.URL)
	t.mu.Unlock()
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

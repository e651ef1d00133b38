package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/codec"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/scriptengine"
)

const (
	reportResultFunction = "reportResult"
	reportWinFunction    = "reportWin"
	reportResultEntry    = "__rb_report_result_entry"
	reportWinEntry       = "__rb_report_win_entry"

	adSelectionConfigArg = "ad_selection_config"
	renderURIArg         = "render_uri"
	bidArg               = "bid"
	contextualSignalsArg = "contextual_signals"
	selectionSignalsArg  = "selection_signals"
	perBuyerSignalsArg   = "per_buyer_signals"
	signalsForBuyerArg   = "signals_for_buyer"
	caReportingArg       = "custom_audience_reporting_signals"

	signalsForBuyerField     = "signals_for_buyer"
	reportingURIField        = "reporting_uri"
	interactionReportingURIs = "interaction_reporting_uris"
)

// registerAdBeaconJS collects registerAdBeacon calls made by reporting logic.
const registerAdBeaconJS = `const interaction_reporting_uris = [];

function registerAdBeacon(interaction_key, interaction_reporting_uri) {
    interaction_reporting_uris.push({interaction_key, interaction_reporting_uri});
}`

// attachBeaconsJS copies the collected beacons into the script result.
const attachBeaconsJS = `    if (results === Object(results) && results.hasOwnProperty('results') && results['results'] === Object(results['results'])) {
        results['results']['interaction_reporting_uris'] = interaction_reporting_uris;
    }`

// SellerReportingResult is what reportResult returns.
type SellerReportingResult struct {
	SignalsForBuyer models.AdSelectionSignals
	ReportingURI    string
	// Interactions is nil when beacon registration is disabled.
	Interactions []models.InteractionURIRegistration
}

// BuyerReportingResult is what reportWin returns.
type BuyerReportingResult struct {
	ReportingURI string
	Interactions []models.InteractionURIRegistration
}

// ReportingScriptEngine invokes reportResult and reportWin.
type ReportingScriptEngine struct {
	engine        scriptengine.Engine
	settings      scriptengine.IsolateSettings
	beaconEnabled bool
	maxBeacons    int
	logger        *zap.Logger
}

// NewReportingScriptEngine creates an engine. maxBeacons bounds the beacons
// read from one script result.
func NewReportingScriptEngine(engine scriptengine.Engine, settings scriptengine.IsolateSettings, beaconEnabled bool, maxBeacons int, logger *zap.Logger) *ReportingScriptEngine {
	return &ReportingScriptEngine{
		engine:        engine,
		settings:      settings,
		beaconEnabled: beaconEnabled,
		maxBeacons:    maxBeacons,
		logger:        logger,
	}
}

// ReportResult runs the seller reportResult function.
func (e *ReportingScriptEngine) ReportResult(
	ctx context.Context,
	js string,
	cfg models.AdSelectionConfig,
	renderURI string,
	bid float64,
	contextualSignals models.AdSelectionSignals,
) (SellerReportingResult, error) {
	cfgArg, err := codec.AdSelectionConfigToArgument(adSelectionConfigArg, cfg.WithoutContextualAds())
	if err != nil {
		return SellerReportingResult{}, err
	}
	ctxArg, err := codec.SignalsToArgument(contextualSignalsArg, contextualSignals)
	if err != nil {
		return SellerReportingResult{}, err
	}
	args := []scriptengine.Argument{
		cfgArg,
		scriptengine.StringArg(renderURIArg, renderURI),
		scriptengine.NumericArg(bidArg, bid),
		ctxArg,
	}

	results, err := e.run(ctx, js, reportResultFunction, reportResultEntry, args)
	if err != nil {
		return SellerReportingResult{}, err
	}

	var out SellerReportingResult
	signals, err := stringField(results, signalsForBuyerField)
	if err != nil {
		return SellerReportingResult{}, err
	}
	if out.SignalsForBuyer, err = models.ParseSignals(signals); err != nil {
		return SellerReportingResult{}, fmt.Errorf("%w: %w: %w", ErrIllegalState, ErrUnexpectedResultShape, err)
	}
	if out.ReportingURI, err = stringField(results, reportingURIField); err != nil {
		return SellerReportingResult{}, err
	}
	if out.Interactions, err = e.beacons(results); err != nil {
		return SellerReportingResult{}, err
	}
	return out, nil
}

// ReportWin runs the buyer reportWin function.
func (e *ReportingScriptEngine) ReportWin(
	ctx context.Context,
	js string,
	auctionSignals, perBuyerSignals, signalsForBuyer, contextualSignals models.AdSelectionSignals,
	caSignals models.CustomAudienceSignals,
) (BuyerReportingResult, error) {
	args := make([]scriptengine.Argument, 0, 5)
	for _, s := range []struct {
		name    string
		signals models.AdSelectionSignals
	}{
		{selectionSignalsArg, auctionSignals},
		{perBuyerSignalsArg, perBuyerSignals},
		{signalsForBuyerArg, signalsForBuyer},
		{contextualSignalsArg, contextualSignals},
	} {
		arg, err := codec.SignalsToArgument(s.name, s.signals)
		if err != nil {
			return BuyerReportingResult{}, err
		}
		args = append(args, arg)
	}
	args = append(args, codec.CustomAudienceReportingSignalsToArgument(caReportingArg, caSignals))

	results, err := e.run(ctx, js, reportWinFunction, reportWinEntry, args)
	if err != nil {
		return BuyerReportingResult{}, err
	}

	var out BuyerReportingResult
	if out.ReportingURI, err = stringField(results, reportingURIField); err != nil {
		return BuyerReportingResult{}, err
	}
	if out.Interactions, err = e.beacons(results); err != nil {
		return BuyerReportingResult{}, err
	}
	return out, nil
}

// run evaluates the reporting function and returns its results object.
func (e *ReportingScriptEngine) run(ctx context.Context, js, function, entry string, args []scriptengine.Argument) (map[string]json.RawMessage, error) {
	raw, err := e.engine.Evaluate(ctx, e.wrap(js, function, entry, args), args, entry, e.settings)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw) == "null" {
		return nil, fmt.Errorf("%w: %s returned null", ErrIllegalState, function)
	}

	var env struct {
		Status  *float64        `json:"status"`
		Results json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Status == nil {
		return nil, fmt.Errorf("%w: %w", ErrIllegalState, ErrUnexpectedResultShape)
	}
	if *env.Status != scriptengine.StatusSuccess {
		e.logger.Debug("reporting script returned failure status",
			zap.String("function", function),
			zap.Float64("status", *env.Status),
		)
		return nil, fmt.Errorf("%w: %w", ErrIllegalState, ErrReportScriptFailed)
	}
	var results map[string]json.RawMessage
	if err := json.Unmarshal(env.Results, &results); err != nil || results == nil {
		return nil, fmt.Errorf("%w: %w", ErrIllegalState, ErrUnexpectedResultShape)
	}
	return results, nil
}

func (e *ReportingScriptEngine) wrap(js, function, entry string, args []scriptengine.Argument) string {
	names := strings.Join(scriptengine.Names(args), ", ")
	var b strings.Builder
	if e.beaconEnabled {
		b.WriteString(registerAdBeaconJS)
		b.WriteByte('\n')
	}
	b.WriteString(js)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "function %s(%s) {\n    let results = %s(%s);\n", entry, names, function, names)
	if e.beaconEnabled {
		b.WriteString(attachBeaconsJS)
		b.WriteByte('\n')
	}
	b.WriteString("    return results;\n}")
	return b.String()
}

// beacons reads registered interaction URIs when registration is enabled.
func (e *ReportingScriptEngine) beacons(results map[string]json.RawMessage) ([]models.InteractionURIRegistration, error) {
	if !e.beaconEnabled {
		return nil, nil
	}
	raw := bytes.TrimSpace(results[interactionReportingURIs])
	if len(raw) == 0 || raw[0] != '[' {
		return nil, fmt.Errorf("%w: %w: missing %s", ErrIllegalState, ErrUnexpectedResultShape, interactionReportingURIs)
	}
	return codec.InteractionRegistrationsFromJSON(raw, e.maxBeacons), nil
}

func stringField(results map[string]json.RawMessage, field string) (string, error) {
	var s string
	if err := json.Unmarshal(results[field], &s); err != nil {
		return "", fmt.Errorf("%w: %w: %s must be a string", ErrIllegalState, ErrUnexpectedResultShape, field)
	}
	return s, nil
}

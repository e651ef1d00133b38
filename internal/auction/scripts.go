package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/codec"
	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/scriptengine"
)

const (
	entryPointName     = "__rb_entry_point"
	functionNamesArg   = "__rb_functionNames"
	customAudienceArg  = "__rb_custom_audience"
	adsArg             = "__rb_ads"
	adVar              = "ad"
	auctionSignalsArg  = "__rb_auction_signals"
	perBuyerSignalsArg = "__rb_per_buyer_signals"
	trustedBiddingArg  = "__rb_trusted_bidding_signals"
	contextualArg      = "__rb_contextual_signals"
	caBiddingArg       = "__rb_custom_audience_bidding_signals"
	caScoringArg       = "__rb_custom_audience_scoring_signals"
	auctionConfigArg   = "__rb_auction_config"
	sellerSignalsArg   = "__rb_seller_signals"
	trustedScoringArg  = "__rb_trusted_scoring_signals"
	userSignalsArg     = "__rb_user_signals"
	selectionSignalArg = "selection_signals"
	ignoredArgName     = "ignored"

	generateBidFunction   = "generateBid"
	scoreAdFunction       = "scoreAd"
	selectOutcomeFunction = "selectOutcome"

	// Legacy generateBid took user signals as an extra argument.
	legacyGenerateBidArity     = 7
	legacyUserSignalsArgOffset = 5
)

// ===========================================
// HARNESSES
// ===========================================

// iterativeHarnessJS calls the auction function once per ad and stops at the
// first result without a zero status.
const iterativeHarnessJS = `function %s(%s) {
  let status = 0;
  const results = [];
  for (const ` + adVar + ` of ` + adsArg + `) {
    const script_result = %s;
    if (script_result === Object(script_result) && 'status' in script_result) {
      status = script_result.status;
    } else {
      status = -1;
    }
    if (status != 0) break;
    results.push(script_result);
  }
  return {'status': status, 'results': results};
};`

// batchHarnessJS calls the auction function once with every ad.
const batchHarnessJS = `function %s(%s) {
  let status = 0;
  const results = [];
  const script_result = %s;
  if (script_result === Object(script_result) && 'status' in script_result && 'result' in script_result) {
    status = script_result.status;
    results.push(script_result.result);
  } else {
    status = -1;
  }
  return {'status': status, 'results': results};
};`

// v3HarnessJS calls the structured generateBid once per custom audience.
const v3HarnessJS = `function %s(%s) {
  let status = 0;
  let results = null;
  const script_result = %s;
  if (script_result === Object(script_result) && 'ad' in script_result && 'bid' in script_result && 'render' in script_result) {
    results = [{'ad': script_result.ad, 'bid': script_result.bid}];
  } else {
    status = -1;
  }
  return {'status': status, 'results': results};
};`

const checkFunctionsExistJS = `function %s(names) {
  for (const name of names) {
    try {
      if (typeof eval(name) != 'function') return false;
    } catch (e) {
      if (e instanceof ReferenceError) return false;
    }
  }
  return true;
}`

const functionArgumentCountJS = `function %s(names) {
  for (const name of names) {
    try {
      if (typeof eval(name) != 'function') return -1;
    } catch (e) {
      if (e instanceof ReferenceError) return -1;
    }
    if (typeof eval(name) === 'function') return eval(name).length;
  }
  return -1;
}`

// ShapeKind selects an invocation harness.
type ShapeKind int

const (
	ShapeIterative ShapeKind = iota
	ShapeBatch
	ShapeV3
)

type invocation interface {
	harness(entry, call string, argNames []string) string
}

type iterativeShape struct{}

func (iterativeShape) harness(entry, call string, argNames []string) string {
	return fmt.Sprintf(iterativeHarnessJS, entry, strings.Join(argNames, ", "), call)
}

type batchShape struct{}

func (batchShape) harness(entry, call string, argNames []string) string {
	return fmt.Sprintf(batchHarnessJS, entry, strings.Join(argNames, ", "), call)
}

type v3Shape struct{}

func (v3Shape) harness(entry, call string, argNames []string) string {
	return fmt.Sprintf(v3HarnessJS, entry, strings.Join(argNames, ", "), call)
}

func shapeFor(kind ShapeKind) invocation {
	switch kind {
	case ShapeBatch:
		return batchShape{}
	case ShapeV3:
		return v3Shape{}
	}
	return iterativeShape{}
}

// ScriptArgumentsPolicy controls how buyer scripts are called.
type ScriptArgumentsPolicy struct {
	// ArityFallback retries failed legacy generateBid scripts with user signals.
	ArityFallback bool
	// BiddingShapes maps a declared buyer logic version to its harness.
	// Versions without an entry use the iterative harness.
	BiddingShapes map[int64]ShapeKind
}

// DefaultScriptArgumentsPolicy enables the arity fallback and the v3 protocol.
func DefaultScriptArgumentsPolicy() ScriptArgumentsPolicy {
	return ScriptArgumentsPolicy{
		ArityFallback: true,
		BiddingShapes: map[int64]ShapeKind{3: ShapeV3},
	}
}

// ===========================================
// SCRIPT ENGINE
// ===========================================

// ScriptEngine wraps auction JS in the invocation harnesses and decodes the
// results.
type ScriptEngine struct {
	engine   scriptengine.Engine
	settings scriptengine.IsolateSettings
	policy   ScriptArgumentsPolicy
	logger   *zap.Logger
}

func NewScriptEngine(engine scriptengine.Engine, settings scriptengine.IsolateSettings, policy ScriptArgumentsPolicy, logger *zap.Logger) *ScriptEngine {
	return &ScriptEngine{
		engine:   engine,
		settings: settings,
		policy:   policy,
		logger:   logger,
	}
}

// BiddingShape returns the harness used for buyer logic of version.
func (e *ScriptEngine) BiddingShape(version int64) ShapeKind {
	if kind, ok := e.policy.BiddingShapes[version]; ok {
		return kind
	}
	return ShapeIterative
}

// GenerateBids calls generateBid once per ad. A script that fails its own
// contract yields an empty list, not an error.
func (e *ScriptEngine) GenerateBids(
	ctx context.Context,
	js string,
	ads []models.AdCandidate,
	auctionSignals, perBuyerSignals, trustedBiddingSignals, contextualSignals models.AdSelectionSignals,
	caSignals models.CustomAudienceSignals,
) ([]models.AdWithBid, error) {
	signals, err := biddingArguments(auctionSignals, perBuyerSignals, trustedBiddingSignals, contextualSignals, caSignals)
	if err != nil {
		return nil, err
	}
	adArgs := make([]scriptengine.Argument, 0, len(ads))
	for _, ad := range ads {
		arg, err := codec.AdToArgument(ignoredArgName, ad)
		if err != nil {
			return nil, err
		}
		adArgs = append(adArgs, arg)
	}

	raw, err := e.runPerAd(ctx, js, shapeFor(ShapeIterative), adArgs, signals, callGenerateBid)
	if err != nil {
		if !e.policy.ArityFallback || !errors.Is(err, scriptengine.ErrScriptFailure) {
			return nil, err
		}
		e.logger.Debug("generateBid failed, trying legacy arguments", zap.Error(err))
		raw, err = e.retryWithLegacyArguments(ctx, js, adArgs, signals, err)
		if err != nil {
			return nil, err
		}
	}
	return e.bidsFromResult(raw), nil
}

func (e *ScriptEngine) retryWithLegacyArguments(ctx context.Context, js string, adArgs, signals []scriptengine.Argument, original error) (string, error) {
	arity, err := e.FunctionArgumentCount(ctx, js, generateBidFunction)
	if err != nil || arity != legacyGenerateBidArity {
		return "", original
	}
	updated := make([]scriptengine.Argument, 0, len(signals)+1)
	updated = append(updated, signals[:legacyUserSignalsArgOffset]...)
	updated = append(updated, mustJSONArg(userSignalsArg, models.EmptySignals.String()))
	updated = append(updated, signals[legacyUserSignalsArgOffset:]...)

	raw, err := e.runPerAd(ctx, js, shapeFor(ShapeIterative), adArgs, updated, callGenerateBid)
	if err != nil {
		return "", original
	}
	return raw, nil
}

// GenerateBidsV3 calls the structured generateBid once with the whole custom
// audience and yields at most one bid.
func (e *ScriptEngine) GenerateBidsV3(
	ctx context.Context,
	js string,
	ca models.CustomAudience,
	auctionSignals, perBuyerSignals, trustedBiddingSignals, contextualSignals models.AdSelectionSignals,
) ([]models.AdWithBid, error) {
	caArg, err := codec.CustomAudienceToV3Argument(customAudienceArg, ca)
	if err != nil {
		return nil, err
	}
	args := []scriptengine.Argument{caArg}
	for _, s := range []struct {
		name    string
		signals models.AdSelectionSignals
	}{
		{auctionSignalsArg, auctionSignals},
		{perBuyerSignalsArg, perBuyerSignals},
		{trustedBiddingArg, trustedBiddingSignals},
		{contextualArg, contextualSignals},
	} {
		arg, err := codec.SignalsToArgument(s.name, s.signals)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}

	names := scriptengine.Names(args)
	call := generateBidFunction + "(" + strings.Join(names, ", ") + ")"
	raw, err := e.evaluate(ctx, js, shapeFor(ShapeV3).harness(entryPointName, call, names), args)
	if err != nil {
		return nil, err
	}
	return e.bidsFromResult(raw), nil
}

func (e *ScriptEngine) bidsFromResult(raw string) []models.AdWithBid {
	res, err := scriptengine.ParseAuctionResult(raw)
	if err != nil {
		e.logger.Debug("invalid generateBid result", zap.Error(err))
		return nil
	}
	if !res.OK() {
		e.logger.Debug("generateBid returned failure status", zap.Int("status", res.Status))
		return nil
	}
	bids := make([]models.AdWithBid, 0, len(res.Results))
	for _, r := range res.Results {
		awb, err := codec.AdWithBidFromJSON(r)
		if err != nil {
			e.logger.Debug("invalid ad with bid returned by generateBid", zap.Error(err))
			return nil
		}
		bids = append(bids, awb)
	}
	return bids
}

// ScoreAds calls scoreAd once per ad. caSignals lists the audience of every
// ad and is handed to each call. A failure status yields no scores.
func (e *ScriptEngine) ScoreAds(
	ctx context.Context,
	js string,
	adsWithBid []models.AdWithBid,
	cfg models.AdSelectionConfig,
	sellerSignals, trustedScoringSignals, contextualSignals models.AdSelectionSignals,
	caSignals []models.CustomAudienceSignals,
) ([]float64, error) {
	cfgArg, err := codec.AdSelectionConfigToArgument(auctionConfigArg, cfg)
	if err != nil {
		return nil, err
	}
	args := []scriptengine.Argument{cfgArg}
	for _, s := range []struct {
		name    string
		signals models.AdSelectionSignals
	}{
		{sellerSignalsArg, sellerSignals},
		{trustedScoringArg, trustedScoringSignals},
		{contextualArg, contextualSignals},
	} {
		arg, err := codec.SignalsToArgument(s.name, s.signals)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	caArgs := make([]scriptengine.Argument, 0, len(caSignals))
	for _, sig := range caSignals {
		arg, err := codec.CustomAudienceScoringSignalsToArgument(ignoredArgName, sig)
		if err != nil {
			return nil, err
		}
		caArgs = append(caArgs, arg)
	}
	args = append(args, scriptengine.ArrayArg(caScoringArg, caArgs))

	adArgs := make([]scriptengine.Argument, 0, len(adsWithBid))
	for _, awb := range adsWithBid {
		arg, err := codec.AdWithBidToArgument(ignoredArgName, awb)
		if err != nil {
			return nil, err
		}
		adArgs = append(adArgs, arg)
	}

	raw, err := e.runPerAd(ctx, js, shapeFor(ShapeIterative), adArgs, args, callScoreAd)
	if err != nil {
		return nil, err
	}
	res, err := scriptengine.ParseAuctionResult(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIllegalState, err)
	}
	if !res.OK() {
		e.logger.Debug("scoreAd returned failure status", zap.Int("status", res.Status))
		return nil, nil
	}
	scores := make([]float64, len(res.Results))
	for i, r := range res.Results {
		scores[i] = codec.ScoreFromJSON(r)
	}
	return scores, nil
}

// SelectOutcome calls selectOutcome with every prior outcome. A nil id with
// no error means the script selected nothing.
func (e *ScriptEngine) SelectOutcome(
	ctx context.Context,
	js string,
	outcomes []models.AdSelectionIDWithBidAndRenderURI,
	selectionSignals models.AdSelectionSignals,
) (*uint64, error) {
	signals, err := codec.SignalsToArgument(selectionSignalArg, selectionSignals)
	if err != nil {
		return nil, err
	}
	items := make([]scriptengine.Argument, len(outcomes))
	for i, o := range outcomes {
		items[i] = codec.AdSelectionIDWithBidToArgument(ignoredArgName, o)
	}

	raw, err := e.runPerAd(ctx, js, shapeFor(ShapeBatch), items, []scriptengine.Argument{signals}, callSelectOutcome)
	if err != nil {
		return nil, err
	}
	res, err := scriptengine.ParseAuctionResult(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIllegalState, err)
	}
	if !res.OK() || len(res.Results) != 1 {
		return nil, fmt.Errorf("%w: selectOutcome returned status %d with %d results", ErrIllegalState, res.Status, len(res.Results))
	}
	if rawIsNull(res.Results[0]) {
		return nil, nil
	}
	id, err := codec.AdSelectionIDFromJSON(res.Results[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIllegalState, err)
	}
	return &id, nil
}

// ValidateAuctionScript reports whether js defines every named function.
func (e *ScriptEngine) ValidateAuctionScript(ctx context.Context, js string, functionNames ...string) (bool, error) {
	raw, err := e.evaluate(ctx, js, fmt.Sprintf(checkFunctionsExistJS, entryPointName), []scriptengine.Argument{functionNamesArgument(functionNames)})
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(raw))
}

// FunctionArgumentCount returns the declared arity of name, or -1 when js
// does not define it.
func (e *ScriptEngine) FunctionArgumentCount(ctx context.Context, js, name string) (int, error) {
	raw, err := e.evaluate(ctx, js, fmt.Sprintf(functionArgumentCountJS, entryPointName), []scriptengine.Argument{functionNamesArgument([]string{name})})
	if err != nil {
		return -1, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return -1, fmt.Errorf("%w: argument count %q", ErrIllegalState, raw)
	}
	return n, nil
}

// runPerAd passes the ads as one array followed by otherArgs.
func (e *ScriptEngine) runPerAd(
	ctx context.Context,
	js string,
	shape invocation,
	ads, otherArgs []scriptengine.Argument,
	call func(otherArgs []scriptengine.Argument) string,
) (string, error) {
	all := make([]scriptengine.Argument, 0, len(otherArgs)+1)
	all = append(all, scriptengine.ArrayArg(adsArg, ads))
	all = append(all, otherArgs...)
	return e.evaluate(ctx, js, shape.harness(entryPointName, call(otherArgs), scriptengine.Names(all)), all)
}

func (e *ScriptEngine) evaluate(ctx context.Context, js, harness string, args []scriptengine.Argument) (string, error) {
	return e.engine.Evaluate(ctx, js+"\n"+harness, args, entryPointName, e.settings)
}

func callGenerateBid(otherArgs []scriptengine.Argument) string {
	return callWith(generateBidFunction, adVar, otherArgs)
}

func callScoreAd(otherArgs []scriptengine.Argument) string {
	return callWith(scoreAdFunction, adVar+"."+codec.AdField+", "+adVar+"."+codec.BidField, otherArgs)
}

func callSelectOutcome(otherArgs []scriptengine.Argument) string {
	return callWith(selectOutcomeFunction, adsArg, otherArgs)
}

func callWith(function, first string, otherArgs []scriptengine.Argument) string {
	var b strings.Builder
	b.WriteString(function)
	b.WriteByte('(')
	b.WriteString(first)
	for _, a := range otherArgs {
		b.WriteString(", ")
		b.WriteString(a.Name())
	}
	b.WriteByte(')')
	return b.String()
}

func biddingArguments(auction, perBuyer, trusted, contextual models.AdSelectionSignals, ca models.CustomAudienceSignals) ([]scriptengine.Argument, error) {
	args := make([]scriptengine.Argument, 0, 5)
	for _, s := range []struct {
		name    string
		signals models.AdSelectionSignals
	}{
		{auctionSignalsArg, auction},
		{perBuyerSignalsArg, perBuyer},
		{trustedBiddingArg, trusted},
		{contextualArg, contextual},
	} {
		arg, err := codec.SignalsToArgument(s.name, s.signals)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	caArg, err := codec.CustomAudienceBiddingSignalsToArgument(caBiddingArg, ca)
	if err != nil {
		return nil, err
	}
	return append(args, caArg), nil
}

func functionNamesArgument(names []string) scriptengine.Argument {
	items := make([]scriptengine.Argument, len(names))
	for i, n := range names {
		items[i] = scriptengine.StringArg(ignoredArgName, n)
	}
	return scriptengine.ArrayArg(functionNamesArg, items)
}

func mustJSONArg(name, raw string) scriptengine.Argument {
	arg, err := scriptengine.JSONArg(name, raw)
	if err != nil {
		panic(err)
	}
	return arg
}

// rawIsNull reports whether a script result element is JSON null.
func rawIsNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

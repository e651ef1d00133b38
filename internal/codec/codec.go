// Package codec converts auction records to script arguments and parses the
// records that scripts hand back.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/scriptengine"
)

// ErrInvalidFormat is returned when a script record cannot be decoded.
var ErrInvalidFormat = errors.New("invalid script data format")

const (
	RenderURIField     = "render_uri"
	MetadataField      = "metadata"
	AdCounterKeysField = "ad_counter_keys"
	AdField            = "ad"
	BidField           = "bid"
	ScoreField         = "score"
	AdSelectionIDField = "adSelectionId"

	ownerField              = "owner"
	buyerField              = "buyer"
	nameField               = "name"
	activationTimeField     = "activation_time"
	expirationTimeField     = "expiration_time"
	userBiddingSignalsField = "user_bidding_signals"

	interactionKeyField = "interaction_key"
	interactionURIField = "interaction_reporting_uri"
)

// ===========================================
// ADS
// ===========================================

// AdToArgument encodes an ad. The counter key field is omitted entirely when
// there are no keys, scripts can tell undefined from [].
func AdToArgument(name string, ad models.AdCandidate) (scriptengine.Argument, error) {
	metadata, err := scriptengine.JSONArg(MetadataField, orEmptyObject(ad.Metadata))
	if err != nil {
		return scriptengine.Argument{}, fmt.Errorf("%w: ad %s metadata: %v", ErrInvalidFormat, ad.RenderURI, err)
	}
	fields := []scriptengine.Argument{
		scriptengine.StringArg(RenderURIField, ad.RenderURI),
		metadata,
	}
	if len(ad.AdCounterKeys) > 0 {
		keys := make([]scriptengine.Argument, len(ad.AdCounterKeys))
		for i, k := range ad.AdCounterKeys {
			keys[i] = scriptengine.StringArg("", k)
		}
		fields = append(fields, scriptengine.ArrayArg(AdCounterKeysField, keys))
	}
	return scriptengine.RecordArg(name, fields...), nil
}

// AdsToArgument encodes a list of ads as one array argument.
func AdsToArgument(name string, ads []models.AdCandidate) (scriptengine.Argument, error) {
	items := make([]scriptengine.Argument, 0, len(ads))
	for _, ad := range ads {
		a, err := AdToArgument(AdField, ad)
		if err != nil {
			return scriptengine.Argument{}, err
		}
		items = append(items, a)
	}
	return scriptengine.ArrayArg(name, items), nil
}

// AdFromJSON decodes an ad produced by a script. A missing counter key field
// yields an empty set; malformed elements are skipped.
func AdFromJSON(raw json.RawMessage) (models.AdCandidate, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return models.AdCandidate{}, fmt.Errorf("%w: ad is not an object", ErrInvalidFormat)
	}
	var renderURI string
	if err := json.Unmarshal(obj[RenderURIField], &renderURI); err != nil || renderURI == "" {
		return models.AdCandidate{}, fmt.Errorf("%w: missing %s", ErrInvalidFormat, RenderURIField)
	}
	metadata, ok := obj[MetadataField]
	if !ok {
		return models.AdCandidate{}, fmt.Errorf("%w: missing %s", ErrInvalidFormat, MetadataField)
	}

	return models.AdCandidate{
		RenderURI:     renderURI,
		Metadata:      string(metadata),
		AdCounterKeys: models.NormalizeCounterKeys(counterKeysFromJSON(obj[AdCounterKeysField])),
	}, nil
}

func counterKeysFromJSON(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}
	keys := make([]string, 0, len(elems))
	for _, e := range elems {
		var k string
		if err := json.Unmarshal(e, &k); err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// AdWithBidToArgument encodes {ad, bid}.
func AdWithBidToArgument(name string, awb models.AdWithBid) (scriptengine.Argument, error) {
	ad, err := AdToArgument(AdField, awb.Ad)
	if err != nil {
		return scriptengine.Argument{}, err
	}
	return scriptengine.RecordArg(name, ad, scriptengine.NumericArg(BidField, awb.Bid)), nil
}

// AdWithBidFromJSON decodes {ad, bid}. The bid must be a number.
func AdWithBidFromJSON(raw json.RawMessage) (models.AdWithBid, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return models.AdWithBid{}, fmt.Errorf("%w: ad with bid is not an object", ErrInvalidFormat)
	}
	adRaw, ok := obj[AdField]
	if !ok {
		return models.AdWithBid{}, fmt.Errorf("%w: missing %s", ErrInvalidFormat, AdField)
	}
	ad, err := AdFromJSON(adRaw)
	if err != nil {
		return models.AdWithBid{}, err
	}
	var bid float64
	if err := json.Unmarshal(obj[BidField], &bid); err != nil {
		return models.AdWithBid{}, fmt.Errorf("%w: %s is not a number", ErrInvalidFormat, BidField)
	}
	return models.AdWithBid{Ad: ad, Bid: bid}, nil
}

// ScoreFromJSON reads the score of one scoreAd result, 0 when missing or not numeric.
func ScoreFromJSON(raw json.RawMessage) float64 {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0
	}
	var score float64
	if err := json.Unmarshal(obj[ScoreField], &score); err != nil || math.IsNaN(score) {
		return 0
	}
	return score
}

// ===========================================
// SIGNALS
// ===========================================

// SignalsToArgument passes opaque signals through as JSON.
func SignalsToArgument(name string, s models.AdSelectionSignals) (scriptengine.Argument, error) {
	arg, err := scriptengine.JSONArg(name, s.String())
	if err != nil {
		return scriptengine.Argument{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return arg, nil
}

// CustomAudienceBiddingSignalsToArgument encodes the audience signals given to
// generateBid. Instants are epoch milliseconds.
func CustomAudienceBiddingSignalsToArgument(name string, sig models.CustomAudienceSignals) (scriptengine.Argument, error) {
	user, err := SignalsToArgument(userBiddingSignalsField, sig.UserBiddingSignals)
	if err != nil {
		return scriptengine.Argument{}, err
	}
	fields := append(customAudienceIdentity(sig), user)
	return scriptengine.RecordArg(name, fields...), nil
}

// CustomAudienceScoringSignalsToArgument encodes the per-ad audience given to scoreAd.
func CustomAudienceScoringSignalsToArgument(name string, sig models.CustomAudienceSignals) (scriptengine.Argument, error) {
	return CustomAudienceBiddingSignalsToArgument(name, sig)
}

// CustomAudienceReportingSignalsToArgument encodes the audience given to reportWin.
func CustomAudienceReportingSignalsToArgument(name string, sig models.CustomAudienceSignals) scriptengine.Argument {
	return scriptengine.RecordArg(name, customAudienceIdentity(sig)...)
}

func customAudienceIdentity(sig models.CustomAudienceSignals) []scriptengine.Argument {
	return []scriptengine.Argument{
		scriptengine.StringArg(ownerField, sig.Owner),
		scriptengine.StringArg(buyerField, sig.Buyer.String()),
		scriptengine.StringArg(nameField, sig.Name),
		InstantToArgument(activationTimeField, sig.ActivationTime),
		InstantToArgument(expirationTimeField, sig.ExpirationTime),
	}
}

// InstantToArgument encodes t as epoch milliseconds, or null for the zero time.
func InstantToArgument(name string, t time.Time) scriptengine.Argument {
	if t.IsZero() {
		return scriptengine.NullArg(name)
	}
	return scriptengine.IntArg(name, t.UnixMilli())
}

// CustomAudienceToV3Argument encodes the audience record given to generateBid
// in the structured protocol.
func CustomAudienceToV3Argument(name string, ca models.CustomAudience) (scriptengine.Argument, error) {
	user, err := SignalsToArgument("userBiddingSignals", ca.UserBiddingSignals)
	if err != nil {
		return scriptengine.Argument{}, err
	}
	stripped := make([]models.AdCandidate, len(ca.Ads))
	for i, ad := range ca.Ads {
		stripped[i] = ad.WithoutFilters()
	}
	ads, err := AdsToArgument("ads", stripped)
	if err != nil {
		return scriptengine.Argument{}, err
	}
	return scriptengine.RecordArg(name,
		scriptengine.StringArg(ownerField, ca.Owner),
		scriptengine.StringArg(nameField, ca.Name),
		user,
		ads,
	), nil
}

// AdSelectionConfigToArgument encodes the seller configuration for scoring and reporting.
func AdSelectionConfigToArgument(name string, cfg models.AdSelectionConfig) (scriptengine.Argument, error) {
	auctionSignals, err := SignalsToArgument("auction_signals", cfg.AdSelectionSignals)
	if err != nil {
		return scriptengine.Argument{}, err
	}
	sellerSignals, err := SignalsToArgument("seller_signals", cfg.SellerSignals)
	if err != nil {
		return scriptengine.Argument{}, err
	}

	buyers := make([]scriptengine.Argument, len(cfg.CustomAudienceBuyers))
	for i, b := range cfg.CustomAudienceBuyers {
		buyers[i] = scriptengine.StringArg("", b.String())
	}

	perBuyerKeys := make([]string, 0, len(cfg.PerBuyerSignals))
	for b := range cfg.PerBuyerSignals {
		perBuyerKeys = append(perBuyerKeys, b.String())
	}
	sort.Strings(perBuyerKeys)
	perBuyer := make([]scriptengine.Argument, 0, len(perBuyerKeys))
	for _, b := range perBuyerKeys {
		arg, err := SignalsToArgument(b, cfg.PerBuyerSignals[models.AdTechIdentifier(b)])
		if err != nil {
			return scriptengine.Argument{}, err
		}
		perBuyer = append(perBuyer, arg)
	}

	return scriptengine.RecordArg(name,
		scriptengine.StringArg("seller", cfg.Seller.String()),
		scriptengine.StringArg("decision_logic_uri", cfg.DecisionLogicURI),
		scriptengine.ArrayArg("custom_audience_buyers", buyers),
		auctionSignals,
		sellerSignals,
		scriptengine.RecordArg("per_buyer_signals", perBuyer...),
		scriptengine.StringArg("trusted_scoring_signal_uri", cfg.TrustedScoringSignalsURI),
	), nil
}

// TrustedBiddingSignalsForKeys keeps only the requested keys of a signals object.
func TrustedBiddingSignalsForKeys(all models.AdSelectionSignals, keys []string) (models.AdSelectionSignals, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(all.String()), &obj); err != nil {
		return "", fmt.Errorf("%w: trusted signals are not an object: %v", ErrInvalidFormat, err)
	}
	subset := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			subset[k] = v
		}
	}
	out, err := json.Marshal(subset)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return models.AdSelectionSignals(out), nil
}

// ===========================================
// OUTCOMES
// ===========================================

// AdSelectionIDWithBidToArgument encodes a prior outcome. Ids are strings so
// they survive JavaScript number precision.
func AdSelectionIDWithBidToArgument(name string, o models.AdSelectionIDWithBidAndRenderURI) scriptengine.Argument {
	return scriptengine.RecordArg(name,
		scriptengine.StringArg(AdSelectionIDField, strconv.FormatUint(o.AdSelectionID, 10)),
		scriptengine.NumericArg(BidField, o.Bid),
	)
}

// AdSelectionIDFromJSON reads the adSelectionId of a selectOutcome result.
func AdSelectionIDFromJSON(raw json.RawMessage) (uint64, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return 0, fmt.Errorf("%w: outcome is not an object", ErrInvalidFormat)
	}
	idRaw, ok := obj[AdSelectionIDField]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidFormat, AdSelectionIDField)
	}
	var s string
	if err := json.Unmarshal(idRaw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(idRaw, &n); err != nil {
			return 0, fmt.Errorf("%w: %s must be a string", ErrInvalidFormat, AdSelectionIDField)
		}
		s = n.String()
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrInvalidFormat, AdSelectionIDField, s, err)
	}
	return id, nil
}

// InteractionRegistrationsFromJSON reads up to max registerAdBeacon pairs,
// skipping malformed entries.
func InteractionRegistrationsFromJSON(raw json.RawMessage, max int) []models.InteractionURIRegistration {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}
	if max >= 0 && len(elems) > max {
		elems = elems[:max]
	}
	out := make([]models.InteractionURIRegistration, 0, len(elems))
	for _, e := range elems {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(e, &obj); err != nil {
			continue
		}
		var reg models.InteractionURIRegistration
		if err := json.Unmarshal(obj[interactionKeyField], &reg.InteractionKey); err != nil || reg.InteractionKey == "" {
			continue
		}
		if err := json.Unmarshal(obj[interactionURIField], &reg.InteractionReportingURI); err != nil || reg.InteractionReportingURI == "" {
			continue
		}
		out = append(out, reg)
	}
	return out
}

func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

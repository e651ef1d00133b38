package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ===========================================
// SIGNALS
// ===========================================

// AdSelectionSignals is opaque JSON passed through to scripts.
type AdSelectionSignals string

// EmptySignals is the empty JSON object.
const EmptySignals AdSelectionSignals = "{}"

// ParseSignals validates that s is a JSON object.
func ParseSignals(s string) (AdSelectionSignals, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EmptySignals, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return "", fmt.Errorf("signals must be a JSON object: %w", err)
	}
	return AdSelectionSignals(s), nil
}

// String returns the JSON text, "{}" when unset.
func (s AdSelectionSignals) String() string {
	if strings.TrimSpace(string(s)) == "" {
		return string(EmptySignals)
	}
	return string(s)
}

func (s AdSelectionSignals) MarshalJSON() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AdSelectionSignals) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}
	if !json.Valid(data) {
		return errors.New("invalid signals JSON")
	}
	*s = AdSelectionSignals(data)
	return nil
}

// ===========================================
// BIDDING / SCORING VALUES
// ===========================================

// AdWithBid pairs an ad with a buyer-computed bid. Bids <= 0 reject the ad.
type AdWithBid struct {
	Ad  AdCandidate `json:"ad"`
	Bid float64     `json:"bid"`
}

// CustomAudienceBiddingInfo carries what reporting needs to reuse the buyer logic.
type CustomAudienceBiddingInfo struct {
	BiddingLogicURI      string                `json:"bidding_logic_uri"`
	BuyerDecisionLogicJS string                `json:"-"`
	Signals              CustomAudienceSignals `json:"custom_audience_signals"`

	// BuyerDecisionLogicDownloaded is set when the JS came from the network.
	BuyerDecisionLogicDownloaded bool `json:"-"`
}

// AdBiddingOutcome is the best bid of one audience. A nil outcome means no bid.
type AdBiddingOutcome struct {
	AdWithBid   AdWithBid
	BiddingInfo CustomAudienceBiddingInfo
}

// AdWithScore pairs a bid with the seller's score. Scores <= 0 cannot win.
type AdWithScore struct {
	AdWithBid AdWithBid
	Score     float64
}

// AdScoringOutcome is the unit compared when selecting the winner.
type AdScoringOutcome struct {
	AdWithScore              AdWithScore
	BiddingLogicURI          string
	Buyer                    AdTechIdentifier
	Signals                  *CustomAudienceSignals
	BiddingLogicJS           string
	BiddingLogicJSDownloaded bool
	Contextual               bool
}

// ===========================================
// CONFIG
// ===========================================

// ContextualAds are ads supplied in the request by one buyer.
type ContextualAds struct {
	Buyer            AdTechIdentifier `json:"buyer"`
	DecisionLogicURI string           `json:"decision_logic_uri"`
	AdsWithBid       []AdWithBid      `json:"ads_with_bid"`
}

// AdSelectionConfig is the seller-provided auction configuration.
type AdSelectionConfig struct {
	Seller                   AdTechIdentifier                        `json:"seller"`
	DecisionLogicURI         string                                  `json:"decision_logic_uri"`
	CustomAudienceBuyers     []AdTechIdentifier                      `json:"custom_audience_buyers"`
	AdSelectionSignals       AdSelectionSignals                      `json:"ad_selection_signals"`
	SellerSignals            AdSelectionSignals                      `json:"seller_signals"`
	PerBuyerSignals          map[AdTechIdentifier]AdSelectionSignals `json:"per_buyer_signals,omitempty"`
	BuyerContextualAds       map[AdTechIdentifier]ContextualAds      `json:"buyer_contextual_ads,omitempty"`
	TrustedScoringSignalsURI string                                  `json:"trusted_scoring_signals_uri,omitempty"`
}

// PerBuyerSignalsFor returns the buyer's signals or the empty object.
func (c *AdSelectionConfig) PerBuyerSignalsFor(buyer AdTechIdentifier) AdSelectionSignals {
	if s, ok := c.PerBuyerSignals[buyer]; ok {
		return s
	}
	return EmptySignals
}

// WithoutContextualAds returns a shallow copy with contextual ads stripped.
func (c AdSelectionConfig) WithoutContextualAds() AdSelectionConfig {
	c.BuyerContextualAds = nil
	return c
}

// HasContextualAds reports whether any buyer supplied at least one contextual ad.
func (c *AdSelectionConfig) HasContextualAds() bool {
	for _, ca := range c.BuyerContextualAds {
		if len(ca.AdsWithBid) > 0 {
			return true
		}
	}
	return false
}

// OverrideID keys developer overrides registered for this config. Contextual
// ads are excluded since filtering rewrites them during an auction.
func (c AdSelectionConfig) OverrideID() string {
	return hashJSON(c.WithoutContextualAds())
}

// AdSelectionFromOutcomesConfig configures selection among persisted outcomes.
type AdSelectionFromOutcomesConfig struct {
	Seller            AdTechIdentifier   `json:"seller"`
	AdSelectionIDs    []uint64           `json:"ad_selection_ids"`
	SelectionSignals  AdSelectionSignals `json:"selection_signals"`
	SelectionLogicURI string             `json:"selection_logic_uri"`
}

// OverrideID keys developer overrides registered for this exact config.
func (c AdSelectionFromOutcomesConfig) OverrideID() string {
	return hashJSON(c)
}

func hashJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// AdSelectionOutcome is returned to the caller of an auction.
type AdSelectionOutcome struct {
	AdSelectionID uint64 `json:"ad_selection_id"`
	RenderURI     string `json:"render_uri"`
}

package models

import (
	"errors"
	"time"
)

// ContextualCustomAudienceName is the synthesized audience name attached to
// contextual ads, which have no originating audience.
const ContextualCustomAudienceName = "CONTEXTUAL_CA"

// contextualSignalsValidity is the validity window of placeholder signals.
const contextualSignalsValidity = 14 * 24 * time.Hour

// CustomAudience is a stored audience segment owned by an app and bid on by a buyer.
type CustomAudience struct {
	Owner                        string              `json:"owner"`
	Buyer                        AdTechIdentifier    `json:"buyer"`
	Name                         string              `json:"name"`
	ActivationTime               time.Time           `json:"activation_time"`
	ExpirationTime               time.Time           `json:"expiration_time"`
	LastAdsAndBiddingDataUpdated time.Time           `json:"last_ads_and_bidding_data_updated"`
	DailyUpdateURI               string              `json:"daily_update_uri,omitempty"`
	UserBiddingSignals           AdSelectionSignals  `json:"user_bidding_signals,omitempty"`
	TrustedBiddingData           *TrustedBiddingData `json:"trusted_bidding_data,omitempty"`
	BiddingLogicURI              string              `json:"bidding_logic_uri"`
	Ads                          []AdCandidate       `json:"ads"`
}

// TrustedBiddingData points at the buyer's key/value server.
type TrustedBiddingData struct {
	URI  string   `json:"uri"`
	Keys []string `json:"keys"`
}

// Validate checks the identity fields and the activation window.
func (ca *CustomAudience) Validate() error {
	if ca.Owner == "" {
		return errors.New("owner is required")
	}
	if ca.Buyer == "" {
		return errors.New("buyer is required")
	}
	if ca.Name == "" {
		return errors.New("name is required")
	}
	if ca.BiddingLogicURI == "" {
		return errors.New("bidding_logic_uri is required")
	}
	if ca.ExpirationTime.Before(ca.ActivationTime) {
		return errors.New("expiration_time must not precede activation_time")
	}
	return nil
}

// Clone returns a deep copy so stores never share slices with callers.
func (ca CustomAudience) Clone() CustomAudience {
	cp := ca
	cp.Ads = make([]AdCandidate, len(ca.Ads))
	for i, ad := range ca.Ads {
		cp.Ads[i] = ad
		cp.Ads[i].AdCounterKeys = append([]string(nil), ad.AdCounterKeys...)
		cp.Ads[i].AdFilters = ad.AdFilters.clone()
	}
	if ca.TrustedBiddingData != nil {
		tbd := TrustedBiddingData{URI: ca.TrustedBiddingData.URI, Keys: append([]string(nil), ca.TrustedBiddingData.Keys...)}
		cp.TrustedBiddingData = &tbd
	}
	return cp
}

// CustomAudienceSignals is the subset of an audience passed to scripts and kept
// for reporting.
type CustomAudienceSignals struct {
	Owner              string             `json:"owner"`
	Buyer              AdTechIdentifier   `json:"buyer"`
	Name               string             `json:"name"`
	ActivationTime     time.Time          `json:"activation_time"`
	ExpirationTime     time.Time          `json:"expiration_time"`
	UserBiddingSignals AdSelectionSignals `json:"user_bidding_signals"`
}

// NewCustomAudienceSignals enforces activation <= expiration.
func NewCustomAudienceSignals(owner string, buyer AdTechIdentifier, name string, activation, expiration time.Time, userSignals AdSelectionSignals) (CustomAudienceSignals, error) {
	if expiration.Before(activation) {
		return CustomAudienceSignals{}, errors.New("custom audience signals: expiration precedes activation")
	}
	return CustomAudienceSignals{
		Owner:              owner,
		Buyer:              buyer,
		Name:               name,
		ActivationTime:     activation,
		ExpirationTime:     expiration,
		UserBiddingSignals: userSignals,
	}, nil
}

// SignalsFromCustomAudience derives the signals of a stored audience.
func SignalsFromCustomAudience(ca CustomAudience) CustomAudienceSignals {
	return CustomAudienceSignals{
		Owner:              ca.Owner,
		Buyer:              ca.Buyer,
		Name:               ca.Name,
		ActivationTime:     ca.ActivationTime,
		ExpirationTime:     ca.ExpirationTime,
		UserBiddingSignals: ca.UserBiddingSignals,
	}
}

// ContextualPlaceholderSignals builds the signals attached to a contextual ad.
func ContextualPlaceholderSignals(buyer AdTechIdentifier, now time.Time) CustomAudienceSignals {
	return CustomAudienceSignals{
		Owner:              buyer.String(),
		Buyer:              buyer,
		Name:               ContextualCustomAudienceName,
		ActivationTime:     now,
		ExpirationTime:     now.Add(contextualSignalsValidity),
		UserBiddingSignals: EmptySignals,
	}
}

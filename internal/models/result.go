package models

import (
	"net/url"
	"time"
)

// AdSelectionResult is the persisted record of a completed auction.
type AdSelectionResult struct {
	AdSelectionID         uint64                 `json:"ad_selection_id"`
	WinningAdRenderURI    string                 `json:"winning_ad_render_uri"`
	WinningAdBid          float64                `json:"winning_ad_bid"`
	BiddingLogicURI       string                 `json:"bidding_logic_uri"`
	CustomAudienceSignals *CustomAudienceSignals `json:"custom_audience_signals,omitempty"`
	ContextualSignals     AdSelectionSignals     `json:"contextual_signals"`
	CreationTime          time.Time              `json:"creation_time"`
	CallerPackageName     string                 `json:"caller_package_name"`
	AdCounterKeys         []string               `json:"ad_counter_keys,omitempty"`

	// BuyerDecisionLogicJS is joined from the buyer decision logic table on read.
	BuyerDecisionLogicJS string `json:"-"`
}

// Buyer returns the winning buyer. Contextual winners carry no audience signals,
// so the buyer falls back to the bidding logic host.
func (r *AdSelectionResult) Buyer() AdTechIdentifier {
	if r.CustomAudienceSignals != nil && r.CustomAudienceSignals.Buyer != "" {
		return r.CustomAudienceSignals.Buyer
	}
	if u, err := url.Parse(r.BiddingLogicURI); err == nil {
		return AdTechIdentifier(u.Hostname())
	}
	return ""
}

// IsContextual reports whether the winner had no originating audience.
func (r *AdSelectionResult) IsContextual() bool {
	return r.CustomAudienceSignals == nil || r.CustomAudienceSignals.Name == ContextualCustomAudienceName
}

// BuyerDecisionLogic caches the buyer script downloaded during bidding.
type BuyerDecisionLogic struct {
	BiddingLogicURI string
	JS              string
}

// AdSelectionIDWithBidAndRenderURI is what outcome selection scripts see.
type AdSelectionIDWithBidAndRenderURI struct {
	AdSelectionID uint64
	Bid           float64
	RenderURI     string
}

// ===========================================
// INTERACTIONS
// ===========================================

// ReportingDestination is a bit flag selecting seller and/or buyer.
type ReportingDestination int

const (
	DestinationSeller ReportingDestination = 1 << 0
	DestinationBuyer  ReportingDestination = 1 << 1
)

// AllDestinations lists destinations in reporting order.
var AllDestinations = []ReportingDestination{DestinationSeller, DestinationBuyer}

func (d ReportingDestination) String() string {
	switch d {
	case DestinationSeller:
		return "seller"
	case DestinationBuyer:
		return "buyer"
	}
	return "unknown"
}

// Has reports whether bit d is set in the bit field.
func (d ReportingDestination) Has(bits ReportingDestination) bool {
	return d&bits != 0
}

// InteractionURIRegistration is one registerAdBeacon call made by a reporting script.
type InteractionURIRegistration struct {
	InteractionKey          string `json:"interaction_key"`
	InteractionReportingURI string `json:"interaction_reporting_uri"`
}

// RegisteredAdInteraction is a persisted interaction reporting URI.
type RegisteredAdInteraction struct {
	AdSelectionID           uint64
	InteractionKey          string
	InteractionReportingURI string
	Destination             ReportingDestination
}

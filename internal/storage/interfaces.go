package storage

import (
	"context"
	"errors"
	"time"

	"github.com/radiusdt/adselection/internal/models"
)

// ErrNotFound is returned when a looked up record does not exist.
var ErrNotFound = errors.New("not found")

// =============================================
// CUSTOM AUDIENCE STORE
// =============================================

// CustomAudienceStore holds the audiences auctions bid on.
type CustomAudienceStore interface {
	// GetActiveCustomAudiencesByBuyers returns audiences of the given buyers that
	// are active at now and were refreshed within activeWindow.
	GetActiveCustomAudiencesByBuyers(ctx context.Context, buyers []models.AdTechIdentifier, now time.Time, activeWindow time.Duration) ([]models.CustomAudience, error)
	UpsertCustomAudience(ctx context.Context, ca models.CustomAudience) error
}

// =============================================
// AD SELECTION STORE
// =============================================

// AdSelectionStore persists auction results and registered interactions.
type AdSelectionStore interface {
	DoesIDExist(ctx context.Context, id uint64) (bool, error)
	PersistAdSelection(ctx context.Context, result models.AdSelectionResult) error
	PersistBuyerDecisionLogic(ctx context.Context, logic models.BuyerDecisionLogic) error
	// GetAdSelection joins the cached buyer decision logic. Returns ErrNotFound.
	GetAdSelection(ctx context.Context, id uint64) (*models.AdSelectionResult, error)
	DoesIDExistForCaller(ctx context.Context, id uint64, callerPackage string) (bool, error)
	DoAllIDsExistForCaller(ctx context.Context, ids []uint64, callerPackage string) (bool, error)
	GetAdSelectionIDsWithBidAndRenderURI(ctx context.Context, ids []uint64) ([]models.AdSelectionIDWithBidAndRenderURI, error)

	// SafelyInsertRegisteredAdInteractions inserts as many interactions as fit
	// under both the table wide cap and the per destination cap for id. Keys
	// already registered are rewritten without using capacity. It returns the
	// number of new rows.
	SafelyInsertRegisteredAdInteractions(ctx context.Context, id uint64, interactions []models.RegisteredAdInteraction, maxTotal, maxPerDestination int, destination models.ReportingDestination) (int, error)
	// GetRegisteredAdInteractionURI returns ErrNotFound when nothing was registered.
	GetRegisteredAdInteractionURI(ctx context.Context, id uint64, key string, destination models.ReportingDestination) (string, error)
}

// =============================================
// FREQUENCY CAP STORE
// =============================================

// FrequencyCapStore counts ad events for frequency cap filters.
type FrequencyCapStore interface {
	// InsertHistogramEvent stores event. When the store already holds
	// absoluteMax events the oldest are evicted down to lowerMax first.
	// It returns the number of evicted events.
	InsertHistogramEvent(ctx context.Context, event models.HistogramEvent, absoluteMax, lowerMax int) (int, error)
	NumEventsForBuyerAfterTime(ctx context.Context, key string, buyer models.AdTechIdentifier, eventType models.AdEventType, since time.Time) (int, error)
	NumEventsForCustomAudienceAfterTime(ctx context.Context, key string, buyer models.AdTechIdentifier, owner, name string, eventType models.AdEventType, since time.Time) (int, error)
}

// =============================================
// APP INSTALL STORE
// =============================================

// AppInstallStore records which buyers an app allows to filter on its install.
type AppInstallStore interface {
	SetAppInstallAdvertisers(ctx context.Context, packageName string, buyers []models.AdTechIdentifier) error
	CanBuyerFilterPackage(ctx context.Context, buyer models.AdTechIdentifier, packageName string) (bool, error)
}

// =============================================
// OVERRIDE STORE
// =============================================

// CustomAudienceOverride replaces the buyer logic and signals of one audience.
type CustomAudienceOverride struct {
	Owner                 string                    `json:"owner"`
	Buyer                 models.AdTechIdentifier   `json:"buyer"`
	Name                  string                    `json:"name"`
	BiddingLogicJS        string                    `json:"bidding_logic_js"`
	TrustedBiddingSignals models.AdSelectionSignals `json:"trusted_bidding_signals"`
}

// AdSelectionOverride replaces the seller logic and scoring signals of one config.
type AdSelectionOverride struct {
	ConfigID              string                    `json:"config_id"`
	DecisionLogicJS       string                    `json:"decision_logic_js"`
	TrustedScoringSignals models.AdSelectionSignals `json:"trusted_scoring_signals"`
}

// OutcomeSelectionOverride replaces the selection logic of one outcomes config.
type OutcomeSelectionOverride struct {
	ConfigID         string `json:"config_id"`
	SelectionLogicJS string `json:"selection_logic_js"`
}

// OverrideStore holds developer overrides. Lookups report ok=false when no
// override is registered.
type OverrideStore interface {
	PutCustomAudienceOverride(ctx context.Context, o CustomAudienceOverride) error
	PutAdSelectionOverride(ctx context.Context, o AdSelectionOverride) error
	PutOutcomeSelectionOverride(ctx context.Context, o OutcomeSelectionOverride) error
	RemoveAll(ctx context.Context) error

	GetCustomAudienceOverride(ctx context.Context, owner string, buyer models.AdTechIdentifier, name string) (CustomAudienceOverride, bool, error)
	GetAdSelectionOverride(ctx context.Context, configID string) (AdSelectionOverride, bool, error)
	GetOutcomeSelectionOverride(ctx context.Context, configID string) (OutcomeSelectionOverride, bool, error)
}

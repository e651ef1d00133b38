package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/adselection/internal/models"
)

// In-memory implementations. They back tests, the offline runner and the
// service when no database is configured.

// =============================================
// CUSTOM AUDIENCES
// =============================================

type audienceKey struct {
	owner string
	buyer models.AdTechIdentifier
	name  string
}

// InMemoryCustomAudienceStore stores audiences in memory.
type InMemoryCustomAudienceStore struct {
	mu        sync.RWMutex
	audiences map[audienceKey]models.CustomAudience
}

func NewInMemoryCustomAudienceStore() *InMemoryCustomAudienceStore {
	return &InMemoryCustomAudienceStore{
		audiences: make(map[audienceKey]models.CustomAudience),
	}
}

func (s *InMemoryCustomAudienceStore) UpsertCustomAudience(_ context.Context, ca models.CustomAudience) error {
	if err := ca.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audiences[audienceKey{ca.Owner, ca.Buyer, ca.Name}] = ca.Clone()
	return nil
}

func (s *InMemoryCustomAudienceStore) GetActiveCustomAudiencesByBuyers(_ context.Context, buyers []models.AdTechIdentifier, now time.Time, activeWindow time.Duration) ([]models.CustomAudience, error) {
	wanted := make(map[models.AdTechIdentifier]struct{}, len(buyers))
	for _, b := range buyers {
		wanted[b] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []models.CustomAudience
	for _, ca := range s.audiences {
		if _, ok := wanted[ca.Buyer]; !ok {
			continue
		}
		if !isActive(ca, now, activeWindow) {
			continue
		}
		res = append(res, ca.Clone())
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Buyer != res[j].Buyer {
			return res[i].Buyer < res[j].Buyer
		}
		if res[i].Owner != res[j].Owner {
			return res[i].Owner < res[j].Owner
		}
		return res[i].Name < res[j].Name
	})
	return res, nil
}

func isActive(ca models.CustomAudience, now time.Time, activeWindow time.Duration) bool {
	if now.Before(ca.ActivationTime) || !now.Before(ca.ExpirationTime) {
		return false
	}
	if activeWindow > 0 && ca.LastAdsAndBiddingDataUpdated.Before(now.Add(-activeWindow)) {
		return false
	}
	return true
}

// =============================================
// AD SELECTIONS
// =============================================

// InMemoryAdSelectionStore stores auction results in memory.
type InMemoryAdSelectionStore struct {
	mu           sync.RWMutex
	results      map[uint64]models.AdSelectionResult
	buyerLogic   map[string]string
	interactions map[uint64]map[models.ReportingDestination]map[string]string
	totalRows    int
}

func NewInMemoryAdSelectionStore() *InMemoryAdSelectionStore {
	return &InMemoryAdSelectionStore{
		results:      make(map[uint64]models.AdSelectionResult),
		buyerLogic:   make(map[string]string),
		interactions: make(map[uint64]map[models.ReportingDestination]map[string]string),
	}
}

func (s *InMemoryAdSelectionStore) DoesIDExist(_ context.Context, id uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.results[id]
	return ok, nil
}

func (s *InMemoryAdSelectionStore) PersistAdSelection(_ context.Context, result models.AdSelectionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := result
	cp.AdCounterKeys = append([]string(nil), result.AdCounterKeys...)
	cp.BuyerDecisionLogicJS = ""
	if result.CustomAudienceSignals != nil {
		sig := *result.CustomAudienceSignals
		cp.CustomAudienceSignals = &sig
	}
	s.results[result.AdSelectionID] = cp
	return nil
}

func (s *InMemoryAdSelectionStore) PersistBuyerDecisionLogic(_ context.Context, logic models.BuyerDecisionLogic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buyerLogic[logic.BiddingLogicURI] = logic.JS
	return nil
}

func (s *InMemoryAdSelectionStore) GetAdSelection(_ context.Context, id uint64) (*models.AdSelectionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := r
	cp.AdCounterKeys = append([]string(nil), r.AdCounterKeys...)
	if r.CustomAudienceSignals != nil {
		sig := *r.CustomAudienceSignals
		cp.CustomAudienceSignals = &sig
	}
	cp.BuyerDecisionLogicJS = s.buyerLogic[r.BiddingLogicURI]
	return &cp, nil
}

func (s *InMemoryAdSelectionStore) DoesIDExistForCaller(_ context.Context, id uint64, callerPackage string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return ok && r.CallerPackageName == callerPackage, nil
}

func (s *InMemoryAdSelectionStore) DoAllIDsExistForCaller(_ context.Context, ids []uint64, callerPackage string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range ids {
		r, ok := s.results[id]
		if !ok || r.CallerPackageName != callerPackage {
			return false, nil
		}
	}
	return true, nil
}

func (s *InMemoryAdSelectionStore) GetAdSelectionIDsWithBidAndRenderURI(_ context.Context, ids []uint64) ([]models.AdSelectionIDWithBidAndRenderURI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]models.AdSelectionIDWithBidAndRenderURI, 0, len(ids))
	for _, id := range ids {
		r, ok := s.results[id]
		if !ok {
			continue
		}
		res = append(res, models.AdSelectionIDWithBidAndRenderURI{
			AdSelectionID: id,
			Bid:           r.WinningAdBid,
			RenderURI:     r.WinningAdRenderURI,
		})
	}
	return res, nil
}

func (s *InMemoryAdSelectionStore) SafelyInsertRegisteredAdInteractions(_ context.Context, id uint64, interactions []models.RegisteredAdInteraction, maxTotal, maxPerDestination int, destination models.ReportingDestination) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDest, ok := s.interactions[id]
	if !ok {
		byDest = make(map[models.ReportingDestination]map[string]string)
		s.interactions[id] = byDest
	}
	rows, ok := byDest[destination]
	if !ok {
		rows = make(map[string]string)
		byDest[destination] = rows
	}

	capacity := min(maxTotal-s.totalRows, maxPerDestination-len(rows))
	inserted := 0
	for _, in := range interactions {
		if _, exists := rows[in.InteractionKey]; exists {
			rows[in.InteractionKey] = in.InteractionReportingURI
			continue
		}
		if inserted >= capacity {
			continue
		}
		rows[in.InteractionKey] = in.InteractionReportingURI
		s.totalRows++
		inserted++
	}
	return inserted, nil
}

func (s *InMemoryAdSelectionStore) GetRegisteredAdInteractionURI(_ context.Context, id uint64, key string, destination models.ReportingDestination) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uri, ok := s.interactions[id][destination][key]
	if !ok {
		return "", ErrNotFound
	}
	return uri, nil
}

// =============================================
// FREQUENCY CAPS
// =============================================

// InMemoryFrequencyCapStore keeps histogram events in insertion order.
type InMemoryFrequencyCapStore struct {
	mu     sync.RWMutex
	events []models.HistogramEvent
}

func NewInMemoryFrequencyCapStore() *InMemoryFrequencyCapStore {
	return &InMemoryFrequencyCapStore{}
}

func (s *InMemoryFrequencyCapStore) InsertHistogramEvent(_ context.Context, event models.HistogramEvent, absoluteMax, lowerMax int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	if absoluteMax > 0 && len(s.events) >= absoluteMax {
		sort.SliceStable(s.events, func(i, j int) bool {
			return s.events[i].Timestamp.Before(s.events[j].Timestamp)
		})
		evicted = len(s.events) - max(lowerMax, 0)
		s.events = append([]models.HistogramEvent(nil), s.events[evicted:]...)
	}
	s.events = append(s.events, event)
	return evicted, nil
}

func (s *InMemoryFrequencyCapStore) NumEventsForBuyerAfterTime(_ context.Context, key string, buyer models.AdTechIdentifier, eventType models.AdEventType, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		if e.AdCounterKey == key && e.Buyer == buyer && e.AdEventType == eventType && !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryFrequencyCapStore) NumEventsForCustomAudienceAfterTime(_ context.Context, key string, buyer models.AdTechIdentifier, owner, name string, eventType models.AdEventType, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		if e.AdCounterKey == key && e.Buyer == buyer && e.AdEventType == eventType &&
			e.CustomAudienceOwner == owner && e.CustomAudienceName == name && !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored events.
func (s *InMemoryFrequencyCapStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// =============================================
// APP INSTALLS
// =============================================

// InMemoryAppInstallStore stores app install filter permissions in memory.
type InMemoryAppInstallStore struct {
	mu      sync.RWMutex
	allowed map[string]map[models.AdTechIdentifier]struct{}
}

func NewInMemoryAppInstallStore() *InMemoryAppInstallStore {
	return &InMemoryAppInstallStore{
		allowed: make(map[string]map[models.AdTechIdentifier]struct{}),
	}
}

func (s *InMemoryAppInstallStore) SetAppInstallAdvertisers(_ context.Context, packageName string, buyers []models.AdTechIdentifier) error {
	set := make(map[models.AdTechIdentifier]struct{}, len(buyers))
	for _, b := range buyers {
		set[b] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[packageName] = set
	return nil
}

func (s *InMemoryAppInstallStore) CanBuyerFilterPackage(_ context.Context, buyer models.AdTechIdentifier, packageName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.allowed[packageName][buyer]
	return ok, nil
}

// =============================================
// OVERRIDES
// =============================================

// InMemoryOverrideStore stores developer overrides. Overrides only exist for
// the lifetime of the process.
type InMemoryOverrideStore struct {
	mu        sync.RWMutex
	audiences map[audienceKey]CustomAudienceOverride
	selection map[string]AdSelectionOverride
	outcomes  map[string]OutcomeSelectionOverride
}

func NewInMemoryOverrideStore() *InMemoryOverrideStore {
	return &InMemoryOverrideStore{
		audiences: make(map[audienceKey]CustomAudienceOverride),
		selection: make(map[string]AdSelectionOverride),
		outcomes:  make(map[string]OutcomeSelectionOverride),
	}
}

func (s *InMemoryOverrideStore) PutCustomAudienceOverride(_ context.Context, o CustomAudienceOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audiences[audienceKey{o.Owner, o.Buyer, o.Name}] = o
	return nil
}

func (s *InMemoryOverrideStore) PutAdSelectionOverride(_ context.Context, o AdSelectionOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection[o.ConfigID] = o
	return nil
}

func (s *InMemoryOverrideStore) PutOutcomeSelectionOverride(_ context.Context, o OutcomeSelectionOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[o.ConfigID] = o
	return nil
}

func (s *InMemoryOverrideStore) RemoveAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audiences = make(map[audienceKey]CustomAudienceOverride)
	s.selection = make(map[string]AdSelectionOverride)
	s.outcomes = make(map[string]OutcomeSelectionOverride)
	return nil
}

func (s *InMemoryOverrideStore) GetCustomAudienceOverride(_ context.Context, owner string, buyer models.AdTechIdentifier, name string) (CustomAudienceOverride, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.audiences[audienceKey{owner, buyer, name}]
	return o, ok, nil
}

func (s *InMemoryOverrideStore) GetAdSelectionOverride(_ context.Context, configID string) (AdSelectionOverride, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.selection[configID]
	return o, ok, nil
}

func (s *InMemoryOverrideStore) GetOutcomeSelectionOverride(_ context.Context, configID string) (OutcomeSelectionOverride, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[configID]
	return o, ok, nil
}

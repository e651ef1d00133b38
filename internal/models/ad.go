package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AdTechIdentifier identifies a buyer or seller by its domain, e.g. "buyer.example".
type AdTechIdentifier string

func (a AdTechIdentifier) String() string { return string(a) }

// ===========================================
// AD CANDIDATE
// ===========================================

// AdCandidate is a single renderable ad. Values are immutable once constructed;
// use the With* helpers to derive modified copies.
type AdCandidate struct {
	RenderURI     string     `json:"render_uri"`
	Metadata      string     `json:"metadata"`                  // JSON object text
	AdCounterKeys []string   `json:"ad_counter_keys,omitempty"` // set semantics, sorted
	AdFilters     *AdFilters `json:"ad_filters,omitempty"`
}

// NewAdCandidate validates and normalizes an ad. Empty metadata becomes "{}".
func NewAdCandidate(renderURI, metadata string, adCounterKeys []string, filters *AdFilters) (AdCandidate, error) {
	if renderURI == "" {
		return AdCandidate{}, errors.New("render_uri is required")
	}
	if strings.TrimSpace(metadata) == "" {
		metadata = "{}"
	}
	if !json.Valid([]byte(metadata)) {
		return AdCandidate{}, fmt.Errorf("metadata for %s is not valid JSON", renderURI)
	}
	return AdCandidate{
		RenderURI:     renderURI,
		Metadata:      metadata,
		AdCounterKeys: NormalizeCounterKeys(adCounterKeys),
		AdFilters:     filters.clone(),
	}, nil
}

// NormalizeCounterKeys dedupes and sorts keys. It never returns nil.
func NormalizeCounterKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WithoutFilters returns a copy with filters stripped, as sent to bidding scripts.
func (a AdCandidate) WithoutFilters() AdCandidate {
	cp := a
	cp.AdCounterKeys = append([]string(nil), a.AdCounterKeys...)
	cp.AdFilters = nil
	return cp
}

// HasFilters reports whether any filter is attached.
func (a AdCandidate) HasFilters() bool {
	return a.AdFilters != nil && (a.AdFilters.FrequencyCap != nil || a.AdFilters.AppInstall != nil)
}

// ===========================================
// FILTERS
// ===========================================

// AdFilters groups the filters evaluated before bidding.
type AdFilters struct {
	FrequencyCap *FrequencyCapFilters `json:"frequency_cap,omitempty"`
	AppInstall   *AppInstallFilters   `json:"app_install,omitempty"`
}

func (f *AdFilters) clone() *AdFilters {
	if f == nil {
		return nil
	}
	cp := &AdFilters{}
	if f.FrequencyCap != nil {
		fc := FrequencyCapFilters{
			ForWinEvents:        append([]KeyedFrequencyCap(nil), f.FrequencyCap.ForWinEvents...),
			ForImpressionEvents: append([]KeyedFrequencyCap(nil), f.FrequencyCap.ForImpressionEvents...),
			ForViewEvents:       append([]KeyedFrequencyCap(nil), f.FrequencyCap.ForViewEvents...),
			ForClickEvents:      append([]KeyedFrequencyCap(nil), f.FrequencyCap.ForClickEvents...),
		}
		cp.FrequencyCap = &fc
	}
	if f.AppInstall != nil {
		cp.AppInstall = &AppInstallFilters{PackageNames: append([]string(nil), f.AppInstall.PackageNames...)}
	}
	return cp
}

// FrequencyCapFilters holds caps per event type.
type FrequencyCapFilters struct {
	ForWinEvents        []KeyedFrequencyCap `json:"for_win_events,omitempty"`
	ForImpressionEvents []KeyedFrequencyCap `json:"for_impression_events,omitempty"`
	ForViewEvents       []KeyedFrequencyCap `json:"for_view_events,omitempty"`
	ForClickEvents      []KeyedFrequencyCap `json:"for_click_events,omitempty"`
}

// CapsFor returns the caps configured for an event type.
func (f *FrequencyCapFilters) CapsFor(t AdEventType) []KeyedFrequencyCap {
	if f == nil {
		return nil
	}
	switch t {
	case AdEventWin:
		return f.ForWinEvents
	case AdEventImpression:
		return f.ForImpressionEvents
	case AdEventView:
		return f.ForViewEvents
	case AdEventClick:
		return f.ForClickEvents
	}
	return nil
}

// KeyedFrequencyCap limits events for one counter key within a rolling window.
type KeyedFrequencyCap struct {
	AdCounterKey    string `json:"ad_counter_key"`
	MaxCount        int    `json:"max_count"`
	IntervalSeconds int64  `json:"interval_seconds"`
}

// Interval returns the rolling window of the cap.
func (k KeyedFrequencyCap) Interval() time.Duration {
	return time.Duration(k.IntervalSeconds) * time.Second
}

// AppInstallFilters excludes an ad when one of the packages is installed and
// has allowed the buyer to filter on it.
type AppInstallFilters struct {
	PackageNames []string `json:"package_names"`
}

// ===========================================
// AD EVENT TYPES
// ===========================================

type AdEventType int

const (
	AdEventWin AdEventType = iota
	AdEventImpression
	AdEventView
	AdEventClick
)

// AllAdEventTypes lists event types in filter evaluation order.
var AllAdEventTypes = []AdEventType{AdEventWin, AdEventImpression, AdEventView, AdEventClick}

func (t AdEventType) String() string {
	switch t {
	case AdEventWin:
		return "win"
	case AdEventImpression:
		return "impression"
	case AdEventView:
		return "view"
	case AdEventClick:
		return "click"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// ParseAdEventType parses the lowercase event type name.
func ParseAdEventType(s string) (AdEventType, error) {
	switch strings.ToLower(s) {
	case "win":
		return AdEventWin, nil
	case "impression":
		return AdEventImpression, nil
	case "view":
		return AdEventView, nil
	case "click":
		return AdEventClick, nil
	}
	return 0, fmt.Errorf("unknown ad event type %q", s)
}

package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidHistogramEvent is returned for events that violate construction rules.
var ErrInvalidHistogramEvent = errors.New("invalid histogram event")

// HistogramEvent is one counted ad event used by frequency cap filters.
type HistogramEvent struct {
	AdCounterKey        string
	Buyer               AdTechIdentifier
	CustomAudienceOwner string
	CustomAudienceName  string
	AdEventType         AdEventType
	Timestamp           time.Time
}

// NewHistogramEvent validates the event. Win events must name their audience.
func NewHistogramEvent(key string, buyer AdTechIdentifier, owner, name string, eventType AdEventType, ts time.Time) (HistogramEvent, error) {
	if key == "" {
		return HistogramEvent{}, fmt.Errorf("%w: ad counter key is required", ErrInvalidHistogramEvent)
	}
	if buyer == "" {
		return HistogramEvent{}, fmt.Errorf("%w: buyer is required", ErrInvalidHistogramEvent)
	}
	if eventType == AdEventWin && (owner == "" || name == "") {
		return HistogramEvent{}, fmt.Errorf("%w: win events require custom audience owner and name", ErrInvalidHistogramEvent)
	}
	if ts.IsZero() {
		return HistogramEvent{}, fmt.Errorf("%w: timestamp is required", ErrInvalidHistogramEvent)
	}
	return HistogramEvent{
		AdCounterKey:        key,
		Buyer:               buyer,
		CustomAudienceOwner: owner,
		CustomAudienceName:  name,
		AdEventType:         eventType,
		Timestamp:           ts,
	}, nil
}

// Package reporting runs seller and buyer reporting logic after an auction
// and delivers impression and interaction beacons to ad techs.
package reporting

import (
	"errors"

	"github.com/radiusdt/adselection/internal/auction"
)

var (
	ErrReportImpressionTimedOut = errors.New("report impression exceeded allowed time limit")
	ErrReportScriptFailed       = errors.New("reportResult script failed")
	ErrUnexpectedResultShape    = errors.New("result does not match expected structure")
	ErrNoMatchingAdSelection    = errors.New("no ad selection matching caller package name found")

	ErrInvalidArgument = auction.ErrInvalidArgument
	ErrIllegalState    = auction.ErrIllegalState
	ErrConsentRevoked  = auction.ErrConsentRevoked
)

// Prefixes used for StatusError messages.
const (
	ReportImpressionFailurePrefix  = "Encountered failure during impression reporting"
	ReportInteractionFailurePrefix = "Encountered failure during interaction reporting"
)

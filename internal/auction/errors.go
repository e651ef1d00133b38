package auction

import (
	"context"
	"errors"
	"fmt"

	"github.com/radiusdt/adselection/internal/adtech"
	"github.com/radiusdt/adselection/internal/codec"
	"github.com/radiusdt/adselection/internal/fetch"
	"github.com/radiusdt/adselection/internal/prebuilt"
	"github.com/radiusdt/adselection/internal/scriptengine"
	"github.com/radiusdt/adselection/internal/servicefilter"
	"github.com/radiusdt/adselection/internal/storage"
)

var (
	ErrBiddingTimedOut          = errors.New("bidding exceeded allowed time limit")
	ErrScoringTimedOut          = errors.New("scoring exceeded allowed time limit")
	ErrAdSelectionTimedOut      = errors.New("ad selection exceeded allowed time limit")
	ErrOutcomeSelectionTimedOut = errors.New("outcome selection exceeded allowed time limit")

	ErrInvalidBidScript             = errors.New("invalid bid script")
	ErrVersionMismatch              = errors.New("js version mismatch")
	ErrMissingTrustedBiddingSignals = errors.New("error fetching trusted bidding signals")
	ErrNoWinningAdFound             = errors.New("no winning ads found")
	ErrNoBuyersOrContextualAds      = errors.New("no buyers or contextual ads available")
	ErrScoresCountLessThanExpected  = errors.New("not enough scores returned by scoreAd")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrIllegalState    = errors.New("illegal state")

	ErrConsentRevoked = servicefilter.ErrConsentRevoked
)

// Prefixes used for StatusError messages.
const (
	AdSelectionFailurePrefix      = "Encountered failure during Ad Selection"
	OutcomeSelectionFailurePrefix = "Encountered failure during Outcome Selection"
	HistogramUpdateFailurePrefix  = "Encountered failure during ad counter histogram update"
)

// StatusCode is the API level result of a call.
type StatusCode int

const (
	StatusSuccess StatusCode = iota
	StatusInvalidArgument
	StatusTimeout
	StatusInternalError
	StatusIOError
	StatusUnauthorized
	StatusRateLimitReached
)

func (c StatusCode) String() string {
	switch c {
	case StatusSuccess:
		return "success"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusTimeout:
		return "timeout"
	case StatusInternalError:
		return "internal_error"
	case StatusIOError:
		return "io_error"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusRateLimitReached:
		return "rate_limit_reached"
	}
	return "unknown"
}

// StatusError is the error returned to API callers.
type StatusError struct {
	Code    StatusCode
	Message string
	Err     error
}

// NewStatusError classifies err and prefixes its message.
func NewStatusError(prefix string, err error) *StatusError {
	return &StatusError{Code: StatusFor(err), Message: prefix, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusFor maps an error chain to a status code.
func StatusFor(err error) StatusCode {
	var se *StatusError
	var ve *ValidationError
	switch {
	case err == nil:
		return StatusSuccess
	case errors.As(err, &se):
		return se.Code
	case errors.Is(err, servicefilter.ErrThrottled):
		return StatusRateLimitReached
	case errors.Is(err, servicefilter.ErrNotEnrolled):
		return StatusUnauthorized
	case errors.Is(err, ErrBiddingTimedOut),
		errors.Is(err, ErrScoringTimedOut),
		errors.Is(err, ErrAdSelectionTimedOut),
		errors.Is(err, ErrOutcomeSelectionTimedOut),
		errors.Is(err, scriptengine.ErrScriptTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.As(err, &ve),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, adtech.ErrInvalidURI),
		errors.Is(err, adtech.ErrInvalidIdentifier),
		errors.Is(err, prebuilt.ErrMissingPrebuiltParams),
		errors.Is(err, prebuilt.ErrUnknownPrebuiltLogic),
		errors.Is(err, prebuilt.ErrUnknownPrebuiltParam),
		errors.Is(err, prebuilt.ErrInvalidPrebuiltParam),
		errors.Is(err, prebuilt.ErrPrebuiltDisabled),
		errors.Is(err, codec.ErrInvalidFormat),
		errors.Is(err, storage.ErrNotFound):
		return StatusInvalidArgument
	case errors.Is(err, fetch.ErrMissingBiddingLogic),
		errors.Is(err, fetch.ErrMissingScoringLogic),
		errors.Is(err, fetch.ErrMissingOutcomeSelectionLogic),
		errors.Is(err, fetch.ErrUnexpectedStatus),
		errors.Is(err, fetch.ErrResponseTooLarge),
		errors.Is(err, ErrMissingTrustedBiddingSignals):
		return StatusIOError
	}
	return StatusInternalError
}

// timedOut reports whether err or ctx show that a deadline fired.
func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, scriptengine.ErrScriptTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// classifyTimeout wraps err with sentinel when a deadline fired.
func classifyTimeout(ctx context.Context, err error, sentinel error) error {
	if err == nil || errors.Is(err, sentinel) {
		return err
	}
	if timedOut(ctx, err) {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

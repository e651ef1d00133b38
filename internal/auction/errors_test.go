package auction

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/radiusdt/adselection/internal/adtech"
	"github.com/radiusdt/adselection/internal/fetch"
	"github.com/radiusdt/adselection/internal/scriptengine"
	"github.com/radiusdt/adselection/internal/servicefilter"
	"github.com/radiusdt/adselection/internal/storage"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want StatusCode
	}{
		{err: nil, want: StatusSuccess},
		{err: servicefilter.ErrThrottled, want: StatusRateLimitReached},
		{err: fmt.Errorf("x: %w", servicefilter.ErrNotEnrolled), want: StatusUnauthorized},
		{err: ErrBiddingTimedOut, want: StatusTimeout},
		{err: fmt.Errorf("%w: %w", ErrAdSelectionTimedOut, ErrScoringTimedOut), want: StatusTimeout},
		{err: scriptengine.ErrScriptTimeout, want: StatusTimeout},
		{err: context.DeadlineExceeded, want: StatusTimeout},
		{err: &ValidationError{Subject: "x", errs: []error{errors.New("bad")}}, want: StatusInvalidArgument},
		{err: fmt.Errorf("uri: %w", adtech.ErrInvalidURI), want: StatusInvalidArgument},
		{err: storage.ErrNotFound, want: StatusInvalidArgument},
		{err: fmt.Errorf("%w: %w", fetch.ErrMissingBiddingLogic, fetch.ErrUnexpectedStatus), want: StatusIOError},
		{err: ErrMissingTrustedBiddingSignals, want: StatusIOError},
		{err: ErrIllegalState, want: StatusInternalError},
		{err: errors.New("boom"), want: StatusInternalError},
		{err: &StatusError{Code: StatusUnauthorized, Message: "x"}, want: StatusUnauthorized},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestStatusErrorWrapsCause(t *testing.T) {
	err := NewStatusError(AdSelectionFailurePrefix, fmt.Errorf("%w: no buyers", ErrInvalidArgument))
	assert.Equal(t, StatusInvalidArgument, err.Code)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, AdSelectionFailurePrefix+": invalid argument: no buyers", err.Error())
	assert.Equal(t, "invalid_argument", err.Code.String())
}

func TestClassifyTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	err := classifyTimeout(ctx, errors.New("interrupted"), ErrScoringTimedOut)
	assert.ErrorIs(t, err, ErrScoringTimedOut)

	err = classifyTimeout(context.Background(), errors.New("boom"), ErrScoringTimedOut)
	assert.NotErrorIs(t, err, ErrScoringTimedOut)
	assert.NoError(t, classifyTimeout(ctx, nil, ErrScoringTimedOut))
}

func TestSentinelErrorsAreLowercase(t *testing.T) {
	for _, err := range []error{
		ErrBiddingTimedOut, ErrScoringTimedOut, ErrAdSelectionTimedOut, ErrOutcomeSelectionTimedOut,
		ErrInvalidBidScript, ErrVersionMismatch, ErrMissingTrustedBiddingSignals, ErrNoWinningAdFound,
		ErrNoBuyersOrContextualAds, ErrScoresCountLessThanExpected,
		fetch.ErrMissingBiddingLogic, fetch.ErrMissingScoringLogic, fetch.ErrMissingOutcomeSelectionLogic,
	} {
		first, _ := utf8.DecodeRuneInString(err.Error())
		assert.False(t, unicode.IsUpper(first), err.Error())
	}
}

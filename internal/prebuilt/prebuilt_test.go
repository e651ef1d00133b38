package prebuilt

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/scriptengine"
)

func TestHighestBidWinsRequiresReportingURL(t *testing.T) {
	g := NewGenerator(true)

	_, err := g.Generate("ad-selection-prebuilt://ad-selection/highest-bid-wins/")
	assert.ErrorIs(t, err, ErrMissingPrebuiltParams)
	assert.ErrorIs(t, g.Validate("ad-selection-prebuilt://ad-selection/highest-bid-wins/"), ErrMissingPrebuiltParams)
}

func TestHighestBidWinsSubstitutesReportingURL(t *testing.T) {
	g := NewGenerator(true)
	uri := "ad-selection-prebuilt://ad-selection/highest-bid-wins/?reportingUrl=" + url.QueryEscape("https://seller.example/report")

	js, err := g.Generate(uri)
	require.NoError(t, err)
	assert.Contains(t, js, "let reporting_address = 'https://seller.example/report';")
	assert.NotContains(t, js, "${")

	engine := scriptengine.NewGojaEngine(zap.NewNop(), nil)
	out, err := engine.Evaluate(context.Background(), js,
		[]scriptengine.Argument{scriptengine.NullArg("ad"), scriptengine.NumericArg("bid", 4.5)},
		"scoreAd", scriptengine.IsolateSettings{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":0,"score":4.5}`, out)

	out, err = engine.Evaluate(context.Background(), js,
		[]scriptengine.Argument{
			scriptengine.NullArg("config"),
			scriptengine.StringArg("render_uri", "https://buyer.example/ad"),
			scriptengine.NumericArg("bid", 2),
		},
		"reportResult", scriptengine.IsolateSettings{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":0,"results":{"signals_for_buyer":"{\"signals_for_buyer\" : 1}",
		"reporting_uri":"https://seller.example/report?render_uri=https://buyer.example/ad?bid=2"}}`, out)
}

func TestWaterfallMediationTruncation(t *testing.T) {
	g := NewGenerator(true)
	js, err := g.Generate("ad-selection-prebuilt://ad-selection-from-outcomes/waterfall-mediation-truncation/?bidFloor=bid_floor")
	require.NoError(t, err)

	engine := scriptengine.NewGojaEngine(zap.NewNop(), nil)
	run := func(outcomes, signals string) string {
		o, err := scriptengine.JSONArg("outcomes", outcomes)
		require.NoError(t, err)
		s, err := scriptengine.JSONArg("selection_signals", signals)
		require.NoError(t, err)
		out, err := engine.Evaluate(context.Background(), js, []scriptengine.Argument{o, s}, "selectOutcome", scriptengine.IsolateSettings{})
		require.NoError(t, err)
		return out
	}

	assert.JSONEq(t, `{"status":0,"result":{"adSelectionId":"7","bid":3}}`,
		run(`[{"adSelectionId":"7","bid":3}]`, `{"bid_floor":2}`))
	assert.JSONEq(t, `{"status":0,"result":null}`,
		run(`[{"adSelectionId":"7","bid":1}]`, `{"bid_floor":2}`))
	assert.Equal(t, "null", run(`[{"adSelectionId":"7","bid":1}]`, `{}`))
}

func TestGenerateRejectsBadURIs(t *testing.T) {
	g := NewGenerator(true)

	tests := []struct {
		name string
		uri  string
		want error
	}{
		{name: "unknown use case", uri: "ad-selection-prebuilt://reporting/highest-bid-wins/", want: ErrUnknownPrebuiltLogic},
		{name: "unknown name", uri: "ad-selection-prebuilt://ad-selection/lowest-bid-wins/", want: ErrUnknownPrebuiltLogic},
		{name: "unknown param", uri: "ad-selection-prebuilt://ad-selection/highest-bid-wins/?reportingUrl=https://s.example&extra=1", want: ErrUnknownPrebuiltParam},
		{name: "identifier injection", uri: "ad-selection-prebuilt://ad-selection-from-outcomes/waterfall-mediation-truncation/?bidFloor=" + url.QueryEscape("x;while(1){}"), want: ErrInvalidPrebuiltParam},
		{name: "not prebuilt", uri: "https://seller.example/score.js", want: ErrUnknownPrebuiltLogic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Generate(tt.uri)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGenerateDisabled(t *testing.T) {
	_, err := NewGenerator(false).Generate("ad-selection-prebuilt://ad-selection/highest-bid-wins/?reportingUrl=x")
	assert.ErrorIs(t, err, ErrPrebuiltDisabled)
}

func TestIsPrebuiltURI(t *testing.T) {
	assert.True(t, IsPrebuiltURI("ad-selection-prebuilt://ad-selection/highest-bid-wins/"))
	assert.False(t, IsPrebuiltURI("https://ad-selection-prebuilt.example/"))
}

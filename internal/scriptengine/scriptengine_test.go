package scriptengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine() *GojaEngine {
	return NewGojaEngine(zap.NewNop(), nil)
}

func TestArgumentJSON(t *testing.T) {
	signals, err := JSONArg("signals", `{"a": 1}`)
	require.NoError(t, err)

	rec := RecordArg("ad",
		StringArg("render_uri", "https://buyer.example/a\"b"),
		NumericArg("bid", 1.5),
		NullArg("missing"),
		ArrayArg("keys", []Argument{StringArg("", "k1"), IntArg("", 2)}),
		signals,
	)
	assert.JSONEq(t,
		`{"render_uri":"https://buyer.example/a\"b","bid":1.5,"missing":null,"keys":["k1",2],"signals":{"a":1}}`,
		rec.JSON())

	_, err = JSONArg("bad", "{nope")
	assert.Error(t, err)

	arr, err := ArrayArgFromJSON("ads", `[{"x":1}, 2]`)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"x":1},2]`, arr.JSON())
	assert.Equal(t, []string{"ads", "ad"}, Names([]Argument{arr, rec}))
}

func TestEvaluateCallsEntryPointWithArguments(t *testing.T) {
	e := newTestEngine()
	script := `function entry(ad, bid) { return {status: 0, results: [{uri: ad.render_uri, doubled: bid * 2}]}; }`
	args := []Argument{
		RecordArg("ad", StringArg("render_uri", "https://buyer.example/1")),
		NumericArg("bid", 2.5),
	}

	out, err := e.Evaluate(context.Background(), script, args, "entry", IsolateSettings{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":0,"results":[{"uri":"https://buyer.example/1","doubled":5}]}`, out)
}

func TestEvaluateUndefinedReturnsNull(t *testing.T) {
	out, err := newTestEngine().Evaluate(context.Background(), `function entry() {}`, nil, "entry", IsolateSettings{})
	require.NoError(t, err)
	assert.Equal(t, "null", out)
}

func TestEvaluateFailures(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, `function entry( {`, nil, "entry", IsolateSettings{})
	assert.ErrorIs(t, err, ErrScriptFailure)

	_, err = e.Evaluate(ctx, `function other() {}`, nil, "entry", IsolateSettings{})
	assert.ErrorIs(t, err, ErrScriptFailure)

	_, err = e.Evaluate(ctx, `function entry() { throw new Error("boom"); }`, nil, "entry", IsolateSettings{})
	assert.ErrorIs(t, err, ErrScriptFailure)
}

func TestEvaluateInterruptsOnDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newTestEngine().Evaluate(ctx, `function entry() { while (true) {} }`, nil, "entry", IsolateSettings{})
	require.ErrorIs(t, err, ErrScriptTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEvaluateEnforcesHeapBudget(t *testing.T) {
	big := StringArg("payload", string(make([]byte, 2048)))
	_, err := newTestEngine().Evaluate(context.Background(), `function entry(p) { return 1; }`,
		[]Argument{big}, "entry", IsolateSettings{EnforceMaxHeapSize: true, MaxHeapSizeBytes: 1024})
	assert.ErrorIs(t, err, ErrHeapSizeExceeded)
}

func TestParseAuctionResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		status  int
		results int
		wantErr bool
	}{
		{name: "array", raw: `{"status":0,"results":[{"a":1},{"b":2}]}`, status: 0, results: 2},
		{name: "object", raw: `{"status":0,"results":{"a":1}}`, status: 0, results: 1},
		{name: "null results", raw: `{"status":-1,"results":null}`, status: -1, results: 0},
		{name: "missing results", raw: `{"status":3}`, status: 3, results: 0},
		{name: "missing status", raw: `{"results":[]}`, wantErr: true},
		{name: "string status", raw: `{"status":"0","results":[]}`, wantErr: true},
		{name: "fractional status", raw: `{"status":0.5,"results":[]}`, wantErr: true},
		{name: "not an object", raw: `null`, wantErr: true},
		{name: "scalar results", raw: `{"status":0,"results":5}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseAuctionResult(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEnvelope)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			assert.Len(t, res.Results, tt.results)
		})
	}
}

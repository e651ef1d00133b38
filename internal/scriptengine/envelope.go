package scriptengine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// StatusSuccess is the only status that marks a script result usable.
const StatusSuccess = 0

// ErrInvalidEnvelope is returned when a result is not a {status, results} object.
var ErrInvalidEnvelope = errors.New("malformed script result envelope")

// ScriptAuctionResult is the decoded envelope returned by every harness.
type ScriptAuctionResult struct {
	Status  int
	Results []json.RawMessage
}

// OK reports whether the script signalled success.
func (r ScriptAuctionResult) OK() bool { return r.Status == StatusSuccess }

// ParseAuctionResult decodes raw into an envelope. An object-valued results
// field is treated as a one element list; null results become empty.
func ParseAuctionResult(raw string) (ScriptAuctionResult, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env == nil {
		return ScriptAuctionResult{}, fmt.Errorf("%w: %q", ErrInvalidEnvelope, truncate(raw))
	}

	statusRaw, ok := env["status"]
	if !ok {
		return ScriptAuctionResult{}, fmt.Errorf("%w: missing status", ErrInvalidEnvelope)
	}
	var status float64
	if err := json.Unmarshal(statusRaw, &status); err != nil || status != math.Trunc(status) {
		return ScriptAuctionResult{}, fmt.Errorf("%w: status is not an integer", ErrInvalidEnvelope)
	}

	res := ScriptAuctionResult{Status: int(status)}
	results := bytes.TrimSpace(env["results"])
	switch {
	case len(results) == 0 || bytes.Equal(results, []byte("null")):
	case results[0] == '[':
		if err := json.Unmarshal(results, &res.Results); err != nil {
			return ScriptAuctionResult{}, fmt.Errorf("%w: results: %v", ErrInvalidEnvelope, err)
		}
	case results[0] == '{':
		res.Results = []json.RawMessage{json.RawMessage(results)}
	default:
		return ScriptAuctionResult{}, fmt.Errorf("%w: results must be an array or object", ErrInvalidEnvelope)
	}
	return res, nil
}

func truncate(s string) string {
	if len(s) > 128 {
		return s[:128] + "..."
	}
	return s
}

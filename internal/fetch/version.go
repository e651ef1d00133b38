package fetch

import (
	"strconv"
	"strings"
)

// PayloadTypeBuyerBiddingLogic is the payload type of buyer generateBid scripts.
const PayloadTypeBuyerBiddingLogic = "buyer_bidding_logic"

const (
	versionHeaderPrefix = "X_FLEDGE_"
	versionHeaderSuffix = "_VERSION"
)

// VersionHeaderName returns the header that negotiates the protocol version
// of a payload type, e.g. X_FLEDGE_BUYER_BIDDING_LOGIC_VERSION.
func VersionHeaderName(payloadType string) string {
	return versionHeaderPrefix + strings.ToUpper(payloadType) + versionHeaderSuffix
}

// DecisionLogic is fetched JS plus the versions the server declared.
// Downloaded is false for overrides and prebuilt templates.
type DecisionLogic struct {
	JS         string
	Versions   map[string]int64
	Downloaded bool
}

// Version returns the declared version of payloadType, 0 when absent.
func (d DecisionLogic) Version(payloadType string) int64 {
	return d.Versions[payloadType]
}

// ParseVersionHeaders maps version headers to versions by payload type.
// Headers with more than one value or a non numeric value are ignored.
func ParseVersionHeaders(headers map[string][]string) map[string]int64 {
	versions := make(map[string]int64)
	for name, values := range headers {
		upper := strings.ToUpper(name)
		if !strings.HasPrefix(upper, versionHeaderPrefix) || !strings.HasSuffix(upper, versionHeaderSuffix) {
			continue
		}
		payloadType := strings.TrimSuffix(strings.TrimPrefix(upper, versionHeaderPrefix), versionHeaderSuffix)
		if payloadType == "" || len(values) != 1 {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
		if err != nil {
			continue
		}
		versions[strings.ToLower(payloadType)] = v
	}
	return versions
}

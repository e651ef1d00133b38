package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/radiusdt/adselection/internal/models"
)

const (
	biddingSignalsKeysParam  = "keys"
	scoringSignalsRenderURIs = "renderuris"
)

// TrustedSignalsFetcher queries buyer and seller key/value servers.
type TrustedSignalsFetcher struct {
	client *Client
}

func NewTrustedSignalsFetcher(client *Client) *TrustedSignalsFetcher {
	return &TrustedSignalsFetcher{client: client}
}

// FetchBiddingSignals fetches uri?keys=k1,k2.
func (f *TrustedSignalsFetcher) FetchBiddingSignals(ctx context.Context, uri string, keys []string) (models.AdSelectionSignals, error) {
	return f.fetch(ctx, uri, biddingSignalsKeysParam, keys, KindTrustedBiddingSignals)
}

// FetchScoringSignals fetches uri?renderuris=u1,u2.
func (f *TrustedSignalsFetcher) FetchScoringSignals(ctx context.Context, uri string, renderURIs []string) (models.AdSelectionSignals, error) {
	return f.fetch(ctx, uri, scoringSignalsRenderURIs, renderURIs, KindTrustedScoringSignals)
}

func (f *TrustedSignalsFetcher) fetch(ctx context.Context, uri, param string, values []string, kind string) (models.AdSelectionSignals, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRequestURI, uri)
	}
	q := u.Query()
	q.Set(param, strings.Join(values, ","))
	u.RawQuery = q.Encode()

	p, err := f.client.FetchPayload(ctx, Request{URI: u.String(), Kind: kind})
	if err != nil {
		return "", err
	}
	signals, err := models.ParseSignals(p.Body)
	if err != nil {
		return "", fmt.Errorf("trusted signals from %s: %w", uri, err)
	}
	return signals, nil
}

// Package fetch downloads decision logic and trusted signals for auctions and
// reporting, with an optional response cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/metrics"
)

var (
	ErrInsecureURI       = errors.New("uri must use https")
	ErrUnexpectedStatus  = errors.New("unexpected response status")
	ErrResponseTooLarge  = errors.New("response exceeds size limit")
	ErrInvalidRequestURI = errors.New("invalid request uri")
)

// Kinds label fetches in logs and metrics.
const (
	KindBiddingLogic          = "bidding_logic"
	KindScoringLogic          = "scoring_logic"
	KindSelectionLogic        = "selection_logic"
	KindTrustedBiddingSignals = "trusted_bidding_signals"
	KindTrustedScoringSignals = "trusted_scoring_signals"
)

// Request describes one GET.
type Request struct {
	URI string
	// RequestHeaders are sent as is.
	RequestHeaders map[string]string
	// ResponseHeaderKeys lists the response headers copied into Payload.Headers.
	ResponseHeaderKeys []string
	UseCache           bool
	Kind               string
}

// Payload is a fetched body plus the requested response headers, keyed by the
// names in Request.ResponseHeaderKeys.
type Payload struct {
	Body    string              `json:"body"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// ClientConfig configures Client.
type ClientConfig struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	CacheTTL         time.Duration
	// AllowInsecure permits plain http URIs.
	AllowInsecure bool
	// Transport replaces http.DefaultTransport when set.
	Transport http.RoundTripper
}

// Client performs ad tech HTTP calls.
type Client struct {
	httpClient *http.Client
	cfg        ClientConfig
	cache      ResponseCache
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a client. cache may be nil to disable caching.
func NewClient(cfg ClientConfig, cache ResponseCache, logger *zap.Logger, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		cfg:     cfg,
		cache:   cache,
		logger:  logger,
		metrics: m,
	}
}

func (c *Client) checkURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRequestURI, uri)
	}
	if u.Scheme == "https" || (c.cfg.AllowInsecure && u.Scheme == "http") {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInsecureURI, uri)
}

// FetchPayload GETs req.URI. Successful responses are cached when
// req.UseCache is set and a cache is configured.
func (c *Client) FetchPayload(ctx context.Context, req Request) (Payload, error) {
	if err := c.checkURI(req.URI); err != nil {
		return Payload{}, err
	}

	key := cacheKey(req)
	if req.UseCache && c.cache != nil {
		p, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn("response cache read failed", zap.String("uri", req.URI), zap.Error(err))
		} else if ok {
			c.recordFetch(req.Kind, true)
			return *p, nil
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URI, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.RequestHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Payload{}, fmt.Errorf("fetch %s: %w", req.URI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Payload{}, fmt.Errorf("%w: %d from %s", ErrUnexpectedStatus, resp.StatusCode, req.URI)
	}

	body, err := c.readBody(resp.Body)
	if err != nil {
		return Payload{}, fmt.Errorf("fetch %s: %w", req.URI, err)
	}

	p := Payload{Body: body}
	if len(req.ResponseHeaderKeys) > 0 {
		p.Headers = make(map[string][]string, len(req.ResponseHeaderKeys))
		for _, k := range req.ResponseHeaderKeys {
			if vals := resp.Header.Values(k); len(vals) > 0 {
				p.Headers[k] = append([]string(nil), vals...)
			}
		}
	}
	c.recordFetch(req.Kind, false)

	if req.UseCache && c.cache != nil {
		if err := c.cache.Put(ctx, key, p, c.cfg.CacheTTL); err != nil {
			c.logger.Warn("response cache write failed", zap.String("uri", req.URI), zap.Error(err))
		}
	}

	c.logger.Debug("fetched payload",
		zap.String("uri", req.URI),
		zap.String("kind", req.Kind),
		zap.Int("bytes", len(body)),
	)
	return p, nil
}

// PostPlainText POSTs body as text/plain and discards the response.
func (c *Client) PostPlainText(ctx context.Context, uri, body string) error {
	if err := c.checkURI(uri); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	return c.doAndDiscard(req)
}

// GetAndReadNothing GETs uri and discards the response.
func (c *Client) GetAndReadNothing(ctx context.Context, uri string) error {
	if err := c.checkURI(uri); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doAndDiscard(req)
}

// CleanupCache evicts expired cache entries.
func (c *Client) CleanupCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Cleanup(ctx)
}

func (c *Client) doAndDiscard(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d from %s", ErrUnexpectedStatus, resp.StatusCode, req.URL)
	}
	return nil
}

func (c *Client) readBody(r io.Reader) (string, error) {
	if c.cfg.MaxResponseBytes <= 0 {
		b, err := io.ReadAll(r)
		return string(b), err
	}
	b, err := io.ReadAll(io.LimitReader(r, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(b)) > c.cfg.MaxResponseBytes {
		return "", ErrResponseTooLarge
	}
	return string(b), nil
}

func (c *Client) recordFetch(kind string, cacheHit bool) {
	if c.metrics != nil {
		c.metrics.RecordFetch(kind, cacheHit)
	}
}

// cacheKey covers the uri and request headers, since the version header
// changes what the server returns.
func cacheKey(req Request) string {
	if len(req.RequestHeaders) == 0 {
		return req.URI
	}
	names := make([]string, 0, len(req.RequestHeaders))
	for k := range req.RequestHeaders {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(req.URI)
	for _, k := range names {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(req.RequestHeaders[k])
	}
	return b.String()
}

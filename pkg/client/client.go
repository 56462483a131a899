// Package client provides an authenticated HTTP client for the catalog REST
// API with retry on transport failures and structured error classification.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/txn2/tardis-ingest/pkg/metrics"
)

const (
	apiPrefix = "/api/v1/"

	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 8
	defaultPageSize    = 100

	// UserAgent identifies this client to the catalog.
	UserAgent = "tardis-ingest/1.0"
)

// Config holds connection settings for the catalog.
type Config struct {
	// Hostname is the catalog base URL, e.g. https://catalog.example.org.
	Hostname string
	Username string
	APIKey   string

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// MaxAttempts is the total number of attempts for retryable failures.
	MaxAttempts int

	// ProxyHTTP and ProxyHTTPS route requests by scheme when set.
	ProxyHTTP  string
	ProxyHTTPS string

	// PageSize is the limit used by GetAll.
	PageSize int
}

// Client issues requests against the catalog REST API.
type Client struct {
	cfg        Config
	base       *url.URL
	http       *http.Client
	logger     *slog.Logger
	metrics    *metrics.Collectors
	newBackOff func() backoff.BackOff
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client built from Config.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records request metrics on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBackOff replaces the exponential backoff policy between attempts.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// New creates a catalog client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Hostname == "" {
		return nil, fmt.Errorf("catalog hostname is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.Hostname, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing catalog hostname: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("catalog hostname must be an absolute url: %q", cfg.Hostname)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	c := &Client{
		cfg:    cfg,
		base:   base,
		logger: slog.Default(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		transport, err := newTransport(cfg)
		if err != nil {
			return nil, err
		}
		c.http = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	}
	return c, nil
}

func newTransport(cfg Config) (*http.Transport, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- operator opt-in
	}

	var httpProxy, httpsProxy *url.URL
	var err error
	if cfg.ProxyHTTP != "" {
		if httpProxy, err = url.Parse(cfg.ProxyHTTP); err != nil {
			return nil, fmt.Errorf("parsing http proxy: %w", err)
		}
	}
	if cfg.ProxyHTTPS != "" {
		if httpsProxy, err = url.Parse(cfg.ProxyHTTPS); err != nil {
			return nil, fmt.Errorf("parsing https proxy: %w", err)
		}
	}
	if httpProxy != nil || httpsProxy != nil {
		t.Proxy = func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "https" {
				return httpsProxy, nil
			}
			return httpProxy, nil
		}
	}
	return t, nil
}

// Hostname returns the configured catalog base URL.
func (c *Client) Hostname() string {
	return c.base.String()
}

// Response is a successful catalog response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v. Numbers are kept as
// json.Number when v is untyped.
func (r *Response) Decode(v any) error {
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Request sends method to endpoint with optional query and JSON body.
//
// endpoint is either a resource name such as "experiment" or a resource path
// such as "/api/v1/experiment/3/". Connection failures and 502 responses are
// retried with exponential backoff up to MaxAttempts. Any other status of 400
// or above is returned at once as a *CatalogError.
func (c *Client) Request(ctx context.Context, method, endpoint string, query url.Values, body any) (*Response, error) {
	target := c.resolve(endpoint, query)

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	label := metricEndpoint(endpoint)
	attempts := 0
	var lastStatus int

	operation := func() (*Response, error) {
		attempts++
		start := time.Now()
		resp, status, err := c.do(ctx, method, target, payload)
		c.metrics.ObserveRequest(method, label, status, time.Since(start))
		lastStatus = status
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		return resp, nil
	}

	notify := func(err error, wait time.Duration) {
		c.metrics.IncRetry(label)
		c.logger.Warn("catalog request failed, retrying",
			"method", method, "url", target, "attempt", attempts, "wait", wait, "error", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxAttempts-1)), // #nosec G115 -- positive by construction
		ctx,
	)
	resp, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if err == nil {
		return resp, nil
	}

	var ce *CatalogError
	if errors.As(err, &ce) {
		return nil, ce
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	return nil, &TransportError{
		Method:     method,
		URL:        target,
		Attempts:   attempts,
		StatusCode: lastStatus,
		Err:        err,
	}
}

// do performs one attempt. Retryable failures are returned as plain errors,
// terminal ones wrapped in backoff.Permanent.
func (c *Client) do(ctx context.Context, method, target string, payload []byte) (*Response, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, 0, backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Authorization", fmt.Sprintf("ApiKey %s:%s", c.cfg.Username, c.cfg.APIKey))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusBadGateway:
		return nil, resp.StatusCode, ErrBadGateway
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, resp.StatusCode, backoff.Permanent(newCatalogError(method, target, resp, data))
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, resp.StatusCode, nil
}

// resolve builds the absolute URL for endpoint. Resource paths always end
// with a slash.
func (c *Client) resolve(endpoint string, query url.Values) string {
	p := endpoint
	if !strings.HasPrefix(p, apiPrefix) {
		p = apiPrefix + strings.TrimPrefix(p, "/")
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + p
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// metricEndpoint reduces an endpoint or resource path to its resource name
// to keep label cardinality bounded.
func metricEndpoint(endpoint string) string {
	trimmed := strings.Trim(strings.TrimPrefix(endpoint, apiPrefix), "/")
	if i := strings.Index(trimmed, "/"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

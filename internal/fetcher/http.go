package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/adbroker/internal/resilience"
)

const maxPayloadInError = 512

// Options configures a Client.
type Options struct {
	// Network names the upstream for logs and errors.
	Network   string
	UserAgent string
	// Timeout bounds a single attempt. Default: 8s.
	Timeout time.Duration
	Retry   resilience.RetryConfig
	// RateLimit caps outbound requests per second. Zero disables limiting.
	RateLimit rate.Limit
	Burst     int
	// MaxBodyBytes caps the bytes read from a response. Default: 4 MiB.
	MaxBodyBytes int64
	HTTPClient   *http.Client
}

// Client is a per-network HTTP client with retry and rate limiting.
type Client struct {
	http    *http.Client
	opts    Options
	limiter *rate.Limiter
	nowFunc func() time.Time
}

// NewClient creates a Client with the given options.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "adbroker/1.0"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger(opts.Network, "fetch")
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	return &Client{
		http:    hc,
		opts:    opts,
		limiter: limiter,
		nowFunc: time.Now,
	}
}

// Network returns the upstream name the client was built for.
func (c *Client) Network() string {
	return c.opts.Network
}

// Do performs req against ep, retrying retryable failures. Each attempt gets
// a fresh timeout.
func (c *Client) Do(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	return resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context, _ int) (*Response, error) {
		return c.attempt(ctx, ep, req)
	})
}

// FetchFirst tries endpoints in order. A 404 advances to the next candidate;
// any other error, or running out of candidates, is final.
func (c *Client) FetchFirst(ctx context.Context, endpoints []Endpoint, req Request) (*Response, error) {
	if len(endpoints) == 0 {
		return nil, eris.Errorf("fetcher: %s: no endpoints configured", c.opts.Network)
	}

	var lastErr error
	for _, ep := range endpoints {
		resp, err := c.Do(ctx, ep, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var ue *resilience.UpstreamError
		if errors.As(err, &ue) && ue.StatusCode == http.StatusNotFound {
			zap.L().Debug("fetcher: endpoint not found, trying next",
				zap.String("network", c.opts.Network),
				zap.String("endpoint", ep.String()),
			)
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(actx); err != nil {
			return nil, c.classifyTransportErr(ctx, actx, ep, err)
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := ep.URL()
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(actx, method, target, body)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransportErr(ctx, actx, ep, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes))
	if err != nil {
		return nil, c.classifyTransportErr(ctx, actx, ep, err)
	}

	if resp.StatusCode >= 400 {
		ue := &resilience.UpstreamError{
			StatusCode: resp.StatusCode,
			Payload:    truncate(string(data), maxPayloadInError),
			Path:       ep.Path,
			BaseURL:    ep.BaseURL,
		}
		if ra, ok := resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), c.nowFunc()); ok {
			ue.RetryAfter = ra
		}
		return nil, ue
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Endpoint:   ep,
	}, nil
}

// classifyTransportErr maps a failed attempt onto the error taxonomy: the
// attempt's own deadline is a TimeoutError, the caller's cancellation is
// returned as-is, anything else is an UpstreamError carrying the cause.
func (c *Client) classifyTransportErr(parent, attemptCtx context.Context, ep Endpoint, err error) error {
	if parent.Err() != nil {
		return eris.Wrap(parent.Err(), "fetcher: caller cancelled")
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &resilience.TimeoutError{Op: c.opts.Network + " " + ep.String(), Timeout: c.opts.Timeout}
	}
	return &resilience.UpstreamError{Path: ep.Path, BaseURL: ep.BaseURL, Cause: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

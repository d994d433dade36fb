// Package restclient is the shared HTTP transport for provider adapters: one
// request per call, token-bucket rate limiting, and HTTP status to ports
// sentinel mapping.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"powertrader/internal/ports"
)

const maxErrorBody = 512

// Option configures a Client.
type Option func(*Client)

// Signer authenticates an outgoing request. body is the exact payload sent.
type Signer func(req *http.Request, body []byte) error

// Request describes a single call relative to the client's base URL.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
	Signed  bool
}

// HTTPError carries a non-2xx response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	signer  Signer
	logger  ports.Logger

	mu        sync.Mutex
	remaining int
	reset     time.Time
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRateLimit allows rps requests per second with the given burst. rps <= 0
// disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithSigner sets the signer used for Signed requests.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger enables debug logging of rate-limit headroom.
func WithLogger(l ports.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		timeout:   15 * time.Second,
		limiter:   rate.NewLimiter(rate.Limit(5), 5),
		remaining: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.timeout}
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// RateLimit returns the last seen X-RateLimit-Remaining (-1 when unknown) and reset time.
func (c *Client) RateLimit() (int, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining, c.reset
}

// Do performs exactly one HTTP request and decodes a 2xx JSON body into dest
// (skipped when dest is nil). Errors wrap a ports sentinel.
func (c *Client) Do(ctx context.Context, op string, r Request, dest interface{}) error {
	raw, err := c.DoRaw(ctx, op, r)
	if err != nil {
		return err
	}
	if dest == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("%s failed: %w: decode response: %w", op, ports.ErrUnknown, err)
	}
	return nil
}

// DoRaw is Do without decoding.
func (c *Client) DoRaw(ctx context.Context, op string, r Request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, wrapTransport(op, err)
		}
	}

	target := c.baseURL + r.Path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if r.Signed {
		if c.signer == nil {
			return nil, fmt.Errorf("%s failed: %w: no signer configured", op, ports.ErrConfigurationError)
		}
		if err := c.signer(req, r.Body); err != nil {
			return nil, fmt.Errorf("%s failed: %w: sign request: %w", op, ports.ErrConfigurationError, err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapTransport(op, err)
	}
	defer resp.Body.Close()
	c.trackRateLimit(ctx, resp.Header)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := string(raw)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return raw, fmt.Errorf("%s failed: %w: %w", op, MapStatus(resp.StatusCode), &HTTPError{Status: resp.StatusCode, Body: text})
	}
	return raw, nil
}

// MapStatus maps an HTTP status code to a ports sentinel.
func MapStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		return ports.ErrRateLimited
	case status == http.StatusUnauthorized:
		return ports.ErrAuthenticationFailed
	case status == http.StatusForbidden:
		return ports.ErrPermissionDenied
	case status == http.StatusNotFound:
		return ports.ErrNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ports.ErrTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ports.ErrInvalidRequest
	case status >= 500:
		return ports.ErrExchangeUnavailable
	default:
		return ports.ErrUnknown
	}
}

func wrapTransport(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrContextCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrTimeout, err)
	default:
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrConnectionFailed, err)
	}
}

func (c *Client) trackRateLimit(ctx context.Context, h http.Header) {
	rem := h.Get("X-RateLimit-Remaining")
	if rem == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(rem))
	if err != nil {
		return
	}
	var reset time.Time
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			// Small values are seconds-until-reset, large ones an epoch.
			if secs < 1_000_000_000 {
				reset = time.Now().Add(time.Duration(secs) * time.Second)
			} else {
				reset = time.Unix(secs, 0)
			}
		}
	}
	c.mu.Lock()
	c.remaining, c.reset = n, reset
	c.mu.Unlock()
	if n <= 1 && c.logger != nil {
		c.logger.Warn(ctx, "rate limit nearly exhausted", map[string]interface{}{
			"base_url": c.baseURL, "remaining": n, "reset": reset,
		})
	}
}

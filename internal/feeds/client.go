package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrNetwork marks transient fetch failures: transport errors, timeouts and
// unexpected HTTP statuses.
var ErrNetwork = errors.New("network error")

const maxBodySize = 10 << 20

type ClientOptions struct {
	Timeout     time.Duration
	RatePerHost float64
	Burst       int
	UserAgent   string
	// BypassProxy is a url template containing "{url}".
	BypassProxy string
	HTTPClient  *http.Client
}

// Client performs rate-limited, time-bounded GETs.
type Client struct {
	http      *http.Client
	timeout   time.Duration
	userAgent string
	bypass    string
	limit     rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(opts ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "courier/1.0"
	}
	limit := rate.Inf
	if opts.RatePerHost > 0 {
		limit = rate.Limit(opts.RatePerHost)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Client{
		http:      opts.HTTPClient,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		bypass:    opts.BypassProxy,
		limit:     limit,
		burst:     opts.Burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

type GetOptions struct {
	// Bypass fetches through the bypass proxy with caching disabled.
	Bypass       bool
	ETag         string
	LastModified string
}

type Response struct {
	Body         []byte
	ETag         string
	LastModified string
	NotModified  bool
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[host] = l
	}
	return l
}

// BypassURL returns the url actually requested for a bypass fetch.
func (c *Client) BypassURL(pageURL string) string {
	if c.bypass == "" {
		return pageURL
	}
	return strings.ReplaceAll(c.bypass, "{url}", url.QueryEscape(pageURL))
}

// Get fetches rawURL. Conditional headers are sent when set; a 304 answer
// yields NotModified. The whole call, including waiting for the host's rate
// limiter, is bounded by the client timeout.
func (c *Client) Get(ctx context.Context, rawURL string, opts GetOptions) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := rawURL
	if opts.Bypass {
		target = c.BypassURL(rawURL)
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", target)
	}

	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait for %s: %w", ErrNetwork, u.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", target, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if opts.Bypass {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	} else {
		if opts.ETag != "" {
			req.Header.Set("If-None-Match", opts.ETag)
		}
		if opts.LastModified != "" {
			req.Header.Set("If-Modified-Since", opts.LastModified)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", ErrNetwork, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Response{NotModified: true, ETag: opts.ETag, LastModified: opts.LastModified}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrNetwork, rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNetwork, rawURL, err)
	}

	return &Response{
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

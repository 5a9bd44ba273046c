// Package netcheck reports network reachability.
package netcheck

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Checker reports whether the network is currently usable.
type Checker interface {
	Online(ctx context.Context) bool
}

// HTTPProbe is online when a GET of its url answers with a 2xx or 3xx status
// within the timeout.
type HTTPProbe struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPProbe(url string, timeout time.Duration, client *http.Client) *HTTPProbe {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProbe{url: url, timeout: timeout, client: client}
}

func (p *HTTPProbe) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 400
}

// Static is a Checker whose state is set by the caller, e.g. from a platform
// reachability callback.
type Static struct {
	online atomic.Bool
}

func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

func (s *Static) Online(context.Context) bool { return s.online.Load() }

func (s *Static) Set(online bool) { s.online.Store(online) }

// Watch polls c every interval until ctx is done and calls onChange whenever
// the state differs from the previous poll. The first poll always reports.
func Watch(ctx context.Context, c Checker, interval time.Duration, logger *slog.Logger, onChange func(online bool)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	first := true
	var last bool
	for {
		online := c.Online(ctx)
		if ctx.Err() != nil {
			return
		}
		if first || online != last {
			if logger != nil {
				logger.Info("network state changed", "online", online)
			}
			onChange(online)
			first = false
			last = online
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

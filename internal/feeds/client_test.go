package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientSetsUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "courier-test" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{UserAgent: "courier-test"})
	resp, err := c.Get(context.Background(), srv.URL, GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestClientRateLimitsPerHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	// 10 rps with burst 1: three calls need at least ~200ms.
	c := NewClient(ClientOptions{RatePerHost: 10, Burst: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Get(context.Background(), srv.URL, GetOptions{}); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("rate limiter not applied: 3 calls took %v", elapsed)
	}
}

func TestClientRateLimitWaitCountsAgainstTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := NewClient(ClientOptions{RatePerHost: 0.1, Burst: 1, Timeout: 50 * time.Millisecond})
	if _, err := c.Get(context.Background(), srv.URL, GetOptions{}); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	_, err := c.Get(context.Background(), srv.URL, GetOptions{})
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("expected ErrNetwork when the limiter cannot admit in time, got %v", err)
	}
}

func TestClientBypassURL(t *testing.T) {
	c := NewClient(ClientOptions{BypassProxy: "https://proxy.test/get?url={url}"})
	got := c.BypassURL("https://paper.test/a?b=1&c=2")
	want := "https://proxy.test/get?url=https%3A%2F%2Fpaper.test%2Fa%3Fb%3D1%26c%3D2"
	if got != want {
		t.Errorf("BypassURL = %q, want %q", got, want)
	}

	direct := NewClient(ClientOptions{})
	if direct.BypassURL("https://paper.test/a") != "https://paper.test/a" {
		t.Error("BypassURL without proxy should return the page url")
	}
}

func TestClientInvalidURL(t *testing.T) {
	c := NewClient(ClientOptions{})
	if _, err := c.Get(context.Background(), "not a url", GetOptions{}); err == nil {
		t.Error("expected error for invalid url")
	}
}

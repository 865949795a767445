package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCanFetchHonorsRobots(t *testing.T) {
	t.Parallel()

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked\nDisallow: /search?")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/some/deep/path"
	p, err := New(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)

	require.True(t, p.CanFetch(srv.URL+"/allowed"))
	require.False(t, p.CanFetch(srv.URL+"/blocked"))
	require.False(t, p.CanFetch(srv.URL+"/blocked/child"))
	require.False(t, p.CanFetch(srv.URL+"/search?q=pe"))
	require.True(t, p.CanFetch("https://other.example/blocked"), "other hosts are outside the policy")
	require.Equal(t, int32(1), robotsHits.Load(), "robots.txt is fetched once at construction")
}

func TestCanFetchAlwaysTrueWhenRobotsIgnored(t *testing.T) {
	t.Parallel()

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		robotsHits.Add(1)
		fmt.Fprintln(w, "User-agent: *\nDisallow: /")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RespectRobots = false
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)

	for _, u := range []string{srv.URL, srv.URL + "/anything", "https://example.com/x", "::not a url::"} {
		require.True(t, p.CanFetch(u), u)
	}
	require.Zero(t, robotsHits.Load())
}

func TestNewFailsOpenWhenRobotsUnavailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		client Doer
	}{
		{
			name: "transport error",
			client: doerFunc(func(*http.Request) (*http.Response, error) {
				return nil, errors.New("dial tcp: connection refused")
			}),
		},
		{
			name: "not found",
			client: doerFunc(func(r *http.Request) (*http.Response, error) {
				return newResponse(r, http.StatusNotFound, "nope"), nil
			}),
		},
		{
			name: "unexpected status",
			client: doerFunc(func(r *http.Request) (*http.Response, error) {
				return newResponse(r, 199, ""), nil
			}),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			cfg.BaseURL = "https://example.com"
			p, err := New(context.Background(), cfg, WithHTTPClient(tt.client))
			require.NoError(t, err)
			require.True(t, p.CanFetch("https://example.com/anything"))
		})
	}
}

func TestRobotsErrorStatusFailsOpen(t *testing.T) {
	t.Parallel()

	statuses := []int{
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusMovedPermanently,
	}
	for _, status := range statuses {
		status := status
		t.Run(http.StatusText(status), func(t *testing.T) {
			t.Parallel()

			client := doerFunc(func(r *http.Request) (*http.Response, error) {
				return newResponse(r, status, "User-agent: *\nDisallow: /"), nil
			})
			cfg := DefaultConfig()
			cfg.BaseURL = "https://example.com"
			p, err := New(context.Background(), cfg, WithHTTPClient(client))
			require.NoError(t, err)
			require.True(t, p.CanFetch("https://example.com/news"))
		})
	}
}

func TestRobotsRequestUsesSessionHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotPath string
	client := doerFunc(func(r *http.Request) (*http.Response, error) {
		gotUA = r.Header.Get("User-Agent")
		gotPath = r.URL.Path
		return newResponse(r, http.StatusOK, "User-agent: *\nAllow: /"), nil
	})
	cfg := Config{
		BaseURL:       "https://example.com/docs/index.html",
		Headers:       map[string]string{"User-Agent": "finbot/2.0"},
		MaxRetries:    1,
		Timeout:       time.Second,
		RespectRobots: true,
	}
	_, err := New(context.Background(), cfg, WithHTTPClient(client))
	require.NoError(t, err)
	require.Equal(t, "finbot/2.0", gotUA)
	require.Equal(t, "/robots.txt", gotPath)
}

func TestNewSkipsRobotsWithoutBaseURL(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := doerFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return newResponse(r, http.StatusOK, "User-agent: *\nDisallow: /"), nil
	})
	p, err := New(context.Background(), DefaultConfig(), WithHTTPClient(client))
	require.NoError(t, err)
	require.Zero(t, calls.Load())
	require.True(t, p.CanFetch("https://example.com/"))
}

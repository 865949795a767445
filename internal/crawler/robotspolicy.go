package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const (
	robotsAgent    = "*"
	robotsMaxBytes = 1 << 20
)

// robotsPolicy holds the parsed robots.txt for the base URL's host. A nil data
// field means allow-all.
type robotsPolicy struct {
	host string
	data *robotstxt.RobotsData
}

// allowAllPolicy is used when robots are ignored or could not be loaded.
func allowAllPolicy() *robotsPolicy {
	return &robotsPolicy{}
}

// loadRobotsPolicy fetches and parses {base}/robots.txt. It never fails: any
// error is logged and yields an allow-all policy.
func loadRobotsPolicy(ctx context.Context, client Doer, cfg Config, logger *zap.Logger) *robotsPolicy {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		logger.Warn("Failed to parse robots.txt; allowing all", zap.String("base_url", cfg.BaseURL), zap.Error(err))
		return allowAllPolicy()
	}
	robotsURL := base.ResolveReference(&url.URL{Path: "/robots.txt"})

	data, err := fetchRobots(ctx, client, robotsURL.String(), cfg.Headers)
	if err != nil {
		logger.Warn("Failed to parse robots.txt; allowing all", zap.String("url", robotsURL.String()), zap.Error(err))
		return allowAllPolicy()
	}
	logger.Info("Parsed robots.txt", zap.String("url", robotsURL.String()))
	return &robotsPolicy{
		host: strings.ToLower(base.Host),
		data: data,
	}
}

func fetchRobots(ctx context.Context, client Doer, robotsURL string, headers map[string]string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("fetch robots: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

// allowed reports whether the "*" group permits rawURL. URLs on other hosts
// are outside this policy and always allowed.
func (p *robotsPolicy) allowed(rawURL string) (bool, error) {
	if p == nil || p.data == nil {
		return true, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true, fmt.Errorf("parse url: %w", err)
	}
	if u.Host != "" && !strings.EqualFold(u.Host, p.host) {
		return true, nil
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return p.data.TestAgent(target, robotsAgent), nil
}

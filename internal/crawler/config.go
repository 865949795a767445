package crawler

import (
	"fmt"
	"maps"
	"net/url"
	"time"
)

// DefaultUserAgent is sent when no headers are configured.
const DefaultUserAgent = "Mozilla/5.0 (Linux; Android 6.0; Nexus 5 Build/MRA58N) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Mobile Safari/537.36"

// Config captures every knob that influences a pipeline. It is copied into the
// Pipeline at construction and never mutated afterwards.
type Config struct {
	// BaseURL anchors the robots.txt lookup. Empty disables the lookup.
	BaseURL string
	// Headers are attached to every request made through the session.
	Headers map[string]string
	// Delay is slept once per Run before fetching.
	Delay time.Duration
	// MaxRetries is the total number of attempts made by RequestWithRetry.
	MaxRetries int
	// Timeout bounds each individual HTTP request.
	Timeout time.Duration
	// RespectRobots enables robots.txt enforcement.
	RespectRobots bool
	// Proxy is an optional proxy URL used for both http and https.
	Proxy string
}

// DefaultConfig returns the defaults used when a field is not overridden.
func DefaultConfig() Config {
	return Config{
		Headers:       defaultHeaders(),
		Delay:         time.Second,
		MaxRetries:    3,
		Timeout:       10 * time.Second,
		RespectRobots: true,
	}
}

func defaultHeaders() map[string]string {
	return map[string]string{"User-Agent": DefaultUserAgent}
}

// Validate checks for obviously bad configuration values.
func (c Config) Validate() error {
	if c.Delay < 0 {
		return fmt.Errorf("crawler.delay must be >= 0")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("crawler.max_retries must be >= 1")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("crawler.timeout must be > 0")
	}
	if c.BaseURL != "" {
		if _, err := url.Parse(c.BaseURL); err != nil {
			return fmt.Errorf("crawler.base_url is invalid: %w", err)
		}
	}
	if c.Proxy != "" {
		if _, err := parseProxy(c.Proxy); err != nil {
			return err
		}
	}
	return nil
}

// clone returns a deep copy so callers cannot mutate pipeline state.
func (c Config) clone() Config {
	out := c
	if len(c.Headers) == 0 {
		out.Headers = defaultHeaders()
	} else {
		out.Headers = maps.Clone(c.Headers)
	}
	return out
}

func parseProxy(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("crawler.proxy is invalid: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("crawler.proxy must include scheme and host")
	}
	return u, nil
}

package crawler

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Pool hands out one Pipeline per origin so that every host is checked
// against its own robots.txt. Pipelines share the base pipeline's session
// client, sleeper and logger.
type Pool struct {
	base *Pipeline

	mu       sync.Mutex
	byOrigin map[string]*Pipeline
}

// NewPool builds the base Pipeline from cfg and wraps it in a Pool.
func NewPool(ctx context.Context, cfg Config, opts ...Option) (*Pool, error) {
	base, err := New(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	pool := &Pool{base: base, byOrigin: make(map[string]*Pipeline)}
	if origin, ok := originOf(cfg.BaseURL); ok && cfg.RespectRobots {
		pool.byOrigin[origin] = base
	}
	return pool, nil
}

// Base returns the Pipeline built from the configured base URL. Sources use
// it for their HTTP session.
func (p *Pool) Base() *Pipeline {
	return p.base
}

// For returns the Pipeline whose robots policy covers rawURL. The first call
// for a new origin fetches that origin's robots.txt. Unparseable URLs and
// disabled robots get the base Pipeline.
func (p *Pool) For(ctx context.Context, rawURL string) (*Pipeline, error) {
	if !p.base.cfg.RespectRobots {
		return p.base, nil
	}
	origin, ok := originOf(rawURL)
	if !ok {
		return p.base, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pipeline, ok := p.byOrigin[origin]; ok {
		return pipeline, nil
	}

	cfg := p.base.cfg.clone()
	cfg.BaseURL = origin
	pipeline, err := New(ctx, cfg,
		WithHTTPClient(p.base.client),
		WithSleeper(p.base.sleep),
		WithLogger(p.base.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline for %s: %w", origin, err)
	}
	p.base.logger.Debug("Created pipeline for origin", zap.String("origin", origin))
	p.byOrigin[origin] = pipeline
	return pipeline, nil
}

// originOf returns the lowercase scheme://host of an absolute http(s) URL.
func originOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}

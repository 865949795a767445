// Package discover expands a seed URL into same-host links using colly.
package discover

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Config controls how far discovery reaches.
type Config struct {
	// MaxDepth is the number of link hops followed from the seed. Zero returns
	// only the seed.
	MaxDepth int
	// MaxPages caps the number of URLs returned, seed included. Zero means no cap.
	MaxPages      int
	RespectRobots bool
	Headers       map[string]string
	Timeout       time.Duration
	Proxy         string
}

// Discoverer walks links with a colly collector.
type Discoverer struct {
	cfg       Config
	transport http.RoundTripper
	logger    *zap.Logger
}

// New creates a Discoverer. A nil logger discards output.
func New(cfg Config, logger *zap.Logger) (*Discoverer, error) {
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("discover.max_depth must be >= 0")
	}
	if cfg.MaxPages < 0 {
		return nil, fmt.Errorf("discover.max_pages must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{cfg: cfg, transport: newHTTPTransport(), logger: logger}, nil
}

// Discover returns absolute, fragment-free URLs on the seed's host in
// discovery order, seed first.
func (d *Discoverer) Discover(ctx context.Context, seed string) ([]string, error) {
	seedURL, err := url.Parse(seed)
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if seedURL.Scheme != "http" && seedURL.Scheme != "https" {
		return nil, fmt.Errorf("seed %q must be an http(s) URL", seed)
	}
	seedURL.Fragment = ""

	found := newURLSet(d.cfg.MaxPages)
	found.add(seedURL.String())
	if d.cfg.MaxDepth == 0 || found.full() {
		return found.list(), nil
	}

	collector, err := d.buildCollector(ctx, seedURL.Hostname())
	if err != nil {
		return nil, err
	}

	var seedErr error
	collector.OnError(func(r *colly.Response, err error) {
		if r.Request.Depth == 1 {
			seedErr = err
			return
		}
		d.logger.Warn("Discovery request failed", zap.String("url", r.Request.URL.String()), zap.Error(err))
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link, ok := normalize(e.Request.AbsoluteURL(e.Attr("href")), seedURL.Hostname())
		if !ok || !found.add(link) {
			return
		}
		d.logger.Debug("Discovered link", zap.String("url", link), zap.Int("depth", e.Request.Depth))
		if e.Request.Depth >= d.cfg.MaxDepth {
			return
		}
		if err := e.Request.Visit(link); err != nil && !ignorableVisitError(err) {
			d.logger.Debug("Skipping link", zap.String("url", link), zap.Error(err))
		}
	})

	if err := collector.Visit(seedURL.String()); err != nil && !ignorableVisitError(err) {
		return nil, fmt.Errorf("visit seed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discover canceled: %w", err)
	}
	if seedErr != nil {
		return nil, fmt.Errorf("fetch seed: %w", seedErr)
	}
	return found.list(), nil
}

func (d *Discoverer) buildCollector(ctx context.Context, host string) (*colly.Collector, error) {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowedDomains(host),
		colly.MaxDepth(d.cfg.MaxDepth+1),
	)
	c.IgnoreRobotsTxt = !d.cfg.RespectRobots
	c.WithTransport(d.transport)
	c.SetRequestTimeout(d.cfg.Timeout)
	if ua := headerValue(d.cfg.Headers, "User-Agent"); ua != "" {
		c.UserAgent = ua
	}
	if d.cfg.Proxy != "" {
		if err := c.SetProxy(d.cfg.Proxy); err != nil {
			return nil, fmt.Errorf("discover proxy: %w", err)
		}
	}
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		for k, v := range d.cfg.Headers {
			r.Headers.Set(k, v)
		}
	})
	return c, nil
}

func normalize(raw, host string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !strings.EqualFold(u.Hostname(), host) {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

func ignorableVisitError(err error) bool {
	return errors.Is(err, colly.ErrMaxDepth) ||
		errors.Is(err, colly.ErrRobotsTxtBlocked) ||
		errors.Is(err, colly.ErrForbiddenDomain)
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if http.CanonicalHeaderKey(k) == key {
			return v
		}
	}
	return ""
}

// urlSet keeps insertion order and enforces the page cap.
type urlSet struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
	order []string
}

func newURLSet(limit int) *urlSet {
	return &urlSet{limit: limit, seen: make(map[string]struct{})}
}

func (s *urlSet) add(u string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[u]; ok {
		return false
	}
	if s.limit > 0 && len(s.order) >= s.limit {
		return false
	}
	s.seen[u] = struct{}{}
	s.order = append(s.order, u)
	return true
}

func (s *urlSet) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit > 0 && len(s.order) >= s.limit
}

func (s *urlSet) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

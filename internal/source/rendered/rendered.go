// Package rendered implements a crawl source that renders pages in headless
// Chrome before extracting their text.
package rendered

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/finresearch-crawler/internal/crawler"
	"github.com/JakeFAU/finresearch-crawler/internal/source/htmlpage"
)

const defaultNavigationTimeout = 45 * time.Second

// Config controls the browser session.
type Config struct {
	// MaxParallel bounds concurrent tabs. Zero means unbounded.
	MaxParallel int
	UserAgent   string
	// Headers are sent with every navigation, except User-Agent which is
	// applied through emulation.
	Headers           map[string]string
	Proxy             string
	NavigationTimeout time.Duration
	// WaitSelector must be ready before the DOM is captured.
	WaitSelector string
	// Settle is an extra pause after WaitSelector for late scripts.
	Settle time.Duration
	Parse  htmlpage.Config
}

// ConfigFromCrawler derives browser settings from the pipeline session so
// rendered fetches look like the pipeline's own requests.
func ConfigFromCrawler(cfg crawler.Config, parse htmlpage.Config) Config {
	headers := make(map[string]string, len(cfg.Headers))
	var userAgent string
	for k, v := range cfg.Headers {
		if http.CanonicalHeaderKey(k) == "User-Agent" {
			userAgent = v
			continue
		}
		headers[k] = v
	}
	return Config{
		UserAgent:         userAgent,
		Headers:           headers,
		Proxy:             cfg.Proxy,
		NavigationTimeout: cfg.Timeout,
		WaitSelector:      "body",
		Settle:            500 * time.Millisecond,
		Parse:             parse,
	}
}

type page struct {
	html     string
	finalURL string
}

type renderFunc func(ctx context.Context, target string, meta *responseMeta) (page, error)

// Source renders pages with chromedp.
type Source struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	render      renderFunc
	now         func() time.Time
}

// New starts a browser allocator. Call Close to release it.
func New(cfg Config) (*Source, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("rendered.max_parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.Proxy))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	s := &Source{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		now:         func() time.Time { return time.Now().UTC() },
	}
	s.render = s.renderChrome
	return s, nil
}

// Close shuts the browser down.
func (s *Source) Close() {
	if s.allocCancel != nil {
		s.allocCancel()
	}
}

// Fetch implements crawler.Source by navigating to rawURL and capturing the
// rendered DOM.
func (s *Source) Fetch(ctx context.Context, rawURL string, params url.Values) (crawler.Payload, error) {
	target, err := crawler.AppendParams(rawURL, params)
	if err != nil {
		return crawler.Payload{}, fmt.Errorf("build render url: %w", err)
	}
	if err := s.acquire(ctx); err != nil {
		return crawler.Payload{}, err
	}
	defer s.release()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	rendered, err := s.render(ctx, target, meta)
	if err != nil {
		return crawler.Payload{}, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(target, rendered.finalURL)
	if status >= http.StatusBadRequest {
		return crawler.Payload{}, &crawler.StatusError{Method: http.MethodGet, URL: responseURL, StatusCode: status}
	}
	return crawler.Payload{
		URL:         responseURL,
		StatusCode:  status,
		Header:      headers,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(rendered.html),
		FetchedAt:   s.now(),
	}, nil
}

// Parse implements crawler.Source.
func (s *Source) Parse(payload crawler.Payload) ([]crawler.Record, error) {
	return htmlpage.Parse(payload, s.cfg.Parse)
}

func (s *Source) renderChrome(ctx context.Context, target string, meta *responseMeta) (page, error) {
	tabCtx, tabCancel := chromedp.NewContext(s.allocator)
	defer tabCancel()
	// Tie the tab to the caller's deadline and cancellation.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var out page
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady(s.cfg.WaitSelector, chromedp.ByQuery),
	}
	if s.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(s.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&out.finalURL),
		chromedp.OuterHTML("html", &out.html, chromedp.ByQuery),
	)
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return page{}, fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return page{}, &crawler.TransportError{Method: http.MethodGet, URL: target, Err: err}
	}
	return out, nil
}

func (s *Source) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(s.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(s.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (s *Source) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (s *Source) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

// responseMeta records the status and headers of the main document response.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Later documents are frames; only a redirect is replaced.
	if m.status != 0 && (m.status < 300 || m.status >= 400) {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, responseURL := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case finalURL != "":
		responseURL = finalURL
	case responseURL == "":
		responseURL = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, responseURL
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := make(network.Headers, len(h))
	for k, v := range h {
		headers[k] = v
	}
	return headers
}

package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/finresearch-crawler/internal/metrics"
)

// Pipeline orchestrates a compliant, rate-limited, retrying crawl.
type Pipeline struct {
	cfg    Config
	client Doer
	robots *robotsPolicy
	sleep  Sleeper
	logger *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHTTPClient replaces the session client. The caller is then responsible
// for timeouts and proxies.
func WithHTTPClient(client Doer) Option {
	return func(p *Pipeline) {
		if client != nil {
			p.client = client
		}
	}
}

// WithSleeper replaces the sleep used for rate limiting and backoff.
func WithSleeper(sleep Sleeper) Option {
	return func(p *Pipeline) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// New builds a Pipeline. When robots are respected and a base URL is set,
// robots.txt is fetched eagerly; failures fall back to allow-all and are only
// logged. An error is returned only for an invalid Config.
func New(ctx context.Context, cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.clone()

	p := &Pipeline{
		cfg:    cfg,
		robots: allowAllPolicy(),
		sleep:  timerSleep,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		client, err := newSessionClient(cfg)
		if err != nil {
			return nil, err
		}
		p.client = client
	}
	metrics.Init()

	if cfg.RespectRobots && cfg.BaseURL != "" {
		p.robots = loadRobotsPolicy(ctx, p.client, cfg, p.logger)
	}
	return p, nil
}

func newSessionClient(cfg Config) (*http.Client, error) {
	transport := &http.Transport{
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
	if cfg.Proxy != "" {
		proxyURL, err := parseProxy(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}, nil
}

// Config returns a copy of the pipeline configuration.
func (p *Pipeline) Config() Config {
	return p.cfg.clone()
}

// CanFetch reports whether robots.txt allows crawling rawURL for user-agent
// "*". It fails open.
func (p *Pipeline) CanFetch(rawURL string) bool {
	if !p.cfg.RespectRobots {
		return true
	}
	ok, err := p.robots.allowed(rawURL)
	if err != nil {
		p.logger.Debug("robots check failed; allowing", zap.String("url", rawURL), zap.Error(err))
		return true
	}
	return ok
}

// Run executes robots check → rate limit → fetch → parse → store for rawURL.
// A URL disallowed by robots.txt yields an empty result and a nil error; it is
// only visible in the logs. Fetch and parse errors are returned unchanged in
// kind, wrapped with the URL.
func (p *Pipeline) Run(
	ctx context.Context,
	src Source,
	rawURL string,
	params url.Values,
	store VectorStore,
	cleaner Cleaner,
) ([]string, error) {
	if src == nil {
		return nil, errors.New("crawler: source is required")
	}
	p.logger.Info("Starting crawl", zap.String("url", rawURL))

	if !p.CanFetch(rawURL) {
		p.logger.Error("robots.txt prohibits crawling", zap.String("url", rawURL))
		metrics.ObserveRun(rawURL, metrics.RunRejected)
		return []string{}, nil
	}

	if err := p.rateLimit(ctx); err != nil {
		metrics.ObserveRun(rawURL, metrics.RunFailed)
		return nil, err
	}

	payload, err := src.Fetch(ctx, rawURL, params)
	if err != nil {
		metrics.ObserveRun(rawURL, metrics.RunFailed)
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	records, err := src.Parse(payload)
	if err != nil {
		metrics.ObserveRun(rawURL, metrics.RunFailed)
		return nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	p.logger.Info("Parsing completed", zap.String("url", rawURL), zap.Int("records", len(records)))
	metrics.ObserveRecords(metrics.StageParsed, len(records))

	ids := p.Store(ctx, records, store, cleaner)
	metrics.ObserveRun(rawURL, metrics.RunStored)
	return ids, nil
}

func (p *Pipeline) rateLimit(ctx context.Context) error {
	p.logger.Debug("Request delay", zap.Duration("delay", p.cfg.Delay))
	if err := p.sleep(ctx, p.cfg.Delay); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// Store cleans and stores each record, skipping the ones whose cleaning or
// storage fails. Without a store nothing is written. IDs are returned in
// processing order.
func (p *Pipeline) Store(ctx context.Context, records []Record, store VectorStore, cleaner Cleaner) []string {
	if len(records) == 0 {
		p.logger.Warn("No data to store")
		return []string{}
	}

	ids := make([]string, 0, len(records))
	for i, record := range records {
		if cleaner != nil {
			cleaned, err := cleaner.Clean(record)
			if err != nil {
				p.logger.Error("Cleaning failed", zap.Int("index", i), zap.Error(err))
				metrics.ObserveRecords(metrics.StageCleanFailed, 1)
				continue
			}
			record = cleaned
		}

		if store == nil {
			continue
		}
		metadata := record.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		id, err := store.AddDocument(ctx, record.Content, metadata)
		if err != nil {
			p.logger.Error("Storage failed", zap.Int("index", i), zap.Error(err))
			metrics.ObserveRecords(metrics.StageStoreFailed, 1)
			continue
		}
		ids = append(ids, id)
	}

	p.logger.Info("Storage completed", zap.Int("records", len(ids)))
	metrics.ObserveRecords(metrics.StageStored, len(ids))
	return ids
}

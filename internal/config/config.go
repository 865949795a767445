// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/finresearch-crawler/internal/cleaner"
	"github.com/JakeFAU/finresearch-crawler/internal/crawler"
	"github.com/JakeFAU/finresearch-crawler/internal/discover"
	"github.com/JakeFAU/finresearch-crawler/internal/embedding"
	"github.com/JakeFAU/finresearch-crawler/internal/source/auto"
	"github.com/JakeFAU/finresearch-crawler/internal/source/htmlpage"
	"github.com/JakeFAU/finresearch-crawler/internal/source/jsonapi"
	"github.com/JakeFAU/finresearch-crawler/internal/source/rendered"
	"github.com/JakeFAU/finresearch-crawler/internal/telemetry"
	"github.com/JakeFAU/finresearch-crawler/internal/vectorstore"
)

// EnvPrefix is prepended to every environment override, e.g.
// FINCRAWL_CRAWLER_MAX_RETRIES.
const EnvPrefix = "FINCRAWL"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Source    SourceConfig    `mapstructure:"source"`
	Discover  DiscoverConfig  `mapstructure:"discover"`
	Cleaner   CleanerConfig   `mapstructure:"cleaner"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Store     StoreConfig     `mapstructure:"store"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Query     QueryConfig     `mapstructure:"query"`
	Server    ServerConfig    `mapstructure:"server"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// CrawlerConfig mirrors crawler.Config in file form.
type CrawlerConfig struct {
	BaseURL       string            `mapstructure:"base_url"`
	Headers       map[string]string `mapstructure:"headers"`
	Delay         time.Duration     `mapstructure:"delay"`
	MaxRetries    int               `mapstructure:"max_retries"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	Proxy         string            `mapstructure:"proxy"`
}

// SourceConfig selects and tunes the data source used by crawl.
type SourceConfig struct {
	// Kind is one of html, json, rendered or auto.
	Kind     string         `mapstructure:"kind"`
	HTML     HTMLConfig     `mapstructure:"html"`
	JSON     JSONConfig     `mapstructure:"json"`
	Rendered RenderedConfig `mapstructure:"rendered"`
	Auto     AutoConfig     `mapstructure:"auto"`
}

// AutoConfig tunes when the auto source falls back to headless rendering.
type AutoConfig struct {
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// HTMLConfig tunes article extraction.
type HTMLConfig struct {
	Selector     string `mapstructure:"selector"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// JSONConfig tunes dataset parsing.
type JSONConfig struct {
	Mode           string   `mapstructure:"mode"`
	SourceName     string   `mapstructure:"source_name"`
	ItemsKey       string   `mapstructure:"items_key"`
	ContentField   string   `mapstructure:"content_field"`
	MetadataFields []string `mapstructure:"metadata_fields"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
}

// RenderedConfig configures headless Chrome rendering.
type RenderedConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	WaitSelector      string        `mapstructure:"wait_selector"`
	Settle            time.Duration `mapstructure:"settle"`
}

// DiscoverConfig bounds link discovery.
type DiscoverConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
	MaxPages int `mapstructure:"max_pages"`
}

// CleanerConfig controls text normalization before storage.
type CleanerConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MinRunes int  `mapstructure:"min_runes"`
	MaxRunes int  `mapstructure:"max_runes"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	// Provider is hashing or http.
	Provider   string        `mapstructure:"provider"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	APIKey     string        `mapstructure:"api_key"`
	Dimensions int           `mapstructure:"dimensions"`
	BatchSize  int           `mapstructure:"batch_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects the vector store backend.
type StoreConfig struct {
	// Backend is memory or postgres.
	Backend      string `mapstructure:"backend"`
	SnapshotPath string `mapstructure:"snapshot_path"`
	BatchSize    int    `mapstructure:"batch_size"`
}

// BlobConfig selects where memory-store snapshots live.
type BlobConfig struct {
	// Backend is local, memory or gcs.
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// QueryConfig tunes semantic search.
type QueryConfig struct {
	Instruction string `mapstructure:"instruction"`
	TopK        int    `mapstructure:"top_k"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port      int     `mapstructure:"port"`
	SearchRPS float64 `mapstructure:"search_rps"`
	// APIKey guards write endpoints when set.
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	crawlerDefaults := crawler.DefaultConfig()
	v.SetDefault("crawler.base_url", "")
	v.SetDefault("crawler.headers", crawlerDefaults.Headers)
	v.SetDefault("crawler.delay", crawlerDefaults.Delay)
	v.SetDefault("crawler.max_retries", crawlerDefaults.MaxRetries)
	v.SetDefault("crawler.timeout", crawlerDefaults.Timeout)
	v.SetDefault("crawler.respect_robots", crawlerDefaults.RespectRobots)
	v.SetDefault("crawler.proxy", "")

	htmlDefaults := htmlpage.DefaultConfig()
	v.SetDefault("source.kind", "html")
	v.SetDefault("source.html.selector", htmlDefaults.Selector)
	v.SetDefault("source.html.chunk_size", htmlDefaults.ChunkSize)
	v.SetDefault("source.html.max_body_bytes", htmlDefaults.MaxBodyBytes)
	jsonDefaults := jsonapi.DefaultConfig()
	v.SetDefault("source.json.mode", string(jsonDefaults.Mode))
	v.SetDefault("source.json.source_name", jsonDefaults.SourceName)
	v.SetDefault("source.json.items_key", "")
	v.SetDefault("source.json.content_field", jsonDefaults.ContentField)
	v.SetDefault("source.json.metadata_fields", []string{})
	v.SetDefault("source.json.max_body_bytes", jsonDefaults.MaxBodyBytes)
	v.SetDefault("source.rendered.max_parallel", 1)
	v.SetDefault("source.rendered.navigation_timeout", 25*time.Second)
	v.SetDefault("source.rendered.wait_selector", "body")
	v.SetDefault("source.rendered.settle", 500*time.Millisecond)
	v.SetDefault("source.auto.promotion_threshold", auto.DefaultPromotionThreshold)

	v.SetDefault("discover.max_depth", 0)
	v.SetDefault("discover.max_pages", 20)

	v.SetDefault("cleaner.enabled", true)
	v.SetDefault("cleaner.min_runes", cleaner.DefaultMinRunes)
	v.SetDefault("cleaner.max_runes", 0)

	v.SetDefault("embedding.provider", "hashing")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.dimensions", embedding.DefaultDimensions)
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.timeout", 30*time.Second)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.snapshot_path", "vectorstore/snapshot.json")
	v.SetDefault("store.batch_size", 20)

	v.SetDefault("blob.backend", "local")
	v.SetDefault("blob.base_dir", "data")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.prefix", "")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.table", "documents")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.min_conns", 0)
	v.SetDefault("postgres.max_conn_lifetime", time.Hour)

	v.SetDefault("query.instruction", vectorstore.DefaultQueryInstruction)
	v.SetDefault("query.top_k", vectorstore.DefaultTopK)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.search_rps", 5)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_grace", 10*time.Second)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "fincrawl")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := c.CrawlerConfig().Validate(); err != nil {
		return err
	}
	switch c.Source.Kind {
	case "html", "json", "rendered", "auto":
	default:
		return fmt.Errorf("source.kind must be one of html, json, rendered, auto (got %q)", c.Source.Kind)
	}
	if c.Source.HTML.ChunkSize < 0 {
		return fmt.Errorf("source.html.chunk_size must be >= 0")
	}
	switch jsonapi.Mode(c.Source.JSON.Mode) {
	case jsonapi.ModeQA, jsonapi.ModeFields:
	default:
		return fmt.Errorf("source.json.mode must be qa or fields (got %q)", c.Source.JSON.Mode)
	}
	if c.Source.Auto.PromotionThreshold < 0 {
		return fmt.Errorf("source.auto.promotion_threshold must be >= 0")
	}
	if (c.Source.Kind == "rendered" || c.Source.Kind == "auto") && c.Source.Rendered.MaxParallel <= 0 {
		return fmt.Errorf("source.rendered.max_parallel must be > 0 when rendering")
	}
	if c.Discover.MaxDepth < 0 {
		return fmt.Errorf("discover.max_depth must be >= 0")
	}
	if c.Discover.MaxPages < 0 {
		return fmt.Errorf("discover.max_pages must be >= 0")
	}
	if c.Cleaner.MaxRunes < 0 {
		return fmt.Errorf("cleaner.max_runes must be >= 0")
	}
	switch c.Embedding.Provider {
	case "hashing":
	case "http":
		if c.Embedding.BaseURL == "" || c.Embedding.Model == "" {
			return fmt.Errorf("embedding.base_url and embedding.model must be set for the http provider")
		}
	default:
		return fmt.Errorf("embedding.provider must be hashing or http (got %q)", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be > 0")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn must be set when store.backend is postgres")
		}
	default:
		return fmt.Errorf("store.backend must be memory or postgres (got %q)", c.Store.Backend)
	}
	switch c.Blob.Backend {
	case "local", "memory":
	case "gcs":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket must be set when blob.backend is gcs")
		}
	default:
		return fmt.Errorf("blob.backend must be local, memory or gcs (got %q)", c.Blob.Backend)
	}
	if c.Query.TopK <= 0 {
		return fmt.Errorf("query.top_k must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.SearchRPS < 0 {
		return fmt.Errorf("server.search_rps must be >= 0")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Telemetry.Enabled {
		switch c.Telemetry.Exporter {
		case "none":
		case "gcp":
			if c.Telemetry.ProjectID == "" {
				return fmt.Errorf("telemetry.project_id must be set for the gcp exporter")
			}
		default:
			return fmt.Errorf("telemetry.exporter must be none or gcp (got %q)", c.Telemetry.Exporter)
		}
	}
	return nil
}

// CrawlerConfig converts the crawler section into a pipeline config.
func (c Config) CrawlerConfig() crawler.Config {
	return crawler.Config{
		BaseURL:       c.Crawler.BaseURL,
		Headers:       c.Crawler.Headers,
		Delay:         c.Crawler.Delay,
		MaxRetries:    c.Crawler.MaxRetries,
		Timeout:       c.Crawler.Timeout,
		RespectRobots: c.Crawler.RespectRobots,
		Proxy:         c.Crawler.Proxy,
	}
}

// HTMLConfig converts the html source section.
func (c Config) HTMLConfig() htmlpage.Config {
	return htmlpage.Config{
		Selector:     c.Source.HTML.Selector,
		ChunkSize:    c.Source.HTML.ChunkSize,
		MaxBodyBytes: c.Source.HTML.MaxBodyBytes,
	}
}

// JSONConfig converts the json source section.
func (c Config) JSONConfig() jsonapi.Config {
	return jsonapi.Config{
		Mode:           jsonapi.Mode(c.Source.JSON.Mode),
		SourceName:     c.Source.JSON.SourceName,
		ItemsKey:       c.Source.JSON.ItemsKey,
		ContentField:   c.Source.JSON.ContentField,
		MetadataFields: c.Source.JSON.MetadataFields,
		MaxBodyBytes:   c.Source.JSON.MaxBodyBytes,
	}
}

// RenderedConfig converts the rendered source section.
func (c Config) RenderedConfig() rendered.Config {
	cfg := rendered.ConfigFromCrawler(c.CrawlerConfig(), c.HTMLConfig())
	cfg.MaxParallel = c.Source.Rendered.MaxParallel
	cfg.NavigationTimeout = c.Source.Rendered.NavigationTimeout
	cfg.WaitSelector = c.Source.Rendered.WaitSelector
	cfg.Settle = c.Source.Rendered.Settle
	return cfg
}

// DiscoverConfig converts the discover section, inheriting crawler settings.
func (c Config) DiscoverConfig() discover.Config {
	return discover.Config{
		MaxDepth:      c.Discover.MaxDepth,
		MaxPages:      c.Discover.MaxPages,
		RespectRobots: c.Crawler.RespectRobots,
		Headers:       c.Crawler.Headers,
		Timeout:       c.Crawler.Timeout,
		Proxy:         c.Crawler.Proxy,
	}
}

// TelemetryConfig converts the telemetry section.
func (c Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName: c.Telemetry.ServiceName,
		Exporter:    c.Telemetry.Exporter,
		ProjectID:   c.Telemetry.ProjectID,
		SampleRatio: c.Telemetry.SampleRatio,
	}
}

// TextCleaner returns the configured cleaner, or nil when disabled.
func (c Config) TextCleaner() crawler.Cleaner {
	if !c.Cleaner.Enabled {
		return nil
	}
	return cleaner.Text{MinRunes: c.Cleaner.MinRunes, MaxRunes: c.Cleaner.MaxRunes}
}

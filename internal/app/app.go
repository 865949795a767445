// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/finresearch-crawler/internal/config"
	"github.com/JakeFAU/finresearch-crawler/internal/crawler"
	"github.com/JakeFAU/finresearch-crawler/internal/discover"
	"github.com/JakeFAU/finresearch-crawler/internal/embedding"
	"github.com/JakeFAU/finresearch-crawler/internal/logging"
	"github.com/JakeFAU/finresearch-crawler/internal/metrics"
	"github.com/JakeFAU/finresearch-crawler/internal/publisher"
	memorypublisher "github.com/JakeFAU/finresearch-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/finresearch-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/finresearch-crawler/internal/source/auto"
	"github.com/JakeFAU/finresearch-crawler/internal/source/htmlpage"
	"github.com/JakeFAU/finresearch-crawler/internal/source/jsonapi"
	"github.com/JakeFAU/finresearch-crawler/internal/source/rendered"
	"github.com/JakeFAU/finresearch-crawler/internal/storage"
	gcsstorage "github.com/JakeFAU/finresearch-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/finresearch-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/finresearch-crawler/internal/storage/memory"
	"github.com/JakeFAU/finresearch-crawler/internal/telemetry"
	"github.com/JakeFAU/finresearch-crawler/internal/vectorstore"
	memorystore "github.com/JakeFAU/finresearch-crawler/internal/vectorstore/memory"
	postgresstore "github.com/JakeFAU/finresearch-crawler/internal/vectorstore/postgres"
)

// App holds all the shared, long-lived services for the application.
// It is built once per command invocation and closed when the command ends.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	pipeline   *crawler.Pipeline
	pipelines  *crawler.Pool
	source     crawler.Source
	dataset    *jsonapi.Source
	discoverer *discover.Discoverer
	embedder   embedding.Embedder
	store      vectorstore.Store
	memory     *memorystore.Store
	postgres   *postgresstore.Store
	blobs      storage.BlobStore
	publisher  publisher.Publisher
	tracer     *sdktrace.TracerProvider

	closers []func()
}

// Option customizes NewApp. Options exist mainly so tests can point cloud
// clients at emulators.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	httpClient    crawler.Doer
	pubsubOptions []option.ClientOption
	gcsOptions    []option.ClientOption
}

// WithLogger overrides the logger built from the logging section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient sets the client used by the pipeline and HTTP embedder.
func WithHTTPClient(client crawler.Doer) Option {
	return func(o *options) { o.httpClient = client }
}

// WithPubSubOptions passes client options to the Pub/Sub client.
func WithPubSubOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.pubsubOptions = append(o.pubsubOptions, opts...) }
}

// WithGCSOptions passes client options to the Cloud Storage client.
func WithGCSOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.gcsOptions = append(o.gcsOptions, opts...) }
}

// NewApp creates and initializes a new App from cfg. It fails fast if any
// service cannot be initialized, closing whatever was already opened.
func NewApp(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: o.logger}
	if a.logger == nil {
		logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.logger = logger
	}
	l := a.logger
	l.Info("Initializing application services...")
	metrics.Init()

	if err := a.init(ctx, o); err != nil {
		a.Close()
		return nil, err
	}

	l.Info("Application services initialized successfully.",
		zap.String("source", cfg.Source.Kind),
		zap.String("store", cfg.Store.Backend),
		zap.String("blob", cfg.Blob.Backend),
	)
	return a, nil
}

func (a *App) init(ctx context.Context, o options) error {
	cfg := a.cfg
	l := a.logger

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.TelemetryConfig())
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		a.tracer = tp
		a.closers = append(a.closers, func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				l.Warn("Error shutting down tracer provider", zap.Error(err))
			}
		})
	}

	// 1. Crawl pipeline and sources.
	pipelineOpts := []crawler.Option{crawler.WithLogger(l.Named("crawler"))}
	if o.httpClient != nil {
		pipelineOpts = append(pipelineOpts, crawler.WithHTTPClient(o.httpClient))
	}
	pipelines, err := crawler.NewPool(ctx, cfg.CrawlerConfig(), pipelineOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	a.pipelines = pipelines
	pipeline := pipelines.Base()
	a.pipeline = pipeline
	a.dataset = jsonapi.New(pipeline, cfg.JSONConfig())

	switch cfg.Source.Kind {
	case "html":
		a.source = htmlpage.New(pipeline, cfg.HTMLConfig())
	case "json":
		a.source = a.dataset
	case "rendered":
		src, err := rendered.New(cfg.RenderedConfig())
		if err != nil {
			return fmt.Errorf("failed to initialize renderer: %w", err)
		}
		a.source = src
		a.closers = append(a.closers, src.Close)
	case "auto":
		static := htmlpage.New(pipeline, cfg.HTMLConfig())
		renderer, err := rendered.New(cfg.RenderedConfig())
		if err != nil {
			return fmt.Errorf("failed to initialize renderer: %w", err)
		}
		a.closers = append(a.closers, renderer.Close)
		a.source = auto.New(static, renderer, auto.NewHeuristic(cfg.Source.Auto.PromotionThreshold), l.Named("auto"))
	default:
		return fmt.Errorf("unknown source kind: %s", cfg.Source.Kind)
	}

	a.discoverer, err = discover.New(cfg.DiscoverConfig(), l.Named("discover"))
	if err != nil {
		return fmt.Errorf("failed to initialize discoverer: %w", err)
	}

	// 2. Embedder.
	switch cfg.Embedding.Provider {
	case "hashing":
		a.embedder = embedding.NewHashing(cfg.Embedding.Dimensions)
	case "http":
		a.embedder, err = embedding.NewHTTP(embedding.HTTPConfig{
			BaseURL:   cfg.Embedding.BaseURL,
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			Dims:      cfg.Embedding.Dimensions,
			BatchSize: cfg.Embedding.BatchSize,
			Timeout:   cfg.Embedding.Timeout,
		}, o.httpClient)
		if err != nil {
			return fmt.Errorf("failed to initialize embedder: %w", err)
		}
	default:
		return fmt.Errorf("unknown embedding provider: %s", cfg.Embedding.Provider)
	}

	// 3. Blob storage, used for vector store snapshots.
	switch cfg.Blob.Backend {
	case "local":
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: cfg.Blob.BaseDir})
	case "memory":
		a.blobs = memorystorage.NewBlobStore()
	case "gcs":
		var client *gcstorage.Client
		client, err = gcstorage.NewClient(ctx, o.gcsOptions...)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				l.Warn("Error closing storage client", zap.Error(err))
			}
		})
		l.Info("Using GCS blob store", zap.String("bucket", cfg.Blob.Bucket))
		a.blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Blob.Bucket, Prefix: cfg.Blob.Prefix})
	default:
		return fmt.Errorf("unknown blob backend: %s", cfg.Blob.Backend)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	// 4. Vector store.
	switch cfg.Store.Backend {
	case "memory":
		mem, err := memorystore.New(a.embedder,
			memorystore.WithQueryInstruction(cfg.Query.Instruction),
			memorystore.WithBatchSize(cfg.Store.BatchSize),
			memorystore.WithLogger(l.Named("vectorstore")),
		)
		if err != nil {
			return fmt.Errorf("failed to initialize vector store: %w", err)
		}
		a.memory = mem
		a.store = mem
		if err := a.LoadSnapshot(ctx); err != nil {
			return err
		}
	case "postgres":
		l.Info("Connecting to PostgreSQL...")
		pg, err := postgresstore.New(ctx, postgresstore.Config{
			DSN:              cfg.Postgres.DSN,
			Table:            cfg.Postgres.Table,
			MaxConns:         cfg.Postgres.MaxConns,
			MinConns:         cfg.Postgres.MinConns,
			MaxConnLifetime:  cfg.Postgres.MaxConnLifetime,
			QueryInstruction: cfg.Query.Instruction,
		}, a.embedder, l.Named("vectorstore"))
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		a.postgres = pg
		a.store = pg
	default:
		return fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}

	// 5. Crawl notifications.
	if cfg.PubSub.Topic == "" {
		l.Info("No Pub/Sub topic configured. Crawl events are kept in memory.")
		a.publisher = memorypublisher.New()
		return nil
	}
	l.Info("Connecting to GCP Pub/Sub", zap.String("topic", cfg.PubSub.Topic))
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, o.pubsubOptions...)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	pub, err := pubsubpublisher.New(client, cfg.PubSub.Topic)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	a.closers = append(a.closers, func() {
		pub.Close()
		if err := client.Close(); err != nil {
			l.Warn("Error closing queue client", zap.Error(err))
		}
	})
	a.publisher = pub
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// Pipeline returns the crawl pipeline built for crawler.base_url. Sources
// perform their HTTP I/O through it.
func (a *App) Pipeline() *crawler.Pipeline { return a.pipeline }

// Pipelines returns the per-origin pipelines used to crawl arbitrary URLs.
func (a *App) Pipelines() *crawler.Pool { return a.pipelines }

// Source returns the data source selected by source.kind.
func (a *App) Source() crawler.Source { return a.source }

// Dataset returns the JSON source used for dataset ingestion.
func (a *App) Dataset() *jsonapi.Source { return a.dataset }

// Discoverer returns the link discoverer.
func (a *App) Discoverer() *discover.Discoverer { return a.discoverer }

// Store returns the configured vector store.
func (a *App) Store() vectorstore.Store { return a.store }

// Cleaner returns the configured text cleaner, or nil when disabled.
func (a *App) Cleaner() crawler.Cleaner { return a.cfg.TextCleaner() }

// Blobs returns the blob store used for snapshots.
func (a *App) Blobs() storage.BlobStore { return a.blobs }

// Publisher returns the crawl event publisher.
func (a *App) Publisher() publisher.Publisher { return a.publisher }

// AddTexts stores texts with their metadata. The memory backend embeds in
// batches; other backends add one document at a time.
func (a *App) AddTexts(ctx context.Context, texts []string, metadatas []map[string]any) ([]string, error) {
	if a.memory != nil {
		ids, err := a.memory.Add(ctx, texts, metadatas, nil)
		if err != nil {
			return nil, fmt.Errorf("add texts: %w", err)
		}
		return ids, nil
	}
	ids := make([]string, 0, len(texts))
	for i, text := range texts {
		var meta map[string]any
		if metadatas != nil {
			meta = metadatas[i]
		} else {
			meta = vectorstore.DefaultMetadata()
		}
		id, err := a.store.AddDocument(ctx, text, meta)
		if err != nil {
			return ids, fmt.Errorf("add text %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Count returns the number of stored documents.
func (a *App) Count(ctx context.Context) (int64, error) {
	if a.memory != nil {
		return int64(a.memory.Count()), nil
	}
	if a.postgres != nil {
		n, err := a.postgres.Count(ctx)
		if err != nil {
			return 0, fmt.Errorf("count documents: %w", err)
		}
		return n, nil
	}
	return 0, errors.New("vector store not initialized")
}

// LoadSnapshot restores the memory store from blob storage. A missing
// snapshot is not an error; other backends persist on their own.
func (a *App) LoadSnapshot(ctx context.Context) error {
	if a.memory == nil || a.cfg.Store.SnapshotPath == "" {
		return nil
	}
	err := a.memory.Load(ctx, a.blobs, a.cfg.Store.SnapshotPath)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		a.logger.Info("No vector store snapshot found; starting empty", zap.String("path", a.cfg.Store.SnapshotPath))
		return nil
	default:
		return fmt.Errorf("failed to load vector store snapshot: %w", err)
	}
}

// SaveSnapshot persists the memory store and returns the snapshot URI. It is
// a no-op returning "" for other backends.
func (a *App) SaveSnapshot(ctx context.Context) (string, error) {
	if a.memory == nil || a.cfg.Store.SnapshotPath == "" {
		return "", nil
	}
	uri, err := a.memory.Save(ctx, a.blobs, a.cfg.Store.SnapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to save vector store snapshot: %w", err)
	}
	return uri, nil
}

// Close gracefully shuts down all services in the App container, in reverse
// order of creation.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.logger != nil {
		a.logger.Info("Shutting down application services...")
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.logger != nil {
		// Sync fails on stdout/stderr on some platforms; nothing useful to do.
		_ = a.logger.Sync()
	}
}

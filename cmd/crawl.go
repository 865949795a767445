package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/finresearch-crawler/internal/discover"
	"github.com/JakeFAU/finresearch-crawler/internal/id/uuid"
	"github.com/JakeFAU/finresearch-crawler/internal/publisher"
	"github.com/JakeFAU/finresearch-crawler/internal/telemetry"
)

type crawlOptions struct {
	discoverDepth int
	maxPages      int
	params        []string
	topic         string
}

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	opts := crawlOptions{discoverDepth: -1, maxPages: -1}
	cmd := &cobra.Command{
		Use:   "crawl <url>...",
		Short: "Crawls URLs into the vector store",
		Long: `Runs each URL through the crawl pipeline: robots.txt check, rate-limit
delay, fetch, parse, clean and store. With --discover-depth, same-host links
found on each seed are crawled too, one after another.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawlCommand(cmd, args, opts)
		},
	}
	cmd.Flags().IntVar(&opts.discoverDepth, "discover-depth", -1,
		"link hops to follow from each seed (default: discover.max_depth)")
	cmd.Flags().IntVar(&opts.maxPages, "max-pages", -1, "cap on URLs per seed (default: discover.max_pages)")
	cmd.Flags().StringArrayVar(&opts.params, "param", nil, "query parameter key=value added to every request (repeatable)")
	cmd.Flags().StringVar(&opts.topic, "topic", "", "Pub/Sub topic for crawl events (default: pubsub.topic)")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, seeds []string, opts crawlOptions) error {
	ctx := cmd.Context()
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	params, err := parseParams(opts.params)
	if err != nil {
		return err
	}
	targets, err := expandSeeds(ctx, appInstance, seeds, opts)
	if err != nil {
		return err
	}

	ids := uuid.New()
	var failed, stored int
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		runID, err := ids.NewID()
		if err != nil {
			return err
		}
		event, runErr := crawlOne(ctx, appInstance, runID, target, params)
		if runErr != nil {
			failed++
			logger.Error("Crawl failed", zap.String("run_id", runID), zap.String("url", target), zap.Error(runErr))
		}
		stored += event.Count
		if _, err := appInstance.Publisher().Publish(ctx, opts.topic, event); err != nil {
			logger.Warn("Failed to publish crawl event", zap.String("run_id", runID), zap.Error(err))
		}
		cmd.Printf("%s\t%d documents\t%s\n", target, event.Count, runStatus(event))
	}

	if uri, err := appInstance.SaveSnapshot(context.WithoutCancel(ctx)); err != nil {
		return err
	} else if uri != "" {
		logger.Info("Saved vector store snapshot", zap.String("uri", uri))
	}

	logger.Info("Crawl command finished.",
		zap.Int("urls", len(targets)),
		zap.Int("documents", stored),
		zap.Int("failed", failed),
	)
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("crawl: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d crawls failed", failed, len(targets))
	}
	return nil
}

// crawlOne runs the pipeline for a single URL inside a trace span and
// describes the outcome as a CrawlEvent.
func crawlOne(ctx context.Context, a App, runID, target string, params url.Values) (publisher.CrawlEvent, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "crawl.run")
	defer span.End()
	span.SetAttributes(attribute.String("crawl.run_id", runID), attribute.String("crawl.url", target))

	event := publisher.CrawlEvent{RunID: runID, URL: target, IDs: []string{}}
	pipeline, err := a.Pipelines().For(ctx, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "crawl failed")
		event.FinishedAt = time.Now().UTC()
		event.Error = err.Error()
		return event, err
	}
	stored, err := pipeline.Run(ctx, a.Source(), target, params, a.Store(), a.Cleaner())
	event.FinishedAt = time.Now().UTC()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "crawl failed")
		event.Error = err.Error()
		return event, err
	}
	event.IDs = stored
	event.Count = len(stored)
	event.Rejected = len(stored) == 0 && !pipeline.CanFetch(target)
	span.SetAttributes(attribute.Int("crawl.documents", event.Count), attribute.Bool("crawl.rejected", event.Rejected))
	return event, nil
}

func expandSeeds(ctx context.Context, a App, seeds []string, opts crawlOptions) ([]string, error) {
	cfg := a.Config().DiscoverConfig()
	d := a.Discoverer()
	if opts.discoverDepth >= 0 || opts.maxPages >= 0 {
		if opts.discoverDepth >= 0 {
			cfg.MaxDepth = opts.discoverDepth
		}
		if opts.maxPages >= 0 {
			cfg.MaxPages = opts.maxPages
		}
		var err error
		if d, err = discover.New(cfg, a.GetLogger().Named("discover")); err != nil {
			return nil, err
		}
	}
	if cfg.MaxDepth == 0 || d == nil {
		return seeds, nil
	}

	var targets []string
	seen := make(map[string]struct{})
	for _, seed := range seeds {
		found, err := d.Discover(ctx, seed)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", seed, err)
		}
		for _, u := range found {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			targets = append(targets, u)
		}
	}
	return targets, nil
}

func parseParams(pairs []string) (url.Values, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := url.Values{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", pair)
		}
		values.Add(key, value)
	}
	return values, nil
}

func runStatus(event publisher.CrawlEvent) string {
	switch {
	case event.Error != "":
		return "failed: " + event.Error
	case event.Rejected:
		return "rejected by robots.txt"
	default:
		return "ok"
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/finresearch-crawler/internal/app"
	"github.com/JakeFAU/finresearch-crawler/internal/config"
	"github.com/JakeFAU/finresearch-crawler/internal/crawler"
	"github.com/JakeFAU/finresearch-crawler/internal/discover"
	"github.com/JakeFAU/finresearch-crawler/internal/publisher"
	"github.com/JakeFAU/finresearch-crawler/internal/source/jsonapi"
	"github.com/JakeFAU/finresearch-crawler/internal/vectorstore"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use. *app.App
// satisfies it; tests may substitute their own.
type App interface {
	Close()
	GetLogger() *zap.Logger
	Config() config.Config
	Pipelines() *crawler.Pool
	Source() crawler.Source
	Dataset() *jsonapi.Source
	Discoverer() *discover.Discoverer
	Store() vectorstore.Store
	Cleaner() crawler.Cleaner
	Publisher() publisher.Publisher
	AddTexts(ctx context.Context, texts []string, metadatas []map[string]any) ([]string, error)
	Count(ctx context.Context) (int64, error)
	SaveSnapshot(ctx context.Context) (string, error)
}

var _ App = (*app.App)(nil)

// newApp is the application factory. It's a variable so tests can build the
// app against in-memory backends.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.NewApp(ctx, cfg)
}

// rootCommand is the cobra root plus the App it built, so the App can be
// closed even when a subcommand fails. Cobra skips post-run hooks after a
// RunE error.
type rootCommand struct {
	*cobra.Command
	app App
}

// newRootCmd creates and configures the root command.
func newRootCmd() *rootCommand {
	var cfgFile string
	root := &rootCommand{}

	cmd := &cobra.Command{
		Use:   "fincrawl",
		Short: "A polite crawler that feeds a financial research vector store.",
		Long: `fincrawl fetches financial articles and datasets, respecting robots.txt and a
fixed per-request delay, turns them into text records, and stores them in a
vector store that can be queried from the CLI or over HTTP.`,
		SilenceUsage: true,

		// Builds the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			root.app = appInstance

			// Store the app instance in the context for subcommands to use.
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (environment overrides use the "+config.EnvPrefix+"_ prefix)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newServeCmd())

	root.Command = cmd
	return root
}

// execute runs the command tree and then closes the App, on success and on
// failure alike.
func (r *rootCommand) execute(ctx context.Context) error {
	defer r.closeApp()
	return r.ExecuteContext(ctx)
}

func (r *rootCommand) closeApp() {
	if r.app != nil {
		r.app.Close()
		r.app = nil
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute(ctx context.Context) {
	if err := newRootCmd().execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fincrawl:", err)
		os.Exit(1)
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/finresearch-crawler/internal/api"
)

// newServeCmd creates the 'serve' subcommand, which exposes search over HTTP.
func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the vector store over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			if port <= 0 {
				port = cfg.Server.Port
			}
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return serve(cmd.Context(), appInstance, ln)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default: server.port)")
	return cmd
}

// serve runs the API on ln until ctx is done, then drains in-flight requests
// and saves the vector store snapshot.
func serve(ctx context.Context, a App, ln net.Listener) error {
	cfg := a.Config()
	logger := a.GetLogger()
	apiServer := api.NewServer(a.Store(), a, api.Config{
		TopK:           cfg.Query.TopK,
		SearchRPS:      cfg.Server.SearchRPS,
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("api"))

	srv := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("http server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if uri, err := a.SaveSnapshot(shutdownCtx); err != nil {
		logger.Error("snapshot save failed", zap.Error(err))
	} else if uri != "" {
		logger.Info("Saved vector store snapshot", zap.String("uri", uri))
	}
	logger.Info("shutdown complete")
	return serveErr
}

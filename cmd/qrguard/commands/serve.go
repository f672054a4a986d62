package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/app"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/config"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(configPath func() string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Long: `Run the security engine with the admin and ingest API.

Examples:
  # Start with ./config.yaml
  qrguard serve

  # Reload thresholds and policies when the file changes
  qrguard serve --config /etc/qrguard/config.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath(), watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "hot-reload the configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string, watch bool) error {
	bootstrap, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create bootstrap logger: %w", err)
	}
	defer bootstrap.Sync()

	manager, err := config.NewManager(bootstrap, configPath)
	if err != nil {
		return err
	}
	cfg := manager.Get()

	factory, err := logging.NewLoggerFactory(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logger := factory.Logger()

	opts := []app.Option{app.WithLoggerFactory(factory)}
	if watch {
		opts = append(opts, app.WithConfigManager(manager))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(); err != nil {
		shutdownApp(application, cfg.Service.ShutdownTimeout)
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	return shutdownApp(application, cfg.Service.ShutdownTimeout)
}

func shutdownApp(application *app.Application, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = app.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return application.Shutdown(ctx)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/config"
	"github.com/JakeFAU/novelfetch/internal/policy/ratelimit"
	"github.com/JakeFAU/novelfetch/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		Long: `Serves the job control API until SIGINT or SIGTERM. When a config file is
given, edits to scheduler.max_concurrency and fetch.rate_limit_rps apply
without a restart.`,
		Args: cobra.NoArgs,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	var current atomic.Pointer[server.App]
	cfg, err := config.Watch(rt.cfgFile, rt.logger, func(next config.Config) {
		if app := current.Load(); app != nil {
			applyReload(app, next, rt.logger)
		}
	})
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	current.Store(app)

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// applyReload pushes the live-tunable settings into a running app.
func applyReload(app *server.App, next config.Config, logger *zap.Logger) {
	if err := app.Scheduler.SetConcurrency(next.Scheduler.MaxConcurrency); err != nil {
		logger.Warn("max_concurrency not applied", zap.Error(err))
	}
	app.SetRate(ratelimit.Host(next.Site.BaseURL), next.Fetch.DefaultRPS)
}

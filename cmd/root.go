// Package cmd defines and implements the CLI commands for the novelfetch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/config"
	"github.com/JakeFAU/novelfetch/internal/logging"
	"github.com/JakeFAU/novelfetch/internal/server"
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what PersistentPreRunE hands to every subcommand.
type runtime struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
	undo    func()
}

// newApp is the application factory. It's a variable so tests can inject a
// stub fetcher and a private metrics registry.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.App, error) {
	return server.Build(ctx, cfg, logger, server.Options{})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "novelfetch",
		Short: "Download web novels into local text, markdown or EPUB files.",
		Long: `novelfetch downloads books chapter by chapter from a web novel site.
Jobs run through a bounded scheduler that paces requests, resumes partial
downloads and stops the whole queue when the site asks for a human check.`,
		SilenceUsage: true,

		// Runs before every subcommand: load config once and install the logger.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			rt := &runtime{cfgFile: cfgFile, cfg: cfg, logger: logger, undo: logging.Install(logger)}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				_ = rt.logger.Sync()
				rt.undo()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); NOVELFETCH_* env vars override it")

	cmd.AddCommand(newServeCmd(), newGetCmd(), newBatchCmd(), newCategoriesCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "novelfetch:", err)
		os.Exit(1)
	}
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/collection"
)

func newBatchCmd() *cobra.Command {
	var (
		flags      jobFlags
		start, end int
	)
	cmd := &cobra.Command{
		Use:   "batch <listing-url>",
		Short: "Download a range of books from a ranking page",
		Long: `Reads a ranking or category page, queues books start..end (1-based,
inclusive) in page order and downloads them like get.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatchCommand(cmd, args[0], &flags, start, end)
		},
	}
	flags.register(cmd, false)
	cmd.Flags().IntVar(&start, "start", 1, "first book to fetch (1-based)")
	cmd.Flags().IntVar(&end, "end", 10, "last book to fetch (inclusive)")
	return cmd
}

func runBatchCommand(cmd *cobra.Command, listingURL string, flags *jobFlags, start, end int) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	template, err := flags.apply(cmd, rt.cfg.DefaultParameters(""))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			rt.logger.Warn("failed to close application", zap.Error(cerr))
		}
	}()

	exp, err := app.Resolver.Expand(ctx, collection.Request{
		ListingURL: listingURL,
		Start:      start,
		End:        end,
		Template:   template,
	})
	if err != nil {
		return fmt.Errorf("expand %s: %w", listingURL, err)
	}
	for u, skipErr := range exp.Skipped {
		fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", u, skipErr)
	}
	if len(exp.Added) == 0 {
		return errors.New("no job was accepted")
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "queued %d books\n", len(exp.Added))

	ids := make([]string, 0, len(exp.Added))
	for _, a := range exp.Added {
		ids = append(ids, a.JobID)
	}
	return drive(ctx, cmd, app, ids)
}

package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCategoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories [index-url]",
		Short: "List the ranking pages advertised by the site",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCategoriesCommand,
	}
}

func runCategoriesCommand(cmd *cobra.Command, args []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	var indexURL string
	if len(args) == 1 {
		indexURL = args[0]
	}

	app, err := newApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
			rt.logger.Warn("failed to close application", zap.Error(cerr))
		}
	}()

	cats, err := app.Parser.Categories(cmd.Context(), indexURL)
	if err != nil {
		return fmt.Errorf("list categories: %w", err)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, c := range cats {
		fmt.Fprintf(tw, "%s\t%s\n", c.Name, c.URL)
	}
	return tw.Flush()
}

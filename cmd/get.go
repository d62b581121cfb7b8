package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/progress"
	"github.com/JakeFAU/novelfetch/internal/scheduler"
	"github.com/JakeFAU/novelfetch/internal/server"
)

func newGetCmd() *cobra.Command {
	var (
		flags        jobFlags
		manifestPath string
	)
	cmd := &cobra.Command{
		Use:   "get [url...]",
		Short: "Download one or more books",
		Long: `Queues one job per book URL (and per manifest entry), runs them through the
scheduler and exits once every job has finished, failed or been cancelled.
Re-running against the same output directory resumes partial downloads.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGetCommand(cmd, args, &flags, manifestPath)
		},
	}
	flags.register(cmd, true)
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "YAML manifest listing books to download")
	return cmd
}

func runGetCommand(cmd *cobra.Command, args []string, flags *jobFlags, manifestPath string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	base, err := flags.apply(cmd, rt.cfg.DefaultParameters(""))
	if err != nil {
		return err
	}
	if base.Title != "" && len(args) > 1 {
		return errors.New("--title applies to a single url")
	}

	jobs := make([]book.JobParameters, 0, len(args))
	for _, u := range args {
		params := base
		params.SourceURL = u
		jobs = append(jobs, params)
	}
	if manifestPath != "" {
		m, err := loadManifest(manifestPath)
		if err != nil {
			return err
		}
		base.Title = ""
		fromManifest, err := m.jobs(base)
		if err != nil {
			return err
		}
		jobs = append(jobs, fromManifest...)
	}
	if len(jobs) == 0 {
		return errors.New("nothing to download: pass book urls or --manifest")
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

	ids := make([]string, 0, len(jobs))
	for _, params := range jobs {
		id, err := app.Scheduler.Add(params)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", params.SourceURL, err)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return errors.New("no job was accepted")
	}
	return drive(ctx, cmd, app, ids)
}

// drive runs the queue to completion, prompting on the terminal whenever the
// site demands a human check, then prints a summary.
func drive(ctx context.Context, cmd *cobra.Command, app *server.App, ids []string) error {
	stderr := &lockedWriter{w: cmd.ErrOrStderr()}
	stopFollow := follow(app, stderr)
	err := app.RunUntilIdle(ctx, challengePrompt(cmd.InOrStdin(), stderr, app))
	stopFollow()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err != nil {
		app.Scheduler.CancelAll()
	}
	return report(cmd.OutOrStdout(), app, ids)
}

func challengePrompt(in io.Reader, out io.Writer, app *server.App) func(scheduler.Challenge) {
	reader := bufio.NewReader(in)
	return func(ch scheduler.Challenge) {
		fmt.Fprintf(out, "\nThe site asked for a human check while fetching\n  %s\n"+
			"Open it in a browser, pass the check, then press Enter to resume.\n", ch.URL)
		if _, err := reader.ReadString('\n'); err != nil {
			fmt.Fprintln(out, "no operator input; cancelling remaining jobs")
			app.Scheduler.CancelAll()
			return
		}
		app.Scheduler.ResolveChallenge()
	}
}

func report(out io.Writer, app *server.App, ids []string) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	failed := 0
	for _, id := range ids {
		job, ok := app.Scheduler.Get(id)
		if !ok {
			// Cancelled jobs leave the queue once their worker exits.
			fmt.Fprintf(tw, "%s\t%s\t%s\n", book.JobStatusCancelled, id, "removed from queue")
			failed++
			continue
		}
		detail := job.OutputPath
		if job.Status != book.JobStatusFinished {
			detail = job.Message
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", job.Status, job.Title, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not finish", failed, len(ids))
	}
	return nil
}

// follow prints status changes from the live feed until the returned func is
// called. Progress ticks stay in the log.
func follow(app *server.App, out io.Writer) func() {
	if app.Feed == nil {
		return func() {}
	}
	records, cancel := app.Feed.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range records {
			switch rec.Stage {
			case progress.StageJobStatus:
				fmt.Fprintf(out, "%s  %s\n", rec.JobID, rec.Status)
			case progress.StageJobRetitled:
				fmt.Fprintf(out, "%s  %s\n", rec.JobID, rec.Title)
			case progress.StageJobFinished:
				fmt.Fprintf(out, "%s  saved %s\n", rec.JobID, rec.Path)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

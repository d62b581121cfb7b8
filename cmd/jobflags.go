package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/novelfetch/internal/book"
)

// jobFlags are the per-job overrides shared by get and batch. Unset flags
// keep the configured output defaults.
type jobFlags struct {
	output   string
	format   string
	split    bool
	delay    string
	limit    int
	chapters string
	title    string
}

func (f *jobFlags) register(cmd *cobra.Command, withSelection bool) {
	fs := cmd.Flags()
	fs.StringVarP(&f.output, "output", "o", "", "output directory")
	fs.StringVarP(&f.format, "format", "f", "", "output format: txt, md or epub")
	fs.BoolVar(&f.split, "split", false, "write one file per chapter")
	fs.StringVar(&f.delay, "delay", "", `seconds between chapters, or "auto"`)
	fs.IntVar(&f.limit, "limit", 0, "fetch at most this many chapters (0 = all)")
	if withSelection {
		fs.StringVar(&f.chapters, "chapters", "", `1-based chapter selection, e.g. "1,3-5"`)
		fs.StringVar(&f.title, "title", "", "override the book title")
	}
}

// apply overlays the flags the user actually set onto base.
func (f *jobFlags) apply(cmd *cobra.Command, base book.JobParameters) (book.JobParameters, error) {
	fs := cmd.Flags()
	if fs.Changed("output") {
		base.OutputDir = f.output
	}
	if fs.Changed("format") {
		format, err := book.ParseFormat(f.format)
		if err != nil {
			return base, err
		}
		base.Format = format
	}
	if fs.Changed("split") {
		base.SplitFiles = f.split
	}
	if fs.Changed("delay") {
		delay, err := book.ParseDelay(f.delay)
		if err != nil {
			return base, err
		}
		base.Delay = delay
	}
	if fs.Changed("limit") {
		base.ChapterLimit = f.limit
	}
	if fs.Changed("chapters") {
		indices, err := book.ParseChapterRange(f.chapters)
		if err != nil {
			return base, fmt.Errorf("--chapters: %w", err)
		}
		base.ChapterIndices = indices
	}
	if fs.Changed("title") {
		base.Title = f.title
	}
	return base, nil
}

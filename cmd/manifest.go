package cmd

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/novelfetch/internal/book"
)

// manifest lists books to download in one run.
//
//	defaults:
//	  format: epub
//	books:
//	  - url: https://fanqienovel.com/page/123
//	    chapters: "1-20"
type manifest struct {
	Defaults manifestEntry   `yaml:"defaults"`
	Books    []manifestEntry `yaml:"books"`
}

type manifestEntry struct {
	URL      string `yaml:"url"`
	Title    string `yaml:"title"`
	Output   string `yaml:"output"`
	Format   string `yaml:"format"`
	Split    *bool  `yaml:"split"`
	Delay    string `yaml:"delay"`
	Limit    *int   `yaml:"limit"`
	Chapters string `yaml:"chapters"`
}

func loadManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied manifest.
	if err != nil {
		return manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.Books) == 0 {
		return manifest{}, errors.New("manifest lists no books")
	}
	return m, nil
}

// jobs expands every entry over base, then the manifest defaults.
func (m manifest) jobs(base book.JobParameters) ([]book.JobParameters, error) {
	base, err := m.Defaults.apply(base)
	if err != nil {
		return nil, fmt.Errorf("manifest defaults: %w", err)
	}
	out := make([]book.JobParameters, 0, len(m.Books))
	for i, entry := range m.Books {
		if entry.URL == "" {
			return nil, fmt.Errorf("manifest book %d: url is required", i+1)
		}
		params, err := entry.apply(base)
		if err != nil {
			return nil, fmt.Errorf("manifest book %d: %w", i+1, err)
		}
		params.SourceURL = entry.URL
		out = append(out, params)
	}
	return out, nil
}

func (e manifestEntry) apply(p book.JobParameters) (book.JobParameters, error) {
	if e.Title != "" {
		p.Title = e.Title
	}
	if e.Output != "" {
		p.OutputDir = e.Output
	}
	if e.Format != "" {
		f, err := book.ParseFormat(e.Format)
		if err != nil {
			return p, err
		}
		p.Format = f
	}
	if e.Split != nil {
		p.SplitFiles = *e.Split
	}
	if e.Delay != "" {
		d, err := book.ParseDelay(e.Delay)
		if err != nil {
			return p, err
		}
		p.Delay = d
	}
	if e.Limit != nil {
		p.ChapterLimit = *e.Limit
	}
	if e.Chapters != "" {
		indices, err := book.ParseChapterRange(e.Chapters)
		if err != nil {
			return p, err
		}
		p.ChapterIndices = indices
	}
	return p, nil
}

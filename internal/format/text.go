package format

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/novelfetch/internal/book"
)

// layout captures what differs between the plain text and markdown formats.
type layout struct {
	format      book.Format
	ext         string
	delimiter   *regexp.Regexp
	header      func(desc book.Descriptor) string
	section     func(title, body string) string
	chapterFile func(title, body string) string
	image       func(b book.Block) string
}

// Text writes plain text with "=== title ===" chapter delimiters.
type Text struct {
	layout
}

// NewText builds the plain text formatter.
func NewText() *Text {
	return &Text{layout{
		format:    book.FormatText,
		ext:       ".txt",
		delimiter: regexp.MustCompile(`(?m)^=== (.+) ===\r?$`),
		header: func(desc book.Descriptor) string {
			var sb strings.Builder
			fmt.Fprintf(&sb, "Title: %s\nAuthor: %s\n", desc.Title, desc.Author)
			if desc.Introduction != "" {
				fmt.Fprintf(&sb, "\n%s\n", desc.Introduction)
			}
			sb.WriteString(strings.Repeat("=", 20) + "\n\n")
			return sb.String()
		},
		section: func(title, body string) string {
			return fmt.Sprintf("\n\n=== %s ===\n\n%s", title, body)
		},
		chapterFile: func(title, body string) string {
			return fmt.Sprintf("%s\n\n%s\n", title, body)
		},
		image: func(b book.Block) string {
			return fmt.Sprintf("[image: %s]", b.Data)
		},
	}}
}

// Markdown writes markdown with "## title" chapter headings.
type Markdown struct {
	layout
}

// NewMarkdown builds the markdown formatter.
func NewMarkdown() *Markdown {
	return &Markdown{layout{
		format:    book.FormatMarkdown,
		ext:       ".md",
		delimiter: regexp.MustCompile(`(?m)^## (.+?)\r?$`),
		header: func(desc book.Descriptor) string {
			var sb strings.Builder
			fmt.Fprintf(&sb, "# %s\n**Author:** %s\n\n", desc.Title, desc.Author)
			if desc.Introduction != "" {
				for _, line := range strings.Split(desc.Introduction, "\n") {
					fmt.Fprintf(&sb, "> %s\n", line)
				}
				sb.WriteString("\n")
			}
			sb.WriteString("---\n\n")
			return sb.String()
		},
		section: func(title, body string) string {
			return fmt.Sprintf("## %s\n\n%s\n\n", title, body)
		},
		chapterFile: func(title, body string) string {
			return fmt.Sprintf("# %s\n\n%s\n", title, body)
		},
		image: func(b book.Block) string {
			return fmt.Sprintf("![](%s)", b.Data)
		},
	}}
}

// Format implements Formatter.
func (l *layout) Format() book.Format { return l.format }

// EmbedsAssets implements Formatter; text formats only reference images.
func (l *layout) EmbedsAssets() bool { return false }

// FinalPath implements Formatter.
func (l *layout) FinalPath(desc book.Descriptor, dir string, split bool) string {
	if split {
		return filepath.Join(dir, Sanitize(desc.Title))
	}
	return filepath.Join(dir, Sanitize(desc.Title)+l.ext)
}

// DetectProgress implements Formatter.
func (l *layout) DetectProgress(desc book.Descriptor, dir string, split bool) int {
	if split {
		return l.detectSplit(desc, l.FinalPath(desc, dir, true))
	}
	return detectFromTail(l.FinalPath(desc, dir, false), l.delimiter, desc)
}

var sequencePrefix = regexp.MustCompile(`^(\d+)_`)

// detectSplit returns the highest chapter index present in a split directory.
func (l *layout) detectSplit(desc book.Descriptor, dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return NoProgress
	}
	highest := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), l.ext) {
			continue
		}
		m := sequencePrefix.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if seq > highest {
			highest = seq
		}
	}
	if highest == 0 || len(desc.Chapters) == 0 {
		return NoProgress
	}
	return min(highest-1, len(desc.Chapters)-1)
}

// Open implements Formatter.
func (l *layout) Open(req OpenRequest) (Session, error) {
	if req.Split {
		return l.openSplit(req)
	}
	return l.openSingle(req)
}

func (l *layout) render(content book.Content) string {
	return content.Text(l.image)
}

type singleFileSession struct {
	layout *layout
	path   string
	file   *os.File
}

func (l *layout) openSingle(req OpenRequest) (Session, error) {
	if err := os.MkdirAll(req.Dir, 0o750); err != nil {
		return nil, &book.ResourceError{Op: "create directory", Path: req.Dir, Err: err}
	}
	path := l.FinalPath(req.Descriptor, req.Dir, false)
	appending := req.Append && exists(path)
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appending {
		flags = os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o600) // #nosec G304 -- path is derived from the job destination.
	if err != nil {
		return nil, &book.ResourceError{Op: "open", Path: path, Err: err}
	}
	if !appending {
		if _, err := f.WriteString(l.header(req.Descriptor)); err != nil {
			_ = f.Close()
			return nil, &book.ResourceError{Op: "write header", Path: path, Err: err}
		}
	}
	return &singleFileSession{layout: l, path: path, file: f}, nil
}

func (s *singleFileSession) WriteChapter(ch book.ChapterRef, content book.Content, _ int) error {
	if s.file == nil {
		return fmt.Errorf("write chapter %q: session closed", ch.Title)
	}
	if _, err := s.file.WriteString(s.layout.section(ch.Title, s.layout.render(content))); err != nil {
		return fmt.Errorf("write chapter %q: %w", ch.Title, err)
	}
	return nil
}

func (s *singleFileSession) Finalize() (string, error) {
	if s.file == nil {
		return s.path, nil
	}
	if err := s.file.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", s.path, err)
	}
	if err := s.Close(); err != nil {
		return "", err
	}
	return s.path, nil
}

// Close keeps whatever was written; the partial file is the resume checkpoint.
func (s *singleFileSession) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	return nil
}

func (s *singleFileSession) Written() []string {
	return []string{s.path}
}

type splitSession struct {
	layout  *layout
	dir     string
	written []string
}

func (l *layout) openSplit(req OpenRequest) (Session, error) {
	dir := l.FinalPath(req.Descriptor, req.Dir, true)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, &book.ResourceError{Op: "create directory", Path: dir, Err: err}
	}
	s := &splitSession{layout: l, dir: dir}
	front := filepath.Join(dir, fmt.Sprintf("%04d_%s%s", 0, Sanitize(req.Descriptor.Title), l.ext))
	if !(req.Append && exists(front)) {
		if err := os.WriteFile(front, []byte(l.header(req.Descriptor)), 0o600); err != nil {
			return nil, &book.ResourceError{Op: "write front matter", Path: front, Err: err}
		}
		s.written = append(s.written, front)
	}
	return s, nil
}

func (s *splitSession) WriteChapter(ch book.ChapterRef, content book.Content, index int) error {
	name := fmt.Sprintf("%04d_%s%s", index+1, Sanitize(ch.Title), s.layout.ext)
	path := filepath.Join(s.dir, name)
	body := s.layout.chapterFile(ch.Title, s.layout.render(content))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return fmt.Errorf("write chapter %q: %w", ch.Title, err)
	}
	s.written = append(s.written, path)
	return nil
}

func (s *splitSession) Finalize() (string, error) {
	return s.dir, nil
}

func (s *splitSession) Close() error {
	return nil
}

func (s *splitSession) Written() []string {
	return append([]string(nil), s.written...)
}

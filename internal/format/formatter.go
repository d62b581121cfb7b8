package format

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/JakeFAU/novelfetch/internal/book"
)

// NoProgress is returned by DetectProgress when nothing usable was found.
const NoProgress = -1

// tailWindow bounds how much of an existing artifact resume detection reads.
const tailWindow = 20 * 1024

// OpenRequest carries everything a formatter needs to start an output target.
type OpenRequest struct {
	Descriptor book.Descriptor
	SourceURL  string
	Dir        string
	Split      bool
	// Append preserves an existing header and previously written chapters.
	Append bool
	// Cover holds the cover image for formats that embed assets.
	Cover []byte
}

// Formatter is one output representation.
type Formatter interface {
	Format() book.Format
	// EmbedsAssets reports whether image blocks should be fetched before writing.
	EmbedsAssets() bool
	// DetectProgress returns the descriptor index of the last chapter already
	// present at the destination, or NoProgress.
	DetectProgress(desc book.Descriptor, dir string, split bool) int
	// FinalPath is the artifact path Finalize would return.
	FinalPath(desc book.Descriptor, dir string, split bool) string
	Open(req OpenRequest) (Session, error)
}

// Session is an open output target. Close releases the underlying resources
// and is safe to call after Finalize.
type Session interface {
	WriteChapter(ch book.ChapterRef, content book.Content, index int) error
	Finalize() (string, error)
	Close() error
	Written() []string
}

// New returns the formatter registered for f.
func New(f book.Format) (Formatter, error) {
	switch f {
	case book.FormatText:
		return NewText(), nil
	case book.FormatMarkdown:
		return NewMarkdown(), nil
	case book.FormatEPUB:
		return NewEPUB(), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", f)
	}
}

var invalidFilenameChars = regexp.MustCompile(`[\\/*?:"<>|]`)

// Sanitize strips characters that are not allowed in file names.
func Sanitize(name string) string {
	name = strings.TrimSpace(invalidFilenameChars.ReplaceAllString(name, ""))
	name = strings.Trim(name, ". ")
	if name == "" {
		return "untitled"
	}
	return name
}

// readTail returns at most window trailing bytes of the file at path.
func readTail(path string, window int64) ([]byte, error) {
	f, err := os.Open(path) // #nosec G304 -- path is derived from the job destination.
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := info.Size() - window
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// detectFromTail scans the trailing window of a single-file artifact for the
// last delimiter and maps its title back to a descriptor index.
func detectFromTail(path string, delimiter *regexp.Regexp, desc book.Descriptor) int {
	tail, err := readTail(path, tailWindow)
	if err != nil || len(tail) == 0 {
		return NoProgress
	}
	matches := delimiter.FindAllSubmatch(tail, -1)
	if len(matches) == 0 {
		return NoProgress
	}
	title := strings.TrimSpace(string(matches[len(matches)-1][1]))
	return lastIndexOfTitle(desc.Chapters, title)
}

// lastIndexOfTitle scans from the end since titles are not unique.
func lastIndexOfTitle(chapters []book.ChapterRef, title string) int {
	for i := len(chapters) - 1; i >= 0; i-- {
		if strings.TrimSpace(chapters[i].Title) == title {
			return i
		}
	}
	return NoProgress
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

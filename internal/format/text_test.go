package format

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novelfetch/internal/book"
)

func sampleDescriptor(n int) book.Descriptor {
	desc := book.Descriptor{Title: "Star River", Author: "Lin"}
	for i := 0; i < n; i++ {
		desc.Chapters = append(desc.Chapters, book.ChapterRef{
			Title: fmt.Sprintf("Chapter %d", i+1),
			URL:   fmt.Sprintf("https://example.com/reader/%d", i+1),
		})
	}
	return desc
}

func writeChapters(t *testing.T, s Session, desc book.Descriptor, indices ...int) {
	t.Helper()
	for _, idx := range indices {
		ch := desc.Chapters[idx]
		require.NoError(t, s.WriteChapter(ch, book.TextContent("body of "+ch.Title), idx))
	}
}

func TestTextSingleFileLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc := sampleDescriptor(3)
	f := NewText()
	s, err := f.Open(OpenRequest{Descriptor: desc, Dir: dir})
	require.NoError(t, err)
	writeChapters(t, s, desc, 0, 1, 2)
	path, err := s.Finalize()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "Star River.txt"), path)
	require.Equal(t, path, f.FinalPath(desc, dir, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	require.True(t, strings.HasPrefix(text, "Title: Star River\nAuthor: Lin\n====================\n\n"))
	first := strings.Index(text, "=== Chapter 1 ===")
	second := strings.Index(text, "=== Chapter 2 ===")
	third := strings.Index(text, "=== Chapter 3 ===")
	require.True(t, first > 0 && first < second && second < third)
	require.True(t, strings.HasSuffix(text, "body of Chapter 3"))
}

func TestTextResumeAppendsWithoutRewriting(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc := sampleDescriptor(6)
	f := NewText()
	require.Equal(t, NoProgress, f.DetectProgress(desc, dir, false))

	s, err := f.Open(OpenRequest{Descriptor: desc, Dir: dir})
	require.NoError(t, err)
	writeChapters(t, s, desc, 0, 1, 2)
	path, err := s.Finalize()
	require.NoError(t, err)

	before, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, f.DetectProgress(desc, dir, false))

	s, err = f.Open(OpenRequest{Descriptor: desc, Dir: dir, Append: true})
	require.NoError(t, err)
	writeChapters(t, s, desc, 3, 4, 5)
	_, err = s.Finalize()
	require.NoError(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after[:len(before)])
	require.Equal(t, 1, strings.Count(string(after), "Title: Star River"))
	require.Equal(t, 5, f.DetectProgress(desc, dir, false))
}

func TestDetectProgressPrefersLastOccurrence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc := book.Descriptor{Title: "Loop", Chapters: []book.ChapterRef{
		{Title: "Interlude"}, {Title: "Arrival"}, {Title: "Interlude"}, {Title: "Departure"},
	}}
	f := NewText()
	s, err := f.Open(OpenRequest{Descriptor: desc, Dir: dir})
	require.NoError(t, err)
	writeChapters(t, s, desc, 0)
	_, err = s.Finalize()
	require.NoError(t, err)

	require.Equal(t, 2, f.DetectProgress(desc, dir, false))
}

func TestDetectProgressReadsOnlyTrailingWindow(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc := sampleDescriptor(3)
	f := NewText()
	s, err := f.Open(OpenRequest{Descriptor: desc, Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.WriteChapter(desc.Chapters[0], book.TextContent(strings.Repeat("x", 2*tailWindow)), 0))
	_, err = s.Finalize()
	require.NoError(t, err)

	// The only delimiter lies outside the window.
	require.Equal(t, NoProgress, f.DetectProgress(desc, dir, false))
}

func TestDetectProgressUnknownTitle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc := sampleDescriptor(2)
	path := filepath.Join(dir, "Star River.txt")
	require.NoError(t, os.WriteFile(path, []byte("Title: x\n\n\n=== Renamed ===\n\nbody"), 0o600))

	require.Equal(t, NoProgress, NewText().DetectProgress(desc, dir, false))
}

func TestMarkdownSingleFileResume(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc := sampleDescriptor(4)
	desc.Introduction = "A tale."
	f := NewMarkdown()
	s, err := f.Open(OpenRequest{Descriptor: desc, Dir: dir})
	require.NoError(t, err)
	writeChapters(t, s, desc, 0, 1)
	path, err := s.Finalize()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "Star River.md"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "# Star River\n**Author:** Lin\n\n> A tale.\n\n---\n\n## Chapter 1\n\n"))
	require.Equal(t, 1, f.DetectProgress(desc, dir, false))
}

func TestSplitModeLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc := sampleDescriptor(5)
	desc.Chapters[3].Title = `What? "Now"`
	f := NewMarkdown()
	require.Equal(t, NoProgress, f.DetectProgress(desc, dir, true))

	s, err := f.Open(OpenRequest{Descriptor: desc, Dir: dir, Split: true})
	require.NoError(t, err)
	writeChapters(t, s, desc, 2, 3)
	path, err := s.Finalize()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "Star River"), path)
	require.Len(t, s.Written(), 3)

	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Equal(t, []string{"0000_Star River.md", "0003_Chapter 3.md", "0004_What Now.md"}, names)

	body, err := os.ReadFile(filepath.Join(path, "0003_Chapter 3.md"))
	require.NoError(t, err)
	require.Equal(t, "# Chapter 3\n\nbody of Chapter 3\n", string(body))
	require.Equal(t, 3, f.DetectProgress(desc, dir, true))
}

func TestTextRendersImagePlaceholders(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc := sampleDescriptor(1)
	f := NewText()
	s, err := f.Open(OpenRequest{Descriptor: desc, Dir: dir})
	require.NoError(t, err)
	content := book.Content{Blocks: []book.Block{
		{Kind: book.BlockText, Data: "before"},
		{Kind: book.BlockImage, Data: "https://example.com/i.png"},
	}}
	require.NoError(t, s.WriteChapter(desc.Chapters[0], content, 0))
	path, err := s.Finalize()
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "before\n\n[image: https://example.com/i.png]")
}

func TestOpenFailsWithResourceError(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := NewText().Open(OpenRequest{Descriptor: sampleDescriptor(1), Dir: filepath.Join(blocker, "sub")})
	var resErr *book.ResourceError
	require.ErrorAs(t, err, &resErr)
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ab", Sanitize(`a/b`))
	require.Equal(t, "What Now", Sanitize(`What? "Now"`))
	require.Equal(t, "untitled", Sanitize(`<>|`))
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	for _, f := range []book.Format{book.FormatText, book.FormatMarkdown, book.FormatEPUB} {
		got, err := New(f)
		require.NoError(t, err)
		require.Equal(t, f, got.Format())
	}
	_, err := New("pdf")
	require.Error(t, err)
}

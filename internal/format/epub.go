package format

import (
	"archive/zip"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/id/uuid"
)

// EPUB packages chapters into an EPUB 3 container. Chapter entries are
// streamed into the archive as they arrive; the package document, navigation
// and NCX are written on Finalize.
type EPUB struct {
	Language string
	Now      func() time.Time
}

// NewEPUB builds the EPUB formatter.
func NewEPUB() *EPUB {
	return &EPUB{Language: "zh", Now: time.Now}
}

// Format implements Formatter.
func (e *EPUB) Format() book.Format { return book.FormatEPUB }

// EmbedsAssets implements Formatter.
func (e *EPUB) EmbedsAssets() bool { return true }

// DetectProgress implements Formatter. EPUB output is always rebuilt.
func (e *EPUB) DetectProgress(book.Descriptor, string, bool) int { return NoProgress }

// FinalPath implements Formatter. Split mode does not apply.
func (e *EPUB) FinalPath(desc book.Descriptor, dir string, _ bool) string {
	return filepath.Join(dir, Sanitize(desc.Title)+".epub")
}

type manifestItem struct {
	id        string
	href      string
	mediaType string
	title     string
	spine     bool
	props     string
}

type epubSession struct {
	format    *EPUB
	desc      book.Descriptor
	id        string
	path      string
	tmpPath   string
	file      *os.File
	zw        *zip.Writer
	items     []manifestItem
	images    int
	finalized bool
}

// Open implements Formatter. The archive is assembled in a sibling ".part"
// file and renamed into place on Finalize.
func (e *EPUB) Open(req OpenRequest) (Session, error) {
	if err := os.MkdirAll(req.Dir, 0o750); err != nil {
		return nil, &book.ResourceError{Op: "create directory", Path: req.Dir, Err: err}
	}
	path := e.FinalPath(req.Descriptor, req.Dir, false)
	tmp := path + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- path is derived from the job destination.
	if err != nil {
		return nil, &book.ResourceError{Op: "open", Path: tmp, Err: err}
	}
	seed := req.SourceURL
	if seed == "" {
		seed = req.Descriptor.Title + "\x00" + req.Descriptor.Author
	}
	s := &epubSession{
		format:  e,
		desc:    req.Descriptor,
		id:      uuid.NameURN(seed),
		path:    path,
		tmpPath: tmp,
		file:    f,
		zw:      zip.NewWriter(f),
	}
	if err := s.writePreamble(req.Cover); err != nil {
		_ = s.Close()
		return nil, &book.ResourceError{Op: "write preamble", Path: tmp, Err: err}
	}
	return s, nil
}

func (s *epubSession) writePreamble(cover []byte) error {
	// mimetype must be the first entry and stored uncompressed.
	w, err := s.zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return fmt.Errorf("create mimetype: %w", err)
	}
	if _, err := w.Write([]byte("application/epub+zip")); err != nil {
		return fmt.Errorf("write mimetype: %w", err)
	}
	if err := s.writeEntry("META-INF/container.xml", containerXML); err != nil {
		return err
	}
	if err := s.writeEntry("OEBPS/styles/style.css", stylesheet); err != nil {
		return err
	}
	s.items = append(s.items, manifestItem{id: "style", href: "styles/style.css", mediaType: "text/css"})

	coverHref := ""
	if href, ok, err := s.writeImage("cover", cover); err != nil {
		return err
	} else if ok {
		coverHref = href
		s.items[len(s.items)-1].props = "cover-image"
	}
	intro := s.frontMatterXHTML(coverHref)
	if err := s.writeEntry("OEBPS/intro.xhtml", intro); err != nil {
		return err
	}
	s.items = append(s.items, manifestItem{
		id: "intro", href: "intro.xhtml", mediaType: "application/xhtml+xml",
		title: s.desc.Title, spine: true,
	})
	return nil
}

func (s *epubSession) writeEntry(name, content string) error {
	w, err := s.zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// writeImage stores data under OEBPS/images. ok is false when data is empty
// or not a recognised image, which callers render as a placeholder.
func (s *epubSession) writeImage(name string, data []byte) (string, bool, error) {
	if len(data) == 0 {
		return "", false, nil
	}
	mediaType := http.DetectContentType(data)
	ext, ok := imageExtensions[mediaType]
	if !ok {
		return "", false, nil
	}
	href := "images/" + name + ext
	w, err := s.zw.Create("OEBPS/" + href)
	if err != nil {
		return "", false, fmt.Errorf("create %s: %w", href, err)
	}
	if _, err := w.Write(data); err != nil {
		return "", false, fmt.Errorf("write %s: %w", href, err)
	}
	s.items = append(s.items, manifestItem{id: "img-" + name, href: href, mediaType: mediaType})
	return href, true, nil
}

func (s *epubSession) WriteChapter(ch book.ChapterRef, content book.Content, index int) error {
	if s.zw == nil {
		return fmt.Errorf("write chapter %q: session closed", ch.Title)
	}
	var body strings.Builder
	for _, b := range content.Blocks {
		switch b.Kind {
		case book.BlockImage:
			s.images++
			href, ok, err := s.writeImage(fmt.Sprintf("img_%d", s.images), b.Asset)
			if err != nil {
				return fmt.Errorf("write chapter %q: %w", ch.Title, err)
			}
			if ok {
				fmt.Fprintf(&body, "<p class=\"image\"><img src=\"../%s\" alt=\"\"/></p>\n", href)
			} else {
				fmt.Fprintf(&body, "<p class=\"missing\">[image unavailable: %s]</p>\n", escapeXML(b.Data))
			}
		default:
			for _, para := range strings.Split(b.Data, "\n\n") {
				if strings.TrimSpace(para) == "" {
					continue
				}
				fmt.Fprintf(&body, "<p>%s</p>\n", escapeXML(strings.TrimSpace(para)))
			}
		}
	}
	id := fmt.Sprintf("chap_%d", index+1)
	href := "chapters/" + id + ".xhtml"
	if err := s.writeEntry("OEBPS/"+href, s.chapterXHTML(ch.Title, body.String())); err != nil {
		return fmt.Errorf("write chapter %q: %w", ch.Title, err)
	}
	s.items = append(s.items, manifestItem{
		id: id, href: href, mediaType: "application/xhtml+xml", title: ch.Title, spine: true,
	})
	return nil
}

func (s *epubSession) Finalize() (string, error) {
	if s.finalized {
		return s.path, nil
	}
	if s.zw == nil {
		return "", fmt.Errorf("finalize %s: session closed", s.path)
	}
	if err := s.writeEntry("OEBPS/nav.xhtml", s.navigationXHTML()); err != nil {
		return "", err
	}
	if err := s.writeEntry("OEBPS/toc.ncx", s.ncx()); err != nil {
		return "", err
	}
	if err := s.writeEntry("OEBPS/content.opf", s.packageDocument()); err != nil {
		return "", err
	}
	if err := s.zw.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	s.zw = nil
	if err := s.file.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", s.tmpPath, err)
	}
	s.file = nil
	if err := os.Rename(s.tmpPath, s.path); err != nil {
		return "", &book.ResourceError{Op: "rename", Path: s.path, Err: err}
	}
	s.finalized = true
	return s.path, nil
}

// Close discards an unfinished archive.
func (s *epubSession) Close() error {
	if s.finalized {
		return nil
	}
	if s.zw != nil {
		_ = s.zw.Close()
		s.zw = nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := os.Remove(s.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", s.tmpPath, err)
	}
	return nil
}

func (s *epubSession) Written() []string {
	if !s.finalized {
		return nil
	}
	return []string{s.path}
}

func (s *epubSession) spineItems() []manifestItem {
	out := make([]manifestItem, 0, len(s.items))
	for _, item := range s.items {
		if item.spine {
			out = append(out, item)
		}
	}
	return out
}

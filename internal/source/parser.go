package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/fetcher"
	"github.com/JakeFAU/novelfetch/internal/metrics"
)

const (
	unknownBook      = "Unknown_Book"
	unknownAuthor    = "Unknown_Author"
	unknownTitle     = "Unknown Title"
	lockedChapter    = "Content not found or locked (VIP chapter)."
	maxCategoryRunes = 10

	defaultRetryDelay = 500 * time.Millisecond
)

// Limiter gates requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Detector recognises anti-automation responses. Status runs on every
// response; Body runs only on pages missing the expected markup.
type Detector interface {
	Status(resp fetcher.Response) error
	Body(resp fetcher.Response) error
}

// Config controls the Parser.
type Config struct {
	// BaseURL resolves relative links.
	BaseURL    string
	Selectors  Selectors
	MaxRetries int
	RetryDelay time.Duration
}

// Parser implements book.Source, book.Lister and book.AssetFetcher over a
// fetcher.Fetcher.
type Parser struct {
	fetcher  fetcher.Fetcher
	limiter  Limiter
	detector Detector
	base     *url.URL
	sel      Selectors
	attempts uint
	delay    time.Duration
	logger   *zap.Logger
}

var (
	_ book.Source       = (*Parser)(nil)
	_ book.Lister       = (*Parser)(nil)
	_ book.AssetFetcher = (*Parser)(nil)
)

// New builds a Parser. limiter and detector are optional.
func New(f fetcher.Fetcher, limiter Limiter, detector Detector, cfg Config, logger *zap.Logger) (*Parser, error) {
	if f == nil {
		return nil, errors.New("source: fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var base *url.URL
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("source: invalid base url %q", cfg.BaseURL)
		}
		base = u
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Parser{
		fetcher:  f,
		limiter:  limiter,
		detector: detector,
		base:     base,
		sel:      cfg.Selectors.withDefaults(),
		attempts: uint(cfg.MaxRetries) + 1,
		delay:    cfg.RetryDelay,
		logger:   logger.Named("source"),
	}, nil
}

// Document resolves the descriptor of the book at rawURL.
func (p *Parser) Document(ctx context.Context, rawURL string) (book.Descriptor, error) {
	doc, pageURL, resp, err := p.page(ctx, rawURL)
	if err != nil {
		return book.Descriptor{}, fmt.Errorf("fetch book page: %w", err)
	}
	if firstText(doc, p.sel.Title) == "" && firstMatch(doc, p.sel.ChapterLinks).Length() == 0 {
		if err := p.bodyChallenge(resp); err != nil {
			return book.Descriptor{}, fmt.Errorf("fetch book page: %w", err)
		}
	}

	desc := book.Descriptor{
		Title:        firstText(doc, p.sel.Title),
		Author:       firstText(doc, p.sel.Author),
		Introduction: firstText(doc, p.sel.Intro),
	}
	if desc.Title == "" {
		desc.Title = unknownBook
	}
	if desc.Author == "" {
		desc.Author = unknownAuthor
	}
	if src := firstAttr(doc, p.sel.Cover, "src", "data-src"); src != "" {
		desc.CoverURL = p.resolve(pageURL, src)
	}

	firstMatch(doc, p.sel.ChapterLinks).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		desc.Chapters = append(desc.Chapters, book.ChapterRef{
			Title: strings.TrimSpace(a.Text()),
			URL:   p.resolve(pageURL, href),
		})
	})
	p.logger.Debug("descriptor parsed",
		zap.String("url", rawURL),
		zap.String("title", desc.Title),
		zap.Int("chapters", len(desc.Chapters)))
	return desc, nil
}

// ChapterContent returns the ordered text and image blocks of a chapter.
// A page without a content container yields the locked-chapter notice.
func (p *Parser) ChapterContent(ctx context.Context, rawURL string) (book.Content, error) {
	doc, pageURL, resp, err := p.page(ctx, rawURL)
	if err != nil {
		return book.Content{}, fmt.Errorf("fetch chapter: %w", err)
	}
	container := firstMatch(doc, p.sel.Content).First()
	if container.Length() == 0 {
		if err := p.bodyChallenge(resp); err != nil {
			return book.Content{}, fmt.Errorf("fetch chapter: %w", err)
		}
		return book.TextContent(lockedChapter), nil
	}

	var content book.Content
	container.Find(p.sel.Paragraphs + ", " + p.sel.Images).Each(func(_ int, s *goquery.Selection) {
		if s.Is(p.sel.Images) {
			src := attrOf(s, "src", "data-src")
			if src != "" {
				content.Blocks = append(content.Blocks, book.Block{Kind: book.BlockImage, Data: p.resolve(pageURL, src)})
			}
			return
		}
		if text := strings.TrimSpace(s.Text()); text != "" {
			content.Blocks = append(content.Blocks, book.Block{Kind: book.BlockText, Data: text})
		}
	})
	if len(content.Blocks) == 0 {
		if text := strings.TrimSpace(container.Text()); text != "" {
			return book.TextContent(text), nil
		}
	}
	return content, nil
}

// Listing returns the books linked from a listing page, de-duplicated by
// locator in page order.
func (p *Parser) Listing(ctx context.Context, rawURL string) ([]book.ListingEntry, error) {
	doc, pageURL, resp, err := p.page(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	seen := make(map[string]struct{})
	var entries []book.ListingEntry
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !strings.Contains(href, p.sel.ListingPattern) {
			return
		}
		full := p.resolve(pageURL, href)
		if _, dup := seen[full]; dup {
			return
		}
		seen[full] = struct{}{}
		title := strings.TrimSpace(a.Text())
		if title == "" {
			title = strings.TrimSpace(a.Find("img").AttrOr("alt", ""))
		}
		if title == "" {
			title = unknownTitle
		}
		entries = append(entries, book.ListingEntry{Title: title, URL: full})
	})
	if len(entries) == 0 {
		if err := p.bodyChallenge(resp); err != nil {
			return nil, fmt.Errorf("fetch listing: %w", err)
		}
	}
	return entries, nil
}

// Categories returns the short category links advertised by an index page.
// An empty rawURL selects "<base>/rank".
func (p *Parser) Categories(ctx context.Context, rawURL string) ([]book.Category, error) {
	if rawURL == "" {
		if p.base == nil {
			return nil, errors.New("categories: no url and no base url configured")
		}
		rawURL = p.base.ResolveReference(&url.URL{Path: "/rank"}).String()
	}
	doc, pageURL, resp, err := p.page(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch categories: %w", err)
	}
	seen := make(map[string]struct{})
	var out []book.Category
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		name := strings.TrimSpace(a.Text())
		if !strings.HasPrefix(href, p.sel.CategoryPrefix) || name == "" {
			return
		}
		if utf8.RuneCountInString(name) >= maxCategoryRunes {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, book.Category{Name: name, URL: p.resolve(pageURL, href)})
	})
	if len(out) == 0 {
		if err := p.bodyChallenge(resp); err != nil {
			return nil, fmt.Errorf("fetch categories: %w", err)
		}
	}
	return out, nil
}

// AssetBytes downloads a binary asset. Failures are logged and return nil.
func (p *Parser) AssetBytes(ctx context.Context, rawURL string) []byte {
	resp, err := p.fetch(ctx, rawURL, "asset")
	if err != nil {
		p.logger.Debug("asset unavailable", zap.String("url", rawURL), zap.Error(err))
		return nil
	}
	if len(resp.Body) == 0 {
		return nil
	}
	return resp.Body
}

func (p *Parser) page(ctx context.Context, rawURL string) (*goquery.Document, *url.URL, fetcher.Response, error) {
	resp, err := p.fetch(ctx, rawURL, "page")
	if err != nil {
		return nil, nil, resp, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, nil, resp, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	final := resp.URL
	if final == "" {
		final = rawURL
	}
	pageURL, err := url.Parse(final)
	if err != nil {
		pageURL = nil
	}
	return doc, pageURL, resp, nil
}

func (p *Parser) bodyChallenge(resp fetcher.Response) error {
	if p.detector == nil {
		return nil
	}
	return p.detector.Body(resp)
}

// fetch performs one logical request with retries. Challenges, cancellation
// and client errors other than 408 and 429 are never retried.
func (p *Parser) fetch(ctx context.Context, rawURL, kind string) (fetcher.Response, error) {
	return retry.DoWithData(
		func() (fetcher.Response, error) {
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx, rawURL); err != nil {
					return fetcher.Response{}, retry.Unrecoverable(err)
				}
			}
			resp, err := p.fetcher.Fetch(ctx, fetcher.Request{URL: rawURL})
			metrics.ObserveFetch(kind, rawURL, resp.Duration)
			if resp.URL == "" {
				resp.URL = rawURL
			}
			if p.detector != nil {
				if cerr := p.detector.Status(resp); cerr != nil {
					return resp, retry.Unrecoverable(cerr)
				}
			}
			if err != nil {
				if !retryable(ctx, err) {
					return resp, retry.Unrecoverable(err)
				}
				return resp, err
			}
			return resp, nil
		},
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Debug("retrying fetch", zap.String("url", rawURL), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := fetcher.StatusCode(err)
	switch {
	case code == 0:
		return true
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return true
	case code >= 400 && code < 500:
		return false
	default:
		return true
	}
}

func (p *Parser) resolve(pageURL *url.URL, href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if ref.IsAbs() {
		return ref.String()
	}
	switch {
	case p.base != nil:
		return p.base.ResolveReference(ref).String()
	case pageURL != nil:
		return pageURL.ResolveReference(ref).String()
	default:
		return href
	}
}

func firstMatch(doc *goquery.Document, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		if found := doc.Find(sel); found.Length() > 0 {
			return found
		}
	}
	return doc.Selection.Slice(0, 0)
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func firstAttr(doc *goquery.Document, selectors []string, names ...string) string {
	for _, sel := range selectors {
		if v := attrOf(doc.Find(sel).First(), names...); v != "" {
			return v
		}
	}
	return ""
}

func attrOf(s *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(s.AttrOr(name, "")); v != "" {
			return v
		}
	}
	return ""
}

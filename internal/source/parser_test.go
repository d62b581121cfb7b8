package source

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/challenge"
	"github.com/JakeFAU/novelfetch/internal/fetcher"
)

type stubPage struct {
	status int
	body   string
	err    error
}

type stubFetcher struct {
	mu    sync.Mutex
	pages map[string][]stubPage
	calls map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{pages: make(map[string][]stubPage), calls: make(map[string]int)}
}

// add queues responses for url; the last one repeats.
func (s *stubFetcher) add(url string, pages ...stubPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = append(s.pages[url], pages...)
}

func (s *stubFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls[req.URL]
	s.calls[req.URL]++
	queued := s.pages[req.URL]
	if len(queued) == 0 {
		return fetcher.Response{URL: req.URL, StatusCode: http.StatusNotFound}, &fetcher.StatusError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	if n >= len(queued) {
		n = len(queued) - 1
	}
	page := queued[n]
	status := page.status
	if status == 0 {
		status = http.StatusOK
	}
	return fetcher.Response{URL: req.URL, StatusCode: status, Body: []byte(page.body)}, page.err
}

func (s *stubFetcher) callsTo(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

type countingLimiter struct {
	mu    sync.Mutex
	waits int
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	return nil
}

func newParser(t *testing.T, f fetcher.Fetcher, limiter Limiter) *Parser {
	t.Helper()
	p, err := New(f, limiter, challenge.New(nil, nil), Config{
		BaseURL:    "https://novels.example",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return p
}

const bookPage = `<html><body>
<div class="info-name"><h1> The Long Road </h1></div>
<span class="author-name-text">Ann Writer</span>
<div class="page-abstract-content">An introduction.</div>
<div class="book-cover"><img src="/img/cover.jpg"></div>
<div class="chapter-item"><a href="/reader/1">Chapter 1</a></div>
<div class="chapter-item"><a href="/reader/2">Chapter 2</a></div>
<div class="chapter-item"><a>No link</a></div>
</body></html>`

func TestDocument(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.add("https://novels.example/page/7", stubPage{body: bookPage})
	limiter := &countingLimiter{}
	p := newParser(t, f, limiter)

	desc, err := p.Document(context.Background(), "https://novels.example/page/7")
	require.NoError(t, err)
	require.Equal(t, "The Long Road", desc.Title)
	require.Equal(t, "Ann Writer", desc.Author)
	require.Equal(t, "An introduction.", desc.Introduction)
	require.Equal(t, "https://novels.example/img/cover.jpg", desc.CoverURL)
	require.Equal(t, []book.ChapterRef{
		{Title: "Chapter 1", URL: "https://novels.example/reader/1"},
		{Title: "Chapter 2", URL: "https://novels.example/reader/2"},
	}, desc.Chapters)
	require.Equal(t, 1, limiter.waits)
}

func TestDocumentDefaultsAndFallbackSelectors(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.add("https://novels.example/page/8", stubPage{body: `<div class="chapter-list"><a href="https://cdn.example/r/1">One</a></div>`})
	p := newParser(t, f, nil)

	desc, err := p.Document(context.Background(), "https://novels.example/page/8")
	require.NoError(t, err)
	require.Equal(t, unknownBook, desc.Title)
	require.Equal(t, unknownAuthor, desc.Author)
	require.Empty(t, desc.CoverURL)
	require.Equal(t, []book.ChapterRef{{Title: "One", URL: "https://cdn.example/r/1"}}, desc.Chapters)
}

func TestChapterContent(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.add("https://novels.example/reader/1", stubPage{body: `<div class="muye-reader-content">
<p>First paragraph.</p><p>  </p><img src="/img/a.png"><p>Second paragraph.</p></div>`})
	f.add("https://novels.example/reader/2", stubPage{body: `<div class="other">nothing</div>`})
	p := newParser(t, f, nil)

	content, err := p.ChapterContent(context.Background(), "https://novels.example/reader/1")
	require.NoError(t, err)
	require.Equal(t, []book.Block{
		{Kind: book.BlockText, Data: "First paragraph."},
		{Kind: book.BlockImage, Data: "https://novels.example/img/a.png"},
		{Kind: book.BlockText, Data: "Second paragraph."},
	}, content.Blocks)

	locked, err := p.ChapterContent(context.Background(), "https://novels.example/reader/2")
	require.NoError(t, err)
	require.Equal(t, lockedChapter, locked.Text(nil))
}

func TestChallengeIsNeverRetried(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	url := "https://novels.example/reader/3"
	f.add(url, stubPage{body: "<p>请输入验证码</p>"})
	p := newParser(t, f, nil)

	_, err := p.ChapterContent(context.Background(), url)
	require.Error(t, err)
	require.True(t, errors.Is(err, book.ErrChallenge))
	got, ok := book.ChallengeURL(err)
	require.True(t, ok)
	require.Equal(t, url, got)
	require.Equal(t, 1, f.callsTo(url))
}

func TestMarkersInsideContentAreNotChallenges(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	chapterURL := "https://novels.example/reader/4"
	f.add(chapterURL, stubPage{body: `<script src="/cdn-cgi/challenge-platform/scripts/jsd/main.js"></script>
<div class="muye-reader-content"><p>她盯着手机上的验证码，迟迟没有输入。</p></div>`})
	bookURL := "https://novels.example/page/9"
	f.add(bookURL, stubPage{body: `<div class="info-name"><h1>验证码</h1></div>
<div class="chapter-list"><a href="/reader/4">One</a></div>`})
	p := newParser(t, f, nil)

	content, err := p.ChapterContent(context.Background(), chapterURL)
	require.NoError(t, err)
	require.Equal(t, "她盯着手机上的验证码，迟迟没有输入。", content.Text(nil))

	desc, err := p.Document(context.Background(), bookURL)
	require.NoError(t, err)
	require.Equal(t, "验证码", desc.Title)
	require.Len(t, desc.Chapters, 1)
}

func TestStatusChallengeOnValidPage(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	url := "https://novels.example/reader/5"
	f.add(url, stubPage{status: http.StatusForbidden, body: `<div class="muye-reader-content"><p>text</p></div>`})
	p := newParser(t, f, nil)

	_, err := p.ChapterContent(context.Background(), url)
	require.True(t, errors.Is(err, book.ErrChallenge))
	require.Equal(t, 1, f.callsTo(url))
}

func TestEmptyListingWithMarkerIsChallenge(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	url := "https://novels.example/rank/1"
	f.add(url, stubPage{body: `<form><p>Please verify you are human</p></form>`})
	p := newParser(t, f, nil)

	_, err := p.Listing(context.Background(), url)
	require.True(t, errors.Is(err, book.ErrChallenge))
	_, err = p.Categories(context.Background(), url)
	require.True(t, errors.Is(err, book.ErrChallenge))
}

func TestTransientErrorsAreRetried(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	url := "https://novels.example/reader/4"
	f.add(url,
		stubPage{status: http.StatusBadGateway, err: &fetcher.StatusError{URL: url, StatusCode: http.StatusBadGateway}},
		stubPage{body: `<div class="muye-reader-content"><p>Recovered.</p></div>`},
	)
	p := newParser(t, f, nil)

	content, err := p.ChapterContent(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, "Recovered.", content.Text(nil))
	require.Equal(t, 2, f.callsTo(url))
}

func TestNotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	p := newParser(t, f, nil)

	_, err := p.Document(context.Background(), "https://novels.example/page/missing")
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, fetcher.StatusCode(err))
	require.Equal(t, 1, f.callsTo("https://novels.example/page/missing"))
}

func TestListing(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.add("https://novels.example/rank/1", stubPage{body: `
<a href="/page/1"><img alt="Cover Title"></a>
<a href="/page/1">Cover Title</a>
<a href="/page/2">Second Book</a>
<a href="/author/9">Someone</a>
<a href="/page/3"></a>`})
	p := newParser(t, f, nil)

	entries, err := p.Listing(context.Background(), "https://novels.example/rank/1")
	require.NoError(t, err)
	require.Equal(t, []book.ListingEntry{
		{Title: "Cover Title", URL: "https://novels.example/page/1"},
		{Title: "Second Book", URL: "https://novels.example/page/2"},
		{Title: unknownTitle, URL: "https://novels.example/page/3"},
	}, entries)
}

func TestCategories(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.add("https://novels.example/rank", stubPage{body: `
<a href="/rank/1">Fantasy</a>
<a href="/rank/2">Fantasy</a>
<a href="/rank/3">Romance</a>
<a href="/rank/4">A category name that is far too long</a>
<a href="/other">Other</a>`})
	p := newParser(t, f, nil)

	cats, err := p.Categories(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []book.Category{
		{Name: "Fantasy", URL: "https://novels.example/rank/1"},
		{Name: "Romance", URL: "https://novels.example/rank/3"},
	}, cats)
}

func TestAssetBytesToleratesMisses(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.add("https://novels.example/img/a.png", stubPage{body: "PNGDATA"})
	p := newParser(t, f, nil)

	require.Equal(t, []byte("PNGDATA"), p.AssetBytes(context.Background(), "https://novels.example/img/a.png"))
	require.Nil(t, p.AssetBytes(context.Background(), "https://novels.example/img/missing.png"))
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, Config{}, nil)
	require.Error(t, err)
	_, err = New(newStubFetcher(), nil, nil, Config{BaseURL: "not a url"}, nil)
	require.Error(t, err)
}

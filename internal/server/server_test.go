package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/config"
	"github.com/JakeFAU/novelfetch/internal/fetcher"
	"github.com/JakeFAU/novelfetch/internal/scheduler"
)

const bookPage = `<html><body>
<div class="info-name"><h1>Quiet Mountain</h1></div>
<span class="author-name-text">Lin</span>
<div class="chapter-list"><a href="/reader/1">One</a><a href="/reader/2">Two</a></div>
</body></html>`

func chapterPage(text string) string {
	return `<html><body><div class="muye-reader-content"><p>` + text + `</p></div></body></html>`
}

type siteFetcher struct {
	mu    sync.Mutex
	pages map[string][]string
	calls map[string]int
}

func newSiteFetcher() *siteFetcher {
	return &siteFetcher{pages: make(map[string][]string), calls: make(map[string]int)}
}

func (s *siteFetcher) add(url string, bodies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = append(s.pages[url], bodies...)
}

func (s *siteFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bodies := s.pages[req.URL]
	if len(bodies) == 0 {
		return fetcher.Response{URL: req.URL, StatusCode: http.StatusNotFound},
			&fetcher.StatusError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	n := s.calls[req.URL]
	s.calls[req.URL]++
	if n >= len(bodies) {
		n = len(bodies) - 1
	}
	return fetcher.Response{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(bodies[n])}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Site.BaseURL = "https://novel.test"
	cfg.Output.Dir = t.TempDir()
	cfg.Output.Delay = "0"
	cfg.Fetch.DefaultRPS = 0
	cfg.Fetch.RetryDelay = time.Millisecond
	cfg.Scheduler.PollInterval = 10 * time.Millisecond
	cfg.Scheduler.WorkerPoll = 10 * time.Millisecond
	cfg.Mirror.LocalDir = t.TempDir()
	cfg.Publisher.Kind = config.PublisherMemory
	return cfg
}

func buildApp(t *testing.T, cfg config.Config, f fetcher.Fetcher) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t), Options{
		Fetcher:    f,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return app
}

func TestBuildRunsJobToCompletion(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	site := newSiteFetcher()
	site.add("https://novel.test/page/42", bookPage)
	site.add("https://novel.test/reader/1", chapterPage("first"))
	site.add("https://novel.test/reader/2", chapterPage("second"))

	app := buildApp(t, cfg, site)
	id, err := app.Scheduler.Add(cfg.DefaultParameters("https://novel.test/page/42"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.RunUntilIdle(ctx, nil))

	job, ok := app.Scheduler.Get(id)
	require.True(t, ok)
	require.Equal(t, book.JobStatusFinished, job.Status)
	require.Equal(t, "Quiet Mountain", job.Title)

	artifact := filepath.Join(cfg.Output.Dir, "Quiet Mountain.txt")
	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	require.Contains(t, string(data), "first")
	require.Contains(t, string(data), "second")

	require.NoError(t, app.Close(context.Background()))

	mirrored := filepath.Join(cfg.Mirror.LocalDir, cfg.Mirror.Prefix, id, "Quiet Mountain.txt")
	_, err = os.Stat(mirrored)
	require.NoError(t, err, "finished artifact should be mirrored")
	require.NotEmpty(t, app.Publisher.OnTopic(cfg.Publisher.Topic))
	require.NotEmpty(t, app.Feed.Since(0))
}

func TestRunUntilIdleReportsChallenge(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	site := newSiteFetcher()
	site.add("https://novel.test/page/42", bookPage)
	site.add("https://novel.test/reader/1", chapterPage("first"))
	site.add("https://novel.test/reader/2", "<html><body>请输入验证码</body></html>", chapterPage("second"))

	app := buildApp(t, cfg, site)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	id, err := app.Scheduler.Add(cfg.DefaultParameters("https://novel.test/page/42"))
	require.NoError(t, err)

	var challenges []scheduler.Challenge
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = app.RunUntilIdle(ctx, func(ch scheduler.Challenge) {
		challenges = append(challenges, ch)
		app.Scheduler.ResolveChallenge()
	})
	require.NoError(t, err)
	require.Len(t, challenges, 1)
	require.Equal(t, id, challenges[0].JobID)
	require.Equal(t, "https://novel.test/reader/2", challenges[0].URL)

	job, _ := app.Scheduler.Get(id)
	require.Equal(t, book.JobStatusFinished, job.Status)
}

func TestHandlerServesJobs(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Publisher.Kind = config.PublisherNone
	cfg.Mirror.LocalDir = ""
	app := buildApp(t, cfg, newSiteFetcher())
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/jobs")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, app.Publisher)
}

func TestBuildRejectsBadSite(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Site.BaseURL = "::not a url"
	_, err := Build(context.Background(), cfg, nil, Options{
		Fetcher:    newSiteFetcher(),
		Registerer: prometheus.NewRegistry(),
	})
	require.Error(t, err)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/format"
)

type fakeSource struct {
	mu         sync.Mutex
	desc       book.Descriptor
	challenges map[string]int
	failures   map[string]error
	calls      []string
	docCalls   int
}

func newFakeSource(n int) *fakeSource {
	desc := book.Descriptor{Title: "Star", Author: "Lin"}
	for i := 0; i < n; i++ {
		desc.Chapters = append(desc.Chapters, book.ChapterRef{
			Title: fmt.Sprintf("Chapter %d", i+1),
			URL:   fmt.Sprintf("https://example.com/reader/%d", i),
		})
	}
	return &fakeSource{desc: desc, challenges: map[string]int{}, failures: map[string]error{}}
}

func (f *fakeSource) Document(context.Context, string) (book.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docCalls++
	return f.desc, nil
}

func (f *fakeSource) ChapterContent(_ context.Context, url string) (book.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.challenges[url] > 0 {
		f.challenges[url]--
		return book.Content{}, &book.ChallengeError{URL: url}
	}
	if err := f.failures[url]; err != nil {
		return book.Content{}, err
	}
	return book.TextContent("text of " + url), nil
}

func (f *fakeSource) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *recordingPauser) Pause(_ context.Context, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays = append(p.delays, d)
}

type progressCall struct {
	current, total int
	message        string
}

type progressLog struct {
	mu    sync.Mutex
	calls []progressCall
}

func (l *progressLog) record(current, total int, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, progressCall{current, total, message})
}

func newTestEngine(src book.Source, assets book.AssetFetcher) (*Engine, *recordingPauser) {
	pauser := &recordingPauser{}
	return New(src, assets, Config{Pauser: pauser, Uniform: func() float64 { return 0.75 }}, zap.NewNop()), pauser
}

func baseParams(dir string) book.JobParameters {
	return book.JobParameters{
		SourceURL: "https://example.com/page/1",
		OutputDir: dir,
		Format:    book.FormatText,
		Delay:     book.Delay{},
	}
}

func TestRunFreshJobWritesEveryChapter(t *testing.T) {
	t.Parallel()

	src := newFakeSource(3)
	eng, _ := newTestEngine(src, nil)
	dir := t.TempDir()
	log := &progressLog{}

	res, err := eng.Run(context.Background(), Request{JobID: "job-1", Params: baseParams(dir), Progress: log.record})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "Star.txt"), res.Path)
	require.Equal(t, 3, res.Written)
	require.Len(t, src.Calls(), 3)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	text := string(data)
	require.True(t, strings.HasPrefix(text, "Title: Star\nAuthor: Lin\n"))
	require.Less(t, strings.Index(text, "=== Chapter 1 ==="), strings.Index(text, "=== Chapter 2 ==="))
	require.Less(t, strings.Index(text, "=== Chapter 2 ==="), strings.Index(text, "=== Chapter 3 ==="))

	require.Contains(t, log.calls, progressCall{1, 3, "Chapter 1"})
	require.Contains(t, log.calls, progressCall{3, 3, "Chapter 3"})
}

func TestRunCappedResumeFetchesNextChapters(t *testing.T) {
	t.Parallel()

	src := newFakeSource(10)
	dir := t.TempDir()

	// Seed an artifact covering chapters 0..4.
	session, err := format.NewText().Open(format.OpenRequest{Descriptor: src.desc, Dir: dir})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, session.WriteChapter(src.desc.Chapters[i], book.TextContent("seed"), i))
	}
	path, err := session.Finalize()
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	eng, _ := newTestEngine(src, nil)
	params := baseParams(dir)
	params.ChapterLimit = 2
	log := &progressLog{}
	res, err := eng.Run(context.Background(), Request{Params: params, Progress: log.record})
	require.NoError(t, err)
	require.Equal(t, []string{src.desc.Chapters[5].URL, src.desc.Chapters[6].URL}, src.Calls())
	require.Equal(t, 2, res.Written)

	require.NotEmpty(t, log.calls)
	sentinel := log.calls[1]
	require.Equal(t, 0, sentinel.current)
	require.Equal(t, 0, sentinel.total)
	require.Contains(t, sentinel.message, "Chapter 5")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after[:len(before)])
	require.Equal(t, 6, format.NewText().DetectProgress(src.desc, dir, false))
}

func TestRunUpToDateShortCircuits(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2)
	dir := t.TempDir()
	eng, _ := newTestEngine(src, nil)

	first, err := eng.Run(context.Background(), Request{Params: baseParams(dir)})
	require.NoError(t, err)

	log := &progressLog{}
	second, err := eng.Run(context.Background(), Request{Params: baseParams(dir), Progress: log.record})
	require.NoError(t, err)
	require.True(t, second.UpToDate)
	require.Equal(t, first.Path, second.Path)
	require.Len(t, src.Calls(), 2)
	require.Equal(t, progressCall{0, 0, MsgUpToDate}, log.calls[len(log.calls)-1])
}

func TestRunChallengeWithoutCallbackFails(t *testing.T) {
	t.Parallel()

	src := newFakeSource(3)
	src.challenges[src.desc.Chapters[1].URL] = 1
	eng, _ := newTestEngine(src, nil)

	_, err := eng.Run(context.Background(), Request{Params: baseParams(t.TempDir())})
	require.ErrorIs(t, err, book.ErrChallenge)
	require.Contains(t, err.Error(), "challenge")
}

func TestRunChallengeRetriesSameChapterOnce(t *testing.T) {
	t.Parallel()

	src := newFakeSource(3)
	challenged := src.desc.Chapters[1].URL
	src.challenges[challenged] = 1
	eng, _ := newTestEngine(src, nil)

	var resolved []string
	res, err := eng.Run(context.Background(), Request{
		Params: baseParams(t.TempDir()),
		Challenge: func(_ context.Context, url string) error {
			resolved = append(resolved, url)
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{challenged}, resolved)
	require.Equal(t, []string{
		src.desc.Chapters[0].URL, challenged, challenged, src.desc.Chapters[2].URL,
	}, src.Calls())
	require.Equal(t, 3, res.Written)
}

func TestRunChallengeCallbackErrorAborts(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2)
	src.challenges[src.desc.Chapters[0].URL] = 1
	eng, _ := newTestEngine(src, nil)

	_, err := eng.Run(context.Background(), Request{
		Params:    baseParams(t.TempDir()),
		Challenge: func(context.Context, string) error { return book.ErrUserStopped },
	})
	require.ErrorIs(t, err, book.ErrUserStopped)
}

func TestRunTransientFailureWritesPlaceholder(t *testing.T) {
	t.Parallel()

	src := newFakeSource(3)
	src.failures[src.desc.Chapters[1].URL] = &book.FetchError{URL: src.desc.Chapters[1].URL, Err: errors.New("502 bad gateway")}
	eng, _ := newTestEngine(src, nil)

	res, err := eng.Run(context.Background(), Request{Params: baseParams(t.TempDir())})
	require.NoError(t, err)
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	require.Contains(t, string(data), "=== Chapter 2 ===\n\n[chapter unavailable:")
	require.Contains(t, string(data), "=== Chapter 3 ===")
}

func TestRunStopAtCheckpointKeepsPartialArtifact(t *testing.T) {
	t.Parallel()

	src := newFakeSource(4)
	dir := t.TempDir()
	eng, _ := newTestEngine(src, nil)

	checks := 0
	_, err := eng.Run(context.Background(), Request{
		Params: baseParams(dir),
		Checkpoint: func(context.Context) error {
			checks++
			if checks == 3 {
				return book.ErrUserStopped
			}
			return nil
		},
	})
	require.ErrorIs(t, err, book.ErrUserStopped)
	require.Len(t, src.Calls(), 2)
	require.Equal(t, 1, format.NewText().DetectProgress(src.desc, dir, false))
}

func TestRunExplicitIndicesAreClippedAndSorted(t *testing.T) {
	t.Parallel()

	src := newFakeSource(6)
	eng, _ := newTestEngine(src, nil)
	params := baseParams(t.TempDir())
	params.ChapterIndices = []int{5, 1, 1, 99}

	res, err := eng.Run(context.Background(), Request{Params: params})
	require.NoError(t, err)
	require.Equal(t, []string{src.desc.Chapters[1].URL, src.desc.Chapters[5].URL}, src.Calls())
	require.Equal(t, 2, res.Written)
}

func TestRunSuppliedDescriptorSkipsLookup(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1)
	eng, _ := newTestEngine(src, nil)
	params := baseParams(t.TempDir())
	desc := src.desc
	params.Descriptor = &desc

	var seen book.Descriptor
	_, err := eng.Run(context.Background(), Request{Params: params, Descriptor: func(d book.Descriptor) { seen = d }})
	require.NoError(t, err)
	require.Zero(t, src.docCalls)
	require.Equal(t, "Star", seen.Title)
}

func TestRunAutoDelayPacesBetweenChapters(t *testing.T) {
	t.Parallel()

	src := newFakeSource(3)
	eng, pauser := newTestEngine(src, nil)
	params := baseParams(t.TempDir())
	params.Delay = book.AutoDelay

	_, err := eng.Run(context.Background(), Request{Params: params})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{750 * time.Millisecond, 750 * time.Millisecond}, pauser.delays)
}

type stubAssets map[string][]byte

func (s stubAssets) AssetBytes(_ context.Context, url string) []byte {
	return s[url]
}

func TestRunEPUBEmbedsAssets(t *testing.T) {
	t.Parallel()

	src := &imageSource{fakeSource: newFakeSource(1)}
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	eng, _ := newTestEngine(src, stubAssets{"https://example.com/ok.png": png})
	params := baseParams(t.TempDir())
	params.Format = book.FormatEPUB

	res, err := eng.Run(context.Background(), Request{Params: params})
	require.NoError(t, err)
	require.Equal(t, ".epub", filepath.Ext(res.Path))
	info, err := os.Stat(res.Path)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}

type imageSource struct {
	*fakeSource
}

func (s *imageSource) ChapterContent(_ context.Context, _ string) (book.Content, error) {
	return book.Content{Blocks: []book.Block{
		{Kind: book.BlockText, Data: "art"},
		{Kind: book.BlockImage, Data: "https://example.com/ok.png"},
		{Kind: book.BlockImage, Data: "https://example.com/gone.png"},
	}}, nil
}

func TestEmbedAssetsLeavesMissesNil(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(newFakeSource(0), stubAssets{"a": []byte("x")})
	content := book.Content{Blocks: []book.Block{
		{Kind: book.BlockImage, Data: "a"},
		{Kind: book.BlockImage, Data: "b"},
	}}
	eng.embedAssets(context.Background(), &content)
	require.Equal(t, []byte("x"), content.Blocks[0].Asset)
	require.Nil(t, content.Blocks[1].Asset)
}

func TestTriangularSampleBounds(t *testing.T) {
	t.Parallel()

	tri := DefaultAutoDelay
	require.Equal(t, 500*time.Millisecond, tri.Sample(0))
	for _, u := range []float64{0, 0.1, 0.5, 0.9, 0.999} {
		d := tri.Sample(u)
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.LessOrEqual(t, d, time.Second)
	}
	require.Less(t, tri.Sample(0.2), tri.Sample(0.8))
}

func TestResolvePlan(t *testing.T) {
	t.Parallel()

	desc := newFakeSource(10).desc
	dir := t.TempDir()
	f := format.NewText()

	fresh := resolvePlan(f, desc, book.JobParameters{OutputDir: dir, ChapterLimit: 3})
	require.Equal(t, []int{0, 1, 2}, fresh.indices)
	require.False(t, fresh.appendMode)

	unlimited := resolvePlan(f, desc, book.JobParameters{OutputDir: dir})
	require.Len(t, unlimited.indices, 10)
}

func TestTimerPauserHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	TimerPauser{}.Pause(ctx, 5*time.Second)
	require.Less(t, time.Since(start), time.Second, "pause should exit immediately when context is done")
}

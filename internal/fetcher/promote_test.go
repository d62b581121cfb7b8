package fetcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	resp  Response
	err   error
	calls int
}

func (s *stubFetcher) Fetch(context.Context, Request) (Response, error) {
	s.calls++
	return s.resp, s.err
}

type detectorFunc func(Response) bool

func (f detectorFunc) ShouldPromote(r Response) bool { return f(r) }

func TestPromotingUsesHeadlessWhenDetected(t *testing.T) {
	t.Parallel()

	plain := &stubFetcher{resp: Response{StatusCode: 200, Body: []byte("<div id=app></div>")}}
	rendered := &stubFetcher{resp: Response{StatusCode: 200, Body: []byte("<p>text</p>"), UsedHeadless: true}}
	p := NewPromoting(plain, rendered, detectorFunc(func(Response) bool { return true }), nil)

	resp, err := p.Fetch(context.Background(), Request{URL: "https://example.com"})
	require.NoError(t, err)
	require.True(t, resp.UsedHeadless)
	require.Equal(t, 1, rendered.calls)
}

func TestPromotingFallsBackToPlain(t *testing.T) {
	t.Parallel()

	plain := &stubFetcher{resp: Response{StatusCode: 200, Body: []byte("plain")}}
	broken := &stubFetcher{err: errors.New("no chrome")}
	p := NewPromoting(plain, broken, detectorFunc(func(Response) bool { return true }), nil)

	resp, err := p.Fetch(context.Background(), Request{URL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, "plain", string(resp.Body))
}

func TestPromotingSkipsOnErrorOrNoDetector(t *testing.T) {
	t.Parallel()

	failing := &stubFetcher{err: errors.New("403")}
	headless := &stubFetcher{}
	p := NewPromoting(failing, headless, detectorFunc(func(Response) bool { return true }), nil)
	_, err := p.Fetch(context.Background(), Request{})
	require.Error(t, err)
	require.Zero(t, headless.calls)

	plainOnly := NewPromoting(&stubFetcher{resp: Response{StatusCode: 200}}, nil, nil, nil)
	_, err = plainOnly.Fetch(context.Background(), Request{})
	require.NoError(t, err)
}

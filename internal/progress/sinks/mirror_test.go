package sinks

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novelfetch/internal/progress"
)

type stubBlobStore struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	err     error
}

func newStubBlobStore() *stubBlobStore {
	return &stubBlobStore{objects: map[string]string{}, types: map[string]string{}}
}

func (s *stubBlobStore) PutObject(_ context.Context, key, contentType string, r io.Reader) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = string(data)
	s.types[key] = contentType
	return "stub://" + key, nil
}

func (s *stubBlobStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestMirrorSinkUploadsSingleFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "Book.epub")
	require.NoError(t, os.WriteFile(file, []byte("zip"), 0o600))

	store := newStubBlobStore()
	sink := NewMirrorSink(store, "/books/", nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", TS: time.Now(), Stage: progress.StageJobProgress, Current: 1, Total: 1},
		{JobID: "job-1", TS: time.Now(), Stage: progress.StageJobFinished, Path: file},
	}))

	require.Equal(t, []string{"books/job-1/Book.epub"}, store.keys())
	require.Equal(t, "zip", store.objects["books/job-1/Book.epub"])
	require.Equal(t, "application/epub+zip", store.types["books/job-1/Book.epub"])
}

func TestMirrorSinkUploadsSplitDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "Book")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0000_Book.md"), []byte("# Book"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_c0.md"), []byte("# c0"), 0o600))

	store := newStubBlobStore()
	sink := NewMirrorSink(store, "", nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "j", TS: time.Now(), Stage: progress.StageJobFinished, Path: dir},
	}))
	require.Equal(t, []string{"j/Book/0000_Book.md", "j/Book/0001_c0.md"}, store.keys())
}

func TestMirrorSinkReportsErrors(t *testing.T) {
	t.Parallel()

	store := newStubBlobStore()
	sink := NewMirrorSink(store, "", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "j", TS: time.Now(), Stage: progress.StageJobFinished, Path: filepath.Join(t.TempDir(), "missing.txt")},
	})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "Book.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	store.err = errors.New("bucket gone")
	err = sink.Consume(context.Background(), []progress.Event{
		{JobID: "j", TS: time.Now(), Stage: progress.StageJobFinished, Path: file},
	})
	require.ErrorContains(t, err, "bucket gone")
}

func TestMirrorSinkSkipsUnchangedArtifact(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "Book.txt")
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0o600))

	store := newStubBlobStore()
	sink := NewMirrorSink(store, "", nil)
	finish := func(jobID string) {
		require.NoError(t, sink.Consume(context.Background(), []progress.Event{
			{JobID: jobID, TS: time.Now(), Stage: progress.StageJobFinished, Path: file},
		}))
	}

	finish("first")
	finish("second")
	require.Equal(t, []string{"first/Book.txt"}, store.keys())

	require.NoError(t, os.WriteFile(file, []byte("v2"), 0o600))
	finish("third")
	require.Equal(t, []string{"first/Book.txt", "third/Book.txt"}, store.keys())
	require.Equal(t, "v2", store.objects["third/Book.txt"])
}

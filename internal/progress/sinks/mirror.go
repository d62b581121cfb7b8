package sinks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/hash/sha256"
	"github.com/JakeFAU/novelfetch/internal/progress"
)

// BlobStore persists artifacts under a key.
type BlobStore interface {
	PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
}

// MirrorSink copies every finished artifact to a blob store. A split-file
// artifact is a directory; each file in it is uploaded under the same prefix.
// A local file whose digest matches its last upload is not sent again.
type MirrorSink struct {
	store  BlobStore
	prefix string
	logger *zap.Logger
	hasher *sha256.Hasher

	mu       sync.Mutex
	mirrored map[string]string
}

// NewMirrorSink builds a MirrorSink writing keys under prefix.
func NewMirrorSink(store BlobStore, prefix string, logger *zap.Logger) *MirrorSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MirrorSink{
		store:    store,
		prefix:   strings.Trim(prefix, "/"),
		logger:   logger,
		hasher:   sha256.New(),
		mirrored: make(map[string]string),
	}
}

// Consume uploads artifacts referenced by finished events.
func (s *MirrorSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageJobFinished || evt.Path == "" {
			continue
		}
		if err := s.mirror(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *MirrorSink) mirror(ctx context.Context, evt progress.Event) error {
	info, err := os.Stat(evt.Path)
	if err != nil {
		return fmt.Errorf("stat artifact %s: %w", evt.Path, err)
	}
	base := filepath.Base(evt.Path)
	if !info.IsDir() {
		return s.upload(ctx, evt.JobID, evt.Path, base)
	}
	return filepath.WalkDir(evt.Path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(evt.Path, p)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		return s.upload(ctx, evt.JobID, p, path.Join(base, filepath.ToSlash(rel)))
	})
}

func (s *MirrorSink) upload(ctx context.Context, jobID, file, name string) error {
	digest, err := s.hasher.HashFile(file)
	if err != nil {
		return fmt.Errorf("digest artifact: %w", err)
	}
	s.mu.Lock()
	unchanged := s.mirrored[file] == digest
	s.mu.Unlock()
	if unchanged {
		s.logger.Debug("artifact unchanged", zap.String("job_id", jobID), zap.String("path", file))
		return nil
	}

	f, err := os.Open(file) // #nosec G304 -- artifact path comes from the scheduler.
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	key := path.Join(s.prefix, jobID, name)
	uri, err := s.store.PutObject(ctx, key, contentTypeFor(name), f)
	if err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	s.mu.Lock()
	s.mirrored[file] = digest
	s.mu.Unlock()
	s.logger.Info("artifact mirrored", zap.String("job_id", jobID),
		zap.String("uri", uri), zap.String("sha256", digest))
	return nil
}

func contentTypeFor(name string) string {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".epub":
		return "application/epub+zip"
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
		return "application/octet-stream"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *MirrorSink) Close(context.Context) error {
	return nil
}

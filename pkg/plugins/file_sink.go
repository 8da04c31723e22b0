package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/openfroyo/rowforge/pkg/engine"
)

// File modes of the file sinks.
const (
	ModeAppend   = "append"
	ModeTruncate = "truncate"
)

// ArtifactTypeFile is the artifact type of file sink writes.
const ArtifactTypeFile = "file"

// fileSink owns the file of a sink. Each Write appends one encoded chunk
// and syncs it before reporting success.
type fileSink struct {
	mu   sync.Mutex
	path string
	mode string
	file *os.File
	size int64
}

func newFileSink(path, mode string) *fileSink {
	if mode == "" {
		mode = ModeAppend
	}
	return &fileSink{path: path, mode: mode}
}

// open opens the file once. Truncate mode empties it on open.
func (s *fileSink) open() error {
	if s.file != nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if s.mode == ModeTruncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(s.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", s.path, err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// write encodes a chunk while holding the lock; encode learns whether the
// file is still empty. It returns the artifact of the appended bytes.
func (s *fileSink) write(encode func(empty bool) ([]byte, error)) (engine.ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open(); err != nil {
		return engine.ArtifactDescriptor{}, err
	}
	chunk, err := encode(s.size == 0)
	if err != nil {
		return engine.ArtifactDescriptor{}, err
	}
	if _, err := s.file.Write(chunk); err != nil {
		return engine.ArtifactDescriptor{}, fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return engine.ArtifactDescriptor{}, fmt.Errorf("sync %s: %w", s.path, err)
	}
	s.size += int64(len(chunk))

	sum := sha256.Sum256(chunk)
	return engine.ArtifactDescriptor{
		ArtifactType: ArtifactTypeFile,
		PathOrURI:    s.path,
		ContentHash:  hex.EncodeToString(sum[:]),
		SizeBytes:    int64(len(chunk)),
	}, nil
}

// OnStart opens the file so a bad path fails the run before any row.
func (s *fileSink) OnStart(ctx context.Context, pctx *engine.PluginContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open()
}

// OnComplete closes the file.
func (s *fileSink) OnComplete(ctx context.Context, pctx *engine.PluginContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

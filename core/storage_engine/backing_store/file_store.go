package backingstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
	"github.com/sushant-115/foliocache/core/page_cache/folio"
)

// FileStore keeps one file per container in a directory. Page n of a
// container lives at byte offset n*pageSize; reads past the end of the file
// return zeroes.
type FileStore struct {
	dir      string
	pageSize int
	stable   bool
	logger   *zap.Logger

	mu     sync.Mutex
	files  map[folio.MappingID]*os.File
	closed bool
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, pageSize int, stableWrites bool, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating store directory %s: %v", cacheerrors.ErrIO, dir, err)
	}
	logger.Info("File store opened", zap.String("dir", dir), zap.Int("page_size", pageSize))
	return &FileStore{
		dir:      dir,
		pageSize: pageSize,
		stable:   stableWrites,
		logger:   logger,
		files:    make(map[folio.MappingID]*os.File),
	}, nil
}

func (s *FileStore) StableWrites() bool { return s.stable }

// Path returns the file backing id.
func (s *FileStore) Path(id folio.MappingID) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016x.dat", uint64(id)))
}

func (s *FileStore) file(id folio.MappingID) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, cacheerrors.ErrClosed
	}
	if f, ok := s.files[id]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.Path(id), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	s.files[id] = f
	return f, nil
}

func (s *FileStore) Populate(ctx context.Context, f *folio.Folio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := s.file(f.Mapping())
	if err != nil {
		return cacheerrors.IO(err, "populate")
	}
	buf := f.Data()
	n, err := file.ReadAt(buf, int64(f.Index())*int64(s.pageSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return cacheerrors.IO(err, fmt.Sprintf("populate %d:%d", f.Mapping(), f.Index()))
	}
	clear(buf[n:])
	return nil
}

func (s *FileStore) Persist(ctx context.Context, f *folio.Folio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := s.file(f.Mapping())
	if err != nil {
		return cacheerrors.IO(err, "persist")
	}
	if _, err := file.WriteAt(f.Data(), int64(f.Index())*int64(s.pageSize)); err != nil {
		return cacheerrors.IO(err, fmt.Sprintf("persist %d:%d", f.Mapping(), f.Index()))
	}
	return nil
}

// Sync makes the container's written pages durable.
func (s *FileStore) Sync(ctx context.Context, id folio.MappingID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	file, ok := s.files[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := file.Sync(); err != nil {
		return cacheerrors.IO(err, fmt.Sprintf("sync %d", id))
	}
	return nil
}

// Remove closes and deletes the container's file.
func (s *FileStore) Remove(id folio.MappingID) error {
	s.mu.Lock()
	file, ok := s.files[id]
	delete(s.files, id)
	s.mu.Unlock()
	if ok {
		_ = file.Close()
	}
	if err := os.Remove(s.Path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cacheerrors.IO(err, fmt.Sprintf("remove %d", id))
	}
	return nil
}

// Close syncs and closes every open file, returning the first error.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for id, file := range s.files {
		if err := file.Sync(); err != nil && firstErr == nil {
			firstErr = cacheerrors.IO(err, fmt.Sprintf("sync %d", id))
		}
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = cacheerrors.IO(err, fmt.Sprintf("close %d", id))
		}
	}
	s.files = nil
	s.logger.Info("File store closed", zap.String("dir", s.dir))
	return firstErr
}

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// FileStore is a Store backed by a directory on the local filesystem,
// typically a volume shared between units.
type FileStore struct {
	root   string
	logger *zap.Logger
}

// NewFileStore creates a file store rooted at dir. The directory is created
// if it does not exist.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store root cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root %q: %w", dir, err)
	}
	return &FileStore{root: dir, logger: logger}, nil
}

// Root returns the root directory of the store.
func (s *FileStore) Root() string {
	return s.root
}

// ReadFile returns the content of the artifact at path.
func (s *FileStore) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read artifact %q: %w", path, err)
	}
	return data, nil
}

// WriteFileAtomic writes data to a temporary file in the same directory and
// renames it over path. The rename is what guarantees downstream readers
// never observe a partially written artifact.
func (s *FileStore) WriteFileAtomic(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := s.resolve(path)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating parent of %q: %v", errors.ErrWriteFailed, path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file for %q: %v", errors.ErrWriteFailed, path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: writing %q: %v", errors.ErrWriteFailed, path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: syncing %q: %v", errors.ErrWriteFailed, path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: closing temp file for %q: %v", errors.ErrWriteFailed, path, err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: replacing %q: %v", errors.ErrWriteFailed, path, err)
	}

	s.logger.Debug("Replaced artifact",
		zap.String("path", path),
		zap.Int("size_bytes", len(data)))

	return nil
}

// Exists reports whether an artifact is present at path.
func (s *FileStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(s.resolve(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat artifact %q: %w", path, err)
}

func (s *FileStore) resolve(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

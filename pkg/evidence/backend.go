package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend stores canonical evidence bytes at a URI derived from the content
// hash. Implementations must tolerate concurrent writers racing to store
// identical content under the same URI.
type Backend interface {
	// Write stores data at uri. Writing identical bytes to an existing
	// uri is a no-op; the store layer detects conflicting content.
	Write(ctx context.Context, uri string, data []byte) error

	// Read returns the bytes stored at uri, or ErrNotFound.
	Read(ctx context.Context, uri string) ([]byte, error)

	// Exists reports whether anything is stored at uri.
	Exists(ctx context.Context, uri string) (bool, error)
}

// FilesystemBackend stores evidence files under a root directory.
type FilesystemBackend struct {
	root string
}

// NewFilesystemBackend creates a backend rooted at dir, creating it if needed.
func NewFilesystemBackend(dir string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("evidence: create root %s: %w", dir, err)
	}
	return &FilesystemBackend{root: dir}, nil
}

// Write implements Backend. Files are written via a temp file + rename so a
// crashed writer never leaves a partially written record addressable.
func (b *FilesystemBackend) Write(ctx context.Context, uri string, data []byte) error {
	path := filepath.Join(b.root, filepath.FromSlash(uri))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("evidence: mkdir for %s: %w", uri, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".evidence-*")
	if err != nil {
		return fmt.Errorf("evidence: temp file for %s: %w", uri, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("evidence: write %s: %w", uri, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("evidence: close %s: %w", uri, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("evidence: rename %s: %w", uri, err)
	}
	return nil
}

// Read implements Backend.
func (b *FilesystemBackend) Read(ctx context.Context, uri string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.root, filepath.FromSlash(uri)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("evidence: read %s: %w", uri, err)
	}
	return data, nil
}

// Exists implements Backend.
func (b *FilesystemBackend) Exists(ctx context.Context, uri string) (bool, error) {
	_, err := os.Stat(filepath.Join(b.root, filepath.FromSlash(uri)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("evidence: stat %s: %w", uri, err)
	}
	return true, nil
}

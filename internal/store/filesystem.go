package store

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dedup-go/internal/dedup"
)

// FileSystemStore is a filesystem-based implementation of the RemoteStore
// interface. Objects live under a root directory, with remote paths mapped
// directly to relative file paths. Useful for local testing and for backing
// up to mounted network drives.
type FileSystemStore struct {
	root string
}

// NewFileSystemStore creates a new filesystem store rooted at the given path.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &FileSystemStore{root: root}, nil
}

// Put stores content at remotePath using an atomic write (temp file + rename).
func (s *FileSystemStore) Put(_ context.Context, remotePath string, r io.Reader, size int64) error {
	destPath := filepath.Join(s.root, filepath.FromSlash(remotePath))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Get retrieves the object at remotePath.
func (s *FileSystemStore) Get(_ context.Context, remotePath string) (io.ReadCloser, error) {
	srcPath := filepath.Join(s.root, filepath.FromSlash(remotePath))
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", remotePath, dedup.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	return f, nil
}

// Exists reports whether an object exists at remotePath.
func (s *FileSystemStore) Exists(_ context.Context, remotePath string) (bool, error) {
	path := filepath.Join(s.root, filepath.FromSlash(remotePath))
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return !info.IsDir(), nil
}

// List calls fn for every object under prefix, in path order.
func (s *FileSystemStore) List(_ context.Context, prefix string, fn func(dedup.ObjectInfo) error) error {
	start := s.root
	if prefix != "" {
		start = filepath.Join(s.root, filepath.FromSlash(prefix))
	}

	info, err := os.Stat(start)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat prefix: %w", err)
	}

	// A prefix naming a single object, not a directory.
	if !info.IsDir() {
		return fn(dedup.ObjectInfo{
			RemotePath: filepath.ToSlash(strings.TrimPrefix(start, s.root+string(os.PathSeparator))),
			Size:       info.Size(),
		})
	}

	// WalkDir visits entries in lexical order, so fn can be invoked inline;
	// nothing accumulates no matter how large the store is.
	return filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		return fn(dedup.ObjectInfo{
			RemotePath: filepath.ToSlash(rel),
			Size:       info.Size(),
		})
	})
}

// Compile-time check that FileSystemStore implements dedup.RemoteStore
var _ dedup.RemoteStore = (*FileSystemStore)(nil)

package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-blob/pkg/simpleblob"
)

// ErrKeyOutsideBase is returned for object keys that resolve outside the base directory.
var ErrKeyOutsideBase = errors.New("object key escapes base directory")

// Backend is a filesystem implementation of the simpleblob.ByteStore interface.
// Every upload goes to a hidden temp file in the target directory and is then
// renamed into place, so readers see either the old or the new value.
type Backend struct {
	baseDir string
	noSync  bool
}

// Config options for the filesystem backend
type Config struct {
	BaseDir string // Base directory for storing files
	NoSync  bool   // Skip fsync before rename (tests only)
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	if err := os.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Backend{
		baseDir: filepath.Clean(config.BaseDir),
		noSync:  config.NoSync,
	}, nil
}

// BackendName identifies the backend in errors
func (b *Backend) BackendName() string {
	return "fs"
}

// VolumePaths reports the directory whose volume holds the data
func (b *Backend) VolumePaths() []string {
	return []string{b.baseDir}
}

// SoftDeleteAccounting releases space at soft delete
func (b *Backend) SoftDeleteAccounting() simpleblob.AccountingPolicy {
	return simpleblob.ExcludeSoftDeleted
}

// GetObjectMeta retrieves metadata for an object in the filesystem
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simpleblob.ObjectMeta, error) {
	filePath, err := b.path(objectKey)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", objectKey, simpleblob.ErrObjectNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	return &simpleblob.ObjectMeta{
		Key:       objectKey,
		Size:      info.Size(),
		UpdatedAt: info.ModTime(),
	}, nil
}

// Upload writes content to a temp file and renames it over objectKey
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	filePath, err := b.path(objectKey)
	if err != nil {
		return err
	}

	tmpFile, err := b.createTemp(filepath.Dir(filePath))
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := io.Copy(tmpFile, reader); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if !b.noSync {
		if err := tmpFile.Sync(); err != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to sync file: %w", err)
		}
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

// createTemp creates the temp file for an upload. A concurrent Delete may
// prune the directory between MkdirAll and CreateTemp, so that case is retried.
func (b *Backend) createTemp(dir string) (*os.File, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		f, err := os.CreateTemp(dir, ".upload-*.tmp")
		if err == nil {
			return f, nil
		}
		lastErr = err
		if !os.IsNotExist(err) {
			break
		}
	}
	return nil, fmt.Errorf("failed to create temp file: %w", lastErr)
}

// Download downloads content directly from the filesystem
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	filePath, err := b.path(objectKey)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", objectKey, simpleblob.ErrObjectNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Delete deletes content from the filesystem
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	filePath, err := b.path(objectKey)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	b.cleanupEmptyDirectories(filepath.Dir(filePath))
	return nil
}

// List walks the files under prefix in lexical order, skipping temp files
func (b *Backend) List(ctx context.Context, prefix string, fn func(objectKey string) error) error {
	root := b.baseDir
	// Walk from the deepest directory fully contained in prefix.
	if dir, _ := splitPrefix(prefix); dir != "" {
		p, err := b.path(dir)
		if err != nil {
			return err
		}
		root = p
	}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(b.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		return fn(key)
	})
	return err
}

// path maps objectKey below baseDir. Keys that would resolve outside of it
// are rejected.
func (b *Backend) path(objectKey string) (string, error) {
	rel := filepath.FromSlash(objectKey)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%s: %w", objectKey, ErrKeyOutsideBase)
	}
	return filepath.Join(b.baseDir, rel), nil
}

// cleanupEmptyDirectories recursively removes empty directories up to baseDir
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.baseDir || !strings.HasPrefix(dir, b.baseDir) {
		return
	}

	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}

// splitPrefix splits a key prefix into its directory part and the remainder.
func splitPrefix(prefix string) (dir, rest string) {
	i := strings.LastIndex(prefix, "/")
	if i < 0 {
		return "", prefix
	}
	return prefix[:i], prefix[i+1:]
}

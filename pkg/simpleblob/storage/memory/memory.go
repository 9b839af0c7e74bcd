package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tendant/simple-blob/pkg/simpleblob"
)

// Backend is an in-memory implementation of the simpleblob.ByteStore interface
type Backend struct {
	mu      sync.RWMutex
	objects map[string]object
}

type object struct {
	data      []byte
	updatedAt time.Time
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		objects: make(map[string]object),
	}
}

// BackendName identifies the backend in errors
func (b *Backend) BackendName() string {
	return "memory"
}

// GetObjectMeta retrieves metadata for an object in memory
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simpleblob.ObjectMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[objectKey]
	if !exists {
		return nil, fmt.Errorf("%s: %w", objectKey, simpleblob.ErrObjectNotFound)
	}

	return &simpleblob.ObjectMeta{
		Key:       objectKey,
		Size:      int64(len(obj.data)),
		UpdatedAt: obj.updatedAt,
	}, nil
}

// Upload reads the whole reader before storing, so a failed read leaves the previous value intact
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[objectKey] = object{data: data, updatedAt: time.Now().UTC()}
	return nil
}

// Download downloads content directly
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[objectKey]
	if !exists {
		return nil, fmt.Errorf("%s: %w", objectKey, simpleblob.ErrObjectNotFound)
	}

	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete deletes content
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.objects, objectKey)
	return nil
}

// List walks a snapshot of the keys under prefix in lexical order
func (b *Backend) List(ctx context.Context, prefix string, fn func(objectKey string) error) error {
	b.mu.RLock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	b.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored keys
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// Package zstd wraps a ByteStore so content is compressed at rest.
package zstd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/tendant/simple-blob/pkg/simpleblob"
)

// Backend compresses the values of selected keys before handing them to the
// wrapped store. Keys outside Suffixes pass through untouched so small
// records stay readable by operators.
type Backend struct {
	inner    simpleblob.ByteStore
	suffixes []string

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// Config options for the compressing wrapper
type Config struct {
	// Suffixes of keys to compress. Defaults to content keys (".bytes").
	Suffixes []string
	// Level is the zstd encoder level (default: zstd.SpeedDefault).
	Level zstd.EncoderLevel
}

// New wraps inner.
func New(inner simpleblob.ByteStore, config Config) *Backend {
	if len(config.Suffixes) == 0 {
		config.Suffixes = []string{".bytes"}
	}
	if config.Level == 0 {
		config.Level = zstd.SpeedDefault
	}

	b := &Backend{inner: inner, suffixes: config.Suffixes}
	level := config.Level
	b.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
			return enc
		},
	}
	b.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return b
}

// BackendName identifies the backend in errors
func (b *Backend) BackendName() string {
	if n, ok := b.inner.(simpleblob.Named); ok {
		return "zstd+" + n.BackendName()
	}
	return "zstd"
}

// SoftDeleteAccounting forwards the wrapped store's policy
func (b *Backend) SoftDeleteAccounting() simpleblob.AccountingPolicy {
	if p, ok := b.inner.(simpleblob.AccountingPolicyProvider); ok {
		return p.SoftDeleteAccounting()
	}
	return simpleblob.ExcludeSoftDeleted
}

// VolumePaths forwards the wrapped store's volumes
func (b *Backend) VolumePaths() []string {
	if v, ok := b.inner.(simpleblob.VolumeReporter); ok {
		return v.VolumePaths()
	}
	return nil
}

// Upload compresses the content of matching keys
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	if !b.compressed(objectKey) {
		return b.inner.Upload(ctx, objectKey, reader)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	enc := b.encoderPool.Get().(*zstd.Encoder)
	defer b.encoderPool.Put(enc)

	return b.inner.Upload(ctx, objectKey, bytes.NewReader(enc.EncodeAll(data, nil)))
}

// Download decompresses the content of matching keys
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	rc, err := b.inner.Download(ctx, objectKey)
	if err != nil || !b.compressed(objectKey) {
		return rc, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	dec := b.decoderPool.Get().(*zstd.Decoder)
	defer b.decoderPool.Put(dec)

	plain, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", objectKey, err)
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

// Delete forwards to the wrapped store
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	return b.inner.Delete(ctx, objectKey)
}

// GetObjectMeta forwards to the wrapped store; Size is the compressed size
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simpleblob.ObjectMeta, error) {
	return b.inner.GetObjectMeta(ctx, objectKey)
}

// List forwards to the wrapped store
func (b *Backend) List(ctx context.Context, prefix string, fn func(objectKey string) error) error {
	return b.inner.List(ctx, prefix, fn)
}

func (b *Backend) compressed(objectKey string) bool {
	for _, s := range b.suffixes {
		if strings.HasSuffix(objectKey, s) {
			return true
		}
	}
	return false
}

package simpleblob

import (
	"context"
	"io"
	"time"
)

// ByteStore defines the interface for the durable key/value byte storage
// underneath a Store.
type ByteStore interface {
	// Upload writes the full content of reader under objectKey, replacing any
	// previous value. Readers never observe a partially written value.
	Upload(ctx context.Context, objectKey string, reader io.Reader) error

	// Download opens the content stored under objectKey.
	// Missing keys return an error wrapping ErrObjectNotFound.
	Download(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Delete removes objectKey. Deleting a missing key is not an error.
	Delete(ctx context.Context, objectKey string) error

	// GetObjectMeta retrieves metadata for an object
	GetObjectMeta(ctx context.Context, objectKey string) (*ObjectMeta, error)

	// List calls fn for every key starting with prefix, in lexical order where
	// the backend supports it. A non-nil error from fn stops the listing and
	// is returned as is.
	List(ctx context.Context, prefix string, fn func(objectKey string) error) error
}

// ObjectMeta contains metadata about an object in a byte store
type ObjectMeta struct {
	Key       string
	Size      int64
	UpdatedAt time.Time
	ETag      string
}

// AccountingPolicyProvider is implemented by byte stores that need a
// non-default soft delete accounting policy.
type AccountingPolicyProvider interface {
	SoftDeleteAccounting() AccountingPolicy
}

// VolumeReporter is implemented by byte stores backed by local filesystems.
// It names the paths whose usable space the metrics flush should record.
type VolumeReporter interface {
	VolumePaths() []string
}

// Named is implemented by byte stores that can report their backend name for errors and logs.
type Named interface {
	BackendName() string
}

// MetricsRecorder receives the incremental usage updates produced by a Store.
// Implementations must be safe for concurrent use and must never block.
type MetricsRecorder interface {
	RecordAddition(size int64)
	RecordDeletion(size int64)
	ClearCountMetrics()
	Current() AggregateMetrics
}

// UsageChecker answers whether a blob is still referenced by a living asset.
type UsageChecker interface {
	InUse(ctx context.Context, storeName string, id BlobID, headers map[string]string) (bool, error)
}

// UsageCheckerFunc adapts a function to the UsageChecker interface.
type UsageCheckerFunc func(ctx context.Context, storeName string, id BlobID, headers map[string]string) (bool, error)

// InUse calls f.
func (f UsageCheckerFunc) InUse(ctx context.Context, storeName string, id BlobID, headers map[string]string) (bool, error) {
	return f(ctx, storeName, id, headers)
}

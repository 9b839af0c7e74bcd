package simpleblob

import (
	"time"

	"github.com/google/uuid"
)

// BlobID identifies a blob within a store. It is assigned at creation and never changes.
type BlobID string

// NewBlobID allocates a fresh random blob identifier.
func NewBlobID() BlobID {
	return BlobID(uuid.NewString())
}

// ParseBlobID validates s and returns it as a BlobID. Only the canonical
// lowercase hyphenated form produced by NewBlobID is accepted.
func ParseBlobID(s string) (BlobID, error) {
	u, err := uuid.Parse(s)
	if err != nil || u.String() != s {
		return "", ErrInvalidBlobID
	}
	return BlobID(s), nil
}

// Valid reports whether id is a well-formed blob identifier.
func (id BlobID) Valid() bool {
	_, err := ParseBlobID(string(id))
	return err == nil
}

func (id BlobID) String() string {
	return string(id)
}

// Well-known header names.
const (
	HeaderBlobName    = "BlobStore.blob-name"
	HeaderCreatedBy   = "BlobStore.created-by"
	HeaderContentType = "BlobStore.content-type"
)

// BlobMetrics are computed once, when the blob content is written.
type BlobMetrics struct {
	CreationTime time.Time `json:"creation_time"`
	SHA256       string    `json:"sha256"`
	Size         int64     `json:"size"`
}

// Attributes is the durable sidecar record stored next to each blob's content.
type Attributes struct {
	ID            BlobID            `json:"id"`
	Headers       map[string]string `json:"headers"`
	Metrics       BlobMetrics       `json:"metrics"`
	Deleted       bool              `json:"deleted"`
	DeletedReason string            `json:"deleted_reason,omitempty"`
	DeletedAt     *time.Time        `json:"deleted_at,omitempty"`
}

// Blob is the caller-facing view of a stored blob.
type Blob struct {
	ID            BlobID            `json:"id"`
	Headers       map[string]string `json:"headers"`
	Metrics       BlobMetrics       `json:"metrics"`
	Deleted       bool              `json:"deleted"`
	DeletedReason string            `json:"deleted_reason,omitempty"`
}

func blobFromAttributes(a *Attributes) *Blob {
	headers := make(map[string]string, len(a.Headers))
	for k, v := range a.Headers {
		headers[k] = v
	}
	return &Blob{
		ID:            a.ID,
		Headers:       headers,
		Metrics:       a.Metrics,
		Deleted:       a.Deleted,
		DeletedReason: a.DeletedReason,
	}
}

// AggregateMetrics are the per-store usage counters.
type AggregateMetrics struct {
	BlobCount   int64            `json:"blob_count"`
	TotalSize   int64            `json:"total_size"`
	UsableSpace map[string]int64 `json:"usable_space,omitempty"`
}

// AvailableSpace sums the usable space of every filesystem backing the store.
// It returns -1 when nothing is known about the underlying volumes.
func (m AggregateMetrics) AvailableSpace() int64 {
	if len(m.UsableSpace) == 0 {
		return -1
	}
	var total int64
	for _, v := range m.UsableSpace {
		total += v
	}
	return total
}

// AccountingPolicy decides whether soft-deleted blobs count as used space.
type AccountingPolicy int

const (
	// ExcludeSoftDeleted releases a blob's size from the metrics at soft delete.
	ExcludeSoftDeleted AccountingPolicy = iota
	// IncludeSoftDeleted keeps counting a soft-deleted blob until it is compacted.
	IncludeSoftDeleted
)

func (p AccountingPolicy) String() string {
	switch p {
	case IncludeSoftDeleted:
		return "include-soft-deleted"
	default:
		return "exclude-soft-deleted"
	}
}

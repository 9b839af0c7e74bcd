package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tendant/simple-blob/pkg/simpleblob"
)

// Persister stores the metrics snapshot of a blob store between runs.
type Persister interface {
	// Load returns the last saved snapshot; ok is false when none exists.
	Load(ctx context.Context, storeName string) (m simpleblob.AggregateMetrics, ok bool, err error)
	Save(ctx context.Context, storeName string, m simpleblob.AggregateMetrics) error
}

// record is the persisted form of a snapshot.
type record struct {
	BlobCount   int64            `json:"blobCount"`
	TotalSize   int64            `json:"totalSize"`
	UsableSpace map[string]int64 `json:"usableSpace,omitempty"`
}

// BytePersister keeps snapshots as JSON records in a byte store, next to the blobs.
type BytePersister struct {
	bytes  simpleblob.ByteStore
	prefix string
}

// NewBytePersister creates a persister writing under "metrics/" in bytes
func NewBytePersister(bytes simpleblob.ByteStore) *BytePersister {
	return &BytePersister{bytes: bytes, prefix: "metrics/"}
}

func (p *BytePersister) key(storeName string) string {
	return p.prefix + storeName + ".json"
}

// Save writes the snapshot, replacing the previous one.
func (p *BytePersister) Save(ctx context.Context, storeName string, m simpleblob.AggregateMetrics) error {
	data, err := json.Marshal(record{
		BlobCount:   m.BlobCount,
		TotalSize:   m.TotalSize,
		UsableSpace: m.UsableSpace,
	})
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	return p.bytes.Upload(ctx, p.key(storeName), bytes.NewReader(data))
}

// Load reads the last snapshot.
func (p *BytePersister) Load(ctx context.Context, storeName string) (simpleblob.AggregateMetrics, bool, error) {
	rc, err := p.bytes.Download(ctx, p.key(storeName))
	if err != nil {
		if errors.Is(err, simpleblob.ErrObjectNotFound) {
			return simpleblob.AggregateMetrics{}, false, nil
		}
		return simpleblob.AggregateMetrics{}, false, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return simpleblob.AggregateMetrics{}, false, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return simpleblob.AggregateMetrics{}, false, fmt.Errorf("decode metrics record: %w", err)
	}
	return simpleblob.AggregateMetrics{
		BlobCount:   rec.BlobCount,
		TotalSize:   rec.TotalSize,
		UsableSpace: rec.UsableSpace,
	}, true, nil
}

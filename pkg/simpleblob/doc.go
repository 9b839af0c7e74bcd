// Package simpleblob provides a content-addressable blob store with durable
// sidecar attributes, soft deletion and incremental usage accounting on top of
// a pluggable byte store.
//
// A blob is made of two keys in the underlying ByteStore: the content
// ("<id>.bytes") and its attributes record ("<id>.attrs.json"). The attributes
// record is written last and acts as the commit marker; a blob is visible if
// and only if its attributes record exists. Byte store implementations (memory,
// filesystem, S3, zstd wrapper) are provided under the storage subpackages.
//
// Accounting
//
// Every Store reports additions and deletions to a MetricsRecorder (see the
// metrics subpackage). Whether soft-deleted blobs still count as used space is
// an AccountingPolicy chosen per backend: filesystem and memory stores release
// the space at soft delete, object stores keep counting it until Compact
// physically removes the blob.
package simpleblob

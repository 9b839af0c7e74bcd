package simpleblob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"iter"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"
)

// Store key layout:
//
//	content/
//	  {id[:2]}/
//	    {id}.bytes        # blob content
//	    {id}.attrs.json   # attributes record (commit marker)
const (
	contentPrefix = "content/"
	bytesSuffix   = ".bytes"
	attrsSuffix   = ".attrs.json"

	lockStripes = 64
)

var errStopListing = errors.New("stop listing")

// Store is a content-addressable blob store on top of a ByteStore.
// Operations on one blob are serialized; distinct blobs never contend
// beyond sharing a lock stripe.
type Store struct {
	name     string
	bytes    ByteStore
	recorder MetricsRecorder
	policy   AccountingPolicy
	clock    func() time.Time
	logger   *slog.Logger

	locks [lockStripes]sync.Mutex
}

// Option represents a functional option for configuring a Store
type Option func(*Store)

// WithMetricsRecorder sets the recorder receiving usage updates
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(s *Store) {
		s.recorder = recorder
	}
}

// WithAccountingPolicy overrides the backend's soft delete accounting policy
func WithAccountingPolicy(policy AccountingPolicy) Option {
	return func(s *Store) {
		s.policy = policy
	}
}

// WithClock sets the time source used for creation and deletion timestamps
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store named name that keeps its blobs in bytes.
func New(name string, bytes ByteStore, options ...Option) (*Store, error) {
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "store name is required"}
	}
	if bytes == nil {
		return nil, fmt.Errorf("byte store is required")
	}

	s := &Store{
		name:     name,
		bytes:    bytes,
		recorder: NewNoopMetricsRecorder(),
		clock:    time.Now,
		logger:   slog.Default(),
	}
	if p, ok := bytes.(AccountingPolicyProvider); ok {
		s.policy = p.SoftDeleteAccounting()
	}

	for _, option := range options {
		option(s)
	}
	if s.recorder == nil {
		s.recorder = NewNoopMetricsRecorder()
	}

	return s, nil
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// Metrics returns the recorder tracking this store's usage.
func (s *Store) Metrics() MetricsRecorder {
	return s.recorder
}

// AccountingPolicy returns the soft delete accounting policy in effect.
func (s *Store) AccountingPolicy() AccountingPolicy {
	return s.policy
}

// CountsSoftDeleted reports whether soft-deleted blobs still count as used space.
func (s *Store) CountsSoftDeleted() bool {
	return s.policy == IncludeSoftDeleted
}

// ByteStore returns the underlying byte store.
func (s *Store) ByteStore() ByteStore {
	return s.bytes
}

// Create writes content and its attributes record, then accounts for the new blob.
// On any failure both keys are removed and nothing is accounted.
func (s *Store) Create(ctx context.Context, content io.Reader, headers map[string]string) (*Blob, error) {
	for k := range headers {
		if k == "" {
			return nil, &ValidationError{Field: "headers", Message: "header name must not be empty"}
		}
	}

	id := NewBlobID()
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(content, hasher)}
	if err := s.bytes.Upload(ctx, contentKey(id), counter); err != nil {
		s.removeKeys(ctx, id)
		return nil, &BlobError{BlobID: id, Op: "create", Err: s.storageError("upload", contentKey(id), err)}
	}

	attrs := &Attributes{
		ID:      id,
		Headers: make(map[string]string, len(headers)),
		Metrics: BlobMetrics{
			CreationTime: s.clock().UTC().Round(0),
			SHA256:       hex.EncodeToString(hasher.Sum(nil)),
			Size:         counter.n,
		},
	}
	for k, v := range headers {
		attrs.Headers[k] = v
	}

	if err := s.writeAttributes(ctx, attrs); err != nil {
		s.removeKeys(ctx, id)
		return nil, &BlobError{BlobID: id, Op: "create", Err: err}
	}

	s.recorder.RecordAddition(attrs.Metrics.Size)
	s.logger.Debug("Blob created", "store", s.name, "blob_id", id, "size", attrs.Metrics.Size)

	return blobFromAttributes(attrs), nil
}

// Get returns the blob identified by id. Soft-deleted blobs are reported as
// ErrBlobNotFound unless includeDeleted is set.
func (s *Store) Get(ctx context.Context, id BlobID, includeDeleted bool) (*Blob, error) {
	if err := checkID("get", id); err != nil {
		return nil, err
	}
	attrs, err := s.Attributes(ctx, id)
	if err != nil {
		return nil, err
	}
	if attrs.Deleted && !includeDeleted {
		return nil, &BlobError{BlobID: id, Op: "get", Err: ErrBlobNotFound}
	}
	return blobFromAttributes(attrs), nil
}

// Open returns the content of a live blob.
func (s *Store) Open(ctx context.Context, id BlobID) (io.ReadCloser, error) {
	if _, err := s.Get(ctx, id, false); err != nil {
		return nil, err
	}
	rc, err := s.bytes.Download(ctx, contentKey(id))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, &BlobError{BlobID: id, Op: "open", Err: ErrBlobNotFound}
		}
		return nil, &BlobError{BlobID: id, Op: "open", Err: s.storageError("download", contentKey(id), err)}
	}
	return rc, nil
}

// Attributes loads the attributes record of id, including soft-deleted blobs.
func (s *Store) Attributes(ctx context.Context, id BlobID) (*Attributes, error) {
	if err := checkID("read_attributes", id); err != nil {
		return nil, err
	}
	key := attrsKey(id)
	rc, err := s.bytes.Download(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, &BlobError{BlobID: id, Op: "read_attributes", Err: ErrBlobNotFound}
		}
		return nil, &BlobError{BlobID: id, Op: "read_attributes", Err: s.storageError("download", key, err)}
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &BlobError{BlobID: id, Op: "read_attributes", Err: s.storageError("read", key, err)}
	}
	attrs, err := UnmarshalAttributes(id, data)
	if err != nil {
		return nil, &BlobError{BlobID: id, Op: "read_attributes", Err: err}
	}
	return attrs, nil
}

// SoftDelete marks a blob deleted and records reason. It returns false, without
// touching the metrics, when the blob is missing or already deleted.
func (s *Store) SoftDelete(ctx context.Context, id BlobID, reason string) (bool, error) {
	if err := checkID("soft_delete", id); err != nil {
		return false, err
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	attrs, err := s.Attributes(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if attrs.Deleted {
		return false, nil
	}

	now := s.clock().UTC().Round(0)
	attrs.Deleted = true
	attrs.DeletedReason = reason
	attrs.DeletedAt = &now
	if err := s.writeAttributes(ctx, attrs); err != nil {
		return false, &BlobError{BlobID: id, Op: "soft_delete", Err: err}
	}

	if s.policy == ExcludeSoftDeleted {
		s.recorder.RecordDeletion(attrs.Metrics.Size)
	}
	s.logger.Info("Blob soft-deleted", "store", s.name, "blob_id", id, "reason", reason)
	return true, nil
}

// Undelete restores a soft-deleted blob if checker reports it still referenced.
// Unreferenced blobs are left deleted so orphans are never resurrected.
func (s *Store) Undelete(ctx context.Context, id BlobID, checker UsageChecker) (bool, error) {
	if checker == nil {
		return false, fmt.Errorf("usage checker is required")
	}
	if err := checkID("undelete", id); err != nil {
		return false, err
	}

	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	attrs, err := s.Attributes(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if !attrs.Deleted {
		return false, nil
	}

	inUse, err := checker.InUse(ctx, s.name, id, attrs.Headers)
	if err != nil {
		return false, &BlobError{BlobID: id, Op: "undelete", Err: err}
	}
	if !inUse {
		s.logger.Info("Refusing to undelete unreferenced blob", "store", s.name, "blob_id", id)
		return false, nil
	}

	attrs.Deleted = false
	attrs.DeletedReason = ""
	attrs.DeletedAt = nil
	if err := s.writeAttributes(ctx, attrs); err != nil {
		return false, &BlobError{BlobID: id, Op: "undelete", Err: err}
	}

	if s.policy == ExcludeSoftDeleted {
		s.recorder.RecordAddition(attrs.Metrics.Size)
	}
	s.logger.Info("Blob undeleted", "store", s.name, "blob_id", id)
	return true, nil
}

// DeleteHard removes the blob's attributes and content. The size is released
// from the metrics if the blob was still being counted.
func (s *Store) DeleteHard(ctx context.Context, id BlobID) (bool, error) {
	if err := checkID("delete_hard", id); err != nil {
		return false, err
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	return s.deleteHardLocked(ctx, id)
}

func (s *Store) deleteHardLocked(ctx context.Context, id BlobID) (bool, error) {
	attrs, err := s.Attributes(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	// Attributes go first: once they are gone the blob no longer exists and
	// any content left behind is an orphan that Compact can reclaim.
	if err := s.bytes.Delete(ctx, attrsKey(id)); err != nil {
		return false, &BlobError{BlobID: id, Op: "delete_hard", Err: s.storageError("delete", attrsKey(id), err)}
	}
	if err := s.bytes.Delete(ctx, contentKey(id)); err != nil {
		s.logger.Warn("Failed to delete blob content", "store", s.name, "blob_id", id, "err", err)
	}

	if !attrs.Deleted || s.policy == IncludeSoftDeleted {
		s.recorder.RecordDeletion(attrs.Metrics.Size)
	}
	s.logger.Debug("Blob hard-deleted", "store", s.name, "blob_id", id)
	return true, nil
}

// BlobIDs returns a lazy sequence over every blob with an attributes record,
// soft-deleted ones included. Each call starts a new scan.
func (s *Store) BlobIDs(ctx context.Context) iter.Seq2[BlobID, error] {
	return func(yield func(BlobID, error) bool) {
		err := s.bytes.List(ctx, contentPrefix, func(key string) error {
			id, ok := blobIDFromKey(key, attrsSuffix)
			if !ok {
				return nil
			}
			if !yield(id, nil) {
				return errStopListing
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopListing) {
			yield("", s.storageError("list", contentPrefix, err))
		}
	}
}

// CompactResult summarizes a Compact run.
type CompactResult struct {
	Deleted        int
	Retained       int
	OrphansRemoved int
}

// Compact physically removes soft-deleted blobs that checker reports as
// unreferenced, and content keys left without an attributes record.
func (s *Store) Compact(ctx context.Context, checker UsageChecker) (CompactResult, error) {
	var result CompactResult
	if checker == nil {
		return result, fmt.Errorf("usage checker is required")
	}

	err := s.bytes.List(ctx, contentPrefix, func(key string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if id, ok := blobIDFromKey(key, bytesSuffix); ok {
			removed, err := s.removeOrphan(ctx, id)
			if err != nil {
				s.logger.Warn("Failed to remove orphaned content", "store", s.name, "blob_id", id, "err", err)
			} else if removed {
				result.OrphansRemoved++
			}
			return nil
		}

		id, ok := blobIDFromKey(key, attrsSuffix)
		if !ok {
			return nil
		}
		deleted, err := s.compactBlob(ctx, id, checker)
		if err != nil {
			s.logger.Warn("Failed to compact blob", "store", s.name, "blob_id", id, "err", err)
			return nil
		}
		if deleted {
			result.Deleted++
		} else {
			result.Retained++
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	s.logger.Info("Compaction finished", "store", s.name,
		"deleted", result.Deleted, "retained", result.Retained, "orphans", result.OrphansRemoved)
	return result, nil
}

func (s *Store) compactBlob(ctx context.Context, id BlobID, checker UsageChecker) (bool, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	attrs, err := s.Attributes(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if !attrs.Deleted {
		return false, nil
	}
	inUse, err := checker.InUse(ctx, s.name, id, attrs.Headers)
	if err != nil {
		return false, err
	}
	if inUse {
		return false, nil
	}
	return s.deleteHardLocked(ctx, id)
}

func (s *Store) removeOrphan(ctx context.Context, id BlobID) (bool, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.bytes.GetObjectMeta(ctx, attrsKey(id))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrObjectNotFound) {
		return false, err
	}
	// The listing may still hold keys of blobs compacted earlier in this run.
	if _, err := s.bytes.GetObjectMeta(ctx, contentKey(id)); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.bytes.Delete(ctx, contentKey(id)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) writeAttributes(ctx context.Context, attrs *Attributes) error {
	data, err := MarshalAttributes(attrs)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	key := attrsKey(attrs.ID)
	if err := s.bytes.Upload(ctx, key, bytes.NewReader(data)); err != nil {
		return s.storageError("upload", key, err)
	}
	return nil
}

// removeKeys deletes both keys of a failed create, even if ctx was cancelled.
func (s *Store) removeKeys(ctx context.Context, id BlobID) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range []string{attrsKey(id), contentKey(id)} {
		if err := s.bytes.Delete(ctx, key); err != nil {
			s.logger.Warn("Failed to remove partial blob", "store", s.name, "key", key, "err", err)
		}
	}
}

func (s *Store) storageError(op, key string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	backend := fmt.Sprintf("%T", s.bytes)
	if n, ok := s.bytes.(Named); ok {
		backend = n.BackendName()
	}
	return &StorageError{Backend: backend, Key: key, Op: op, Err: err}
}

// checkID rejects identifiers that NewBlobID could not have produced, so a
// caller-supplied id never maps to a key outside the store's layout.
func checkID(op string, id BlobID) error {
	if !id.Valid() {
		return &BlobError{BlobID: id, Op: op, Err: ErrInvalidBlobID}
	}
	return nil
}

func (s *Store) lock(id BlobID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

func shard(id BlobID) string {
	if len(id) < 2 {
		return "_"
	}
	return string(id[:2])
}

func contentKey(id BlobID) string {
	return contentPrefix + shard(id) + "/" + string(id) + bytesSuffix
}

func attrsKey(id BlobID) string {
	return contentPrefix + shard(id) + "/" + string(id) + attrsSuffix
}

func blobIDFromKey(key, suffix string) (BlobID, bool) {
	base := path.Base(key)
	if !strings.HasSuffix(base, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(base, suffix)
	if id == "" {
		return "", false
	}
	return BlobID(id), true
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

package simpleblob

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrBlobNotFound indicates a blob does not exist or is soft-deleted
	ErrBlobNotFound = errors.New("blob not found")

	// ErrObjectNotFound indicates a key is missing from the byte store
	ErrObjectNotFound = errors.New("object not found")

	// ErrAttributesCorrupt indicates an attributes record could not be decoded
	ErrAttributesCorrupt = errors.New("blob attributes corrupt")

	// ErrInvalidBlobID indicates a malformed blob identifier
	ErrInvalidBlobID = errors.New("invalid blob id")

	// ErrNoMembers indicates a group store was built without member stores
	ErrNoMembers = errors.New("group store has no members")
)

// BlobError represents an error related to a blob operation
type BlobError struct {
	BlobID BlobID
	Op     string
	Err    error
}

func (e *BlobError) Error() string {
	return fmt.Sprintf("blob operation %s failed for blob %s: %v", e.Op, e.BlobID, e.Err)
}

func (e *BlobError) Unwrap() error {
	return e.Err
}

// StorageError represents a durable read/write failure on a byte store
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ValidationError reports a configuration value that was rejected.
// Field names the offending setting using its dotted configuration path.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsNotFound reports whether err means the blob or one of its keys is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBlobNotFound) || errors.Is(err, ErrObjectNotFound)
}

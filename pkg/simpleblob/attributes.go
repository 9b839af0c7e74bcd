package simpleblob

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Attribute record keys. Headers are stored under their name prefixed with "@".
const (
	attrVersion         = "version"
	attrCreationTime    = "creationTime"
	attrSHA256          = "sha256"
	attrSize            = "size"
	attrDeleted         = "deleted"
	attrDeletedReason   = "deletedReason"
	attrDeletedDateTime = "deletedDateTime"

	headerPrefix = "@"

	attributesFormatVersion = "1"
)

// MarshalAttributes encodes a into the flat, versioned key/value record stored
// in the byte store.
func MarshalAttributes(a *Attributes) ([]byte, error) {
	props := make(map[string]string, len(a.Headers)+7)
	for k, v := range a.Headers {
		if k == "" {
			return nil, fmt.Errorf("empty header name")
		}
		props[headerPrefix+k] = v
	}
	props[attrVersion] = attributesFormatVersion
	props[attrCreationTime] = a.Metrics.CreationTime.UTC().Format(time.RFC3339Nano)
	props[attrSHA256] = a.Metrics.SHA256
	props[attrSize] = strconv.FormatInt(a.Metrics.Size, 10)
	props[attrDeleted] = strconv.FormatBool(a.Deleted)
	if a.Deleted {
		props[attrDeletedReason] = a.DeletedReason
		if a.DeletedAt != nil {
			props[attrDeletedDateTime] = a.DeletedAt.UTC().Format(time.RFC3339Nano)
		}
	}
	return json.MarshalIndent(props, "", "  ")
}

// UnmarshalAttributes decodes a record produced by MarshalAttributes.
func UnmarshalAttributes(id BlobID, data []byte) (*Attributes, error) {
	var props map[string]string
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttributesCorrupt, err)
	}
	if v := props[attrVersion]; v != attributesFormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrAttributesCorrupt, v)
	}

	a := &Attributes{ID: id, Headers: make(map[string]string)}
	for k, v := range props {
		if name, ok := strings.CutPrefix(k, headerPrefix); ok {
			a.Headers[name] = v
		}
	}

	created, err := time.Parse(time.RFC3339Nano, props[attrCreationTime])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAttributesCorrupt, attrCreationTime, err)
	}
	size, err := strconv.ParseInt(props[attrSize], 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("%w: %s %q", ErrAttributesCorrupt, attrSize, props[attrSize])
	}
	deleted, err := strconv.ParseBool(props[attrDeleted])
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q", ErrAttributesCorrupt, attrDeleted, props[attrDeleted])
	}

	a.Metrics = BlobMetrics{CreationTime: created, SHA256: props[attrSHA256], Size: size}
	a.Deleted = deleted
	if deleted {
		a.DeletedReason = props[attrDeletedReason]
		if raw := props[attrDeletedDateTime]; raw != "" {
			at, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrAttributesCorrupt, attrDeletedDateTime, err)
			}
			a.DeletedAt = &at
		}
	}
	return a, nil
}

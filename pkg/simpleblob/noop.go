package simpleblob

import (
	"context"
)

// NoopMetricsRecorder is a no-operation implementation of MetricsRecorder.
// Useful for stores that do not track usage or for testing
type NoopMetricsRecorder struct{}

// NewNoopMetricsRecorder creates a new no-operation metrics recorder
func NewNoopMetricsRecorder() MetricsRecorder {
	return &NoopMetricsRecorder{}
}

// RecordAddition does nothing
func (n *NoopMetricsRecorder) RecordAddition(size int64) {}

// RecordDeletion does nothing
func (n *NoopMetricsRecorder) RecordDeletion(size int64) {}

// ClearCountMetrics does nothing
func (n *NoopMetricsRecorder) ClearCountMetrics() {}

// Current always returns zero metrics
func (n *NoopMetricsRecorder) Current() AggregateMetrics {
	return AggregateMetrics{}
}

// AlwaysInUse is a UsageChecker that reports every blob as referenced.
// It makes Undelete unconditional and Compact a no-op for soft-deleted blobs.
var AlwaysInUse UsageChecker = UsageCheckerFunc(func(context.Context, string, BlobID, map[string]string) (bool, error) {
	return true, nil
})

// NeverInUse is a UsageChecker that reports every blob as unreferenced.
var NeverInUse UsageChecker = UsageCheckerFunc(func(context.Context, string, BlobID, map[string]string) (bool, error) {
	return false, nil
})

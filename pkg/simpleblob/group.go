package simpleblob

import (
	"context"
	"io"
	"iter"
	"sync/atomic"
)

// Group is a federated store that delegates every operation to its members.
// It keeps no blobs or counters of its own; its metrics are the sum of the
// members' metrics, so it must never be recalculated directly.
type Group struct {
	name    string
	members []*Store
	next    atomic.Uint64
}

// NewGroup creates a group store over members. New blobs are spread round-robin.
func NewGroup(name string, members ...*Store) (*Group, error) {
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "store name is required"}
	}
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	return &Group{name: name, members: members}, nil
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.name
}

// Members returns the member stores.
func (g *Group) Members() []*Store {
	return g.members
}

// Delegating reports that this store only forwards to its members.
func (g *Group) Delegating() bool {
	return true
}

// Metrics returns a read-only view summing the members' metrics.
func (g *Group) Metrics() MetricsRecorder {
	return groupMetrics{members: g.members}
}

// Create writes the blob into the next member in round-robin order.
func (g *Group) Create(ctx context.Context, content io.Reader, headers map[string]string) (*Blob, error) {
	i := (g.next.Add(1) - 1) % uint64(len(g.members))
	return g.members[i].Create(ctx, content, headers)
}

// Get returns the blob from whichever member holds it.
func (g *Group) Get(ctx context.Context, id BlobID, includeDeleted bool) (*Blob, error) {
	member, err := g.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	return member.Get(ctx, id, includeDeleted)
}

// SoftDelete soft-deletes the blob in the member holding it.
func (g *Group) SoftDelete(ctx context.Context, id BlobID, reason string) (bool, error) {
	member, err := g.locate(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return member.SoftDelete(ctx, id, reason)
}

// Undelete restores the blob in the member holding it.
func (g *Group) Undelete(ctx context.Context, id BlobID, checker UsageChecker) (bool, error) {
	member, err := g.locate(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return member.Undelete(ctx, id, checker)
}

// Attributes loads the attributes record from the member holding the blob.
func (g *Group) Attributes(ctx context.Context, id BlobID) (*Attributes, error) {
	member, err := g.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	return member.Attributes(ctx, id)
}

// CountsSoftDeleted is always false; members apply their own policy.
func (g *Group) CountsSoftDeleted() bool {
	return false
}

// BlobIDs chains the members' sequences.
func (g *Group) BlobIDs(ctx context.Context) iter.Seq2[BlobID, error] {
	return func(yield func(BlobID, error) bool) {
		for _, m := range g.members {
			for id, err := range m.BlobIDs(ctx) {
				if !yield(id, err) {
					return
				}
			}
		}
	}
}

func (g *Group) locate(ctx context.Context, id BlobID) (*Store, error) {
	for _, m := range g.members {
		_, err := m.Attributes(ctx, id)
		if err == nil {
			return m, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}
	return nil, &BlobError{BlobID: id, Op: "locate", Err: ErrBlobNotFound}
}

// groupMetrics aggregates member metrics. Members account for their own
// blobs, so the write methods do nothing.
type groupMetrics struct {
	members []*Store
}

func (groupMetrics) RecordAddition(int64) {}

func (groupMetrics) RecordDeletion(int64) {}

func (groupMetrics) ClearCountMetrics() {}

func (m groupMetrics) Current() AggregateMetrics {
	var total AggregateMetrics
	for _, s := range m.members {
		cur := s.Metrics().Current()
		total.BlobCount += cur.BlobCount
		total.TotalSize += cur.TotalSize
		for fs, space := range cur.UsableSpace {
			if total.UsableSpace == nil {
				total.UsableSpace = make(map[string]int64)
			}
			// Members may share a volume; count each filesystem once.
			total.UsableSpace[fs] = space
		}
	}
	return total
}

package quota

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/tendant/simple-blob/pkg/simpleblob"
)

// Built-in strategy IDs.
const (
	SpaceUsedID      = "spaceUsedQuota"
	SpaceRemainingID = "spaceRemainingQuota"
)

func validateLimit(cfg Config) error {
	if cfg.Limit <= 0 {
		return &simpleblob.ValidationError{Field: "quota.limit", Message: "limit must be greater than 0"}
	}
	return nil
}

func bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

type spaceUsed struct{}

// SpaceUsed is violated when the store's total blob size exceeds the limit.
func SpaceUsed() Strategy {
	return spaceUsed{}
}

func (spaceUsed) ID() string { return SpaceUsedID }

func (spaceUsed) DisplayName() string { return "Space Used" }

func (spaceUsed) ValidateConfig(cfg Config) error { return validateLimit(cfg) }

func (spaceUsed) Check(store Store, cfg Config) *Result {
	used := store.Metrics().Current().TotalSize
	return &Result{
		IsViolation: used > cfg.Limit,
		StoreName:   store.Name(),
		Message: fmt.Sprintf("Blob store %s is using %s space and has a limit of %s",
			store.Name(), bytes(used), bytes(cfg.Limit)),
	}
}

type spaceRemaining struct{}

// SpaceRemaining is violated when the usable space left on the store's
// filesystems drops below the limit. Stores without volume information never
// violate it.
func SpaceRemaining() Strategy {
	return spaceRemaining{}
}

func (spaceRemaining) ID() string { return SpaceRemainingID }

func (spaceRemaining) DisplayName() string { return "Space Remaining" }

func (spaceRemaining) ValidateConfig(cfg Config) error { return validateLimit(cfg) }

func (spaceRemaining) Check(store Store, cfg Config) *Result {
	available := store.Metrics().Current().AvailableSpace()
	if available < 0 {
		return &Result{
			StoreName: store.Name(),
			Message:   fmt.Sprintf("Blob store %s has no usable space information", store.Name()),
		}
	}
	return &Result{
		IsViolation: available < cfg.Limit,
		StoreName:   store.Name(),
		Message: fmt.Sprintf("Blob store %s has %s space remaining and a minimum of %s",
			store.Name(), bytes(available), bytes(cfg.Limit)),
	}
}

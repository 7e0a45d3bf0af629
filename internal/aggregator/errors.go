package aggregator

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientStore marks a failed read or write against the mirror or a
	// tenant store. The triggering event is retried.
	ErrTransientStore = errors.New("transient store error")

	// ErrFullResyncInterrupted wraps any failure during a full resync. The
	// shadow build is discarded and the live mirror is left as it was.
	ErrFullResyncInterrupted = errors.New("full resync interrupted")

	// ErrDispatcherClosed is returned by Submit after Stop
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// InvariantViolation reports a tag whose usage_count disagrees with the
// usage rows that reference it, or a tag left behind with no usages.
type InvariantViolation struct {
	TagID      int64
	Slug       string
	UsageCount int
	LiveUsages int
}

func (v InvariantViolation) Error() string {
	if v.UsageCount <= 0 {
		return fmt.Sprintf("tag %d (%s) persists with usage_count %d", v.TagID, v.Slug, v.UsageCount)
	}
	return fmt.Sprintf("tag %d (%s) has usage_count %d but %d usage rows",
		v.TagID, v.Slug, v.UsageCount, v.LiveUsages)
}

func transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientStore) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientStore, err)
}

package errors

import (
	"fmt"
)

// ItemFailure records the failure of a single item within a batch
// operation.
type ItemFailure struct {
	// Index is the position of the item in the submitted batch.
	Index int

	// Err is the failure cause for this item.
	Err error
}

// PartialFailure reports a batch operation where some items succeeded and
// some failed. The operation as a whole is not aborted; callers inspect
// Failures to decide what to resubmit.
type PartialFailure struct {
	// Total is the number of items in the batch.
	Total int

	// Failures holds the per-item failures, in batch order.
	Failures []ItemFailure
}

// Error implements the error interface.
func (e *PartialFailure) Error() string {
	return fmt.Sprintf("[%s] %d of %d items failed", ErrCodeBatchPartial, len(e.Failures), e.Total)
}

// AsPartialFailure extracts a PartialFailure from an error chain.
func AsPartialFailure(err error) (*PartialFailure, bool) {
	if err == nil {
		return nil, false
	}
	if pf, ok := err.(*PartialFailure); ok {
		return pf, true
	}
	return nil, false
}

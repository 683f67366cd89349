package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrEntityNotFound          = errors.New("entity not found")
	ErrEmptyComposition        = errors.New("product needs at least one batch")
	ErrDuplicateBatchReference = errors.New("batch referenced more than once")
	ErrBatchNotReady           = errors.New("batch is not ready for formulation")
)

// CompositionError reports why a product could not be assembled. Err is one
// of the sentinels above.
type CompositionError struct {
	Err     error
	BatchID string
}

func (e *CompositionError) Error() string {
	if e.BatchID == "" {
		return fmt.Sprintf("compose product: %v", e.Err)
	}
	return fmt.Sprintf("compose product: batch %s: %v", e.BatchID, e.Err)
}

func (e *CompositionError) Unwrap() error { return e.Err }

package notification

import (
	"fmt"
	"sort"
)

// BulkError summarizes a bulk operation in which some items failed.
// Items that succeeded are not listed.
type BulkError struct {
	Op     string
	Total  int
	Failed map[string]error // by notification ID
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("%d of %d notifications could not be %s", len(e.Failed), e.Total, e.Op)
}

// Unwrap exposes the per-item errors to errors.Is / errors.As.
func (e *BulkError) Unwrap() []error {
	ids := e.IDs()
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, e.Failed[id])
	}
	return errs
}

// IDs returns the failed notification IDs in sorted order.
func (e *BulkError) IDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

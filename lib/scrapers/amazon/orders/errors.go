package orders

import "fmt"

// StructuralError means the page's container/field layout no longer
// matches any known pattern. This signals markup drift that needs
// investigation, not a transient error, so it is never retried past
// the page retry budget.
type StructuralError struct {
	Page string
	Hint string
}

func (e *StructuralError) Error() string {
	if e.Page != "" {
		return fmt.Sprintf("page structure not recognized at %s: %s", e.Page, e.Hint)
	}
	return fmt.Sprintf("page structure not recognized: %s", e.Hint)
}

// PageError is a terminal pagination failure. It carries the cursor of
// the last successfully completed page so a caller can resume instead
// of restarting from page one.
type PageError struct {
	// Completed is the cursor that was last advanced past
	// successfully; nil when no page completed.
	Completed *PageCursor
	// Failed is the cursor of the page that could not be processed.
	Failed *PageCursor
	Err    error
}

func (e *PageError) Error() string {
	if e.Failed != nil {
		return fmt.Sprintf("pagination failed at start index %d: %s", e.Failed.StartIndex, e.Err)
	}
	return fmt.Sprintf("pagination failed: %s", e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

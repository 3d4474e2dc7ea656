package mart

import "fmt"

// InvariantViolationError is returned when a persistence step observes
// a row count or state it should be logically impossible for a
// correctly-operating system to produce (spec.md §4.3's "Failure
// semantics"). These are fatal for the task — never retried blindly —
// because they indicate a bug or external data corruption rather than
// transient contention.
type InvariantViolationError struct {
	Step   string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("mart: invariant violation at %s: %s", e.Step, e.Reason)
}

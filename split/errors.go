package split

import "fmt"

// Reason codes carried by InvalidSplitError. Callers branch on these
// to produce the right client-facing response.
const (
	ReasonNotOrganizer     = "not-organizer"
	ReasonNotRecurring     = "not-recurring"
	ReasonBoundaryTooEarly = "boundary-too-early"
	ReasonBoundaryTooLate  = "boundary-too-late"
	ReasonUIDCollision     = "uid-collision"
)

// InvalidSplitError rejects a manual split synchronously with a
// machine-readable reason.
type InvalidSplitError struct {
	Reason string
	Detail string
}

func (e *InvalidSplitError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("split: invalid split (%s)", e.Reason)
	}
	return fmt.Sprintf("split: invalid split (%s): %s", e.Reason, e.Detail)
}

func invalidSplit(reason, format string, args ...any) error {
	return &InvalidSplitError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

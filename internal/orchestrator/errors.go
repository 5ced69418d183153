package orchestrator

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/bildir/internal/state"
	"github.com/ShayCichocki/bildir/pkg/models"
)

var (
	// ErrNotFound is returned when an orchestrator reference does not resolve.
	ErrNotFound = errors.New("orchestrator not found")
	// ErrInvalidTransition is returned for lifecycle calls that do not apply
	// to the orchestrator's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNoPendingQuestion is returned by Respond when nothing is pending.
	ErrNoPendingQuestion = state.ErrNoPendingQuestion
	// ErrOwnershipConflict is returned when assigning a session another
	// orchestrator already owns.
	ErrOwnershipConflict = state.ErrOwnershipConflict
)

// DecisionParseError reports a reply that is not exactly one decision object.
type DecisionParseError struct {
	Raw    string
	Reason string
}

func (e *DecisionParseError) Error() string {
	return "parse decision: " + e.Reason
}

// InvalidTargetSession reports a decision naming a session outside the
// orchestrator's managed set.
type InvalidTargetSession struct {
	Action models.Action
	Target string
}

func (e *InvalidTargetSession) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s decision has no target session", e.Action)
	}
	return fmt.Sprintf("%s decision targets unmanaged session %q", e.Action, e.Target)
}

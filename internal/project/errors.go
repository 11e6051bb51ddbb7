package project

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/crew/pkg/models"
)

var (
	// ErrProjectNotFound means no project with the ID exists.
	ErrProjectNotFound = errors.New("project not found")
	// ErrProjectExists means a project with the ID already exists.
	ErrProjectExists = errors.New("project already exists")
	// ErrProjectLocked means another transition for the project is in
	// progress. Callers may retry later.
	ErrProjectLocked = errors.New("project locked")
	// ErrApprovalRequired means the phase must be approved before leaving it.
	ErrApprovalRequired = errors.New("approval required")
)

// InvalidTransitionError rejects an event that the current phase does not
// accept, or whose guard is not satisfied.
type InvalidTransitionError struct {
	ProjectID string
	Current   models.Phase
	Event     models.ProjectEvent
	Reason    string
	Err       error
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("project %s: cannot apply %s in phase %s", e.ProjectID, e.Event, e.Current)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return e.Err }

// ActionError reports a transition whose action failed. The phase has been
// reverted and the rollback, if any, has run.
type ActionError struct {
	ProjectID string
	Event     models.ProjectEvent
	From      models.Phase
	To        models.Phase
	Err       error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("project %s: action for %s (%s -> %s) failed: %v", e.ProjectID, e.Event, e.From, e.To, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// IsInvalidTransition reports whether err is an *InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

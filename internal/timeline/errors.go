package timeline

import (
	"errors"
	"fmt"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
)

var (
	ErrStageNotFound = errors.New("stage not found")
	ErrRoleMismatch  = errors.New("role not allowed for stage")
	ErrInvalidState  = errors.New("stage is not pending")
)

// TransitionError describes a rejected transition. Err is one of the
// sentinels above, so callers can use errors.Is.
type TransitionError struct {
	Err     error
	StageID int
	Actor   model.Role
	Allowed model.Role
	// Status is the stage's status at the time of the attempt. Only set for
	// ErrInvalidState.
	Status model.StageStatus
}

func (e *TransitionError) Error() string {
	switch {
	case errors.Is(e.Err, ErrRoleMismatch):
		return fmt.Sprintf("stage %d: role %q may not complete it (requires %q)", e.StageID, e.Actor, e.Allowed)
	case errors.Is(e.Err, ErrInvalidState):
		return fmt.Sprintf("stage %d: %v (status %s)", e.StageID, e.Err, e.Status)
	}
	return fmt.Sprintf("stage %d: %v", e.StageID, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// TooEarly reports an attempt on a stage that is still locked.
func (e *TransitionError) TooEarly() bool {
	return errors.Is(e.Err, ErrInvalidState) && e.Status == model.StatusLocked
}

// AlreadyDone reports an attempt on a stage that has already completed.
func (e *TransitionError) AlreadyDone() bool {
	return errors.Is(e.Err, ErrInvalidState) && e.Status == model.StatusComplete
}

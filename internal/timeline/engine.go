package timeline

import (
	"fmt"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
)

// New returns a fresh timeline for kind: stage 1 pending, the rest locked.
func New(kind model.EntityKind) model.Timeline {
	tpl := Template(kind)
	tl := make(model.Timeline, len(tpl))
	for i, st := range tpl {
		tl[i] = model.StageEvent{
			ID:          st.ID,
			Title:       st.Title,
			AllowedRole: st.AllowedRole,
			Status:      model.StatusLocked,
		}
	}
	tl[0].Status = model.StatusPending
	return tl
}

// Seed returns a fresh timeline for kind with stage 1 already completed by
// the stage's own role. Used when an entity is created.
func Seed(kind model.EntityKind, update model.StageUpdate) model.Timeline {
	tl := New(kind)
	next, err := ApplyTransition(tl, tl[0].ID, update, tl[0].AllowedRole)
	if err != nil {
		panic(fmt.Sprintf("timeline: seed %s: %v", kind, err))
	}
	return next
}

// CanTransition reports whether actor may complete stageID right now. It has
// no side effects.
func CanTransition(tl model.Timeline, stageID int, actor model.Role) bool {
	return check(tl, stageID, actor) == nil
}

// ApplyTransition completes stageID on behalf of actor and unlocks the next
// stage if there is one. The update payload is merged into the stage. The
// input timeline is never modified; the returned timeline is a new snapshot.
func ApplyTransition(tl model.Timeline, stageID int, update model.StageUpdate, actor model.Role) (model.Timeline, error) {
	mustValidate(tl)
	if err := check(tl, stageID, actor); err != nil {
		return nil, err
	}

	next := tl.Clone()
	idx := next.Stage(stageID)
	ev := &next[idx]
	ev.Status = model.StatusComplete
	ev.Description = update.Description
	ev.Date = update.Date
	ev.CompletedBy = actor
	if len(update.Data) > 0 {
		if ev.Data == nil {
			ev.Data = make(map[string]any, len(update.Data))
		}
		for k, v := range model.CloneData(update.Data) {
			ev.Data[k] = v
		}
	}

	if n := next.Stage(stageID + 1); n >= 0 && next[n].Status == model.StatusLocked {
		next[n].Status = model.StatusPending
	}
	mustValidate(next)
	return next, nil
}

// Complete reports whether every stage has completed.
func Complete(tl model.Timeline) bool {
	return len(tl) > 0 && tl.Completed() == len(tl)
}

func check(tl model.Timeline, stageID int, actor model.Role) error {
	idx := tl.Stage(stageID)
	if idx < 0 {
		return &TransitionError{Err: ErrStageNotFound, StageID: stageID, Actor: actor}
	}
	st := tl[idx]
	if actor != st.AllowedRole {
		return &TransitionError{Err: ErrRoleMismatch, StageID: stageID, Actor: actor, Allowed: st.AllowedRole}
	}
	if st.Status != model.StatusPending {
		return &TransitionError{Err: ErrInvalidState, StageID: stageID, Actor: actor, Allowed: st.AllowedRole, Status: st.Status}
	}
	return nil
}

// Validate checks the structural invariants of a timeline: ids run 1..n in
// order and statuses form complete*, then one pending followed by locked*, or
// all complete.
func Validate(tl model.Timeline) error {
	if len(tl) == 0 {
		return fmt.Errorf("empty timeline")
	}
	i := 0
	for ; i < len(tl); i++ {
		if tl[i].ID != i+1 {
			return fmt.Errorf("position %d has stage id %d", i, tl[i].ID)
		}
		if tl[i].Status != model.StatusComplete {
			break
		}
	}
	if i == len(tl) {
		return nil
	}
	if tl[i].Status != model.StatusPending {
		return fmt.Errorf("stage %d is %s but no stage is pending", tl[i].ID, tl[i].Status)
	}
	for j := i + 1; j < len(tl); j++ {
		if tl[j].ID != j+1 {
			return fmt.Errorf("position %d has stage id %d", j, tl[j].ID)
		}
		if tl[j].Status != model.StatusLocked {
			return fmt.Errorf("stage %d is %s after pending stage %d", tl[j].ID, tl[j].Status, tl[i].ID)
		}
	}
	return nil
}

func mustValidate(tl model.Timeline) {
	if err := Validate(tl); err != nil {
		panic(fmt.Sprintf("timeline: invariant violated: %v", err))
	}
}

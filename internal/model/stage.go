package model

// StageStatus is the per-stage three-state machine. Status only ever moves
// forward: locked, then pending, then complete.
type StageStatus string

const (
	StatusLocked   StageStatus = "locked"
	StatusPending  StageStatus = "pending"
	StatusComplete StageStatus = "complete"
)

// StageEvent is one step of an entity timeline. Description, Date,
// CompletedBy and Data are only populated when the stage completes.
type StageEvent struct {
	ID          int            `json:"id"`
	Title       string         `json:"title"`
	AllowedRole Role           `json:"allowedRole"`
	Status      StageStatus    `json:"status"`
	Description string         `json:"description,omitempty"`
	Date        string         `json:"date,omitempty"`
	CompletedBy Role           `json:"completedBy,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// StageUpdate is the collaborator-supplied payload merged into a stage on
// completion. The ledger stores it verbatim.
type StageUpdate struct {
	Description string         `json:"description"`
	Date        string         `json:"date"`
	Data        map[string]any `json:"data,omitempty"`
}

// Timeline is an ordered list of stage events; slice order is process order.
type Timeline []StageEvent

// Clone returns a deep copy so snapshots never share backing arrays or maps.
func (t Timeline) Clone() Timeline {
	if t == nil {
		return nil
	}
	out := make(Timeline, len(t))
	for i, ev := range t {
		out[i] = ev
		out[i].Data = CloneData(ev.Data)
	}
	return out
}

// Stage returns the index of the stage with the given id, or -1.
func (t Timeline) Stage(id int) int {
	for i := range t {
		if t[i].ID == id {
			return i
		}
	}
	return -1
}

// Statuses returns the status of each stage in order.
func (t Timeline) Statuses() []StageStatus {
	out := make([]StageStatus, len(t))
	for i := range t {
		out[i] = t[i].Status
	}
	return out
}

// Pending returns the currently pending stage, if any.
func (t Timeline) Pending() (StageEvent, bool) {
	for _, ev := range t {
		if ev.Status == StatusPending {
			return ev, true
		}
	}
	return StageEvent{}, false
}

// Completed counts completed stages.
func (t Timeline) Completed() int {
	n := 0
	for _, ev := range t {
		if ev.Status == StatusComplete {
			n++
		}
	}
	return n
}

// CloneData deep-copies a stage payload map.
func CloneData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneData(val)
	case []any:
		cp := make([]any, len(val))
		for i := range val {
			cp[i] = cloneValue(val[i])
		}
		return cp
	default:
		return v
	}
}

package model

import "time"

// ChangeType names the mutation that produced a Change.
type ChangeType string

const (
	ChangeBatchCreated   ChangeType = "batch_created"
	ChangeProductCreated ChangeType = "product_created"
	ChangeStageCompleted ChangeType = "stage_completed"
)

// Change is published after every successful ledger mutation so that cached
// views (reports, dashboards) can be refreshed.
type Change struct {
	ID       string     `json:"id"`
	Type     ChangeType `json:"type"`
	Kind     EntityKind `json:"kind"`
	EntityID string     `json:"entityId"`
	StageID  int        `json:"stageId,omitempty"`
	Actor    Role       `json:"actor,omitempty"`
	At       time.Time  `json:"at"`
}

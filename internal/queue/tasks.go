// Package queue carries ledger changes across processes as asynq tasks.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
)

const (
	// TaskRefreshProvenance is scheduled each time a batch or product changes.
	TaskRefreshProvenance = "provenance:refresh"

	maxRetry = 5
)

// RefreshPayload tells the worker which entity's report to rebuild.
type RefreshPayload struct {
	ChangeID string           `json:"change_id"`
	Type     model.ChangeType `json:"type"`
	Kind     model.EntityKind `json:"kind"`
	EntityID string           `json:"entity_id"`
	StageID  int              `json:"stage_id,omitempty"`
	Actor    model.Role       `json:"actor,omitempty"`
	At       time.Time        `json:"at"`
}

// PayloadFromChange copies a change into its task payload.
func PayloadFromChange(c model.Change) RefreshPayload {
	return RefreshPayload{
		ChangeID: c.ID,
		Type:     c.Type,
		Kind:     c.Kind,
		EntityID: c.EntityID,
		StageID:  c.StageID,
		Actor:    c.Actor,
		At:       c.At,
	}
}

// NewRefreshTask encodes payload into an asynq task.
func NewRefreshTask(payload RefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TaskRefreshProvenance, data, asynq.MaxRetry(maxRetry)), nil
}

// DecodeRefresh is the inverse of NewRefreshTask.
func DecodeRefresh(task *asynq.Task) (RefreshPayload, error) {
	var payload RefreshPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RefreshPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	if payload.EntityID == "" {
		return RefreshPayload{}, fmt.Errorf("decode payload: missing entity id")
	}
	return payload, nil
}

// Enqueuer is the subset of *asynq.Client used by Notifier.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier publishes ledger changes as refresh tasks.
type Notifier struct {
	client Enqueuer
}

// NewNotifier wraps an asynq client (or anything that enqueues like one).
func NewNotifier(client Enqueuer) *Notifier {
	return &Notifier{client: client}
}

// Notify enqueues a refresh for the changed entity.
func (n *Notifier) Notify(ctx context.Context, change model.Change) error {
	task, err := NewRefreshTask(PayloadFromChange(change))
	if err != nil {
		return err
	}
	if _, err := n.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue refresh task: %w", err)
	}
	return nil
}

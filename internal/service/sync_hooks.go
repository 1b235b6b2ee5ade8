package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/database"
	"tasksync/internal/events"
	"tasksync/internal/logging"
	"tasksync/internal/models"
	"tasksync/internal/syncer"

	"github.com/rs/zerolog"
)

type HookStore interface {
	GetConnection(ctx context.Context, userID int64) (*models.Connection, error)
	GetTaskSyncState(ctx context.Context, taskID int64) (*models.TaskSyncState, error)
	GetActiveMapping(ctx context.Context, userID, projectID int64) (*models.ListMapping, error)
	EnqueueJob(ctx context.Context, job *models.SyncJob) (bool, error)
}

type ListRetirer interface {
	RetireListForProject(ctx context.Context, userID, projectID int64) error
}

type Waker interface {
	Wake(ctx context.Context)
}

// SyncHooks turns local planner mutations into sync jobs.
type SyncHooks struct {
	store   HookStore
	lists   ListRetirer
	waker   Waker
	timeout time.Duration
	logger  *zerolog.Logger
}

func NewSyncHooks(store HookStore, lists ListRetirer, waker Waker, logger *zerolog.Logger) *SyncHooks {
	return &SyncHooks{
		store:   store,
		lists:   lists,
		waker:   waker,
		timeout: 30 * time.Second,
		logger:  logging.Component(logger, "sync_hooks"),
	}
}

// SetWaker wires the scheduler after construction.
func (h *SyncHooks) SetWaker(w Waker) { h.waker = w }

// Register subscribes the hooks to every mutation event.
func (h *SyncHooks) Register(bus *events.EventBus) {
	bus.Subscribe(events.EventTaskCreated, h.handleTask(models.ActionCreate))
	bus.Subscribe(events.EventTaskUpdated, h.handleTask(models.ActionUpdate))
	bus.Subscribe(events.EventTaskDeleted, h.handleTaskDeleted)
	bus.Subscribe(events.EventProjectUpdated, h.handleProjectUpdated)
	bus.Subscribe(events.EventProjectClosed, h.handleProjectRetired)
	bus.Subscribe(events.EventProjectDeleted, h.handleProjectRetired)
}

func (h *SyncHooks) handleTask(action string) events.EventHandler {
	return func(e *events.Event) error {
		var p events.TaskEventPayload
		if err := e.Decode(&p); err != nil {
			return fmt.Errorf("%s payload: %w", e.Type, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		return h.TaskChanged(ctx, action, p)
	}
}

func (h *SyncHooks) handleTaskDeleted(e *events.Event) error {
	var p events.TaskEventPayload
	if err := e.Decode(&p); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return h.TaskDeleted(ctx, p)
}

func (h *SyncHooks) handleProjectUpdated(e *events.Event) error {
	var p events.ProjectEventPayload
	if err := e.Decode(&p); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if models.IsTerminalProjectStatus(p.Status) {
		return h.ProjectRetired(ctx, p)
	}
	return h.ProjectUpdated(ctx, p)
}

func (h *SyncHooks) handleProjectRetired(e *events.Event) error {
	var p events.ProjectEventPayload
	if err := e.Decode(&p); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return h.ProjectRetired(ctx, p)
}

// TaskChanged enqueues a create or update job for the task.
func (h *SyncHooks) TaskChanged(ctx context.Context, action string, p events.TaskEventPayload) error {
	ok, err := h.syncEnabled(ctx, p.UserID)
	if err != nil || !ok {
		return err
	}
	taskID, projectID := p.TaskID, p.ProjectID
	return h.enqueue(ctx, &models.SyncJob{
		UserID:    p.UserID,
		TaskID:    &taskID,
		ProjectID: &projectID,
		Action:    action,
		Payload:   syncer.EncodePayload(models.JobPayload{TaskID: taskID, ProjectID: projectID}),
	})
}

// TaskDeleted enqueues a delete job carrying the remote ids known now, since
// the local task is already gone.
func (h *SyncHooks) TaskDeleted(ctx context.Context, p events.TaskEventPayload) error {
	ok, err := h.syncEnabled(ctx, p.UserID)
	if err != nil || !ok {
		return err
	}
	payload := models.JobPayload{TaskID: p.TaskID, ProjectID: p.ProjectID}

	state, err := h.store.GetTaskSyncState(ctx, p.TaskID)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return err
	default:
		payload.RemoteItemID = state.RemoteItemID
		payload.ProjectID = state.ProjectID
		m, err := h.store.GetActiveMapping(ctx, p.UserID, state.ProjectID)
		switch {
		case errors.Is(err, database.ErrNotFound):
		case err != nil:
			return err
		default:
			payload.RemoteListID = m.ListID()
		}
	}

	taskID, projectID := p.TaskID, payload.ProjectID
	return h.enqueue(ctx, &models.SyncJob{
		UserID:    p.UserID,
		TaskID:    &taskID,
		ProjectID: &projectID,
		Action:    models.ActionDelete,
		Payload:   syncer.EncodePayload(payload),
	})
}

// ProjectUpdated schedules a full sync so the list name and membership are
// reconciled.
func (h *SyncHooks) ProjectUpdated(ctx context.Context, p events.ProjectEventPayload) error {
	ok, err := h.syncEnabled(ctx, p.UserID)
	if err != nil || !ok {
		return err
	}
	return h.enqueueFullSync(ctx, p.UserID, events.EventProjectUpdated)
}

// ProjectRetired removes the sync footprint of a closed or deleted project.
// It runs whatever the sync flag says, so no mapping stays active for a
// terminal project. When it fails for a synced user a full sync is scheduled
// so reconciliation retires it later.
func (h *SyncHooks) ProjectRetired(ctx context.Context, p events.ProjectEventPayload) error {
	retireErr := h.lists.RetireListForProject(ctx, p.UserID, p.ProjectID)
	if retireErr == nil {
		return nil
	}
	ok, err := h.syncEnabled(ctx, p.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return retireErr
	}
	h.logger.Warn().Err(retireErr).Int64("user_id", p.UserID).Int64("project_id", p.ProjectID).
		Msg("retire list failed, scheduling full sync")
	return h.enqueueFullSync(ctx, p.UserID, "retire_failed")
}

func (h *SyncHooks) enqueueFullSync(ctx context.Context, userID int64, reason string) error {
	return h.enqueue(ctx, &models.SyncJob{
		UserID:  userID,
		Action:  models.ActionFullSync,
		Payload: syncer.EncodePayload(models.JobPayload{Reason: reason}),
	})
}

func (h *SyncHooks) enqueue(ctx context.Context, job *models.SyncJob) error {
	inserted, err := h.store.EnqueueJob(ctx, job)
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Action, err)
	}
	h.logger.Debug().Int64("user_id", job.UserID).Str("action", job.Action).Bool("inserted", inserted).Msg("sync job enqueued")
	if inserted && h.waker != nil {
		h.waker.Wake(ctx)
	}
	return nil
}

func (h *SyncHooks) syncEnabled(ctx context.Context, userID int64) (bool, error) {
	conn, err := h.store.GetConnection(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return conn.SyncEnabled, nil
}

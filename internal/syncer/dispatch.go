package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tasksync/internal/database"
	"tasksync/internal/models"
)

// ErrUnknownAction marks a job that no handler understands.
var ErrUnknownAction = errors.New("unknown job action")

// DecodePayload parses a job payload; an empty payload decodes to zero.
func DecodePayload(job *models.SyncJob) (models.JobPayload, error) {
	var p models.JobPayload
	if job.Payload == "" || job.Payload == "{}" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return p, fmt.Errorf("decode payload of job %d: %w", job.ID, err)
	}
	return p, nil
}

// EncodePayload renders a payload for storage.
func EncodePayload(p models.JobPayload) string {
	data, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Execute runs one claimed job.
func (e *Engine) Execute(ctx context.Context, job *models.SyncJob) (Result, error) {
	switch job.Action {
	case models.ActionFullSync:
		return e.FullSync(ctx, job.UserID)
	case models.ActionCreate, models.ActionUpdate:
		return Result{}, e.executePush(ctx, job)
	case models.ActionDelete:
		return Result{}, e.executeDelete(ctx, job)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, job.Action)
	}
}

func (e *Engine) executePush(ctx context.Context, job *models.SyncJob) error {
	taskID, err := jobTaskID(job)
	if err != nil {
		return err
	}
	log := e.logger.With().Int64("job_id", job.ID).Int64("task_id", taskID).Logger()

	task, err := e.store.GetTask(ctx, taskID)
	if errors.Is(err, database.ErrNotFound) {
		log.Debug().Msg("task gone before push, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	project, err := e.store.GetProject(ctx, task.ProjectID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if models.IsTerminalProjectStatus(project.Status) {
		log.Debug().Str("status", project.Status).Msg("project is terminal, skipping push")
		return nil
	}

	m, err := e.lists.EnsureListForProject(ctx, job.UserID, project)
	if err != nil {
		return err
	}
	return e.PushTask(ctx, job.UserID, task, m, job.Action)
}

func (e *Engine) executeDelete(ctx context.Context, job *models.SyncJob) error {
	p, err := DecodePayload(job)
	if err != nil {
		return err
	}
	taskID := p.TaskID
	if taskID == 0 && job.TaskID != nil {
		taskID = *job.TaskID
	}

	listID, itemID := p.RemoteListID, p.RemoteItemID
	if itemID == "" && taskID > 0 {
		state, err := e.store.GetTaskSyncState(ctx, taskID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		itemID = state.RemoteItemID
		if listID == "" {
			listID, err = e.listForState(ctx, job.UserID, state, nil)
			if errors.Is(err, database.ErrNotFound) {
				// the list was retired with everything in it
				return e.store.DeleteTaskSyncState(ctx, taskID)
			}
			if err != nil {
				return err
			}
		}
	}
	return e.PushDelete(ctx, job.UserID, listID, itemID, taskID)
}

func jobTaskID(job *models.SyncJob) (int64, error) {
	if job.TaskID != nil && *job.TaskID > 0 {
		return *job.TaskID, nil
	}
	p, err := DecodePayload(job)
	if err != nil {
		return 0, err
	}
	if p.TaskID == 0 {
		return 0, fmt.Errorf("job %d: %s without task id", job.ID, job.Action)
	}
	return p.TaskID, nil
}

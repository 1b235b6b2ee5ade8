// Package syncer reconciles local tasks with remote to-do items in both
// directions.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/database"
	"tasksync/internal/logging"
	"tasksync/internal/metrics"
	"tasksync/internal/models"
	"tasksync/internal/remote"

	"github.com/rs/zerolog"
)

// ErrCursorExpired is returned when the remote service invalidated a delta
// cursor. The cursor is already cleared; the next pull starts over.
var ErrCursorExpired = remote.ErrCursorExpired

// ErrListGone is returned when a mapped list no longer exists remotely. The
// mapping is already detached so the project gets a list again on the next
// full sync.
var ErrListGone = errors.New("remote list gone")

type Store interface {
	GetActiveMapping(ctx context.Context, userID, projectID int64) (*models.ListMapping, error)
	ListActiveMappings(ctx context.Context, userID int64) ([]models.ListMapping, error)
	UpdateMappingCursor(ctx context.Context, id int64, cursor string, syncedAt time.Time) error
	ClearMappingCursor(ctx context.Context, id int64) error
	DeactivateMapping(ctx context.Context, id int64) error
	DeleteTaskSyncStatesByProject(ctx context.Context, projectID int64) (int64, error)

	GetTaskSyncState(ctx context.Context, taskID int64) (*models.TaskSyncState, error)
	GetTaskSyncStateByRemoteID(ctx context.Context, remoteItemID string) (*models.TaskSyncState, error)
	UpsertTaskSyncState(ctx context.Context, s *models.TaskSyncState) error
	UpdateTaskSyncETag(ctx context.Context, taskID int64, etag string) error
	DeleteTaskSyncState(ctx context.Context, taskID int64) error

	GetProject(ctx context.Context, id int64) (*models.Project, error)
	ListProjectsByUser(ctx context.Context, userID int64) ([]models.Project, error)
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	CreateTask(ctx context.Context, t *models.Task) error
	UpdateTaskFields(ctx context.Context, id int64, f models.TaskFields) error
	DeleteTask(ctx context.Context, id int64) error
	ListUnsyncedTasks(ctx context.Context, projectID int64) ([]models.Task, error)
}

type API interface {
	Delta(ctx context.Context, token, target string) (*remote.DeltaPage, error)
	CreateItem(ctx context.Context, token, listID string, item remote.TodoItem) (*remote.TodoItem, error)
	UpdateItem(ctx context.Context, token, listID, itemID, ifMatch string, item remote.TodoItem) (*remote.TodoItem, error)
	DeleteItem(ctx context.Context, token, listID, itemID string) error
}

type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID int64) (string, error)
}

type Lists interface {
	EnsureListForProject(ctx context.Context, userID int64, project *models.Project) (*models.ListMapping, error)
	RetireListForProject(ctx context.Context, userID, projectID int64) error
}

// Result counts local mutations caused by pulls and remote writes caused by
// pushes.
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Pushed  int `json:"pushed"`
}

func (r *Result) add(o Result) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Pushed += o.Pushed
}

// Mutations is the number of local rows the result changed.
func (r Result) Mutations() int {
	return r.Created + r.Updated + r.Deleted
}

type Engine struct {
	store  Store
	api    API
	tokens TokenSource
	lists  Lists
	now    func() time.Time
	logger *zerolog.Logger
}

func NewEngine(store Store, api API, tokens TokenSource, lists Lists, logger *zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		api:    api,
		tokens: tokens,
		lists:  lists,
		now:    time.Now,
		logger: logging.Component(logger, "syncer"),
	}
}

// SyncList pulls the remote changes of one mapped list into local tasks.
func (e *Engine) SyncList(ctx context.Context, userID int64, m *models.ListMapping) (Result, error) {
	var res Result
	listID := m.ListID()
	if listID == "" {
		return res, fmt.Errorf("mapping %d has no remote list", m.ID)
	}
	tok, err := e.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return res, err
	}

	target := m.Cursor()
	if target == "" {
		target = remote.DeltaStartURL(listID)
	}
	log := e.logger.With().Int64("user_id", userID).Str("list_id", listID).Logger()

	for pages := 0; ; pages++ {
		page, err := e.api.Delta(ctx, tok, target)
		if errors.Is(err, remote.ErrCursorExpired) {
			if clearErr := e.store.ClearMappingCursor(ctx, m.ID); clearErr != nil {
				return res, errors.Join(err, clearErr)
			}
			log.Warn().Msg("delta cursor expired, cleared for full resync")
			return res, fmt.Errorf("list %s: %w", listID, ErrCursorExpired)
		}
		if errors.Is(err, remote.ErrNotFound) {
			if detachErr := e.detach(ctx, m); detachErr != nil {
				return res, errors.Join(err, detachErr)
			}
			log.Warn().Int64("project_id", m.ProjectID).Msg("remote list gone, mapping detached")
			return res, fmt.Errorf("list %s: %w", listID, ErrListGone)
		}
		if err != nil {
			return res, fmt.Errorf("delta list %s: %w", listID, err)
		}

		for i := range page.Items {
			if err := e.applyItem(ctx, userID, m, &page.Items[i], &res); err != nil {
				return res, err
			}
		}

		if page.NextLink != "" {
			target = page.NextLink
			continue
		}
		if page.DeltaLink == "" {
			return res, fmt.Errorf("delta list %s: page %d carries neither next nor delta link", listID, pages)
		}
		if err := e.store.UpdateMappingCursor(ctx, m.ID, page.DeltaLink, e.now()); err != nil {
			return res, err
		}
		cursor := page.DeltaLink
		m.DeltaCursor = &cursor
		break
	}

	log.Debug().Int("created", res.Created).Int("updated", res.Updated).Int("deleted", res.Deleted).Msg("list pulled")
	return res, nil
}

// detach drops a mapping whose list vanished together with the task states
// that pointed into it, so every task of the project is pushed again.
func (e *Engine) detach(ctx context.Context, m *models.ListMapping) error {
	if err := e.store.DeactivateMapping(ctx, m.ID); err != nil {
		return err
	}
	_, err := e.store.DeleteTaskSyncStatesByProject(ctx, m.ProjectID)
	return err
}

func (e *Engine) applyItem(ctx context.Context, userID int64, m *models.ListMapping, item *remote.TodoItem, res *Result) error {
	if item.ID == "" {
		return nil
	}
	state, err := e.store.GetTaskSyncStateByRemoteID(ctx, item.ID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}

	if item.IsRemoved() {
		if state == nil {
			return nil
		}
		if err := e.store.DeleteTask(ctx, state.TaskID); err != nil {
			return err
		}
		if err := e.store.DeleteTaskSyncState(ctx, state.TaskID); err != nil {
			return err
		}
		res.Deleted++
		return nil
	}

	if state == nil {
		task := &models.Task{ProjectID: m.ProjectID, UserID: userID}
		applyFields(task, item.Fields())
		if err := e.store.CreateTask(ctx, task); err != nil {
			return err
		}
		if err := e.store.UpsertTaskSyncState(ctx, &models.TaskSyncState{
			TaskID:       task.ID,
			UserID:       userID,
			ProjectID:    m.ProjectID,
			RemoteItemID: item.ID,
			RemoteETag:   item.ETag,
		}); err != nil {
			return err
		}
		res.Created++
		return nil
	}

	// unchanged etag: the change is our own echo or already applied
	if item.ETag != "" && item.ETag == state.RemoteETag {
		return nil
	}

	task, err := e.store.GetTask(ctx, state.TaskID)
	if errors.Is(err, database.ErrNotFound) {
		// a local delete is in flight and will remove the remote item
		return nil
	}
	if err != nil {
		return err
	}

	remoteFields := item.Fields()
	if !task.Fields().Equal(remoteFields) {
		if err := e.store.UpdateTaskFields(ctx, task.ID, remoteFields); err != nil {
			return err
		}
		res.Updated++
	}
	return e.store.UpdateTaskSyncETag(ctx, task.ID, item.ETag)
}

func applyFields(t *models.Task, f models.TaskFields) {
	t.Name = f.Name
	t.DueDate = f.DueDate
	t.Priority = models.NormalizePriority(f.Priority)
	t.IsCompleted = f.IsCompleted
}

// PushTask mirrors a local create, update or delete of task into the list of
// mapping.
func (e *Engine) PushTask(ctx context.Context, userID int64, task *models.Task, m *models.ListMapping, action string) error {
	state, err := e.store.GetTaskSyncState(ctx, task.ID)
	if errors.Is(err, database.ErrNotFound) {
		state = nil
	} else if err != nil {
		return err
	}

	switch action {
	case models.ActionDelete:
		if state == nil {
			return nil
		}
		listID, err := e.listForState(ctx, userID, state, m)
		if err != nil {
			return err
		}
		return e.PushDelete(ctx, userID, listID, state.RemoteItemID, task.ID)
	case models.ActionCreate, models.ActionUpdate:
	default:
		return fmt.Errorf("unsupported push action %q", action)
	}

	if m.ListID() == "" {
		return fmt.Errorf("mapping %d has no remote list", m.ID)
	}
	tok, err := e.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return err
	}
	log := e.logger.With().Int64("user_id", userID).Int64("task_id", task.ID).Logger()

	// the task moved to another project: drop the item from the old list
	if state != nil && state.ProjectID != task.ProjectID {
		if old, err := e.store.GetActiveMapping(ctx, userID, state.ProjectID); err == nil {
			if err := e.api.DeleteItem(ctx, tok, old.ListID(), state.RemoteItemID); err != nil && !errors.Is(err, remote.ErrNotFound) {
				return fmt.Errorf("delete moved item: %w", err)
			}
		}
		if err := e.store.DeleteTaskSyncState(ctx, task.ID); err != nil {
			return err
		}
		state = nil
	}

	item := remote.ItemFromFields(task.Fields())

	// a create that already has a remote twin degrades to an update, and an
	// update without one becomes a create
	if state == nil {
		created, err := e.api.CreateItem(ctx, tok, m.ListID(), item)
		if err != nil {
			return fmt.Errorf("create remote item: %w", err)
		}
		if err := e.store.UpsertTaskSyncState(ctx, &models.TaskSyncState{
			TaskID:       task.ID,
			UserID:       userID,
			ProjectID:    task.ProjectID,
			RemoteItemID: created.ID,
			RemoteETag:   created.ETag,
		}); err != nil {
			return err
		}
		log.Debug().Str("item_id", created.ID).Msg("remote item created")
		return nil
	}

	updated, err := e.api.UpdateItem(ctx, tok, m.ListID(), state.RemoteItemID, state.RemoteETag, item)
	switch {
	case errors.Is(err, remote.ErrPreconditionFailed):
		metrics.IncConflict()
		log.Warn().Str("item_id", state.RemoteItemID).Msg("remote item changed concurrently, next pull wins")
		return nil
	case errors.Is(err, remote.ErrNotFound):
		log.Warn().Str("item_id", state.RemoteItemID).Msg("remote item vanished, dropping sync state")
		return e.store.DeleteTaskSyncState(ctx, task.ID)
	case err != nil:
		return fmt.Errorf("update remote item: %w", err)
	}
	return e.store.UpdateTaskSyncETag(ctx, task.ID, updated.ETag)
}

func (e *Engine) listForState(ctx context.Context, userID int64, state *models.TaskSyncState, m *models.ListMapping) (string, error) {
	if m != nil && m.ProjectID == state.ProjectID && m.ListID() != "" {
		return m.ListID(), nil
	}
	old, err := e.store.GetActiveMapping(ctx, userID, state.ProjectID)
	if err != nil {
		return "", fmt.Errorf("resolve list of task %d: %w", state.TaskID, err)
	}
	return old.ListID(), nil
}

// PushDelete removes a remote item whose local task may already be gone.
// An absent item counts as deleted.
func (e *Engine) PushDelete(ctx context.Context, userID int64, remoteListID, remoteItemID string, taskID int64) error {
	if remoteListID != "" && remoteItemID != "" {
		tok, err := e.tokens.GetValidAccessToken(ctx, userID)
		if err != nil {
			return err
		}
		if err := e.api.DeleteItem(ctx, tok, remoteListID, remoteItemID); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return fmt.Errorf("delete remote item: %w", err)
		}
	}
	if taskID > 0 {
		return e.store.DeleteTaskSyncState(ctx, taskID)
	}
	return nil
}

// FullSync reconciles every project of a user: retire terminal ones, map the
// rest, push tasks that never reached the remote side, then pull every list.
// Per-project failures are joined; a cursor expiry is part of the result.
// mapAndPush makes sure project has a list and creates remote items for its
// tasks that have none yet.
func (e *Engine) mapAndPush(ctx context.Context, userID int64, p *models.Project, res *Result) []error {
	m, err := e.lists.EnsureListForProject(ctx, userID, p)
	if err != nil {
		return []error{fmt.Errorf("ensure list for project %d: %w", p.ID, err)}
	}
	tasks, err := e.store.ListUnsyncedTasks(ctx, p.ID)
	if err != nil {
		return []error{err}
	}
	var errs []error
	for j := range tasks {
		if err := e.PushTask(ctx, userID, &tasks[j], m, models.ActionCreate); err != nil {
			errs = append(errs, fmt.Errorf("push task %d: %w", tasks[j].ID, err))
			continue
		}
		res.Pushed++
	}
	return errs
}

func (e *Engine) FullSync(ctx context.Context, userID int64) (Result, error) {
	var (
		res  Result
		errs []error
	)
	log := e.logger.With().Int64("user_id", userID).Logger()

	projects, err := e.store.ListProjectsByUser(ctx, userID)
	if err != nil {
		return res, err
	}
	live := make(map[int64]*models.Project, len(projects))
	for i := range projects {
		if !models.IsTerminalProjectStatus(projects[i].Status) {
			live[projects[i].ID] = &projects[i]
		}
	}

	mappings, err := e.store.ListActiveMappings(ctx, userID)
	if err != nil {
		return res, err
	}
	for _, m := range mappings {
		if _, ok := live[m.ProjectID]; ok {
			continue
		}
		if err := e.lists.RetireListForProject(ctx, userID, m.ProjectID); err != nil {
			errs = append(errs, fmt.Errorf("retire project %d: %w", m.ProjectID, err))
		}
	}

	for i := range projects {
		p := &projects[i]
		if _, ok := live[p.ID]; !ok {
			continue
		}
		errs = append(errs, e.mapAndPush(ctx, userID, p, &res)...)
	}

	mappings, err = e.store.ListActiveMappings(ctx, userID)
	if err != nil {
		return res, errors.Join(append(errs, err)...)
	}
	for i := range mappings {
		pulled, err := e.SyncList(ctx, userID, &mappings[i])
		res.add(pulled)
		if errors.Is(err, ErrListGone) {
			if p, ok := live[mappings[i].ProjectID]; ok {
				errs = append(errs, e.mapAndPush(ctx, userID, p, &res)...)
				continue
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	log.Info().Int("created", res.Created).Int("updated", res.Updated).Int("deleted", res.Deleted).
		Int("pushed", res.Pushed).Int("errors", len(errs)).Msg("full sync finished")
	return res, errors.Join(errs...)
}

// Package mapping keeps the one-to-one binding between local projects and
// remote to-do lists.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tasksync/internal/database"
	"tasksync/internal/logging"
	"tasksync/internal/models"
	"tasksync/internal/remote"
	"tasksync/internal/token"

	"github.com/rs/zerolog"
)

type Store interface {
	GetMapping(ctx context.Context, userID, projectID int64) (*models.ListMapping, error)
	GetActiveMapping(ctx context.Context, userID, projectID int64) (*models.ListMapping, error)
	UpsertActiveMapping(ctx context.Context, userID, projectID int64, remoteListID string, remoteETag *string) (*models.ListMapping, error)
	DeactivateMapping(ctx context.Context, id int64) error
	ListActiveMappings(ctx context.Context, userID int64) ([]models.ListMapping, error)
	DeleteTaskSyncStatesByProject(ctx context.Context, projectID int64) (int64, error)
	DeletePendingTaskJobs(ctx context.Context, projectID int64) (int64, error)
}

type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID int64) (string, error)
}

type ListAPI interface {
	ListLists(ctx context.Context, token string) ([]remote.TaskList, error)
	CreateList(ctx context.Context, token, displayName string) (*remote.TaskList, error)
	DeleteList(ctx context.Context, token, listID string) error
	DeleteSubscription(ctx context.Context, token, subscriptionID string) error
}

type Resolver struct {
	store  Store
	tokens TokenSource
	api    ListAPI
	logger *zerolog.Logger
}

func NewResolver(store Store, tokens TokenSource, api ListAPI, logger *zerolog.Logger) *Resolver {
	return &Resolver{store: store, tokens: tokens, api: api, logger: logging.Component(logger, "mapping")}
}

// EnsureListForProject returns the active mapping of project, adopting a
// remote list with the same name or creating one when needed.
func (r *Resolver) EnsureListForProject(ctx context.Context, userID int64, project *models.Project) (*models.ListMapping, error) {
	if models.IsTerminalProjectStatus(project.Status) {
		return nil, fmt.Errorf("project %d is %s and cannot be mapped", project.ID, project.Status)
	}

	existing, err := r.store.GetActiveMapping(ctx, userID, project.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	tok, err := r.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	list, err := r.findList(ctx, tok, userID, project.Name)
	if err != nil {
		return nil, err
	}
	if list == nil {
		if list, err = r.api.CreateList(ctx, tok, project.Name); err != nil {
			return nil, fmt.Errorf("create remote list: %w", err)
		}
		r.logger.Info().Int64("user_id", userID).Int64("project_id", project.ID).Str("list_id", list.ID).Msg("remote list created")
	} else {
		r.logger.Info().Int64("user_id", userID).Int64("project_id", project.ID).Str("list_id", list.ID).Msg("adopted existing remote list")
	}

	var etag *string
	if list.ETag != "" {
		etag = &list.ETag
	}
	return r.store.UpsertActiveMapping(ctx, userID, project.ID, list.ID, etag)
}

// findList looks for a remote list whose name matches, ignoring case, so a
// retry after a partial failure does not create a duplicate. Lists already
// bound to another active mapping of the user are never adopted.
func (r *Resolver) findList(ctx context.Context, tok string, userID int64, name string) (*remote.TaskList, error) {
	active, err := r.store.ListActiveMappings(ctx, userID)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]struct{}, len(active))
	for i := range active {
		taken[active[i].ListID()] = struct{}{}
	}

	lists, err := r.api.ListLists(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("list remote lists: %w", err)
	}
	want := strings.TrimSpace(name)
	for i := range lists {
		if _, ok := taken[lists[i].ID]; ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(lists[i].DisplayName), want) {
			return &lists[i], nil
		}
	}
	return nil, nil
}

// RetireListForProject tears down the sync footprint of a project: remote
// subscription and list, the mapping's remote fields, task states and
// pending per-task jobs. Without a mapping there is nothing to do.
func (r *Resolver) RetireListForProject(ctx context.Context, userID, projectID int64) error {
	m, err := r.store.GetMapping(ctx, userID, projectID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log := r.logger.With().Int64("user_id", userID).Int64("project_id", projectID).Logger()

	if m.IsActive && m.ListID() != "" {
		tok, err := r.tokens.GetValidAccessToken(ctx, userID)
		switch {
		case errors.Is(err, token.ErrNoConnection):
			log.Warn().Msg("no connection, retiring mapping locally only")
		case err != nil:
			return err
		default:
			if err := r.deleteRemote(ctx, tok, m, log); err != nil {
				return err
			}
		}
	}

	if m.IsActive || m.ListID() != "" {
		if err := r.store.DeactivateMapping(ctx, m.ID); err != nil {
			return err
		}
	}
	states, err := r.store.DeleteTaskSyncStatesByProject(ctx, projectID)
	if err != nil {
		return err
	}
	jobs, err := r.store.DeletePendingTaskJobs(ctx, projectID)
	if err != nil {
		return err
	}

	log.Info().Int64("states", states).Int64("jobs", jobs).Msg("project sync retired")
	return nil
}

func (r *Resolver) deleteRemote(ctx context.Context, tok string, m *models.ListMapping, log zerolog.Logger) error {
	if m.HasSubscription() {
		if err := r.api.DeleteSubscription(ctx, tok, *m.SubscriptionID); err != nil && !errors.Is(err, remote.ErrNotFound) {
			log.Warn().Err(err).Str("subscription_id", *m.SubscriptionID).Msg("failed to delete subscription")
		}
	}
	if err := r.api.DeleteList(ctx, tok, m.ListID()); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return fmt.Errorf("delete remote list: %w", err)
	}
	return nil
}

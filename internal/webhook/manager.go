// Package webhook accepts change notifications from the remote service and
// keeps the push subscriptions of mapped lists alive.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"sort"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/database"
	"tasksync/internal/logging"
	"tasksync/internal/metrics"
	"tasksync/internal/models"
	"tasksync/internal/remote"
	"tasksync/internal/syncer"
	"tasksync/internal/token"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

var ErrClientStateMismatch = errors.New("webhook: clientState mismatch")

// Lifecycle events the remote service may send instead of a change.
const (
	LifecycleSubscriptionRemoved = "subscriptionRemoved"
	LifecycleMissed              = "missed"
	LifecycleReauthorization     = "reauthorizationRequired"
)

// Notification is one entry of a change notification batch.
type Notification struct {
	SubscriptionID                 string    `json:"subscriptionId" validate:"required"`
	ClientState                    string    `json:"clientState"`
	ChangeType                     string    `json:"changeType" validate:"required_without=LifecycleEvent"`
	Resource                       string    `json:"resource" validate:"required_without=LifecycleEvent"`
	LifecycleEvent                 string    `json:"lifecycleEvent,omitempty"`
	SubscriptionExpirationDateTime time.Time `json:"subscriptionExpirationDateTime"`
	TenantID                       string    `json:"tenantId,omitempty"`
}

// NotificationBatch is the body of a notification POST.
type NotificationBatch struct {
	Value []Notification `json:"value" validate:"required,min=1"`
}

// NotificationResult tells how a batch was handled.
type NotificationResult struct {
	Accepted int     `json:"accepted"`
	Rejected int     `json:"rejected"`
	Unknown  int     `json:"unknown"`
	Enqueued int     `json:"enqueued"`
	Users    []int64 `json:"users"`
}

// RenewResult tells how a renewal round went.
type RenewResult struct {
	Renewed   int `json:"renewed"`
	Recreated int `json:"recreated"`
	Failed    int `json:"failed"`
}

type Store interface {
	GetMappingBySubscription(ctx context.Context, subscriptionID string) (*models.ListMapping, error)
	ListMappingsExpiringBefore(ctx context.Context, t time.Time) ([]models.ListMapping, error)
	ListMappingsWithoutSubscription(ctx context.Context) ([]models.ListMapping, error)
	UpdateMappingSubscription(ctx context.Context, id int64, subscriptionID *string, expiresAt *time.Time) error
	EnqueueJob(ctx context.Context, job *models.SyncJob) (bool, error)
}

type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, token string, sub remote.Subscription) (*remote.Subscription, error)
	RenewSubscription(ctx context.Context, token, subscriptionID string, expiresAt time.Time) (*remote.Subscription, error)
}

type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID int64) (string, error)
}

// Waker asks the scheduler for an immediate worker pass.
type Waker interface {
	Wake(ctx context.Context)
}

type Manager struct {
	store    Store
	api      SubscriptionAPI
	tokens   TokenSource
	waker    Waker
	validate *validator.Validate
	cfg      config.WebhookConfig
	now      func() time.Time
	logger   *zerolog.Logger
}

func NewManager(store Store, api SubscriptionAPI, tokens TokenSource, waker Waker, cfg config.WebhookConfig, logger *zerolog.Logger) *Manager {
	if cfg.SubscriptionLifetime <= 0 {
		cfg.SubscriptionLifetime = 70 * time.Hour
	}
	if cfg.RenewThreshold <= 0 {
		cfg.RenewThreshold = 12 * time.Hour
	}
	return &Manager{
		store:    store,
		api:      api,
		tokens:   tokens,
		waker:    waker,
		validate: validator.New(),
		cfg:      cfg,
		now:      time.Now,
		logger:   logging.Component(logger, "webhook"),
	}
}

// SetWaker wires the scheduler after construction.
func (m *Manager) SetWaker(w Waker) { m.waker = w }

// ValidateBatch checks the shape of a decoded batch.
func (m *Manager) ValidateBatch(batch *NotificationBatch) error {
	return m.validate.Struct(batch)
}

// HandleNotification turns a batch into at most one full_sync per user and
// wakes the scheduler. It never syncs inline. ErrClientStateMismatch is
// returned when no entry carried the expected clientState.
func (m *Manager) HandleNotification(ctx context.Context, batch *NotificationBatch) (NotificationResult, error) {
	var res NotificationResult
	users := make(map[int64]string)
	mismatches := 0

	for i := range batch.Value {
		n := &batch.Value[i]
		log := m.logger.With().Str("subscription_id", n.SubscriptionID).Logger()

		if err := m.validate.Struct(n); err != nil {
			res.Rejected++
			metrics.IncWebhook("invalid")
			log.Warn().Err(err).Msg("invalid notification")
			continue
		}
		if !m.clientStateMatches(n.ClientState) {
			res.Rejected++
			mismatches++
			metrics.IncWebhook("client_state_mismatch")
			log.Warn().Msg("notification with wrong clientState")
			continue
		}

		mapping, err := m.store.GetMappingBySubscription(ctx, n.SubscriptionID)
		if errors.Is(err, database.ErrNotFound) {
			res.Unknown++
			metrics.IncWebhook("unknown_subscription")
			log.Debug().Msg("notification for unknown subscription")
			continue
		}
		if err != nil {
			return res, err
		}
		if listID := remote.ListIDFromResource(n.Resource); n.LifecycleEvent == "" && listID != "" && listID != mapping.ListID() {
			res.Rejected++
			metrics.IncWebhook("resource_mismatch")
			log.Warn().Str("resource", n.Resource).Msg("notification resource does not match the mapped list")
			continue
		}

		if n.LifecycleEvent == LifecycleSubscriptionRemoved {
			if err := m.store.UpdateMappingSubscription(ctx, mapping.ID, nil, nil); err != nil {
				log.Error().Err(err).Msg("clear removed subscription")
			}
		}

		res.Accepted++
		metrics.IncWebhook("accepted")
		reason := "notification"
		if n.LifecycleEvent != "" {
			reason = n.LifecycleEvent
		}
		if _, seen := users[mapping.UserID]; !seen {
			users[mapping.UserID] = reason
		}
	}

	res.Users = make([]int64, 0, len(users))
	for id := range users {
		res.Users = append(res.Users, id)
	}
	sort.Slice(res.Users, func(i, j int) bool { return res.Users[i] < res.Users[j] })

	for _, userID := range res.Users {
		inserted, err := m.store.EnqueueJob(ctx, &models.SyncJob{
			UserID:  userID,
			Action:  models.ActionFullSync,
			Payload: syncer.EncodePayload(models.JobPayload{Reason: users[userID]}),
		})
		if err != nil {
			return res, err
		}
		if inserted {
			res.Enqueued++
		}
	}
	if len(res.Users) > 0 && m.waker != nil {
		m.waker.Wake(ctx)
	}

	if mismatches > 0 && res.Accepted == 0 && res.Unknown == 0 {
		return res, ErrClientStateMismatch
	}
	return res, nil
}

func (m *Manager) clientStateMatches(got string) bool {
	want := m.cfg.ClientState
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Maintain creates missing subscriptions and renews expiring ones.
func (m *Manager) Maintain(ctx context.Context) {
	if _, err := m.EnsureSubscriptions(ctx); err != nil {
		m.logger.Error().Err(err).Msg("ensure subscriptions")
	}
	m.RenewSubscriptions(ctx, m.cfg.RenewThreshold)
}

// EnsureSubscriptions subscribes every active mapping that has no
// subscription. Without a notification URL nothing is created.
func (m *Manager) EnsureSubscriptions(ctx context.Context) (int, error) {
	if m.cfg.NotificationURL == "" {
		return 0, nil
	}
	mappings, err := m.store.ListMappingsWithoutSubscription(ctx)
	if err != nil {
		return 0, err
	}
	created := 0
	for i := range mappings {
		mp := &mappings[i]
		log := m.logger.With().Int64("mapping_id", mp.ID).Int64("user_id", mp.UserID).Logger()
		tok, err := m.tokens.GetValidAccessToken(ctx, mp.UserID)
		if err != nil {
			if !errors.Is(err, token.ErrNoConnection) {
				log.Warn().Err(err).Msg("no token for subscription")
			}
			continue
		}
		if err := m.subscribe(ctx, tok, mp); err != nil {
			log.Warn().Err(err).Msg("create subscription")
			continue
		}
		created++
	}
	return created, nil
}

// RenewSubscriptions extends every subscription expiring within threshold.
// A subscription the remote side no longer knows is recreated. One failing
// mapping does not stop the others.
func (m *Manager) RenewSubscriptions(ctx context.Context, threshold time.Duration) RenewResult {
	var res RenewResult
	mappings, err := m.store.ListMappingsExpiringBefore(ctx, m.now().Add(threshold))
	if err != nil {
		m.logger.Error().Err(err).Msg("list expiring subscriptions")
		return res
	}

	for i := range mappings {
		mp := &mappings[i]
		log := m.logger.With().Int64("mapping_id", mp.ID).Str("subscription_id", *mp.SubscriptionID).Logger()

		tok, err := m.tokens.GetValidAccessToken(ctx, mp.UserID)
		if err != nil {
			res.Failed++
			log.Warn().Err(err).Msg("no token for renewal")
			continue
		}

		expires := m.now().Add(m.cfg.SubscriptionLifetime).UTC()
		renewed, err := m.api.RenewSubscription(ctx, tok, *mp.SubscriptionID, expires)
		switch {
		case errors.Is(err, remote.ErrNotFound):
			if err := m.subscribe(ctx, tok, mp); err != nil {
				res.Failed++
				log.Warn().Err(err).Msg("recreate subscription")
				continue
			}
			res.Recreated++
			log.Info().Msg("subscription recreated")
		case err != nil:
			res.Failed++
			log.Warn().Err(err).Msg("renew subscription")
		default:
			if !renewed.ExpirationDateTime.IsZero() {
				expires = renewed.ExpirationDateTime
			}
			if err := m.store.UpdateMappingSubscription(ctx, mp.ID, mp.SubscriptionID, &expires); err != nil {
				res.Failed++
				log.Error().Err(err).Msg("store renewed expiry")
				continue
			}
			res.Renewed++
		}
	}

	if len(mappings) > 0 {
		m.logger.Info().Int("renewed", res.Renewed).Int("recreated", res.Recreated).Int("failed", res.Failed).
			Msg("subscription renewal finished")
	}
	return res
}

func (m *Manager) subscribe(ctx context.Context, tok string, mp *models.ListMapping) error {
	if m.cfg.NotificationURL == "" {
		return errors.New("webhook notification_url is not configured")
	}
	sub, err := m.api.CreateSubscription(ctx, tok, remote.Subscription{
		Resource:           remote.ItemsResource(mp.ListID()),
		NotificationURL:    m.cfg.NotificationURL,
		ClientState:        m.cfg.ClientState,
		ExpirationDateTime: m.now().Add(m.cfg.SubscriptionLifetime).UTC(),
	})
	if err != nil {
		return err
	}
	expires := sub.ExpirationDateTime
	return m.store.UpdateMappingSubscription(ctx, mp.ID, &sub.ID, &expires)
}

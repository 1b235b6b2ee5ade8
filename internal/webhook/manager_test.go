package webhook

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/database"
	"tasksync/internal/models"
	"tasksync/internal/remote"
	"tasksync/internal/remote/remotetest"
	"tasksync/internal/syncer"
	"tasksync/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "s3cret-state"

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake(context.Context) { w.n.Add(1) }

type tokensByUser map[int64]error

func (t tokensByUser) GetValidAccessToken(_ context.Context, userID int64) (string, error) {
	if err := t[userID]; err != nil {
		return "", err
	}
	return "tok", nil
}

type fixture struct {
	db      *database.DB
	graph   *remotetest.Graph
	waker   *countingWaker
	manager *Manager
	ctx     context.Context
}

func newFixture(t *testing.T, tokens tokensByUser) *fixture {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "webhook.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	graph := remotetest.NewGraph(t)
	client, err := remote.New(config.RemoteConfig{BaseURL: graph.URL()}, nil,
		remote.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	waker := &countingWaker{}
	cfg := config.WebhookConfig{
		NotificationURL:      "https://sync.example.com/webhooks/notifications",
		ClientState:          secret,
		SubscriptionLifetime: 48 * time.Hour,
		RenewThreshold:       12 * time.Hour,
	}
	if tokens == nil {
		tokens = tokensByUser{}
	}
	return &fixture{
		db:      db,
		graph:   graph,
		waker:   waker,
		manager: NewManager(db, client, tokens, waker, cfg, nil),
		ctx:     context.Background(),
	}
}

// mapped creates a project with an active mapping onto a fresh remote list.
func (f *fixture) mapped(t *testing.T, userID int64, name string) *models.ListMapping {
	t.Helper()
	p := &models.Project{UserID: userID, Name: name}
	require.NoError(t, f.db.CreateProject(f.ctx, p))
	m, err := f.db.UpsertActiveMapping(f.ctx, userID, p.ID, f.graph.AddList(name), nil)
	require.NoError(t, err)
	return m
}

func (f *fixture) subscribe(t *testing.T, m *models.ListMapping, id string, expires time.Time) {
	t.Helper()
	require.NoError(t, f.db.UpdateMappingSubscription(f.ctx, m.ID, &id, &expires))
}

func note(sub, listID, state string) Notification {
	return Notification{
		SubscriptionID: sub,
		ClientState:    state,
		ChangeType:     "updated",
		Resource:       remote.ItemsResource(listID) + "/item-1",
	}
}

func pendingFullSyncs(t *testing.T, f *fixture) []models.SyncJob {
	t.Helper()
	jobs, err := f.db.ListJobsByStatus(f.ctx, models.JobPending, 50)
	require.NoError(t, err)
	return jobs
}

func TestHandleNotificationDedupesPerUser(t *testing.T) {
	f := newFixture(t, nil)
	a := f.mapped(t, 1, "Garden")
	b := f.mapped(t, 1, "Work")
	c := f.mapped(t, 2, "Home")
	exp := time.Now().Add(time.Hour)
	f.subscribe(t, a, "sub-a", exp)
	f.subscribe(t, b, "sub-b", exp)
	f.subscribe(t, c, "sub-c", exp)

	batch := &NotificationBatch{Value: []Notification{
		note("sub-a", a.ListID(), secret),
		note("sub-a", a.ListID(), secret),
		note("sub-b", b.ListID(), secret),
		note("sub-c", c.ListID(), secret),
	}}
	res, err := f.manager.HandleNotification(f.ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Accepted)
	assert.Equal(t, 2, res.Enqueued)
	assert.Equal(t, []int64{1, 2}, res.Users)
	assert.Equal(t, int32(1), f.waker.n.Load())

	jobs := pendingFullSyncs(t, f)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, models.ActionFullSync, j.Action)
	}

	// a second burst folds into the pending jobs
	res, err = f.manager.HandleNotification(f.ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
	assert.Len(t, pendingFullSyncs(t, f), 2)
}

func TestHandleNotificationRejectsClientStateMismatch(t *testing.T) {
	f := newFixture(t, nil)
	a := f.mapped(t, 1, "Garden")
	f.subscribe(t, a, "sub-a", time.Now().Add(time.Hour))

	res, err := f.manager.HandleNotification(f.ctx, &NotificationBatch{Value: []Notification{
		note("sub-a", a.ListID(), "forged"),
		note("sub-a", a.ListID(), ""),
	}})
	assert.ErrorIs(t, err, ErrClientStateMismatch)
	assert.Equal(t, 2, res.Rejected)
	assert.Empty(t, pendingFullSyncs(t, f))
	assert.Zero(t, f.waker.n.Load())
}

func TestHandleNotificationSkipsInvalidAndUnknown(t *testing.T) {
	f := newFixture(t, nil)
	a := f.mapped(t, 1, "Garden")
	f.subscribe(t, a, "sub-a", time.Now().Add(time.Hour))

	res, err := f.manager.HandleNotification(f.ctx, &NotificationBatch{Value: []Notification{
		{ClientState: secret, ChangeType: "updated", Resource: "x"},
		note("sub-gone", a.ListID(), secret),
		note("sub-a", "some-other-list", secret),
		note("sub-a", a.ListID(), secret),
	}})
	require.NoError(t, err)
	assert.Equal(t, NotificationResult{Accepted: 1, Rejected: 2, Unknown: 1, Enqueued: 1, Users: []int64{1}}, res)
}

func TestHandleNotificationSubscriptionRemoved(t *testing.T) {
	f := newFixture(t, nil)
	a := f.mapped(t, 1, "Garden")
	f.subscribe(t, a, "sub-a", time.Now().Add(time.Hour))

	res, err := f.manager.HandleNotification(f.ctx, &NotificationBatch{Value: []Notification{
		{SubscriptionID: "sub-a", ClientState: secret, LifecycleEvent: LifecycleSubscriptionRemoved},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	m, err := f.db.GetMappingByID(f.ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, m.HasSubscription())

	p, err := decodeReason(pendingFullSyncs(t, f)[0])
	require.NoError(t, err)
	assert.Equal(t, LifecycleSubscriptionRemoved, p)
}

func TestValidateBatch(t *testing.T) {
	f := newFixture(t, nil)
	assert.Error(t, f.manager.ValidateBatch(&NotificationBatch{}))
	assert.NoError(t, f.manager.ValidateBatch(&NotificationBatch{Value: []Notification{note("s", "l", secret)}}))
}

func TestEnsureSubscriptionsCreatesMissing(t *testing.T) {
	f := newFixture(t, tokensByUser{2: token.ErrNoConnection})
	a := f.mapped(t, 1, "Garden")
	f.mapped(t, 2, "Home")

	created, err := f.manager.EnsureSubscriptions(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	subs := f.graph.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, remote.ItemsResource(a.ListID()), subs[0].Resource)
	assert.Equal(t, secret, subs[0].ClientState)
	assert.Equal(t, "created,updated,deleted", subs[0].ChangeType)

	m, err := f.db.GetMappingByID(f.ctx, a.ID)
	require.NoError(t, err)
	require.True(t, m.HasSubscription())
	assert.Equal(t, subs[0].ID, *m.SubscriptionID)
	require.NotNil(t, m.SubscriptionExpiresAt)
	assert.WithinDuration(t, time.Now().Add(48*time.Hour), *m.SubscriptionExpiresAt, time.Minute)
}

func TestRenewSubscriptions(t *testing.T) {
	f := newFixture(t, tokensByUser{3: errors.New("refresh failed")})
	soon := f.mapped(t, 1, "Garden")
	gone := f.mapped(t, 1, "Work")
	later := f.mapped(t, 2, "Home")
	broken := f.mapped(t, 3, "Shed")
	_, err := f.manager.EnsureSubscriptions(f.ctx)
	require.NoError(t, err)

	// pull expiries close, except one well outside the threshold
	for _, m := range []*models.ListMapping{soon, gone, broken} {
		got, err := f.db.GetMappingByID(f.ctx, m.ID)
		require.NoError(t, err)
		if got.SubscriptionID == nil {
			continue
		}
		f.subscribe(t, got, *got.SubscriptionID, time.Now().Add(time.Hour))
	}
	// broken never had a token, so give it a stale subscription by hand
	f.subscribe(t, broken, "sub-broken", time.Now().Add(time.Hour))

	goneMapping, err := f.db.GetMappingByID(f.ctx, gone.ID)
	require.NoError(t, err)
	f.graph.DropSubscription(*goneMapping.SubscriptionID)

	res := f.manager.RenewSubscriptions(f.ctx, 12*time.Hour)
	assert.Equal(t, RenewResult{Renewed: 1, Recreated: 1, Failed: 1}, res)

	for _, m := range []*models.ListMapping{soon, gone} {
		got, err := f.db.GetMappingByID(f.ctx, m.ID)
		require.NoError(t, err)
		require.NotNil(t, got.SubscriptionExpiresAt)
		assert.True(t, got.SubscriptionExpiresAt.After(time.Now().Add(24*time.Hour)))
	}
	untouched, err := f.db.GetMappingByID(f.ctx, later.ID)
	require.NoError(t, err)
	assert.True(t, untouched.SubscriptionExpiresAt.After(time.Now().Add(24*time.Hour)))

	recreated, err := f.db.GetMappingByID(f.ctx, gone.ID)
	require.NoError(t, err)
	assert.NotEqual(t, *goneMapping.SubscriptionID, *recreated.SubscriptionID)
}

func decodeReason(job models.SyncJob) (string, error) {
	p, err := syncer.DecodePayload(&job)
	return p.Reason, err
}

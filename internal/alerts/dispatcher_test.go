package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mr-karan/pulse/internal/channels"
	"github.com/mr-karan/pulse/internal/config"
	"github.com/mr-karan/pulse/internal/sqlite"
	"github.com/mr-karan/pulse/pkg/models"
)

// stubRunner returns a canned result or error for every query.
type stubRunner struct {
	result *models.QueryResult
	err    error
	calls  int
}

func (r *stubRunner) Run(context.Context, models.QueryID) (*models.QueryResult, error) {
	r.calls++
	return r.result, r.err
}

// captureCapability records deliveries.
type captureCapability struct {
	channelType        models.ChannelType
	recipientAddressed bool
	fail               bool

	mu    sync.Mutex
	sends []channels.Target
}

func (c *captureCapability) Type() models.ChannelType      { return c.channelType }
func (c *captureCapability) RecipientAddressed() bool      { return c.recipientAddressed }
func (c *captureCapability) Validate(map[string]any) error { return nil }

func (c *captureCapability) Send(_ context.Context, target channels.Target, _ channels.Payload) []channels.DeliveryResult {
	c.mu.Lock()
	c.sends = append(c.sends, target)
	c.mu.Unlock()
	if c.fail {
		return []channels.DeliveryResult{{Target: "t", Detail: "refused"}}
	}
	return []channels.DeliveryResult{{Target: "t", Success: true}}
}

func (c *captureCapability) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

type dispatcherEnv struct {
	db         *sqlite.DB
	registry   *channels.Registry
	runner     *stubRunner
	capability *captureCapability
	dispatcher *Dispatcher
}

func newDispatcherEnv(t *testing.T, runner *stubRunner) *dispatcherEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := sqlite.New(sqlite.Options{
		Logger: log,
		Config: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "pulse.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	capability := &captureCapability{channelType: models.ChannelTypeEmail, recipientAddressed: true}
	registry := channels.NewRegistry()
	registry.Register(capability)

	dispatcher := NewDispatcher(DispatcherOptions{
		Config: config.AlertsConfig{
			Enabled:         true,
			DeliveryTimeout: time.Second,
			MaxConcurrency:  4,
		},
		DB:       db,
		Registry: registry,
		Runner:   runner,
		SiteURL:  "https://pulse.example.com",
		Logger:   log,
	})
	return &dispatcherEnv{db: db, registry: registry, runner: runner, capability: capability, dispatcher: dispatcher}
}

func (e *dispatcherEnv) seedAlert(t *testing.T, firstOnly bool) (*models.Alert, *models.Channel) {
	t.Helper()
	ctx := context.Background()
	user := &models.User{Email: "reader@example.com"}
	require.NoError(t, e.db.CreateUser(ctx, user))

	alert := &models.Alert{QueryID: 7, CreatorID: user.ID, Condition: models.AlertConditionRows, FirstOnly: firstOnly}
	require.NoError(t, e.db.CreateAlert(ctx, alert))

	channel := &models.Channel{
		AlertID:      alert.ID,
		Type:         models.ChannelTypeEmail,
		Enabled:      true,
		ScheduleType: models.ScheduleHourly,
	}
	require.NoError(t, e.db.CreateChannel(ctx, channel))
	_, err := e.db.AddRecipient(ctx, channel.ID, user.ID)
	require.NoError(t, err)
	return alert, channel
}

func TestFireChannelDelivers(t *testing.T) {
	env := newDispatcherEnv(t, &stubRunner{result: &models.QueryResult{Rows: []map[string]any{{"n": 1}}}})
	ctx := context.Background()
	alert, channel := env.seedAlert(t, false)

	firedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, env.dispatcher.FireChannel(ctx, channel, firedAt))
	require.Equal(t, 1, env.capability.sendCount())

	// The slot is consumed: the stamp advanced to the firing instant.
	after, err := env.db.GetChannel(ctx, channel.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastFiredAt)
	require.True(t, after.LastFiredAt.Equal(firedAt))

	// A firing audit event is written by the system actor.
	events, err := env.db.ListAuditEventsByAlert(ctx, alert.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.AuditTopicAlertFire, events[0].Topic)
	require.EqualValues(t, 0, events[0].ActorID)

	// Not first-only, so the alert stays live.
	got, err := env.db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.False(t, got.Archived)
}

func TestFireChannelQuietResultConsumesSlot(t *testing.T) {
	env := newDispatcherEnv(t, &stubRunner{result: &models.QueryResult{}})
	ctx := context.Background()
	alert, channel := env.seedAlert(t, false)

	require.NoError(t, env.dispatcher.FireChannel(ctx, channel, time.Now().UTC()))
	require.Zero(t, env.capability.sendCount())

	after, err := env.db.GetChannel(ctx, channel.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastFiredAt)

	events, err := env.db.ListAuditEventsByAlert(ctx, alert.ID, 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestFireChannelQueryFailureLeavesSlotOpen(t *testing.T) {
	env := newDispatcherEnv(t, &stubRunner{err: errors.New("engine down")})
	ctx := context.Background()
	_, channel := env.seedAlert(t, false)

	require.Error(t, env.dispatcher.FireChannel(ctx, channel, time.Now().UTC()))
	require.Zero(t, env.capability.sendCount())

	// The stamp is untouched, so the scheduler retries on its next tick.
	after, err := env.db.GetChannel(ctx, channel.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastFiredAt)
	require.True(t, after.LastFiredAt.Equal(*channel.LastFiredAt))
}

func TestFireChannelSkipsArchivedAlert(t *testing.T) {
	runner := &stubRunner{result: &models.QueryResult{Rows: []map[string]any{{"n": 1}}}}
	env := newDispatcherEnv(t, runner)
	ctx := context.Background()
	alert, channel := env.seedAlert(t, false)
	require.NoError(t, env.db.SetAlertArchived(ctx, alert.ID, true))

	require.NoError(t, env.dispatcher.FireChannel(ctx, channel, time.Now().UTC()))
	require.Zero(t, runner.calls)
	require.Zero(t, env.capability.sendCount())
}

func TestFirstOnlyArchivesAfterFiring(t *testing.T) {
	env := newDispatcherEnv(t, &stubRunner{result: &models.QueryResult{Rows: []map[string]any{{"n": 1}}}})
	ctx := context.Background()
	alert, channel := env.seedAlert(t, true)

	require.NoError(t, env.dispatcher.FireChannel(ctx, channel, time.Now().UTC()))
	require.Equal(t, 1, env.capability.sendCount())

	got, err := env.db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.True(t, got.Archived)

	// Subsequent firings are no-ops.
	require.NoError(t, env.dispatcher.FireChannel(ctx, channel, time.Now().UTC()))
	require.Equal(t, 1, env.capability.sendCount())
}

func TestFireChannelFailedDeliveryStillConsumesSlot(t *testing.T) {
	env := newDispatcherEnv(t, &stubRunner{result: &models.QueryResult{Rows: []map[string]any{{"n": 1}}}})
	env.capability.fail = true
	ctx := context.Background()
	alert, channel := env.seedAlert(t, false)

	require.NoError(t, env.dispatcher.FireChannel(ctx, channel, time.Now().UTC()))
	require.Equal(t, 1, env.capability.sendCount())

	// Delivery was attempted: at-most-once per slot holds even on failure.
	after, err := env.db.GetChannel(ctx, channel.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastFiredAt)

	events, err := env.db.ListAuditEventsByAlert(ctx, alert.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.EqualValues(t, 0, events[0].Details["succeeded"])
}

func TestNotifySubscriptionRecipientAddressedOnly(t *testing.T) {
	env := newDispatcherEnv(t, &stubRunner{})
	ctx := context.Background()
	alert, channel := env.seedAlert(t, false)

	webhookCap := &captureCapability{channelType: models.ChannelTypeHTTPWebhook}
	env.registry.Register(webhookCap)

	recipients := []models.Recipient{{ChannelID: channel.ID, UserID: 1, Email: "reader@example.com"}}
	require.NoError(t, env.dispatcher.NotifySubscription(ctx, alert, &models.Channel{ID: channel.ID, AlertID: alert.ID, Type: models.ChannelTypeEmail}, channels.PayloadKindSubscribed, recipients))
	require.Equal(t, 1, env.capability.sendCount())

	// Endpoint channels have no subscription notices.
	require.NoError(t, env.dispatcher.NotifySubscription(ctx, alert, &models.Channel{ID: 99, AlertID: alert.ID, Type: models.ChannelTypeHTTPWebhook}, channels.PayloadKindSubscribed, recipients))
	require.Zero(t, webhookCap.sendCount())
}

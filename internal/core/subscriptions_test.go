package core

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mr-karan/pulse/internal/channels"
	"github.com/mr-karan/pulse/internal/config"
	"github.com/mr-karan/pulse/internal/sqlite"
	"github.com/mr-karan/pulse/pkg/models"
)

// fakeCapability records sends instead of hitting a transport.
type fakeCapability struct {
	channelType        models.ChannelType
	recipientAddressed bool
	validateErr        error
}

func (f *fakeCapability) Type() models.ChannelType      { return f.channelType }
func (f *fakeCapability) RecipientAddressed() bool      { return f.recipientAddressed }
func (f *fakeCapability) Validate(map[string]any) error { return f.validateErr }
func (f *fakeCapability) Send(_ context.Context, target channels.Target, _ channels.Payload) []channels.DeliveryResult {
	results := make([]channels.DeliveryResult, 0, len(target.Recipients))
	for _, r := range target.Recipients {
		results = append(results, channels.DeliveryResult{Target: r.Email, Success: true})
	}
	if len(results) == 0 {
		results = append(results, channels.DeliveryResult{Target: "endpoint", Success: true})
	}
	return results
}

type notice struct {
	kind       channels.PayloadKind
	channelID  models.ChannelID
	recipients []models.UserID
}

// recordingNotifier captures subscription notices for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *recordingNotifier) NotifySubscription(_ context.Context, _ *models.Alert, channel *models.Channel, kind channels.PayloadKind, recipients []models.Recipient) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]models.UserID, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.UserID)
	}
	n.notices = append(n.notices, notice{kind: kind, channelID: channel.ID, recipients: ids})
	return nil
}

func (n *recordingNotifier) byKind(kind channels.PayloadKind) []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notice
	for _, e := range n.notices {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = nil
}

type testEnv struct {
	db       *sqlite.DB
	registry *channels.Registry
	notifier *recordingNotifier
	subs     *SubscriptionManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := sqlite.New(sqlite.Options{
		Logger: log,
		Config: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "pulse.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	registry := channels.NewRegistry()
	registry.Register(&fakeCapability{channelType: models.ChannelTypeEmail, recipientAddressed: true})
	registry.Register(&fakeCapability{channelType: models.ChannelTypeHTTPWebhook})
	registry.Register(&fakeCapability{channelType: models.ChannelTypeChatWebhook})

	notifier := &recordingNotifier{}
	return &testEnv{
		db:       db,
		registry: registry,
		notifier: notifier,
		subs:     NewSubscriptionManager(db, registry, notifier, log),
	}
}

func (e *testEnv) createUser(t *testing.T, email string) *models.User {
	t.Helper()
	user := &models.User{Email: email}
	require.NoError(t, e.db.CreateUser(context.Background(), user))
	return user
}

func (e *testEnv) createAlert(t *testing.T, creator models.UserID) *models.Alert {
	t.Helper()
	alert := &models.Alert{QueryID: 1, CreatorID: creator, Condition: models.AlertConditionRows}
	require.NoError(t, e.db.CreateAlert(context.Background(), alert))
	return alert
}

func (e *testEnv) createEmailChannel(t *testing.T, alertID models.AlertID, recipients ...models.UserID) *models.Channel {
	t.Helper()
	ctx := context.Background()
	channel := &models.Channel{
		AlertID:      alertID,
		Type:         models.ChannelTypeEmail,
		Enabled:      true,
		ScheduleType: models.ScheduleHourly,
	}
	require.NoError(t, e.db.CreateChannel(ctx, channel))
	for _, userID := range recipients {
		_, err := e.db.AddRecipient(ctx, channel.ID, userID)
		require.NoError(t, err)
	}
	return channel
}

func TestAddRecipientNotifiesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, "owner@example.com")
	reader := env.createUser(t, "reader@example.com")
	alert := env.createAlert(t, owner.ID)
	channel := env.createEmailChannel(t, alert.ID)

	require.NoError(t, env.subs.AddRecipient(ctx, channel.ID, reader.ID))
	subscribed := env.notifier.byKind(channels.PayloadKindSubscribed)
	require.Len(t, subscribed, 1)
	require.Equal(t, []models.UserID{reader.ID}, subscribed[0].recipients)

	// Duplicate add makes no second announcement.
	require.NoError(t, env.subs.AddRecipient(ctx, channel.ID, reader.ID))
	require.Len(t, env.notifier.byKind(channels.PayloadKindSubscribed), 1)
}

func TestAddRecipientToDisabledChannelIsSilent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, "owner@example.com")
	reader := env.createUser(t, "reader@example.com")
	alert := env.createAlert(t, owner.ID)
	channel := env.createEmailChannel(t, alert.ID)
	require.NoError(t, env.db.SetChannelEnabled(ctx, channel.ID, false))

	require.NoError(t, env.subs.AddRecipient(ctx, channel.ID, reader.ID))
	require.Empty(t, env.notifier.byKind(channels.PayloadKindSubscribed))
}

func TestRemoveLastRecipientAutoArchives(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, "owner@example.com")
	reader := env.createUser(t, "reader@example.com")
	alert := env.createAlert(t, owner.ID)
	channel := env.createEmailChannel(t, alert.ID, reader.ID)

	archived, err := env.subs.RemoveRecipient(ctx, channel.ID, reader.ID)
	require.NoError(t, err)
	require.True(t, archived)

	got, err := env.db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.True(t, got.Archived)

	unsubscribed := env.notifier.byKind(channels.PayloadKindUnsubscribed)
	require.Len(t, unsubscribed, 1)
	require.Equal(t, []models.UserID{reader.ID}, unsubscribed[0].recipients)

	// The archive is audited like an explicit one.
	events, err := env.db.ListAuditEventsByAlert(ctx, alert.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, models.AuditTopicAlertUpdate, events[0].Topic)
	require.Equal(t, true, events[0].Details["auto_archived"])
}

func TestEndpointChannelPreventsAutoArchive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, "owner@example.com")
	reader := env.createUser(t, "reader@example.com")
	alert := env.createAlert(t, owner.ID)
	channel := env.createEmailChannel(t, alert.ID, reader.ID)

	// An enabled webhook keeps the alert alive with zero recipients.
	webhook := &models.Channel{
		AlertID:      alert.ID,
		Type:         models.ChannelTypeHTTPWebhook,
		Enabled:      true,
		ScheduleType: models.ScheduleHourly,
		Details:      map[string]any{"url": "https://hooks.example.com/x"},
	}
	require.NoError(t, env.db.CreateChannel(ctx, webhook))

	archived, err := env.subs.RemoveRecipient(ctx, channel.ID, reader.ID)
	require.NoError(t, err)
	require.False(t, archived)

	got, err := env.db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.False(t, got.Archived)
}

func TestDisabledEndpointChannelDoesNotPreventAutoArchive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, "owner@example.com")
	reader := env.createUser(t, "reader@example.com")
	alert := env.createAlert(t, owner.ID)
	channel := env.createEmailChannel(t, alert.ID, reader.ID)

	webhook := &models.Channel{
		AlertID:      alert.ID,
		Type:         models.ChannelTypeHTTPWebhook,
		Enabled:      false,
		ScheduleType: models.ScheduleHourly,
		Details:      map[string]any{"url": "https://hooks.example.com/x"},
	}
	require.NoError(t, env.db.CreateChannel(ctx, webhook))

	archived, err := env.subs.RemoveRecipient(ctx, channel.ID, reader.ID)
	require.NoError(t, err)
	require.True(t, archived)
}

func TestReenableResendsSubscribedToAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, "owner@example.com")
	a := env.createUser(t, "a@example.com")
	b := env.createUser(t, "b@example.com")
	alert := env.createAlert(t, owner.ID)
	channel := env.createEmailChannel(t, alert.ID, a.ID, b.ID)

	require.NoError(t, env.subs.SetChannelEnabled(ctx, channel.ID, false))
	require.Empty(t, env.notifier.notices)

	require.NoError(t, env.subs.SetChannelEnabled(ctx, channel.ID, true))
	subscribed := env.notifier.byKind(channels.PayloadKindSubscribed)
	require.Len(t, subscribed, 1)
	require.ElementsMatch(t, []models.UserID{a.ID, b.ID}, subscribed[0].recipients)

	// Enabling an already enabled channel is silent.
	env.notifier.reset()
	require.NoError(t, env.subs.SetChannelEnabled(ctx, channel.ID, true))
	require.Empty(t, env.notifier.notices)
}

func TestReplaceChannelsRecipientDelta(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, "owner@example.com")
	stays := env.createUser(t, "stays@example.com")
	leaves := env.createUser(t, "leaves@example.com")
	joins := env.createUser(t, "joins@example.com")
	alert := env.createAlert(t, owner.ID)
	env.createEmailChannel(t, alert.ID, stays.ID, leaves.ID)

	full, err := env.db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)

	err = env.subs.ReplaceChannels(ctx, full, []models.ChannelRequest{{
		Type:         models.ChannelTypeEmail,
		ScheduleType: models.ScheduleHourly,
		RecipientIDs: []models.UserID{stays.ID, joins.ID},
	}})
	require.NoError(t, err)

	subscribed := env.notifier.byKind(channels.PayloadKindSubscribed)
	require.Len(t, subscribed, 1)
	require.Equal(t, []models.UserID{joins.ID}, subscribed[0].recipients)

	unsubscribed := env.notifier.byKind(channels.PayloadKindUnsubscribed)
	require.Len(t, unsubscribed, 1)
	require.Equal(t, []models.UserID{leaves.ID}, unsubscribed[0].recipients)

	after, err := env.db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, after.Channels, 1)
	require.Len(t, after.Channels[0].Recipients, 2)
}

func TestReplaceChannelsDeletesRemoved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, "owner@example.com")
	reader := env.createUser(t, "reader@example.com")
	alert := env.createAlert(t, owner.ID)
	env.createEmailChannel(t, alert.ID, reader.ID)

	full, err := env.db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)

	// Replace the email channel with a webhook; the reader is told.
	err = env.subs.ReplaceChannels(ctx, full, []models.ChannelRequest{{
		Type:         models.ChannelTypeHTTPWebhook,
		ScheduleType: models.ScheduleDaily,
		ScheduleHour: intPtr(9),
		Details:      map[string]any{"url": "https://hooks.example.com/x"},
	}})
	require.NoError(t, err)

	unsubscribed := env.notifier.byKind(channels.PayloadKindUnsubscribed)
	require.Len(t, unsubscribed, 1)
	require.Equal(t, []models.UserID{reader.ID}, unsubscribed[0].recipients)

	after, err := env.db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, after.Channels, 1)
	require.Equal(t, models.ChannelTypeHTTPWebhook, after.Channels[0].Type)
}

func TestReplaceChannelsRejectsBadRequestAtomically(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, "owner@example.com")
	reader := env.createUser(t, "reader@example.com")
	alert := env.createAlert(t, owner.ID)
	env.createEmailChannel(t, alert.ID, reader.ID)

	full, err := env.db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)

	// Weekly without a day is invalid; nothing may change.
	err = env.subs.ReplaceChannels(ctx, full, []models.ChannelRequest{{
		Type:         models.ChannelTypeEmail,
		ScheduleType: models.ScheduleWeekly,
		ScheduleHour: intPtr(9),
		RecipientIDs: []models.UserID{reader.ID},
	}})
	require.ErrorIs(t, err, ErrInvalidAlertConfiguration)
	require.Empty(t, env.notifier.notices)

	after, err := env.db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, after.Channels, 1)
	require.Equal(t, models.ScheduleHourly, after.Channels[0].ScheduleType)
}

func intPtr(i int) *int { return &i }

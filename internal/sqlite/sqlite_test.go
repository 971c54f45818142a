package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mr-karan/pulse/internal/config"
	"github.com/mr-karan/pulse/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "pulse.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createTestUser(t *testing.T, db *DB, email string) *models.User {
	t.Helper()
	user := &models.User{Email: email, DisplayName: "Test User"}
	require.NoError(t, db.CreateUser(context.Background(), user))
	return user
}

func createTestAlert(t *testing.T, db *DB, creator models.UserID, queryID models.QueryID) *models.Alert {
	t.Helper()
	alert := &models.Alert{
		QueryID:   queryID,
		CreatorID: creator,
		Condition: models.AlertConditionRows,
	}
	require.NoError(t, db.CreateAlert(context.Background(), alert))
	return alert
}

func createTestChannel(t *testing.T, db *DB, alertID models.AlertID) *models.Channel {
	t.Helper()
	channel := &models.Channel{
		AlertID:      alertID,
		Type:         models.ChannelTypeEmail,
		Enabled:      true,
		ScheduleType: models.ScheduleHourly,
	}
	require.NoError(t, db.CreateChannel(context.Background(), channel))
	return channel
}

func TestAlertRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "owner@example.com")

	above := true
	alert := &models.Alert{
		QueryID:   42,
		CreatorID: user.ID,
		Condition: models.AlertConditionGoal,
		AboveGoal: &above,
		FirstOnly: true,
	}
	require.NoError(t, db.CreateAlert(ctx, alert))
	require.NotZero(t, alert.ID)

	got, err := db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.Equal(t, models.QueryID(42), got.QueryID)
	require.Equal(t, models.AlertConditionGoal, got.Condition)
	require.NotNil(t, got.AboveGoal)
	require.True(t, *got.AboveGoal)
	require.True(t, got.FirstOnly)
	require.False(t, got.Archived)
	require.Empty(t, got.Channels)

	got.Condition = models.AlertConditionRows
	got.AboveGoal = nil
	require.NoError(t, db.UpdateAlert(ctx, got))

	updated, err := db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.Equal(t, models.AlertConditionRows, updated.Condition)
	require.Nil(t, updated.AboveGoal)

	_, err = db.GetAlert(ctx, 9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListAlertsExcludesArchivedByDefault(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "owner@example.com")

	live := createTestAlert(t, db, user.ID, 1)
	archived := createTestAlert(t, db, user.ID, 2)
	require.NoError(t, db.SetAlertArchived(ctx, archived.ID, true))

	alerts, err := db.ListAlerts(ctx, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, live.ID, alerts[0].ID)

	all, err := db.ListAlerts(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)

	isArchived, err := db.IsAlertArchived(ctx, archived.ID)
	require.NoError(t, err)
	require.True(t, isArchived)
}

func TestArchiveAlertsByQuery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "owner@example.com")

	createTestAlert(t, db, user.ID, 7)
	createTestAlert(t, db, user.ID, 7)
	other := createTestAlert(t, db, user.ID, 8)

	n, err := db.ArchiveAlertsByQuery(ctx, 7)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	remaining, err := db.ListAlertsByQuery(ctx, 7, false)
	require.NoError(t, err)
	require.Empty(t, remaining)

	untouched, err := db.GetAlert(ctx, other.ID)
	require.NoError(t, err)
	require.False(t, untouched.Archived)
}

func TestChannelAndRecipients(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	owner := createTestUser(t, db, "owner@example.com")
	recipient := createTestUser(t, db, "reader@example.com")
	alert := createTestAlert(t, db, owner.ID, 1)

	hour := 9
	channel := &models.Channel{
		AlertID:      alert.ID,
		Type:         models.ChannelTypeEmail,
		Enabled:      true,
		ScheduleType: models.ScheduleDaily,
		ScheduleHour: &hour,
		Details:      map[string]any{"note": "daily digest"},
	}
	require.NoError(t, db.CreateChannel(ctx, channel))

	added, err := db.AddRecipient(ctx, channel.ID, recipient.ID)
	require.NoError(t, err)
	require.True(t, added)

	// Re-adding the same recipient is a no-op.
	added, err = db.AddRecipient(ctx, channel.ID, recipient.ID)
	require.NoError(t, err)
	require.False(t, added)

	got, err := db.GetChannel(ctx, channel.ID)
	require.NoError(t, err)
	require.Len(t, got.Recipients, 1)
	require.Equal(t, "reader@example.com", got.Recipients[0].Email)
	require.NotNil(t, got.ScheduleHour)
	require.Equal(t, 9, *got.ScheduleHour)
	require.Equal(t, "daily digest", got.Details["note"])

	hydrated, err := db.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, hydrated.Channels, 1)
	require.Len(t, hydrated.Channels[0].Recipients, 1)

	require.NoError(t, db.RemoveRecipient(ctx, channel.ID, recipient.ID))
	require.ErrorIs(t, db.RemoveRecipient(ctx, channel.ID, recipient.ID), ErrNotFound)

	// Deleting the channel cascades to recipients.
	_, err = db.AddRecipient(ctx, channel.ID, recipient.ID)
	require.NoError(t, err)
	require.NoError(t, db.DeleteChannel(ctx, channel.ID))
	_, err = db.GetChannel(ctx, channel.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListSchedulableChannels(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	owner := createTestUser(t, db, "owner@example.com")

	liveAlert := createTestAlert(t, db, owner.ID, 1)
	archivedAlert := createTestAlert(t, db, owner.ID, 2)

	liveChannel := createTestChannel(t, db, liveAlert.ID)
	disabledChannel := createTestChannel(t, db, liveAlert.ID)
	require.NoError(t, db.SetChannelEnabled(ctx, disabledChannel.ID, false))
	createTestChannel(t, db, archivedAlert.ID)
	require.NoError(t, db.SetAlertArchived(ctx, archivedAlert.ID, true))

	channels, err := db.ListSchedulableChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.Equal(t, liveChannel.ID, channels[0].ID)

	// Creation stamped last_fired_at, consuming the slot open at that moment.
	require.NotNil(t, channels[0].LastFiredAt)
	require.NotNil(t, liveChannel.LastFiredAt)
	require.True(t, channels[0].LastFiredAt.Equal(*liveChannel.LastFiredAt))

	firedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.MarkChannelFired(ctx, liveChannel.ID, firedAt))

	channels, err = db.ListSchedulableChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.NotNil(t, channels[0].LastFiredAt)
	require.True(t, channels[0].LastFiredAt.Equal(firedAt))
}

func TestAuditEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	owner := createTestUser(t, db, "owner@example.com")
	alert := createTestAlert(t, db, owner.ID, 1)

	for i := 0; i < 3; i++ {
		event := &models.AuditEvent{
			Topic:   models.AuditTopicAlertUpdate,
			ActorID: owner.ID,
			AlertID: alert.ID,
			Details: map[string]any{"iteration": i},
		}
		require.NoError(t, db.InsertAuditEvent(ctx, event))
		require.NotEmpty(t, event.ID)
	}

	events, err := db.ListAuditEventsByAlert(ctx, alert.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, models.AuditTopicAlertUpdate, events[0].Topic)

	events, err = db.ListAuditEventsByAlert(ctx, alert.ID, 50)
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestUserStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	user := &models.User{
		Email:        "admin@example.com",
		DisplayName:  "Admin",
		Role:         models.UserRoleAdmin,
		Capabilities: []models.Capability{models.CapabilityMonitoring},
	}
	require.NoError(t, db.CreateUser(ctx, user))

	byEmail, err := db.GetUserByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	require.Equal(t, user.ID, byEmail.ID)
	require.True(t, byEmail.IsAdmin())
	require.True(t, byEmail.HasCapability(models.CapabilityMonitoring))

	byEmail.Role = models.UserRoleMember
	byEmail.Capabilities = nil
	require.NoError(t, db.UpdateUser(ctx, byEmail))

	updated, err := db.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.False(t, updated.IsAdmin())
	require.False(t, updated.HasCapability(models.CapabilityMonitoring))

	_, err = db.GetUserByEmail(ctx, "missing@example.com")
	require.ErrorIs(t, err, ErrNotFound)
}

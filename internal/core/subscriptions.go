package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mr-karan/pulse/internal/channels"
	"github.com/mr-karan/pulse/internal/sqlite"
	"github.com/mr-karan/pulse/pkg/models"
)

// ErrChannelNotFound indicates a channel could not be located.
var ErrChannelNotFound = errors.New("channel not found")

// SubscriptionNotifier delivers on-demand subscribed/unsubscribed notices.
// Implemented by the notification dispatcher; it bypasses scheduling and
// condition evaluation entirely.
type SubscriptionNotifier interface {
	NotifySubscription(ctx context.Context, alert *models.Alert, channel *models.Channel, kind channels.PayloadKind, recipients []models.Recipient) error
}

// SubscriptionManager owns the recipient and channel lifecycle of alerts.
// All channel mutations go through here so the auto-archive invariant and
// subscription notifications stay consistent.
type SubscriptionManager struct {
	db       *sqlite.DB
	registry *channels.Registry
	notifier SubscriptionNotifier
	log      *slog.Logger
}

func NewSubscriptionManager(db *sqlite.DB, registry *channels.Registry, notifier SubscriptionNotifier, log *slog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		db:       db,
		registry: registry,
		notifier: notifier,
		log:      log.With("component", "subscription_manager"),
	}
}

// AddRecipient subscribes a user to a channel. Adding to an enabled channel
// sends the recipient a "subscribed" notice summarizing the channel.
func (m *SubscriptionManager) AddRecipient(ctx context.Context, channelID models.ChannelID, userID models.UserID) error {
	channel, err := m.db.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return ErrChannelNotFound
		}
		return fmt.Errorf("failed to load channel: %w", err)
	}
	user, err := m.db.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return fmt.Errorf("%w: user %d does not exist", ErrInvalidAlertConfiguration, userID)
		}
		return fmt.Errorf("failed to load user: %w", err)
	}

	added, err := m.db.AddRecipient(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !added {
		// Already subscribed; nothing to announce.
		return nil
	}
	if channel.Enabled {
		m.notify(ctx, channel.AlertID, channelID, channels.PayloadKindSubscribed, []models.Recipient{{
			ChannelID: channelID,
			UserID:    userID,
			Email:     user.Email,
			Name:      user.DisplayName,
		}})
	}
	return nil
}

// RemoveRecipient unsubscribes a user from a channel, notifies them, and
// runs the auto-archive post-condition check. Reports whether the alert was
// archived as a consequence.
func (m *SubscriptionManager) RemoveRecipient(ctx context.Context, channelID models.ChannelID, userID models.UserID) (bool, error) {
	channel, err := m.db.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return false, ErrChannelNotFound
		}
		return false, fmt.Errorf("failed to load channel: %w", err)
	}
	var removed *models.Recipient
	for i := range channel.Recipients {
		if channel.Recipients[i].UserID == userID {
			removed = &channel.Recipients[i]
			break
		}
	}
	if removed == nil {
		return false, sqlite.ErrNotFound
	}

	if err := m.db.RemoveRecipient(ctx, channelID, userID); err != nil {
		return false, err
	}
	m.notify(ctx, channel.AlertID, channelID, channels.PayloadKindUnsubscribed, []models.Recipient{*removed})

	return m.CheckAutoArchive(ctx, channel.AlertID, userID)
}

// SetChannelEnabled flips a channel's enabled flag. Re-enabling a channel
// re-sends the "subscribed" notice to every current recipient (full reset,
// not a diff).
func (m *SubscriptionManager) SetChannelEnabled(ctx context.Context, channelID models.ChannelID, enabled bool) error {
	channel, err := m.db.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return ErrChannelNotFound
		}
		return fmt.Errorf("failed to load channel: %w", err)
	}
	if channel.Enabled == enabled {
		return nil
	}
	if err := m.db.SetChannelEnabled(ctx, channelID, enabled); err != nil {
		return err
	}
	if enabled && len(channel.Recipients) > 0 {
		m.notify(ctx, channel.AlertID, channelID, channels.PayloadKindSubscribed, channel.Recipients)
	}
	return nil
}

// ReplaceChannels applies a full channel-set replacement to an alert,
// emitting exactly one subscribed/unsubscribed notice per affected
// recipient. All requests are validated before any state changes.
func (m *SubscriptionManager) ReplaceChannels(ctx context.Context, alert *models.Alert, reqs []models.ChannelRequest) error {
	for i := range reqs {
		if err := ValidateChannelRequest(m.registry, &reqs[i]); err != nil {
			return fmt.Errorf("%w: channel %d: %s", ErrInvalidAlertConfiguration, i, err)
		}
	}
	// Resolve recipient users up front so a bad reference rejects the call
	// before any channel row is written.
	users := make(map[models.UserID]*models.User)
	for _, req := range reqs {
		for _, userID := range req.RecipientIDs {
			if _, ok := users[userID]; ok {
				continue
			}
			user, err := m.db.GetUser(ctx, userID)
			if err != nil {
				if errors.Is(err, sqlite.ErrNotFound) {
					return fmt.Errorf("%w: recipient user %d does not exist", ErrInvalidAlertConfiguration, userID)
				}
				return fmt.Errorf("failed to load recipient user: %w", err)
			}
			users[userID] = user
		}
	}

	existingByType := make(map[models.ChannelType][]*models.Channel)
	for _, channel := range alert.Channels {
		existingByType[channel.Type] = append(existingByType[channel.Type], channel)
	}
	newByType := make(map[models.ChannelType][]models.ChannelRequest)
	for _, req := range reqs {
		newByType[req.Type] = append(newByType[req.Type], req)
	}

	types := make(map[models.ChannelType]struct{})
	for t := range existingByType {
		types[t] = struct{}{}
	}
	for t := range newByType {
		types[t] = struct{}{}
	}

	for t := range types {
		existing := existingByType[t]
		incoming := newByType[t]
		n := len(existing)
		if len(incoming) > n {
			n = len(incoming)
		}
		for i := 0; i < n; i++ {
			switch {
			case i < len(existing) && i < len(incoming):
				if err := m.updateChannel(ctx, alert, existing[i], incoming[i], users); err != nil {
					return err
				}
			case i < len(existing):
				if err := m.deleteChannel(ctx, alert, existing[i]); err != nil {
					return err
				}
			default:
				if err := m.createChannel(ctx, alert, incoming[i], users); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (m *SubscriptionManager) createChannel(ctx context.Context, alert *models.Alert, req models.ChannelRequest, users map[models.UserID]*models.User) error {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	channel := &models.Channel{
		AlertID:      alert.ID,
		Type:         req.Type,
		Enabled:      enabled,
		ScheduleType: req.ScheduleType,
		ScheduleHour: req.ScheduleHour,
		ScheduleDay:  req.ScheduleDay,
		Details:      req.Details,
	}
	if err := m.db.CreateChannel(ctx, channel); err != nil {
		return err
	}
	recipients := make([]models.Recipient, 0, len(req.RecipientIDs))
	for _, userID := range req.RecipientIDs {
		if _, err := m.db.AddRecipient(ctx, channel.ID, userID); err != nil {
			return err
		}
		user := users[userID]
		recipients = append(recipients, models.Recipient{
			ChannelID: channel.ID,
			UserID:    userID,
			Email:     user.Email,
			Name:      user.DisplayName,
		})
	}
	if enabled && len(recipients) > 0 {
		m.notify(ctx, alert.ID, channel.ID, channels.PayloadKindSubscribed, recipients)
	}
	return nil
}

func (m *SubscriptionManager) updateChannel(ctx context.Context, alert *models.Alert, existing *models.Channel, req models.ChannelRequest, users map[models.UserID]*models.User) error {
	wasEnabled := existing.Enabled
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	updated := *existing
	updated.Enabled = enabled
	updated.ScheduleType = req.ScheduleType
	updated.ScheduleHour = req.ScheduleHour
	updated.ScheduleDay = req.ScheduleDay
	updated.Details = req.Details
	if err := m.db.UpdateChannel(ctx, &updated); err != nil {
		return err
	}

	oldIDs := make(map[models.UserID]models.Recipient, len(existing.Recipients))
	for _, recipient := range existing.Recipients {
		oldIDs[recipient.UserID] = recipient
	}
	newIDs := make(map[models.UserID]struct{}, len(req.RecipientIDs))
	var added, kept []models.Recipient
	for _, userID := range req.RecipientIDs {
		newIDs[userID] = struct{}{}
		if recipient, ok := oldIDs[userID]; ok {
			kept = append(kept, recipient)
			continue
		}
		if _, err := m.db.AddRecipient(ctx, existing.ID, userID); err != nil {
			return err
		}
		user := users[userID]
		added = append(added, models.Recipient{
			ChannelID: existing.ID,
			UserID:    userID,
			Email:     user.Email,
			Name:      user.DisplayName,
		})
	}
	var removed []models.Recipient
	for userID, recipient := range oldIDs {
		if _, ok := newIDs[userID]; ok {
			continue
		}
		if err := m.db.RemoveRecipient(ctx, existing.ID, userID); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
			return err
		}
		removed = append(removed, recipient)
	}

	switch {
	case !wasEnabled && enabled:
		// Full reset on re-enable: everyone currently on the channel hears
		// about it again, not just the delta.
		current := append(append([]models.Recipient{}, kept...), added...)
		if len(current) > 0 {
			m.notify(ctx, alert.ID, existing.ID, channels.PayloadKindSubscribed, current)
		}
	case enabled:
		if len(added) > 0 {
			m.notify(ctx, alert.ID, existing.ID, channels.PayloadKindSubscribed, added)
		}
	}
	if len(removed) > 0 {
		m.notify(ctx, alert.ID, existing.ID, channels.PayloadKindUnsubscribed, removed)
	}
	return nil
}

func (m *SubscriptionManager) deleteChannel(ctx context.Context, alert *models.Alert, existing *models.Channel) error {
	if err := m.db.DeleteChannel(ctx, existing.ID); err != nil {
		return err
	}
	if existing.Enabled && len(existing.Recipients) > 0 {
		m.notify(ctx, alert.ID, existing.ID, channels.PayloadKindUnsubscribed, existing.Recipients)
	}
	return nil
}

// CheckAutoArchive archives the alert when it has no enabled channel left
// that can deliver anywhere: no enabled recipient-addressed channel with at
// least one recipient, and no enabled endpoint-addressed channel. Invoked
// after every recipient removal.
func (m *SubscriptionManager) CheckAutoArchive(ctx context.Context, alertID models.AlertID, actorID models.UserID) (bool, error) {
	alert, err := m.db.GetAlert(ctx, alertID)
	if err != nil {
		return false, err
	}
	if alert.Archived {
		return false, nil
	}
	for _, channel := range alert.Channels {
		if !channel.Enabled {
			continue
		}
		if !m.registry.RecipientAddressed(channel.Type) {
			// An endpoint-addressed channel keeps the alert live even with
			// zero recipients.
			return false, nil
		}
		if len(channel.Recipients) > 0 {
			return false, nil
		}
	}

	if err := m.db.SetAlertArchived(ctx, alertID, true); err != nil {
		return false, err
	}
	alert.Archived = true
	m.log.Info("alert auto-archived after last recipient removed", "alert_id", alertID)
	EmitAudit(ctx, m.db, m.log, models.AuditTopicAlertUpdate, actorID, alert, map[string]any{"auto_archived": true})
	return true, nil
}

// notify fans a subscribed/unsubscribed notice out through the dispatcher.
// Delivery failures are logged, never escalated to the mutating call.
func (m *SubscriptionManager) notify(ctx context.Context, alertID models.AlertID, channelID models.ChannelID, kind channels.PayloadKind, recipients []models.Recipient) {
	if m.notifier == nil {
		return
	}
	alert, err := m.db.GetAlert(ctx, alertID)
	if err != nil {
		m.log.Error("failed to load alert for subscription notice", "alert_id", alertID, "error", err)
		return
	}
	var channel *models.Channel
	for _, c := range alert.Channels {
		if c.ID == channelID {
			channel = c
			break
		}
	}
	if channel == nil {
		// Channel was deleted as part of the mutation; synthesize enough for
		// the notice.
		channel = &models.Channel{ID: channelID, AlertID: alertID, Type: models.ChannelTypeEmail}
	}
	if err := m.notifier.NotifySubscription(ctx, alert, channel, kind, recipients); err != nil {
		m.log.Warn("subscription notice delivery failed", "alert_id", alertID, "channel_id", channelID, "kind", kind, "error", err)
	}
}

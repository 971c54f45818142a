package core

import (
	"context"
	"log/slog"

	"github.com/mr-karan/pulse/internal/sqlite"
	"github.com/mr-karan/pulse/pkg/models"
)

// SystemActorID identifies audit events emitted by the engine itself
// (scheduled firings, auto-archive) rather than a user action.
const SystemActorID models.UserID = 0

// BuildAuditDetails summarizes an alert's channel configuration for audit
// events: channel types, schedule types, recipient counts, archived flag.
func BuildAuditDetails(alert *models.Alert) map[string]any {
	channelTypes := make([]string, 0, len(alert.Channels))
	scheduleTypes := make([]string, 0, len(alert.Channels))
	recipientCounts := make([]int, 0, len(alert.Channels))
	for _, channel := range alert.Channels {
		channelTypes = append(channelTypes, string(channel.Type))
		scheduleTypes = append(scheduleTypes, string(channel.ScheduleType))
		recipientCounts = append(recipientCounts, len(channel.Recipients))
	}
	return map[string]any{
		"channel_types":    channelTypes,
		"schedule_types":   scheduleTypes,
		"recipient_counts": recipientCounts,
		"archived":         alert.Archived,
	}
}

// EmitAudit persists an audit event. Audit failures are logged, never
// escalated; the triggering operation has already succeeded.
func EmitAudit(ctx context.Context, db *sqlite.DB, log *slog.Logger, topic models.AuditTopic, actorID models.UserID, alert *models.Alert, extra map[string]any) {
	details := BuildAuditDetails(alert)
	for k, v := range extra {
		details[k] = v
	}
	event := &models.AuditEvent{
		Topic:   topic,
		ActorID: actorID,
		AlertID: alert.ID,
		Details: details,
	}
	if err := db.InsertAuditEvent(ctx, event); err != nil {
		log.Error("failed to persist audit event", "topic", topic, "alert_id", alert.ID, "error", err)
	}
}

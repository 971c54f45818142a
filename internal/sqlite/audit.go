package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mr-karan/pulse/pkg/models"
)

const (
	insertAuditEventQuery = `INSERT INTO audit_events (id, topic, actor_id, alert_id, details)
VALUES (?, ?, ?, ?, ?)
RETURNING created_at`

	selectAuditEventsQuery = `SELECT
    id,
    topic,
    actor_id,
    alert_id,
    details,
    created_at
FROM audit_events
WHERE alert_id = ?
ORDER BY created_at DESC
LIMIT ?`
)

// InsertAuditEvent persists an audit record, assigning a UUID if absent.
func (db *DB) InsertAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("audit event is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	detailsJSON := "{}"
	if event.Details != nil {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		detailsJSON = string(raw)
	}

	row := db.writeDB.QueryRowContext(ctx, insertAuditEventQuery,
		event.ID,
		string(event.Topic),
		int64(event.ActorID),
		int64(event.AlertID),
		detailsJSON,
	)
	if err := row.Scan(&event.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListAuditEventsByAlert returns the most recent audit entries for an alert.
func (db *DB) ListAuditEventsByAlert(ctx context.Context, alertID models.AlertID, limit int) ([]*models.AuditEvent, error) {
	if limit <= 0 {
		limit = models.DefaultAuditListLimit
	}
	rows, err := db.readDB.QueryContext(ctx, selectAuditEventsQuery, int64(alertID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var (
			id          string
			topic       string
			actorID     int64
			alID        int64
			detailsJSON string
			createdAt   time.Time
		)
		if err := rows.Scan(&id, &topic, &actorID, &alID, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		var details map[string]any
		if detailsJSON != "" {
			if err := json.Unmarshal([]byte(detailsJSON), &details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		events = append(events, &models.AuditEvent{
			ID:        id,
			Topic:     models.AuditTopic(topic),
			ActorID:   models.UserID(actorID),
			AlertID:   models.AlertID(alID),
			Details:   details,
			CreatedAt: createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}

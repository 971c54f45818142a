package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-karan/pulse/pkg/models"
)

const (
	insertChannelQuery = `INSERT INTO channels (
    alert_id,
    channel_type,
    enabled,
    schedule_type,
    schedule_hour,
    schedule_day,
    details,
    last_fired_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id, last_fired_at, created_at, updated_at`

	selectChannelBase = `SELECT
    id,
    alert_id,
    channel_type,
    enabled,
    schedule_type,
    schedule_hour,
    schedule_day,
    details,
    last_fired_at,
    created_at,
    updated_at
FROM channels`

	updateChannelQuery = `UPDATE channels
SET channel_type = ?,
    enabled = ?,
    schedule_type = ?,
    schedule_hour = ?,
    schedule_day = ?,
    details = ?,
    updated_at = datetime('now')
WHERE id = ?`

	setChannelEnabledQuery = `UPDATE channels
SET enabled = ?,
    updated_at = datetime('now')
WHERE id = ?`

	deleteChannelQuery = `DELETE FROM channels WHERE id = ?`

	markChannelFiredQuery = `UPDATE channels
SET last_fired_at = ?,
    updated_at = datetime('now')
WHERE id = ?`

	// Candidate channels for the scheduler: enabled, on live alerts. Slot
	// resolution happens in Go, so only coarse filtering is done here.
	listSchedulableChannelsQuery = selectChannelBase + `
WHERE enabled = 1
  AND alert_id IN (SELECT id FROM alerts WHERE archived = 0)`

	insertRecipientQuery = `INSERT INTO recipients (channel_id, user_id) VALUES (?, ?)
ON CONFLICT (channel_id, user_id) DO NOTHING`

	deleteRecipientQuery = `DELETE FROM recipients WHERE channel_id = ? AND user_id = ?`

	listRecipientsQuery = `SELECT
    r.channel_id,
    r.user_id,
    u.email,
    u.display_name,
    r.added_at
FROM recipients r
JOIN users u ON u.id = r.user_id
WHERE r.channel_id = ?
ORDER BY r.added_at`
)

// CreateChannel inserts a channel definition for an alert. The creation
// instant is stamped as last_fired_at: the slot open at creation counts as
// consumed, so the channel first fires at its next scheduled slot rather
// than on whatever tick follows creation.
func (db *DB) CreateChannel(ctx context.Context, channel *models.Channel) error {
	if channel == nil {
		return fmt.Errorf("channel payload is required")
	}
	detailsJSON, err := marshalDetails(channel.Details)
	if err != nil {
		return err
	}

	row := db.writeDB.QueryRowContext(ctx, insertChannelQuery,
		int64(channel.AlertID),
		string(channel.Type),
		boolToInt(channel.Enabled),
		string(channel.ScheduleType),
		nullableInt(channel.ScheduleHour),
		nullableStringPtr(channel.ScheduleDay),
		detailsJSON,
		time.Now().UTC(),
	)

	var (
		id        int64
		lastFired time.Time
	)
	if err := row.Scan(&id, &lastFired, &channel.CreatedAt, &channel.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert channel: %w", err)
	}
	channel.ID = models.ChannelID(id)
	channel.LastFiredAt = &lastFired
	return nil
}

// UpdateChannel persists changes to an existing channel definition.
func (db *DB) UpdateChannel(ctx context.Context, channel *models.Channel) error {
	if channel == nil {
		return fmt.Errorf("channel payload is required")
	}
	detailsJSON, err := marshalDetails(channel.Details)
	if err != nil {
		return err
	}
	res, err := db.writeDB.ExecContext(ctx, updateChannelQuery,
		string(channel.Type),
		boolToInt(channel.Enabled),
		string(channel.ScheduleType),
		nullableInt(channel.ScheduleHour),
		nullableStringPtr(channel.ScheduleDay),
		detailsJSON,
		int64(channel.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetChannel retrieves a single channel with its recipients.
func (db *DB) GetChannel(ctx context.Context, channelID models.ChannelID) (*models.Channel, error) {
	row := db.readDB.QueryRowContext(ctx, selectChannelBase+" WHERE id = ?", int64(channelID))
	channel, err := scanChannel(row)
	if err != nil {
		return nil, err
	}
	recipients, err := db.ListRecipients(ctx, channel.ID)
	if err != nil {
		return nil, err
	}
	channel.Recipients = recipients
	return channel, nil
}

// SetChannelEnabled flips the enabled flag on a channel.
func (db *DB) SetChannelEnabled(ctx context.Context, channelID models.ChannelID, enabled bool) error {
	res, err := db.writeDB.ExecContext(ctx, setChannelEnabledQuery, boolToInt(enabled), int64(channelID))
	if err != nil {
		return fmt.Errorf("failed to set channel enabled: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChannel removes a channel and, via cascade, its recipients.
func (db *DB) DeleteChannel(ctx context.Context, channelID models.ChannelID) error {
	res, err := db.writeDB.ExecContext(ctx, deleteChannelQuery, int64(channelID))
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChannelsForAlert fetches all channels of an alert with recipients hydrated.
func (db *DB) ListChannelsForAlert(ctx context.Context, alertID models.AlertID) ([]*models.Channel, error) {
	rows, err := db.readDB.QueryContext(ctx, selectChannelBase+" WHERE alert_id = ? ORDER BY id", int64(alertID))
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []*models.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channels: %w", err)
	}
	for _, channel := range channels {
		recipients, err := db.ListRecipients(ctx, channel.ID)
		if err != nil {
			return nil, err
		}
		channel.Recipients = recipients
	}
	return channels, nil
}

// ListSchedulableChannels returns enabled channels on non-archived alerts.
func (db *DB) ListSchedulableChannels(ctx context.Context) ([]*models.Channel, error) {
	rows, err := db.readDB.QueryContext(ctx, listSchedulableChannelsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedulable channels: %w", err)
	}
	defer rows.Close()

	var channels []*models.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedulable channels: %w", err)
	}
	return channels, nil
}

// MarkChannelFired records the successful firing time used for slot dedup.
func (db *DB) MarkChannelFired(ctx context.Context, channelID models.ChannelID, at time.Time) error {
	if _, err := db.writeDB.ExecContext(ctx, markChannelFiredQuery, at.UTC(), int64(channelID)); err != nil {
		return fmt.Errorf("failed to mark channel fired: %w", err)
	}
	return nil
}

// AddRecipient subscribes a user to a channel. Adding an existing recipient
// is a no-op and reports false.
func (db *DB) AddRecipient(ctx context.Context, channelID models.ChannelID, userID models.UserID) (bool, error) {
	res, err := db.writeDB.ExecContext(ctx, insertRecipientQuery, int64(channelID), int64(userID))
	if err != nil {
		return false, fmt.Errorf("failed to add recipient: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// RemoveRecipient unsubscribes a user from a channel.
func (db *DB) RemoveRecipient(ctx context.Context, channelID models.ChannelID, userID models.UserID) error {
	res, err := db.writeDB.ExecContext(ctx, deleteRecipientQuery, int64(channelID), int64(userID))
	if err != nil {
		return fmt.Errorf("failed to remove recipient: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecipients fetches the recipients of a channel with emails resolved.
func (db *DB) ListRecipients(ctx context.Context, channelID models.ChannelID) ([]models.Recipient, error) {
	rows, err := db.readDB.QueryContext(ctx, listRecipientsQuery, int64(channelID))
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		var (
			chID    int64
			userID  int64
			email   string
			name    sql.NullString
			addedAt time.Time
		)
		if err := rows.Scan(&chID, &userID, &email, &name, &addedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		recipients = append(recipients, models.Recipient{
			ChannelID: models.ChannelID(chID),
			UserID:    models.UserID(userID),
			Email:     email,
			Name:      name.String,
			AddedAt:   addedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recipients: %w", err)
	}
	return recipients, nil
}

func scanChannel(scanner interface{ Scan(dest ...any) error }) (*models.Channel, error) {
	var (
		id           int64
		alertID      int64
		channelType  string
		enabled      int64
		scheduleType string
		scheduleHour sql.NullInt64
		scheduleDay  sql.NullString
		detailsJSON  string
		lastFiredAt  sql.NullTime
		createdAt    time.Time
		updatedAt    time.Time
	)
	if err := scanner.Scan(&id, &alertID, &channelType, &enabled, &scheduleType, &scheduleHour, &scheduleDay, &detailsJSON, &lastFiredAt, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan channel: %w", err)
	}

	var details map[string]any
	if detailsJSON != "" {
		if err := json.Unmarshal([]byte(detailsJSON), &details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel details: %w", err)
		}
	}

	channel := &models.Channel{
		ID:           models.ChannelID(id),
		AlertID:      models.AlertID(alertID),
		Type:         models.ChannelType(channelType),
		Enabled:      enabled == 1,
		ScheduleType: models.ScheduleType(scheduleType),
		Details:      details,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
	if scheduleHour.Valid {
		v := int(scheduleHour.Int64)
		channel.ScheduleHour = &v
	}
	if scheduleDay.Valid {
		v := scheduleDay.String
		channel.ScheduleDay = &v
	}
	if lastFiredAt.Valid {
		t := lastFiredAt.Time
		channel.LastFiredAt = &t
	}
	return channel, nil
}

func marshalDetails(details map[string]any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("failed to marshal channel details: %w", err)
	}
	return string(raw), nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

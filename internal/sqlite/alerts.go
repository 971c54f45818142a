package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mr-karan/pulse/pkg/models"
)

const (
	insertAlertQuery = `INSERT INTO alerts (
    query_id,
    creator_id,
    condition,
    above_goal,
    first_only,
    skip_if_empty,
    archived
) VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id, created_at, updated_at`

	selectAlertBase = `SELECT
    id,
    query_id,
    creator_id,
    condition,
    above_goal,
    first_only,
    skip_if_empty,
    archived,
    created_at,
    updated_at
FROM alerts`

	updateAlertQuery = `UPDATE alerts
SET condition = ?,
    above_goal = ?,
    first_only = ?,
    skip_if_empty = ?,
    archived = ?,
    updated_at = datetime('now')
WHERE id = ?`

	setAlertArchivedQuery = `UPDATE alerts
SET archived = ?,
    updated_at = datetime('now')
WHERE id = ?`

	archiveAlertsByQueryQuery = `UPDATE alerts
SET archived = 1,
    updated_at = datetime('now')
WHERE query_id = ? AND archived = 0`

	getAlertArchivedQuery = `SELECT archived FROM alerts WHERE id = ?`
)

// CreateAlert inserts a new alert row. Channels are persisted separately.
func (db *DB) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert payload is required")
	}

	row := db.writeDB.QueryRowContext(ctx, insertAlertQuery,
		int64(alert.QueryID),
		int64(alert.CreatorID),
		string(alert.Condition),
		nullableBool(alert.AboveGoal),
		boolToInt(alert.FirstOnly),
		boolToInt(alert.SkipIfEmpty),
		boolToInt(alert.Archived),
	)

	var id int64
	if err := row.Scan(&id, &alert.CreatedAt, &alert.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	alert.ID = models.AlertID(id)
	return nil
}

// UpdateAlert persists changes to an existing alert row.
func (db *DB) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert payload is required")
	}
	res, err := db.writeDB.ExecContext(ctx, updateAlertQuery,
		string(alert.Condition),
		nullableBool(alert.AboveGoal),
		boolToInt(alert.FirstOnly),
		boolToInt(alert.SkipIfEmpty),
		boolToInt(alert.Archived),
		int64(alert.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlert retrieves an alert with its channels and recipients hydrated.
// The hydrated set is read in one pass so callers get a consistent snapshot.
func (db *DB) GetAlert(ctx context.Context, alertID models.AlertID) (*models.Alert, error) {
	row := db.readDB.QueryRowContext(ctx, selectAlertBase+" WHERE id = ?", int64(alertID))
	alert, err := scanAlert(row)
	if err != nil {
		return nil, err
	}
	channels, err := db.ListChannelsForAlert(ctx, alert.ID)
	if err != nil {
		return nil, err
	}
	alert.Channels = channels
	return alert, nil
}

// ListAlerts returns all alerts, hydrated. Archived alerts are excluded
// unless includeArchived is set.
func (db *DB) ListAlerts(ctx context.Context, includeArchived bool) ([]*models.Alert, error) {
	query := selectAlertBase
	if !includeArchived {
		query += " WHERE archived = 0"
	}
	query += " ORDER BY created_at DESC"
	return db.listAlerts(ctx, query)
}

// ListAlertsByQuery returns alerts attached to a saved query.
func (db *DB) ListAlertsByQuery(ctx context.Context, queryID models.QueryID, includeArchived bool) ([]*models.Alert, error) {
	query := selectAlertBase + " WHERE query_id = ?"
	if !includeArchived {
		query += " AND archived = 0"
	}
	query += " ORDER BY created_at DESC"
	return db.listAlerts(ctx, query, int64(queryID))
}

func (db *DB) listAlerts(ctx context.Context, query string, args ...any) ([]*models.Alert, error) {
	rows, err := db.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	for _, alert := range alerts {
		channels, err := db.ListChannelsForAlert(ctx, alert.ID)
		if err != nil {
			return nil, err
		}
		alert.Channels = channels
	}
	return alerts, nil
}

// SetAlertArchived flips the archived flag on an alert.
func (db *DB) SetAlertArchived(ctx context.Context, alertID models.AlertID, archived bool) error {
	res, err := db.writeDB.ExecContext(ctx, setAlertArchivedQuery, boolToInt(archived), int64(alertID))
	if err != nil {
		return fmt.Errorf("failed to set alert archived: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// IsAlertArchived reads the current archived flag. Used by the dispatcher to
// re-check state immediately before a channel send.
func (db *DB) IsAlertArchived(ctx context.Context, alertID models.AlertID) (bool, error) {
	var archived int64
	if err := db.readDB.QueryRowContext(ctx, getAlertArchivedQuery, int64(alertID)).Scan(&archived); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to read alert archived flag: %w", err)
	}
	return archived == 1, nil
}

// ArchiveAlertsByQuery archives every alert attached to a saved query.
// Deleting a saved query is handled by its own store; alerts react by archiving.
func (db *DB) ArchiveAlertsByQuery(ctx context.Context, queryID models.QueryID) (int64, error) {
	res, err := db.writeDB.ExecContext(ctx, archiveAlertsByQueryQuery, int64(queryID))
	if err != nil {
		return 0, fmt.Errorf("failed to archive alerts for query: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func scanAlert(scanner interface{ Scan(dest ...any) error }) (*models.Alert, error) {
	var (
		id          int64
		queryID     int64
		creatorID   int64
		condition   string
		aboveGoal   sql.NullInt64
		firstOnly   int64
		skipIfEmpty int64
		archived    int64
		createdAt   time.Time
		updatedAt   time.Time
	)
	if err := scanner.Scan(&id, &queryID, &creatorID, &condition, &aboveGoal, &firstOnly, &skipIfEmpty, &archived, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	alert := &models.Alert{
		ID:          models.AlertID(id),
		QueryID:     models.QueryID(queryID),
		CreatorID:   models.UserID(creatorID),
		Condition:   models.AlertCondition(condition),
		FirstOnly:   firstOnly == 1,
		SkipIfEmpty: skipIfEmpty == 1,
		Archived:    archived == 1,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
	if aboveGoal.Valid {
		v := aboveGoal.Int64 == 1
		alert.AboveGoal = &v
	}
	return alert, nil
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

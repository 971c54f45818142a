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
	insertUserQuery = `INSERT INTO users (email, display_name, role, capabilities)
VALUES (?, ?, ?, ?)
RETURNING id, created_at, updated_at`

	selectUserBase = `SELECT
    id,
    email,
    display_name,
    role,
    capabilities,
    created_at,
    updated_at
FROM users`

	updateUserQuery = `UPDATE users
SET email = ?,
    display_name = ?,
    role = ?,
    capabilities = ?,
    updated_at = datetime('now')
WHERE id = ?`
)

// CreateUser inserts a new user record, defaulting the role to member.
func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return fmt.Errorf("user payload is required")
	}
	if user.Role == "" {
		user.Role = models.UserRoleMember
	}
	capsJSON, err := marshalCapabilities(user.Capabilities)
	if err != nil {
		return err
	}

	row := db.writeDB.QueryRowContext(ctx, insertUserQuery,
		user.Email,
		nullableString(user.DisplayName),
		string(user.Role),
		capsJSON,
	)
	var id int64
	if err := row.Scan(&id, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	user.ID = models.UserID(id)
	return nil
}

// GetUser retrieves a single user by ID.
func (db *DB) GetUser(ctx context.Context, userID models.UserID) (*models.User, error) {
	row := db.readDB.QueryRowContext(ctx, selectUserBase+" WHERE id = ?", int64(userID))
	return scanUser(row)
}

// GetUserByEmail retrieves a single user by email address.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := db.readDB.QueryRowContext(ctx, selectUserBase+" WHERE email = ?", email)
	return scanUser(row)
}

// UpdateUser persists changes to an existing user record.
func (db *DB) UpdateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return fmt.Errorf("user payload is required")
	}
	capsJSON, err := marshalCapabilities(user.Capabilities)
	if err != nil {
		return err
	}
	res, err := db.writeDB.ExecContext(ctx, updateUserQuery,
		user.Email,
		nullableString(user.DisplayName),
		string(user.Role),
		capsJSON,
		int64(user.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(scanner interface{ Scan(dest ...any) error }) (*models.User, error) {
	var (
		id          int64
		email       string
		displayName sql.NullString
		role        string
		capsJSON    string
		createdAt   time.Time
		updatedAt   time.Time
	)
	if err := scanner.Scan(&id, &email, &displayName, &role, &capsJSON, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	var capabilities []models.Capability
	if capsJSON != "" {
		if err := json.Unmarshal([]byte(capsJSON), &capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user capabilities: %w", err)
		}
	}

	return &models.User{
		ID:           models.UserID(id),
		Email:        email,
		DisplayName:  displayName.String,
		Role:         models.UserRole(role),
		Capabilities: capabilities,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

func marshalCapabilities(caps []models.Capability) (string, error) {
	if caps == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user capabilities: %w", err)
	}
	return string(raw), nil
}

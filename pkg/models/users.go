package models

import "time"

type UserID int64

// UserRole is the coarse role assigned to a user account.
type UserRole string

const (
	UserRoleAdmin  UserRole = "admin"
	UserRoleMember UserRole = "member"
)

// Capability names a fine-grained grant a non-admin user may hold.
type Capability string

const (
	// CapabilityMonitoring allows managing channels and recipients on alerts.
	CapabilityMonitoring Capability = "monitoring"
	// CapabilitySubscription allows subscribing others and editing subscriptions.
	CapabilitySubscription Capability = "subscription"
)

// User represents an account that can own, read, or receive alerts.
type User struct {
	ID           UserID       `json:"id"`
	Email        string       `json:"email"`
	DisplayName  string       `json:"display_name,omitempty"`
	Role         UserRole     `json:"role"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// IsAdmin reports whether the user holds the administrator role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == UserRoleAdmin
}

// HasCapability reports whether the user holds the named capability.
func (u *User) HasCapability(c Capability) bool {
	if u == nil {
		return false
	}
	for _, held := range u.Capabilities {
		if held == c {
			return true
		}
	}
	return false
}

package core

import (
	"context"
	"testing"

	"github.com/mr-karan/pulse/pkg/models"
)

type staticACL struct {
	allowed map[models.UserID]bool
}

func (a staticACL) CanReadQuery(_ context.Context, userID models.UserID, _ models.QueryID) (bool, error) {
	return a.allowed[userID], nil
}

func alertWithRecipient(creatorID, recipientID models.UserID) *models.Alert {
	return &models.Alert{
		ID:        1,
		QueryID:   7,
		CreatorID: creatorID,
		Channels: []*models.Channel{
			{
				ID:         10,
				Type:       models.ChannelTypeEmail,
				Enabled:    true,
				Recipients: []models.Recipient{{ChannelID: 10, UserID: recipientID}},
			},
		},
	}
}

func TestCanRead(t *testing.T) {
	alert := alertWithRecipient(1, 2)
	acl := staticACL{allowed: map[models.UserID]bool{4: true}}

	tests := []struct {
		name     string
		actor    *models.User
		expected bool
	}{
		{"admin sees everything", &models.User{ID: 99, Role: models.UserRoleAdmin}, true},
		{"creator sees own alert", &models.User{ID: 1, Role: models.UserRoleMember}, true},
		{"recipient sees alert", &models.User{ID: 2, Role: models.UserRoleMember}, true},
		{"collection grant sees alert", &models.User{ID: 4, Role: models.UserRoleMember}, true},
		{"stranger does not", &models.User{ID: 5, Role: models.UserRoleMember}, false},
		{"nil actor does not", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanRead(context.Background(), tt.actor, alert, acl)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestCanReadNilACL(t *testing.T) {
	alert := alertWithRecipient(1, 2)
	got, err := CanRead(context.Background(), &models.User{ID: 5}, alert, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Error("expected no access without ACL")
	}
}

func TestCanWriteChannels(t *testing.T) {
	tests := []struct {
		name     string
		actor    *models.User
		expected bool
	}{
		{"admin", &models.User{Role: models.UserRoleAdmin}, true},
		{"monitoring capability", &models.User{Role: models.UserRoleMember, Capabilities: []models.Capability{models.CapabilityMonitoring}}, true},
		{"subscription capability", &models.User{Role: models.UserRoleMember, Capabilities: []models.Capability{models.CapabilitySubscription}}, true},
		{"plain member", &models.User{Role: models.UserRoleMember}, false},
		{"nil actor", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanWriteChannels(tt.actor); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestCreatorCannotWriteChannelsWithoutCapability(t *testing.T) {
	// Owning the alert does not grant channel rights.
	creator := &models.User{ID: 1, Role: models.UserRoleMember}
	if CanWriteChannels(creator) {
		t.Error("creator without capability should not modify channels")
	}
	alert := alertWithRecipient(1, 2)
	if !CanUpdateAlert(creator, alert) {
		t.Error("creator should still be able to update condition and schedule")
	}
}

func TestFilterVisible(t *testing.T) {
	alerts := []*models.Alert{
		alertWithRecipient(1, 2),
		alertWithRecipient(3, 3),
	}
	visible, err := FilterVisible(context.Background(), &models.User{ID: 2, Role: models.UserRoleMember}, alerts, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(visible) != 1 || visible[0].CreatorID != 1 {
		t.Errorf("expected only the subscribed alert, got %d", len(visible))
	}
}

func TestChannelPermissionMessage(t *testing.T) {
	want := "Non-admin users without monitoring or subscription permissions are not allowed to modify the channels for an alert"
	if ChannelPermissionMessage != want {
		t.Errorf("denial message drifted: %q", ChannelPermissionMessage)
	}
}

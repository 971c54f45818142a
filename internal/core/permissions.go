package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/mr-karan/pulse/pkg/models"
)

// ChannelPermissionMessage is the fixed denial message surfaced when a
// non-privileged actor attempts to modify an alert's channels.
const ChannelPermissionMessage = "Non-admin users without monitoring or subscription permissions are not allowed to modify the channels for an alert"

var (
	// ErrForbidden is returned on any read/write permission denial.
	ErrForbidden = errors.New("forbidden")
	// ErrChannelsForbidden carries the fixed channel-modification message.
	ErrChannelsForbidden = fmt.Errorf("%w: %s", ErrForbidden, ChannelPermissionMessage)
)

// CollectionACL is the external permission collaborator that knows about
// collection-level read grants on saved queries.
type CollectionACL interface {
	CanReadQuery(ctx context.Context, userID models.UserID, queryID models.QueryID) (bool, error)
}

// CanRead reports whether the actor may see the alert: administrators, the
// creator, any recipient on the alert, or holders of a collection read grant.
func CanRead(ctx context.Context, actor *models.User, alert *models.Alert, acl CollectionACL) (bool, error) {
	if actor == nil || alert == nil {
		return false, nil
	}
	if actor.IsAdmin() || actor.ID == alert.CreatorID || IsRecipient(alert, actor.ID) {
		return true, nil
	}
	if acl == nil {
		return false, nil
	}
	granted, err := acl.CanReadQuery(ctx, actor.ID, alert.QueryID)
	if err != nil {
		return false, fmt.Errorf("collection permission check failed: %w", err)
	}
	return granted, nil
}

// CanWriteChannels reports whether the actor may add/remove channels or
// recipients. Creators do not get this implicitly; they need the monitoring
// or subscription capability like everyone else.
func CanWriteChannels(actor *models.User) bool {
	if actor == nil {
		return false
	}
	return actor.IsAdmin() ||
		actor.HasCapability(models.CapabilityMonitoring) ||
		actor.HasCapability(models.CapabilitySubscription)
}

// CanUpdateAlert reports whether the actor may change the alert's condition
// and schedule fields (channels are gated separately by CanWriteChannels).
func CanUpdateAlert(actor *models.User, alert *models.Alert) bool {
	if actor == nil || alert == nil {
		return false
	}
	return actor.IsAdmin() || actor.ID == alert.CreatorID || CanWriteChannels(actor)
}

// IsRecipient reports whether the user is subscribed to any channel on the alert.
func IsRecipient(alert *models.Alert, userID models.UserID) bool {
	if alert == nil {
		return false
	}
	for _, channel := range alert.Channels {
		for _, recipient := range channel.Recipients {
			if recipient.UserID == userID {
				return true
			}
		}
	}
	return false
}

// FilterVisible applies CanRead across a list of alerts.
func FilterVisible(ctx context.Context, actor *models.User, alerts []*models.Alert, acl CollectionACL) ([]*models.Alert, error) {
	visible := make([]*models.Alert, 0, len(alerts))
	for _, alert := range alerts {
		ok, err := CanRead(ctx, actor, alert, acl)
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, alert)
		}
	}
	return visible, nil
}

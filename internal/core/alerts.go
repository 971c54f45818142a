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

var (
	// ErrAlertNotFound indicates the alert does not exist.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrInvalidAlertConfiguration rejects a malformed create/update request
	// before any state is written.
	ErrInvalidAlertConfiguration = errors.New("invalid alert configuration")
)

// AlertService implements alert CRUD with permission checks, validation, and
// audit emission. Channel-set changes are delegated to the subscription
// manager so notification semantics live in one place.
type AlertService struct {
	db            *sqlite.DB
	registry      *channels.Registry
	subscriptions *SubscriptionManager
	acl           CollectionACL
	log           *slog.Logger
}

func NewAlertService(db *sqlite.DB, registry *channels.Registry, subscriptions *SubscriptionManager, acl CollectionACL, log *slog.Logger) *AlertService {
	return &AlertService{
		db:            db,
		registry:      registry,
		subscriptions: subscriptions,
		acl:           acl,
		log:           log.With("component", "alert_service"),
	}
}

// ValidateChannelRequest checks one channel request for structural validity:
// schedule field consistency and type-specific details.
func ValidateChannelRequest(registry *channels.Registry, req *models.ChannelRequest) error {
	switch req.ScheduleType {
	case models.ScheduleHourly:
		if req.ScheduleHour != nil || req.ScheduleDay != nil {
			return fmt.Errorf("hourly schedule takes no hour or day")
		}
	case models.ScheduleDaily:
		if req.ScheduleHour == nil {
			return fmt.Errorf("daily schedule requires an hour")
		}
		if req.ScheduleDay != nil {
			return fmt.Errorf("daily schedule takes no day")
		}
	case models.ScheduleWeekly:
		if req.ScheduleHour == nil || req.ScheduleDay == nil {
			return fmt.Errorf("weekly schedule requires both hour and day")
		}
	default:
		return fmt.Errorf("unknown schedule type %q", req.ScheduleType)
	}
	if req.ScheduleHour != nil && (*req.ScheduleHour < 0 || *req.ScheduleHour > 23) {
		return fmt.Errorf("schedule hour %d out of range 0-23", *req.ScheduleHour)
	}
	if req.ScheduleDay != nil && !validWeekday(*req.ScheduleDay) {
		return fmt.Errorf("unknown schedule day %q", *req.ScheduleDay)
	}
	if err := registry.Validate(req.Type, req.Details); err != nil {
		return err
	}
	if !registry.RecipientAddressed(req.Type) && len(req.RecipientIDs) > 0 {
		return fmt.Errorf("%s channels do not take recipients", req.Type)
	}
	return nil
}

func validWeekday(day string) bool {
	switch day {
	case "sun", "mon", "tue", "wed", "thu", "fri", "sat":
		return true
	}
	return false
}

func (s *AlertService) validateCreate(req *models.CreateAlertRequest) error {
	switch req.Condition {
	case models.AlertConditionRows:
		if req.AboveGoal != nil {
			return fmt.Errorf("%w: above_goal only applies to goal alerts", ErrInvalidAlertConfiguration)
		}
	case models.AlertConditionGoal:
		if req.AboveGoal == nil {
			return fmt.Errorf("%w: goal alerts require above_goal", ErrInvalidAlertConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown condition %q", ErrInvalidAlertConfiguration, req.Condition)
	}
	if req.QueryID <= 0 {
		return fmt.Errorf("%w: query_id is required", ErrInvalidAlertConfiguration)
	}
	if len(req.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrInvalidAlertConfiguration)
	}
	for i := range req.Channels {
		if err := ValidateChannelRequest(s.registry, &req.Channels[i]); err != nil {
			return fmt.Errorf("%w: channel %d: %s", ErrInvalidAlertConfiguration, i, err)
		}
	}
	return nil
}

// CreateAlert validates and persists a new alert with its channels; the
// actor becomes the alert's creator. Any user may create an alert: channel
// rights gate later channel-set changes, not the initial setup.
func (s *AlertService) CreateAlert(ctx context.Context, actor *models.User, req *models.CreateAlertRequest) (*models.Alert, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	alert := &models.Alert{
		QueryID:     req.QueryID,
		CreatorID:   actor.ID,
		Condition:   req.Condition,
		AboveGoal:   req.AboveGoal,
		FirstOnly:   req.FirstOnly,
		SkipIfEmpty: req.SkipIfEmpty,
	}
	if err := s.db.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	if err := s.subscriptions.ReplaceChannels(ctx, alert, req.Channels); err != nil {
		return nil, err
	}

	created, err := s.db.GetAlert(ctx, alert.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info("alert created", "alert_id", created.ID, "query_id", created.QueryID, "creator_id", actor.ID)
	EmitAudit(ctx, s.db, s.log, models.AuditTopicAlertCreate, actor.ID, created, nil)
	return created, nil
}

// GetAlertForUser fetches an alert the actor is allowed to see.
func (s *AlertService) GetAlertForUser(ctx context.Context, actor *models.User, alertID models.AlertID) (*models.Alert, error) {
	alert, err := s.db.GetAlert(ctx, alertID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	ok, err := CanRead(ctx, actor, alert, s.acl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	return alert, nil
}

// ListAlerts returns alerts visible to the actor, optionally narrowed to
// alerts created by one user. Archived alerts are excluded unless asked for.
func (s *AlertService) ListAlerts(ctx context.Context, actor *models.User, includeArchived bool, creatorID *models.UserID) ([]*models.Alert, error) {
	alerts, err := s.db.ListAlerts(ctx, includeArchived)
	if err != nil {
		return nil, err
	}
	if creatorID != nil {
		filtered := alerts[:0]
		for _, alert := range alerts {
			if alert.CreatorID == *creatorID {
				filtered = append(filtered, alert)
			}
		}
		alerts = filtered
	}
	return FilterVisible(ctx, actor, alerts, s.acl)
}

// ListAlertsByQuery returns the visible alerts on a saved query.
func (s *AlertService) ListAlertsByQuery(ctx context.Context, actor *models.User, queryID models.QueryID, includeArchived bool) ([]*models.Alert, error) {
	alerts, err := s.db.ListAlertsByQuery(ctx, queryID, includeArchived)
	if err != nil {
		return nil, err
	}
	return FilterVisible(ctx, actor, alerts, s.acl)
}

// UpdateAlert applies a partial update. Condition/schedule edits need
// CanUpdateAlert; touching the channel set additionally needs channel
// rights, and a denial there leaves the alert entirely unmodified.
func (s *AlertService) UpdateAlert(ctx context.Context, actor *models.User, alertID models.AlertID, req *models.UpdateAlertRequest) (*models.Alert, error) {
	alert, err := s.db.GetAlert(ctx, alertID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	if !CanUpdateAlert(actor, alert) {
		return nil, ErrForbidden
	}
	if req.ChangesChannels() && !CanWriteChannels(actor) {
		return nil, ErrChannelsForbidden
	}

	if req.Condition != nil {
		alert.Condition = *req.Condition
	}
	if req.AboveGoal != nil {
		alert.AboveGoal = req.AboveGoal
	}
	if alert.Condition == models.AlertConditionRows {
		alert.AboveGoal = nil
	} else if alert.AboveGoal == nil {
		return nil, fmt.Errorf("%w: goal alerts require above_goal", ErrInvalidAlertConfiguration)
	}
	if req.FirstOnly != nil {
		alert.FirstOnly = *req.FirstOnly
	}
	if req.SkipIfEmpty != nil {
		alert.SkipIfEmpty = *req.SkipIfEmpty
	}
	wasArchived := alert.Archived
	if req.Archived != nil {
		alert.Archived = *req.Archived
	}

	// Validate the incoming channel set before any write so a bad request
	// cannot leave the alert half-updated.
	if req.ChangesChannels() {
		if len(*req.Channels) == 0 {
			return nil, fmt.Errorf("%w: at least one channel is required", ErrInvalidAlertConfiguration)
		}
		for i := range *req.Channels {
			if err := ValidateChannelRequest(s.registry, &(*req.Channels)[i]); err != nil {
				return nil, fmt.Errorf("%w: channel %d: %s", ErrInvalidAlertConfiguration, i, err)
			}
		}
	}

	if err := s.db.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}
	if req.ChangesChannels() {
		if err := s.subscriptions.ReplaceChannels(ctx, alert, *req.Channels); err != nil {
			return nil, err
		}
	}

	updated, err := s.db.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	extra := map[string]any{}
	if wasArchived && !updated.Archived {
		extra["unarchived"] = true
	}
	EmitAudit(ctx, s.db, s.log, models.AuditTopicAlertUpdate, actor.ID, updated, extra)
	return updated, nil
}

// Unsubscribe removes the actor from every channel of the alert they are
// subscribed to. They receive a single unsubscribed notice; the auto-archive
// check runs afterwards.
func (s *AlertService) Unsubscribe(ctx context.Context, actor *models.User, alertID models.AlertID) error {
	alert, err := s.db.GetAlert(ctx, alertID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return ErrAlertNotFound
		}
		return err
	}
	if !IsRecipient(alert, actor.ID) {
		return ErrForbidden
	}

	var notice *models.Channel
	for _, channel := range alert.Channels {
		for _, recipient := range channel.Recipients {
			if recipient.UserID != actor.ID {
				continue
			}
			if err := s.db.RemoveRecipient(ctx, channel.ID, actor.ID); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
				return err
			}
			if notice == nil {
				notice = channel
			}
			break
		}
	}
	if notice != nil && s.subscriptions.notifier != nil {
		recipient := models.Recipient{ChannelID: notice.ID, UserID: actor.ID, Email: actor.Email, Name: actor.DisplayName}
		if err := s.subscriptions.notifier.NotifySubscription(ctx, alert, notice, channels.PayloadKindUnsubscribed, []models.Recipient{recipient}); err != nil {
			s.log.Warn("unsubscribe notice delivery failed", "alert_id", alertID, "user_id", actor.ID, "error", err)
		}
	}

	EmitAudit(ctx, s.db, s.log, models.AuditTopicAlertUnsubscribe, actor.ID, alert, map[string]any{"user_id": actor.ID})
	if _, err := s.subscriptions.CheckAutoArchive(ctx, alertID, actor.ID); err != nil {
		return err
	}
	return nil
}

// ArchiveAlertsForQuery archives every alert attached to a saved query.
// Called when the upstream query is deleted; equivalent to an explicit
// archive of each dependent alert. Admin only.
func (s *AlertService) ArchiveAlertsForQuery(ctx context.Context, actor *models.User, queryID models.QueryID) (int64, error) {
	if !actor.IsAdmin() {
		return 0, ErrForbidden
	}
	affected, err := s.db.ListAlertsByQuery(ctx, queryID, false)
	if err != nil {
		return 0, err
	}
	archived, err := s.db.ArchiveAlertsByQuery(ctx, queryID)
	if err != nil {
		return 0, err
	}
	for _, alert := range affected {
		alert.Archived = true
		EmitAudit(ctx, s.db, s.log, models.AuditTopicAlertUpdate, actor.ID, alert, map[string]any{"query_removed": true})
	}
	if archived > 0 {
		s.log.Info("archived alerts for removed query", "query_id", queryID, "count", archived)
	}
	return archived, nil
}

// ListAuditForAlert returns the newest audit events for an alert the actor
// can see.
func (s *AlertService) ListAuditForAlert(ctx context.Context, actor *models.User, alertID models.AlertID, limit int) ([]*models.AuditEvent, error) {
	if _, err := s.GetAlertForUser(ctx, actor, alertID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = models.DefaultAuditListLimit
	}
	return s.db.ListAuditEventsByAlert(ctx, alertID, limit)
}

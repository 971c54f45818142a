package models

import "time"

type (
	AlertID   int64
	ChannelID int64
	QueryID   int64
)

// AlertCondition represents the firing rule evaluated against a query result.
type AlertCondition string

const (
	// AlertConditionRows fires whenever the saved query returns any rows.
	AlertConditionRows AlertCondition = "rows"
	// AlertConditionGoal fires when the result metric crosses the goal line.
	AlertConditionGoal AlertCondition = "goal"
)

// ChannelType enumerates supported outbound delivery channels.
type ChannelType string

const (
	ChannelTypeEmail       ChannelType = "email"
	ChannelTypeChatWebhook ChannelType = "chat-webhook"
	ChannelTypeHTTPWebhook ChannelType = "http-webhook"
)

// ScheduleType controls how often a channel is due for delivery.
type ScheduleType string

const (
	ScheduleHourly ScheduleType = "hourly"
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
)

// Alert binds a saved query to a firing condition and one or more channels.
type Alert struct {
	ID          AlertID        `json:"id"`
	QueryID     QueryID        `json:"query_id"`
	CreatorID   UserID         `json:"creator_id"`
	Condition   AlertCondition `json:"condition"`
	AboveGoal   *bool          `json:"above_goal,omitempty"`
	FirstOnly   bool           `json:"first_only"`
	SkipIfEmpty bool           `json:"skip_if_empty"`
	Archived    bool           `json:"archived"`
	Channels    []*Channel     `json:"channels"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Channel is a configured delivery mechanism attached to an alert.
type Channel struct {
	ID           ChannelID      `json:"id"`
	AlertID      AlertID        `json:"alert_id"`
	Type         ChannelType    `json:"type"`
	Enabled      bool           `json:"enabled"`
	ScheduleType ScheduleType   `json:"schedule_type"`
	ScheduleHour *int           `json:"schedule_hour,omitempty"`
	ScheduleDay  *string        `json:"schedule_day,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Recipients   []Recipient    `json:"recipients"`
	LastFiredAt  *time.Time     `json:"last_fired_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Recipient connects a user to a recipient-addressed channel.
type Recipient struct {
	ChannelID ChannelID `json:"channel_id"`
	UserID    UserID    `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	AddedAt   time.Time `json:"added_at"`
}

// ChannelRequest is the channel payload accepted on alert create/update.
type ChannelRequest struct {
	Type         ChannelType    `json:"type"`
	Enabled      *bool          `json:"enabled"`
	ScheduleType ScheduleType   `json:"schedule_type"`
	ScheduleHour *int           `json:"schedule_hour"`
	ScheduleDay  *string        `json:"schedule_day"`
	Details      map[string]any `json:"details"`
	RecipientIDs []UserID       `json:"recipient_ids"`
}

// CreateAlertRequest defines the payload required to create a new alert.
type CreateAlertRequest struct {
	QueryID     QueryID          `json:"query_id"`
	Condition   AlertCondition   `json:"condition"`
	AboveGoal   *bool            `json:"above_goal"`
	FirstOnly   bool             `json:"first_only"`
	SkipIfEmpty bool             `json:"skip_if_empty"`
	Channels    []ChannelRequest `json:"channels"`
}

// UpdateAlertRequest defines the full-replace payload for an existing alert.
// A nil Channels field leaves the channel set untouched.
type UpdateAlertRequest struct {
	Condition   *AlertCondition   `json:"condition"`
	AboveGoal   *bool             `json:"above_goal"`
	FirstOnly   *bool             `json:"first_only"`
	SkipIfEmpty *bool             `json:"skip_if_empty"`
	Archived    *bool             `json:"archived"`
	Channels    *[]ChannelRequest `json:"channels"`
}

// ChangesChannels reports whether the update touches the channel set.
func (r *UpdateAlertRequest) ChangesChannels() bool {
	return r.Channels != nil
}

// AuditTopic labels the kind of audit event emitted by the engine.
type AuditTopic string

const (
	AuditTopicAlertCreate      AuditTopic = "alert-create"
	AuditTopicAlertUpdate      AuditTopic = "alert-update"
	AuditTopicAlertUnsubscribe AuditTopic = "alert-unsubscribe"
	AuditTopicAlertFire        AuditTopic = "alert-fire"
)

// AuditEvent is a persisted record of a mutation or firing.
type AuditEvent struct {
	ID        string         `json:"id"`
	Topic     AuditTopic     `json:"topic"`
	ActorID   UserID         `json:"actor_id"`
	AlertID   AlertID        `json:"alert_id"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// DefaultAuditListLimit controls how many audit entries are returned when unspecified.
const DefaultAuditListLimit = 50

// Package channels defines the delivery capability abstraction and the
// registry that resolves a channel type tag to its implementation. New
// channel types register here without touching the dispatcher.
package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mr-karan/pulse/pkg/models"
)

// PayloadKind distinguishes scheduled firings from subscription notices.
type PayloadKind string

const (
	PayloadKindAlert        PayloadKind = "alert"
	PayloadKindSubscribed   PayloadKind = "subscribed"
	PayloadKindUnsubscribed PayloadKind = "unsubscribed"
)

// Payload is the channel-agnostic rendering of a notification: a subject
// line, a human summary, and a link back to the saved query.
type Payload struct {
	Kind      PayloadKind           `json:"kind"`
	Subject   string                `json:"subject"`
	Summary   string                `json:"summary"`
	Link      string                `json:"link,omitempty"`
	AlertID   models.AlertID        `json:"alert_id"`
	QueryID   models.QueryID        `json:"query_id"`
	Condition models.AlertCondition `json:"condition"`
	Metric    *float64              `json:"metric,omitempty"`
	Goal      *float64              `json:"goal,omitempty"`
	RowCount  int                   `json:"row_count"`
	FiredAt   time.Time             `json:"fired_at"`
}

// Target identifies where a payload is delivered. Recipient-addressed
// capabilities use Recipients; endpoint-addressed ones read Details.
type Target struct {
	Recipients []models.Recipient
	Details    map[string]any
}

// DeliveryResult records the outcome of one delivery attempt.
type DeliveryResult struct {
	Target  string `json:"target"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// Capability implements validation and delivery for one channel type.
type Capability interface {
	Type() models.ChannelType
	// RecipientAddressed reports whether delivery targets subscribed users
	// rather than a single external endpoint.
	RecipientAddressed() bool
	Validate(details map[string]any) error
	Send(ctx context.Context, target Target, payload Payload) []DeliveryResult
}

// Registry maps channel type tags to capability implementations.
type Registry struct {
	mu   sync.RWMutex
	caps map[models.ChannelType]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[models.ChannelType]Capability)}
}

// Register installs a capability, replacing any previous one for the type.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[c.Type()] = c
}

// Get resolves the capability for a channel type.
func (r *Registry) Get(t models.ChannelType) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[t]
	return c, ok
}

// Validate checks channel details against the registered capability.
func (r *Registry) Validate(t models.ChannelType, details map[string]any) error {
	c, ok := r.Get(t)
	if !ok {
		return fmt.Errorf("unknown channel type %q", t)
	}
	return c.Validate(details)
}

// RecipientAddressed reports addressing mode for a type; unknown types are
// treated as endpoint-addressed.
func (r *Registry) RecipientAddressed(t models.ChannelType) bool {
	c, ok := r.Get(t)
	return ok && c.RecipientAddressed()
}

func failure(target string, err error) DeliveryResult {
	return DeliveryResult{Target: target, Detail: err.Error()}
}

func success(target string) DeliveryResult {
	return DeliveryResult{Target: target, Success: true}
}

package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sync/semaphore"

	"github.com/mr-karan/pulse/internal/channels"
	"github.com/mr-karan/pulse/internal/config"
	"github.com/mr-karan/pulse/internal/core"
	"github.com/mr-karan/pulse/internal/sqlite"
	"github.com/mr-karan/pulse/pkg/models"
)

var (
	alertFires            = metrics.NewCounter(`pulse_alert_fires_total`)
	deliveriesSucceeded   = metrics.NewCounter(`pulse_deliveries_total{status="success"}`)
	deliveriesFailed      = metrics.NewCounter(`pulse_deliveries_total{status="failure"}`)
	subscriptionNotices   = metrics.NewCounter(`pulse_subscription_notices_total`)
	queryRunFailures      = metrics.NewCounter(`pulse_query_run_failures_total`)
	archivedMidDispatches = metrics.NewCounter(`pulse_dispatch_aborted_archived_total`)
)

// QueryRunner executes a saved query and returns its result. The query
// engine lives outside this service; this is the seam it plugs into.
type QueryRunner interface {
	Run(ctx context.Context, queryID models.QueryID) (*models.QueryResult, error)
}

// Dispatcher turns a due channel into deliveries: it re-reads the alert,
// runs the saved query, evaluates the firing condition, and fans the
// rendered payload out to the channel's targets under a global concurrency
// cap.
type Dispatcher struct {
	cfg      config.AlertsConfig
	db       *sqlite.DB
	registry *channels.Registry
	runner   QueryRunner
	siteURL  string
	log      *slog.Logger

	sem *semaphore.Weighted
}

// DispatcherOptions encapsulates the dependencies required to build a dispatcher.
type DispatcherOptions struct {
	Config   config.AlertsConfig
	DB       *sqlite.DB
	Registry *channels.Registry
	Runner   QueryRunner
	SiteURL  string
	Logger   *slog.Logger
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	maxConcurrency := opts.Config.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	return &Dispatcher{
		cfg:      opts.Config,
		db:       opts.DB,
		registry: opts.Registry,
		runner:   opts.Runner,
		siteURL:  opts.SiteURL,
		log:      opts.Logger.With("component", "dispatcher"),
		sem:      semaphore.NewWeighted(maxConcurrency),
	}
}

// FireChannel evaluates and delivers one due channel. A query failure
// returns an error without consuming the delivery slot, so the scheduler
// retries on its next tick; once delivery is attempted the slot is consumed
// regardless of individual send outcomes.
func (d *Dispatcher) FireChannel(ctx context.Context, channel *models.Channel, now time.Time) error {
	// Work from a fresh snapshot: the channel may have been edited or the
	// alert archived since the scheduler scanned.
	alert, err := d.db.GetAlert(ctx, channel.AlertID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load alert %d: %w", channel.AlertID, err)
	}
	if alert.Archived {
		return nil
	}
	var fresh *models.Channel
	for _, c := range alert.Channels {
		if c.ID == channel.ID {
			fresh = c
			break
		}
	}
	if fresh == nil || !fresh.Enabled {
		return nil
	}

	result, err := d.runner.Run(ctx, alert.QueryID)
	if err != nil {
		queryRunFailures.Inc()
		return fmt.Errorf("query %d failed: %w", alert.QueryID, err)
	}

	fire, err := core.ShouldFire(d.log, alert, result)
	if err != nil {
		return fmt.Errorf("alert %d unevaluable: %w", alert.ID, err)
	}
	if !fire {
		// Quiet result still consumes the slot; the condition is checked
		// once per slot, not continuously.
		return d.db.MarkChannelFired(ctx, fresh.ID, now)
	}

	capability, ok := d.registry.Get(fresh.Type)
	if !ok {
		// Consume the slot so a channel with no registered capability does
		// not retry every tick.
		d.log.Error("no capability registered for channel type", "channel_id", fresh.ID, "type", fresh.Type)
		return d.db.MarkChannelFired(ctx, fresh.ID, now)
	}

	payload := d.renderAlertPayload(alert, result, now)
	targets := targetsFor(capability, fresh)
	if len(targets) == 0 {
		d.log.Debug("channel has no delivery targets", "channel_id", fresh.ID)
		return d.db.MarkChannelFired(ctx, fresh.ID, now)
	}

	alertFires.Inc()
	results, attempted := d.deliver(ctx, alert.ID, capability, targets, payload)
	if attempted == 0 {
		// Archived while we were queueing sends; nothing went out and the
		// slot stays open in case the alert is unarchived.
		archivedMidDispatches.Inc()
		return nil
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
			deliveriesSucceeded.Inc()
		} else {
			deliveriesFailed.Inc()
			d.log.Warn("delivery failed", "alert_id", alert.ID, "channel_id", fresh.ID, "target", r.Target, "detail", r.Detail)
		}
	}
	d.log.Info("alert fired", "alert_id", alert.ID, "channel_id", fresh.ID, "type", fresh.Type,
		"deliveries", len(results), "succeeded", succeeded)

	if err := d.db.MarkChannelFired(ctx, fresh.ID, now); err != nil {
		d.log.Error("failed to record channel firing", "channel_id", fresh.ID, "error", err)
	}
	core.EmitAudit(ctx, d.db, d.log, models.AuditTopicAlertFire, core.SystemActorID, alert, map[string]any{
		"channel_id":   fresh.ID,
		"channel_type": fresh.Type,
		"fired_at":     now.UTC(),
		"deliveries":   results,
		"succeeded":    succeeded,
	})

	if alert.FirstOnly {
		if err := d.db.SetAlertArchived(ctx, alert.ID, true); err != nil {
			d.log.Error("failed to archive one-shot alert", "alert_id", alert.ID, "error", err)
		} else {
			alert.Archived = true
			d.log.Info("one-shot alert archived after firing", "alert_id", alert.ID)
			core.EmitAudit(ctx, d.db, d.log, models.AuditTopicAlertUpdate, core.SystemActorID, alert, map[string]any{"first_only_archived": true})
		}
	}
	return nil
}

// deliver fans the payload out to targets. Each send runs in its own
// goroutine under the global semaphore with the per-delivery timeout; the
// alert's archived flag is re-read before every send so archival mid-flight
// stops remaining attempts.
func (d *Dispatcher) deliver(ctx context.Context, alertID models.AlertID, capability channels.Capability, targets []channels.Target, payload channels.Payload) ([]channels.DeliveryResult, int) {
	timeout := d.cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []channels.DeliveryResult
	)
	attempted := 0
	for _, target := range targets {
		archived, err := d.db.IsAlertArchived(ctx, alertID)
		if err != nil {
			d.log.Error("failed to re-check alert state before send", "alert_id", alertID, "error", err)
		} else if archived {
			break
		}
		if err := d.sem.Acquire(ctx, 1); err != nil {
			break
		}
		attempted++
		wg.Add(1)
		go func(t channels.Target) {
			defer wg.Done()
			defer d.sem.Release(1)
			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			rs := capability.Send(sendCtx, t, payload)
			mu.Lock()
			results = append(results, rs...)
			mu.Unlock()
		}(target)
	}
	wg.Wait()
	return results, attempted
}

// NotifySubscription delivers an on-demand subscribed/unsubscribed notice,
// bypassing scheduling and condition evaluation.
func (d *Dispatcher) NotifySubscription(ctx context.Context, alert *models.Alert, channel *models.Channel, kind channels.PayloadKind, recipients []models.Recipient) error {
	capability, ok := d.registry.Get(channel.Type)
	if !ok {
		return fmt.Errorf("no capability registered for channel type %q", channel.Type)
	}
	if !capability.RecipientAddressed() {
		// Endpoint channels have no one to greet.
		return nil
	}
	if len(recipients) == 0 {
		return nil
	}

	payload := d.renderSubscriptionPayload(alert, kind)
	timeout := d.cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	subscriptionNotices.Inc()
	results := capability.Send(sendCtx, channels.Target{Recipients: recipients, Details: channel.Details}, payload)
	var failed []string
	for _, r := range results {
		if !r.Success {
			failed = append(failed, fmt.Sprintf("%s: %s", r.Target, r.Detail))
		}
	}
	if len(failed) == len(results) && len(results) > 0 {
		return fmt.Errorf("all %s notices failed: %v", kind, failed)
	}
	return nil
}

func (d *Dispatcher) renderAlertPayload(alert *models.Alert, result *models.QueryResult, now time.Time) channels.Payload {
	title := result.Title
	if title == "" {
		title = fmt.Sprintf("query %d", alert.QueryID)
	}
	var subject, summary string
	switch alert.Condition {
	case models.AlertConditionGoal:
		direction := "went below"
		if alert.AboveGoal != nil && *alert.AboveGoal {
			direction = "reached"
		}
		subject = fmt.Sprintf("Alert: %s %s its goal", title, direction)
		if result.Metric != nil && result.Goal != nil {
			summary = fmt.Sprintf("The value %.4g crossed the goal line %.4g.", *result.Metric, *result.Goal)
		}
	default:
		subject = fmt.Sprintf("Alert: %s has results", title)
		summary = fmt.Sprintf("The query returned %d rows.", len(result.Rows))
	}
	return channels.Payload{
		Kind:      channels.PayloadKindAlert,
		Subject:   subject,
		Summary:   summary,
		Link:      d.queryLink(alert.QueryID),
		AlertID:   alert.ID,
		QueryID:   alert.QueryID,
		Condition: alert.Condition,
		Metric:    result.Metric,
		Goal:      result.Goal,
		RowCount:  len(result.Rows),
		FiredAt:   now.UTC(),
	}
}

func (d *Dispatcher) renderSubscriptionPayload(alert *models.Alert, kind channels.PayloadKind) channels.Payload {
	var subject, summary string
	switch kind {
	case channels.PayloadKindSubscribed:
		subject = fmt.Sprintf("You are now subscribed to an alert on query %d", alert.QueryID)
		summary = fmt.Sprintf("You will be notified when the %s condition is met.", alert.Condition)
	default:
		subject = fmt.Sprintf("You have been unsubscribed from an alert on query %d", alert.QueryID)
		summary = "You will no longer receive notifications for this alert."
	}
	return channels.Payload{
		Kind:      kind,
		Subject:   subject,
		Summary:   summary,
		Link:      d.queryLink(alert.QueryID),
		AlertID:   alert.ID,
		QueryID:   alert.QueryID,
		Condition: alert.Condition,
		FiredAt:   time.Now().UTC(),
	}
}

func (d *Dispatcher) queryLink(queryID models.QueryID) string {
	if d.siteURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/queries/%d", d.siteURL, queryID)
}

// targetsFor splits a channel into independent delivery targets: one per
// recipient for recipient-addressed capabilities, a single endpoint target
// otherwise.
func targetsFor(capability channels.Capability, channel *models.Channel) []channels.Target {
	if !capability.RecipientAddressed() {
		return []channels.Target{{Details: channel.Details}}
	}
	targets := make([]channels.Target, 0, len(channel.Recipients))
	for _, recipient := range channel.Recipients {
		targets = append(targets, channels.Target{
			Recipients: []models.Recipient{recipient},
			Details:    channel.Details,
		})
	}
	return targets
}

package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/mr-karan/pulse/internal/config"
	"github.com/mr-karan/pulse/internal/sqlite"
	"github.com/mr-karan/pulse/pkg/models"
)

var (
	schedulerTicks    = metrics.NewCounter(`pulse_scheduler_ticks_total`)
	schedulerDue      = metrics.NewCounter(`pulse_scheduler_channels_due_total`)
	schedulerFailures = metrics.NewCounter(`pulse_scheduler_dispatch_failures_total`)
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// SlotStart returns the start of the most recent delivery slot for the
// channel at the given instant, or false when no slot has opened yet (a
// weekly channel early in its first week, say).
//
// Slots: hourly channels open a slot at the top of every hour; daily
// channels at the configured hour each day; weekly channels at the
// configured hour on the configured weekday.
func SlotStart(channel *models.Channel, now time.Time) (time.Time, bool) {
	switch channel.ScheduleType {
	case models.ScheduleHourly:
		return now.Truncate(time.Hour), true
	case models.ScheduleDaily:
		if channel.ScheduleHour == nil {
			return time.Time{}, false
		}
		slot := time.Date(now.Year(), now.Month(), now.Day(), *channel.ScheduleHour, 0, 0, 0, now.Location())
		if slot.After(now) {
			slot = slot.AddDate(0, 0, -1)
		}
		return slot, true
	case models.ScheduleWeekly:
		if channel.ScheduleHour == nil || channel.ScheduleDay == nil {
			return time.Time{}, false
		}
		weekday, ok := weekdayNames[*channel.ScheduleDay]
		if !ok {
			return time.Time{}, false
		}
		slot := time.Date(now.Year(), now.Month(), now.Day(), *channel.ScheduleHour, 0, 0, 0, now.Location())
		daysBack := int(now.Weekday() - weekday)
		if daysBack < 0 {
			daysBack += 7
		}
		slot = slot.AddDate(0, 0, -daysBack)
		if slot.After(now) {
			slot = slot.AddDate(0, 0, -7)
		}
		return slot, true
	default:
		return time.Time{}, false
	}
}

// IsDue reports whether the channel should fire now: its current slot is
// open and the channel has not fired within that slot. Creation stamps
// last_fired_at, so a channel added mid-slot sits out the slot that was
// already open and first fires at its next scheduled one. A channel whose
// last attempt failed keeps its old stamp and stays due for the remainder
// of the slot, so failed firings retry on the next tick without
// double-delivering successes.
func IsDue(channel *models.Channel, now time.Time) bool {
	slot, ok := SlotStart(channel, now)
	if !ok {
		return false
	}
	if channel.LastFiredAt == nil {
		return false
	}
	return channel.LastFiredAt.Before(slot)
}

// Scheduler drives the delivery loop: every tick it scans for due channels
// and hands them to the dispatcher.
type Scheduler struct {
	cfg        config.AlertsConfig
	db         *sqlite.DB
	dispatcher *Dispatcher
	log        *slog.Logger
	now        func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// SchedulerOptions encapsulates the dependencies required to run the scheduler.
type SchedulerOptions struct {
	Config     config.AlertsConfig
	DB         *sqlite.DB
	Dispatcher *Dispatcher
	Logger     *slog.Logger
	// Now overrides the clock used by the tick loop. Defaults to time.Now.
	Now func() time.Time
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:        opts.Config,
		db:         opts.DB,
		dispatcher: opts.Dispatcher,
		log:        opts.Logger.With("component", "scheduler"),
		now:        now,
		stop:       make(chan struct{}),
	}
}

// Start launches the tick loop. It is a no-op when alerting is disabled.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("alert delivery disabled; scheduler will not start")
		return
	}
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	s.log.Info("starting scheduler", "interval", interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Run an initial scan so overdue channels fire soon after startup.
		s.tick(ctx)

		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-s.stop:
				s.log.Info("scheduler stopping")
				return
			case <-ctx.Done():
				s.log.Info("scheduler context cancelled")
				return
			}
		}
	}()
}

// Stop signals the scheduler to stop and waits for the loop to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	schedulerTicks.Inc()
	channels, err := s.db.ListSchedulableChannels(ctx)
	if err != nil {
		s.log.Error("failed to list schedulable channels", "error", err)
		return
	}

	now := s.now()
	due := 0
	for _, channel := range channels {
		if !IsDue(channel, now) {
			continue
		}
		due++
		schedulerDue.Inc()
		if err := s.dispatcher.FireChannel(ctx, channel, now); err != nil {
			schedulerFailures.Inc()
			s.log.Error("channel dispatch failed", "channel_id", channel.ID, "alert_id", channel.AlertID, "error", err)
		}
	}
	if due > 0 {
		s.log.Debug("scheduler tick complete", "channels_scanned", len(channels), "channels_due", due)
	}
}

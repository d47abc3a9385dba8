package services

import (
	"context"
	"log/slog"
	"time"

	"forgeos.build/internal/config"
	"forgeos.build/internal/core/domain"
	"forgeos.build/internal/core/logger"
)

// PeriodicTrigger fires scheduled build requests. Each schedule names a
// target, a set of weekdays and a time of day; when the wall clock
// matches, the trigger submits the schedule's pre-declared parameter set
// as a normal request. A minute fires at most once per schedule.
type PeriodicTrigger struct {
	scheduler *Scheduler
	schedules []config.ScheduleSpec
	log       *slog.Logger

	// now is swappable so tests can drive the clock.
	now func() time.Time

	lastFired map[string]time.Time
}

func NewPeriodicTrigger(scheduler *Scheduler, schedules []config.ScheduleSpec) *PeriodicTrigger {
	return &PeriodicTrigger{
		scheduler: scheduler,
		schedules: schedules,
		log:       logger.Component("periodic"),
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
}

// Run polls the clock until the context ends. The poll interval is well
// under a minute so no firing window is skipped.
func (t *PeriodicTrigger) Run(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick submits every schedule due at the current minute.
func (t *PeriodicTrigger) Tick(ctx context.Context) {
	now := t.now()
	minute := now.Truncate(time.Minute)

	for _, s := range t.schedules {
		if !due(s, now) {
			continue
		}
		if last, ok := t.lastFired[s.Name]; ok && !last.Before(minute) {
			continue
		}
		t.lastFired[s.Name] = minute

		req, err := t.scheduler.Submit(ctx, "", s.TargetID, domain.OriginPeriodic, s.Params)
		if err != nil {
			t.log.Error("periodic submit failed", "schedule", s.Name, "target", s.TargetID, "error", err)
			continue
		}
		t.log.Info("periodic request submitted", "schedule", s.Name, "request", req.ID)
	}
}

func due(s config.ScheduleSpec, now time.Time) bool {
	if now.Hour() != s.Hour || now.Minute() != s.Minute {
		return false
	}
	if len(s.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range s.DaysOfWeek {
		if int(now.Weekday()) == d {
			return true
		}
	}
	return false
}

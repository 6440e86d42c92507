package taskscheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentlab/loom/pkg/models"
)

// minRerunGuard is the minimum spacing between two fires of the same task,
// regardless of schedule type (spec §4.7: "prevents double-fires from
// overlapping wakeups").
const minRerunGuard = 5 * time.Minute

// cronParser mirrors the teacher's internal/tasks/scheduler.go cronParser:
// standard 5-field expressions plus an optional leading seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// due reports whether task should fire at now, given lastRun (spec §4.7
// Scheduler Loop rules). It is a pure function so the firing rules can be
// tested without a clock or goroutines, the same shape as
// internal/scheduler's fires helper.
func due(sched models.Schedule, lastRun, now time.Time) (bool, error) {
	if !lastRun.IsZero() && now.Sub(lastRun) < minRerunGuard {
		return false, nil
	}

	switch sched.Type {
	case models.ScheduleCron:
		expr, err := cronParser.Parse(sched.CronExpr)
		if err != nil {
			return false, fmt.Errorf("parse cron expression %q: %w", sched.CronExpr, err)
		}
		if lastRun.IsZero() {
			return true, nil
		}
		next := expr.Next(lastRun)
		return !next.After(now), nil

	case models.ScheduleInterval:
		if sched.IntervalSeconds <= 0 {
			return false, fmt.Errorf("interval schedule missing positive interval_seconds")
		}
		if lastRun.IsZero() {
			// First run fires immediately (spec §9 Open Question, decided:
			// see DESIGN.md).
			return true, nil
		}
		return now.Sub(lastRun) >= time.Duration(sched.IntervalSeconds*float64(time.Second)), nil

	default:
		return false, fmt.Errorf("unknown schedule type %q", sched.Type)
	}
}

// nextRun computes the task's next_run value to report after a fire at now
// (spec §4.7 Result accounting: "next_run recomputed").
func nextRun(sched models.Schedule, now time.Time) (time.Time, error) {
	switch sched.Type {
	case models.ScheduleCron:
		expr, err := cronParser.Parse(sched.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", sched.CronExpr, err)
		}
		return expr.Next(now), nil
	case models.ScheduleInterval:
		if sched.IntervalSeconds <= 0 {
			return time.Time{}, fmt.Errorf("interval schedule missing positive interval_seconds")
		}
		return now.Add(time.Duration(sched.IntervalSeconds * float64(time.Second))), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", sched.Type)
	}
}

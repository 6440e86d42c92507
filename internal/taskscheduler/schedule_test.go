package taskscheduler

import (
	"testing"
	"time"

	"github.com/agentlab/loom/pkg/models"
)

func TestDueIntervalFirstRunFiresImmediately(t *testing.T) {
	sched := models.Schedule{Type: models.ScheduleInterval, IntervalSeconds: 60}
	fire, err := due(sched, time.Time{}, time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if !fire {
		t.Error("expected interval schedule with zero last_run to fire immediately")
	}
}

func TestDueIntervalRespectsSpacing(t *testing.T) {
	sched := models.Schedule{Type: models.ScheduleInterval, IntervalSeconds: 3600}
	now := time.Now()
	lastRun := now.Add(-10 * time.Minute)

	fire, err := due(sched, lastRun, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if fire {
		t.Error("expected interval schedule to not fire before its interval elapses")
	}
}

func TestDueMinRerunGuardBlocksDoubleFire(t *testing.T) {
	sched := models.Schedule{Type: models.ScheduleInterval, IntervalSeconds: 1}
	now := time.Now()
	lastRun := now.Add(-1 * time.Second)

	fire, err := due(sched, lastRun, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if fire {
		t.Error("expected the 5-minute minimum re-run guard to block this fire despite the interval having elapsed")
	}
}

func TestDueCronFiresWhenNextTickHasPassed(t *testing.T) {
	sched := models.Schedule{Type: models.ScheduleCron, CronExpr: "* * * * *"}
	now := time.Now()
	lastRun := now.Add(-10 * time.Minute)

	fire, err := due(sched, lastRun, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if !fire {
		t.Error("expected a minutely cron schedule to be due after 10 minutes")
	}
}

func TestDueCronFirstRunFiresImmediately(t *testing.T) {
	sched := models.Schedule{Type: models.ScheduleCron, CronExpr: "0 0 1 1 *"}
	fire, err := due(sched, time.Time{}, time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if !fire {
		t.Error("expected a cron schedule with zero last_run to fire immediately")
	}
}

func TestDueInvalidCronExpressionErrors(t *testing.T) {
	sched := models.Schedule{Type: models.ScheduleCron, CronExpr: "not a cron expr"}
	if _, err := due(sched, time.Time{}, time.Now()); err == nil {
		t.Error("expected an error for an invalid cron expression")
	}
}

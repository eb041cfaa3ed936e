package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gwicho38/lsh/internal/domain"
)

// cronParser accepts the classic five-field form: minute, hour,
// day-of-month, month, day-of-week. When both day fields are
// restricted a time matching either fires.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateSchedule performs full validation, including parsing cron
// expressions. Rejected schedules never reach the heap.
func ValidateSchedule(s domain.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Kind == domain.ScheduleCron {
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return domain.WrapErr(domain.KindInvalidInput, err, "invalid cron expression %q", s.Cron)
		}
	}
	return nil
}

// parseCron returns the compiled schedule. Callers validate first.
func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidInput, err, "invalid cron expression %q", expr)
	}
	return sched, nil
}

// nextInterval computes the next fire time for an interval schedule.
// The first run anchors on now; later runs anchor on the last run.
func nextInterval(s domain.Schedule, lastRun, now time.Time) time.Time {
	if lastRun.IsZero() {
		return now.Add(s.Interval())
	}
	next := lastRun.Add(s.Interval())
	if next.Before(now) {
		// Missed fires collapse into one run.
		return now
	}
	return next
}

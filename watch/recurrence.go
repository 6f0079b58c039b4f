package watch

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"gforms-notifier/pkg/formwatch"
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseTimeOfDay accepts a 24-hour UTC time as HH:MM or HH:MM:SS and returns it as HH:MM:SS.
func ParseTimeOfDay(s string) (string, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04:05"), nil
		}
	}
	return "", fmt.Errorf("invalid time of day %q (want HH:MM or HH:MM:SS, 24-hour UTC)", s)
}

// dailySchedule builds the cron schedule firing once a day at the recurrence's time of day.
func dailySchedule(r formwatch.Recurrence) (cron.Schedule, error) {
	t, err := time.Parse("15:04:05", r.TimeOfDay)
	if err != nil {
		return nil, fmt.Errorf("parse time of day: %w", err)
	}
	return cronParser.Parse(fmt.Sprintf("CRON_TZ=UTC %d %d %d * * *", t.Second(), t.Minute(), t.Hour()))
}

// Validate checks that a recurrence is well formed.
func Validate(r formwatch.Recurrence) error {
	switch r.Kind {
	case formwatch.RecurDaily:
		_, err := dailySchedule(r)
		return err
	case formwatch.RecurInterval:
		if r.IntervalHours <= 0 {
			return errors.New("interval must be at least one hour")
		}
		return nil
	default:
		return fmt.Errorf("unknown recurrence kind %q", r.Kind)
	}
}

// First returns the initial due time of a watch created at created.
// Interval watches are first due one interval after their anchor; daily watches
// at the next occurrence of their time of day after created.
func First(r formwatch.Recurrence, created time.Time) (time.Time, error) {
	switch r.Kind {
	case formwatch.RecurInterval:
		anchor := r.Anchor
		if anchor.IsZero() {
			anchor = created
		}
		when := anchor.Add(time.Duration(r.IntervalHours) * time.Hour)
		for when.Before(created) {
			when = when.Add(time.Duration(r.IntervalHours) * time.Hour)
		}
		return when.UTC(), nil
	case formwatch.RecurDaily:
		sched, err := dailySchedule(r)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(created).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unknown recurrence kind %q", r.Kind)
	}
}

// Next advances a due time that has just fired. The result is always after now
// and never before when.
func Next(r formwatch.Recurrence, when, now time.Time) (time.Time, error) {
	switch r.Kind {
	case formwatch.RecurInterval:
		step := time.Duration(r.IntervalHours) * time.Hour
		next := when.Add(step)
		for !next.After(now) {
			next = next.Add(step)
		}
		return next.UTC(), nil
	case formwatch.RecurDaily:
		sched, err := dailySchedule(r)
		if err != nil {
			return time.Time{}, err
		}
		from := now
		if when.After(from) {
			from = when
		}
		return sched.Next(from).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unknown recurrence kind %q", r.Kind)
	}
}

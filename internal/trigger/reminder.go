package trigger

import (
	"fmt"
	"strings"
	"time"
)

// ParseClock parses a wall-clock "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}

// ReminderTime moves daysBefore calendar days back from the occurrence's
// date in loc and sets the wall clock to timeOfDay there.
//
// Calendar arithmetic keeps the local time stable when a DST change falls
// between the two dates; subtracting 24h multiples would not.
func ReminderTime(occurrence time.Time, daysBefore int, timeOfDay string, loc *time.Location) (time.Time, error) {
	if daysBefore < 0 {
		return time.Time{}, fmt.Errorf("days before must be >= 0, got %d", daysBefore)
	}
	h, m, err := ParseClock(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	local := occurrence.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()-daysBefore, h, m, 0, 0, loc), nil
}

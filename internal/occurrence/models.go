// Package occurrence persists events and their concrete occurrences.
//
// Every write runs inside a caller-provided *storage.Tx and records a
// storage.Change, so the job sync consumer learns about it only after the
// unit of work commits.
package occurrence

import (
	"errors"
	"time"

	"grug/internal/trigger"
)

// Entity names carried by storage.Change.
const (
	EntityEvent      = "event"
	EntityOccurrence = "occurrence"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

var (
	ErrEventNotFound      = errors.New("event not found")
	ErrOccurrenceNotFound = errors.New("event occurrence not found")
	ErrGroupNotFound      = errors.New("group not found")
	ErrUserNotFound       = errors.New("user not found")

	// ErrNoSchedule means the event has no rule or the rule is exhausted.
	// It is a normal outcome.
	ErrNoSchedule = errors.New("event has no upcoming scheduled time")
)

// ReminderKind selects one of the two independent reminders.
type ReminderKind string

const (
	Food       ReminderKind = "food"
	Attendance ReminderKind = "attendance"
)

// Kinds lists reminder kinds in a stable order.
var Kinds = []ReminderKind{Food, Attendance}

type Group struct {
	ID            int64
	Name          string
	Timezone      string
	NotifyChannel string
	CreatedAt     time.Time
}

type User struct {
	ID           int64
	Username     string
	FriendlyName string
	CreatedAt    time.Time
}

// DisplayName prefers the friendly name.
func (u User) DisplayName() string {
	if u.FriendlyName != "" {
		return u.FriendlyName
	}
	return u.Username
}

// ReminderSettings configures one reminder kind of an event.
type ReminderSettings struct {
	Track      bool
	DaysBefore int
	// TimeOfDay is HH:MM in the event timezone.
	TimeOfDay string
}

type Event struct {
	ID          int64
	GroupID     int64
	Name        string
	Description string
	Timezone    string
	// Rule is zero for one-shot events. Its Timezone is ignored in favor
	// of the event's.
	Rule       trigger.Rule
	Food       ReminderSettings
	Attendance ReminderSettings
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Recurrence returns the rule bound to the event timezone.
func (e *Event) Recurrence() trigger.Rule {
	r := e.Rule
	r.Timezone = e.Timezone
	return r
}

func (e *Event) Location() *time.Location {
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Reminder returns the settings for kind.
func (e *Event) Reminder(kind ReminderKind) ReminderSettings {
	if kind == Attendance {
		return e.Attendance
	}
	return e.Food
}

// reminderAt computes the reminder instant for an occurrence starting at
// start, or nil when tracking is off.
func (e *Event) reminderAt(kind ReminderKind, start time.Time) (*time.Time, error) {
	rs := e.Reminder(kind)
	if !rs.Track {
		return nil, nil
	}
	at, err := trigger.ReminderTime(start, rs.DaysBefore, rs.TimeOfDay, e.Location())
	if err != nil {
		return nil, err
	}
	at = at.UTC()
	return &at, nil
}

// EventOccurrence is one concrete calendar instance of an event.
type EventOccurrence struct {
	ID      int64
	EventID int64
	// Date (YYYY-MM-DD) and Time (HH:MM) are local to the event timezone.
	Date               string
	Time               string
	FoodReminder       *time.Time
	AttendanceReminder *time.Time
	FoodUserID         *int64
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// Event is the parent as loaded in the same unit of work.
	Event *Event
}

// Start is the occurrence instant. Without a loaded parent it is read as UTC.
func (o *EventOccurrence) Start() (time.Time, error) {
	loc := time.UTC
	if o.Event != nil {
		loc = o.Event.Location()
	}
	return time.ParseInLocation(dateLayout+" "+clockLayout, o.Date+" "+o.Time, loc)
}

// ReminderAt returns the stored reminder instant for kind.
func (o *EventOccurrence) ReminderAt(kind ReminderKind) *time.Time {
	if kind == Attendance {
		return o.AttendanceReminder
	}
	return o.FoodReminder
}

func (o *EventOccurrence) setReminder(kind ReminderKind, at *time.Time) {
	if kind == Attendance {
		o.AttendanceReminder = at
		return
	}
	o.FoodReminder = at
}

// ReminderMessage links a delivered reminder to the notifier's message id.
type ReminderMessage struct {
	ID           int64
	OccurrenceID int64
	Kind         ReminderKind
	MessageID    string
	CreatedAt    time.Time
}

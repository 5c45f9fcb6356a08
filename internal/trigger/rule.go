// Package trigger computes fire times for recurrence rules and job triggers.
//
// A Rule is what an event carries: a 5-field cron expression or a calendar
// interval (every N days, weeks or months from a start instant). Both are
// evaluated in the rule's IANA timezone, so wall-clock times hold across
// DST changes.
package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

// Unit is the step of a calendar interval.
type Unit string

const (
	Days   Unit = "days"
	Weeks  Unit = "weeks"
	Months Unit = "months"
)

const dateLayout = "2006-01-02"

// Rule is a recurrence rule. Exactly one of Cron or Interval is set.
type Rule struct {
	Cron     string    `json:"cron,omitempty"`
	Interval *Interval `json:"interval,omitempty"`
	Timezone string    `json:"timezone,omitempty"`
}

// Interval fires at Start + k*Every Unit for k >= 0.
type Interval struct {
	Start time.Time `json:"start"`
	// End is an inclusive date (YYYY-MM-DD) in the rule timezone.
	End   string `json:"end,omitempty"`
	Every int    `json:"every"`
	Unit  Unit   `json:"unit"`
}

// CronRule is shorthand for a cron Rule.
func CronRule(expr, tz string) Rule { return Rule{Cron: expr, Timezone: tz} }

// EveryRule is shorthand for an interval Rule without an end date.
func EveryRule(n int, unit Unit, start time.Time, tz string) Rule {
	return Rule{Interval: &Interval{Start: start, Every: n, Unit: unit}, Timezone: tz}
}

// IsZero reports whether no schedule is configured.
func (r Rule) IsZero() bool {
	return strings.TrimSpace(r.Cron) == "" && r.Interval == nil
}

// RuleError reports an invalid recurrence rule.
type RuleError struct {
	Field string
	Err   error
}

func (e *RuleError) Error() string {
	if e.Field == "" {
		return "invalid recurrence rule: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid recurrence rule: %s: %v", e.Field, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

func ruleErr(field string, err error) error { return &RuleError{Field: field, Err: err} }

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a rule the way Next would use it. A zero rule is valid
// and simply never fires.
func Validate(r Rule) error {
	_, err := r.compile()
	return err
}

// NextFireTime returns the first fire time strictly after ref. ok is false
// when the rule has no schedule, is invalid or is exhausted.
func NextFireTime(r Rule, ref time.Time) (time.Time, bool) {
	t, err := r.compile()
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return t.Next(ref)
}

// Location resolves the rule timezone; empty means UTC.
func (r Rule) Location() (*time.Location, error) {
	return time.LoadLocation(strings.TrimSpace(r.Timezone))
}

// compile returns nil, nil for a zero rule.
func (r Rule) compile() (Trigger, error) {
	loc, err := r.Location()
	if err != nil {
		return nil, ruleErr("timezone", err)
	}
	expr := strings.TrimSpace(r.Cron)
	switch {
	case expr != "" && r.Interval != nil:
		return nil, ruleErr("", errors.New("cron and interval are mutually exclusive"))
	case expr != "":
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, ruleErr("cron", err)
		}
		return cronTrigger{sched: sched, loc: loc}, nil
	case r.Interval != nil:
		return r.Interval.compile(loc)
	default:
		return nil, nil
	}
}

func (iv *Interval) compile(loc *time.Location) (Trigger, error) {
	if iv.Start.IsZero() {
		return nil, ruleErr("interval.start", errors.New("required"))
	}
	if iv.Every <= 0 {
		return nil, ruleErr("interval.every", fmt.Errorf("must be > 0, got %d", iv.Every))
	}
	var freq rrule.Frequency
	switch iv.Unit {
	case Days:
		freq = rrule.DAILY
	case Weeks:
		freq = rrule.WEEKLY
	case Months:
		freq = rrule.MONTHLY
	default:
		return nil, ruleErr("interval.unit", fmt.Errorf("unknown unit %q", iv.Unit))
	}

	start := iv.Start.In(loc)
	opt := rrule.ROption{Freq: freq, Interval: iv.Every, Dtstart: start}
	if end := strings.TrimSpace(iv.End); end != "" {
		d, err := time.ParseInLocation(dateLayout, end, loc)
		if err != nil {
			return nil, ruleErr("interval.end", err)
		}
		until := time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, loc)
		if until.Before(start) {
			return nil, ruleErr("interval.end", fmt.Errorf("%s is before start", end))
		}
		opt.Until = until
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, ruleErr("interval", err)
	}
	return intervalTrigger{r: r, loc: loc}, nil
}

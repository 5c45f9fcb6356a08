package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

// Trigger yields fire times.
type Trigger interface {
	// Next returns the first fire time strictly after after; ok is false
	// once the trigger is exhausted.
	Next(after time.Time) (t time.Time, ok bool)
}

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindDate     Kind = "date"
)

// Spec is the serializable form of a job trigger.
type Spec struct {
	Kind Kind       `json:"kind"`
	Rule *Rule      `json:"rule,omitempty"`
	At   *time.Time `json:"at,omitempty"`
}

// FromRule wraps a recurrence rule. A zero rule has no trigger.
func FromRule(r Rule) (Spec, error) {
	if err := Validate(r); err != nil {
		return Spec{}, err
	}
	switch {
	case strings.TrimSpace(r.Cron) != "":
		return Spec{Kind: KindCron, Rule: &r}, nil
	case r.Interval != nil:
		return Spec{Kind: KindInterval, Rule: &r}, nil
	default:
		return Spec{}, errors.New("rule has no schedule")
	}
}

// At is a one-shot trigger.
func At(t time.Time) Spec {
	t = t.UTC()
	return Spec{Kind: KindDate, At: &t}
}

// Build compiles a Spec.
func Build(s Spec) (Trigger, error) {
	switch s.Kind {
	case KindCron, KindInterval:
		if s.Rule == nil {
			return nil, fmt.Errorf("%s trigger without rule", s.Kind)
		}
		t, err := s.Rule.compile()
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("%s trigger with empty rule", s.Kind)
		}
		return t, nil
	case KindDate:
		if s.At == nil || s.At.IsZero() {
			return nil, errors.New("date trigger without instant")
		}
		return dateTrigger{at: *s.At}, nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", s.Kind)
	}
}

// normalized drops representation noise (zones, sub-second precision) so
// equal schedules encode identically.
func (s Spec) normalized() Spec {
	out := Spec{Kind: s.Kind}
	if s.Rule != nil {
		r := *s.Rule
		r.Cron = strings.Join(strings.Fields(r.Cron), " ")
		r.Timezone = strings.TrimSpace(r.Timezone)
		if r.Interval != nil {
			iv := *r.Interval
			iv.Start = iv.Start.UTC().Truncate(time.Second)
			iv.End = strings.TrimSpace(iv.End)
			r.Interval = &iv
		}
		out.Rule = &r
	}
	if s.At != nil {
		at := s.At.UTC().Truncate(time.Millisecond)
		out.At = &at
	}
	return out
}

// Encode returns the canonical JSON form.
func (s Spec) Encode() (string, error) {
	b, err := json.Marshal(s.normalized())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func Decode(raw string) (Spec, error) {
	var s Spec
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Spec{}, fmt.Errorf("decode trigger: %w", err)
	}
	return s.normalized(), nil
}

// Equal compares canonical encodings.
func (s Spec) Equal(o Spec) bool {
	a, err1 := s.Encode()
	b, err2 := o.Encode()
	return err1 == nil && err2 == nil && a == b
}

func (s Spec) String() string {
	switch {
	case s.Kind == KindDate && s.At != nil:
		return "date[" + s.At.UTC().Format(time.RFC3339) + "]"
	case s.Rule == nil:
		return string(s.Kind)
	case s.Rule.Interval != nil:
		iv := s.Rule.Interval
		out := fmt.Sprintf("interval[every %d %s from %s", iv.Every, iv.Unit, iv.Start.UTC().Format(time.RFC3339))
		if iv.End != "" {
			out += " until " + iv.End
		}
		return out + tzSuffix(s.Rule.Timezone) + "]"
	default:
		return "cron[" + s.Rule.Cron + tzSuffix(s.Rule.Timezone) + "]"
	}
}

func tzSuffix(tz string) string {
	if tz == "" {
		return ""
	}
	return " " + tz
}

type cronTrigger struct {
	sched cron.Schedule
	loc   *time.Location
}

func (c cronTrigger) Next(after time.Time) (time.Time, bool) {
	n := c.sched.Next(after.In(c.loc))
	return n, !n.IsZero()
}

type intervalTrigger struct {
	r   *rrule.RRule
	loc *time.Location
}

func (i intervalTrigger) Next(after time.Time) (time.Time, bool) {
	n := i.r.After(after.In(i.loc), false)
	return n, !n.IsZero()
}

type dateTrigger struct{ at time.Time }

func (d dateTrigger) Next(after time.Time) (time.Time, bool) {
	if d.at.After(after) {
		return d.at, true
	}
	return time.Time{}, false
}

// Package calendar exports event occurrences as an iCalendar feed.
package calendar

import (
	"fmt"
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"grug/internal/occurrence"
)

// DefaultDuration is used for DTEND; events carry no length of their own.
const DefaultDuration = 3 * time.Hour

type Options struct {
	Duration time.Duration
	// Stamp is DTSTAMP. Zero means now.
	Stamp time.Time
}

// WriteICS writes one VEVENT per occurrence.
func WriteICS(w io.Writer, e *occurrence.Event, occs []*occurrence.EventOccurrence, opts Options) error {
	if opts.Duration <= 0 {
		opts.Duration = DefaultDuration
	}
	if opts.Stamp.IsZero() {
		opts.Stamp = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//grug//events//EN")
	cal.SetXWRCalName(e.Name)
	cal.SetXWRTimezone(e.Timezone)

	for _, o := range occs {
		if o.Event == nil {
			o.Event = e
		}
		start, err := o.Start()
		if err != nil {
			return fmt.Errorf("occurrence %d: %w", o.ID, err)
		}
		ve := cal.AddEvent(fmt.Sprintf("occurrence-%d@grug", o.ID))
		ve.SetDtStampTime(opts.Stamp)
		ve.SetCreatedTime(o.CreatedAt)
		ve.SetModifiedAt(o.UpdatedAt)
		ve.SetStartAt(start)
		ve.SetEndAt(start.Add(opts.Duration))
		ve.SetSummary(e.Name)
		if e.Description != "" {
			ve.SetDescription(e.Description)
		}
	}

	_, err := io.WriteString(w, cal.Serialize())
	return err
}

package jobsync

import (
	"fmt"
	"strconv"
	"strings"

	"grug/internal/occurrence"
)

// Task names stored in the job store.
const TaskSyncNext = "occurrence.sync_next"

// ReminderTask is the task name for one reminder kind.
func ReminderTask(kind occurrence.ReminderKind) string { return "reminder." + string(kind) }

// ManagerJobID names the recurring job that materializes an event's next
// occurrence.
func ManagerJobID(eventID int64) string {
	return fmt.Sprintf("event_%d_occurrence_manager", eventID)
}

// ReminderJobID names the one-shot reminder job of an occurrence.
func ReminderJobID(occurrenceID int64, kind occurrence.ReminderKind) string {
	return fmt.Sprintf("event_occurrence_%d_%s_reminder", occurrenceID, kind)
}

// jobRef is a parsed job id.
type jobRef struct {
	entity string
	id     int64
	kind   occurrence.ReminderKind
}

func parseJobID(id string) (jobRef, bool) {
	if rest, ok := strings.CutPrefix(id, "event_occurrence_"); ok {
		rest, ok = strings.CutSuffix(rest, "_reminder")
		if !ok {
			return jobRef{}, false
		}
		num, kind, ok := strings.Cut(rest, "_")
		if !ok {
			return jobRef{}, false
		}
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return jobRef{}, false
		}
		for _, k := range occurrence.Kinds {
			if string(k) == kind {
				return jobRef{entity: occurrence.EntityOccurrence, id: n, kind: k}, true
			}
		}
		return jobRef{}, false
	}
	if rest, ok := strings.CutPrefix(id, "event_"); ok {
		num, ok := strings.CutSuffix(rest, "_occurrence_manager")
		if !ok {
			return jobRef{}, false
		}
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return jobRef{}, false
		}
		return jobRef{entity: occurrence.EntityEvent, id: n}, true
	}
	return jobRef{}, false
}

// SyncNextArgs is the payload of TaskSyncNext.
type SyncNextArgs struct {
	EventID int64 `json:"event_id"`
}

// ReminderArgs is the payload of reminder tasks.
type ReminderArgs struct {
	OccurrenceID int64 `json:"occurrence_id"`
}

package notify

import (
	"context"

	"github.com/google/uuid"

	"grug/internal/occurrence"
	logx "grug/pkg/logx"
)

// LogNotifier writes reminders to the log. It is always ready and records
// a random message id per reminder.
type LogNotifier struct {
	log logx.Logger
}

func NewLogNotifier(log logx.Logger) *LogNotifier {
	return &LogNotifier{log: log.With(logx.String("comp", "notify"), logx.String("driver", "log"))}
}

func (n *LogNotifier) Ready() bool { return true }

func (n *LogNotifier) SendFoodReminder(ctx context.Context, occ *occurrence.EventOccurrence, s *occurrence.Session) error {
	text, err := renderFood(ctx, occ, s)
	if err != nil {
		return err
	}
	return n.emit(ctx, occ, occurrence.Food, text, s)
}

func (n *LogNotifier) SendAttendanceReminder(ctx context.Context, occ *occurrence.EventOccurrence, s *occurrence.Session) error {
	text, err := renderAttendance(ctx, occ, s)
	if err != nil {
		return err
	}
	return n.emit(ctx, occ, occurrence.Attendance, text, s)
}

func (n *LogNotifier) emit(ctx context.Context, occ *occurrence.EventOccurrence, kind occurrence.ReminderKind, text string, s *occurrence.Session) error {
	id := uuid.NewString()
	n.log.Info("reminder", logx.String("kind", string(kind)), logx.Int64("occurrence_id", occ.ID), logx.String("message_id", id), logx.String("text", text))
	return s.RecordReminderMessage(ctx, occ.ID, kind, id)
}

package occurrence

import (
	"context"

	"grug/internal/storage"
)

// Session is the repository bound to one unit of work. Notifiers receive
// it so their writes commit together with the dispatch that caused them.
type Session struct {
	repo *Repository
	tx   *storage.Tx
}

func (s *Session) Tx() *storage.Tx { return s.tx }

func (s *Session) Group(ctx context.Context, id int64) (*Group, error) {
	return s.repo.GetGroup(ctx, s.tx, id)
}

func (s *Session) User(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetUser(ctx, s.tx, id)
}

func (s *Session) Attendees(ctx context.Context, occurrenceID int64) ([]User, error) {
	return s.repo.Attendees(ctx, s.tx, occurrenceID)
}

func (s *Session) LastFoodBringers(ctx context.Context, groupID int64, limit int) ([]User, error) {
	return s.repo.LastFoodBringers(ctx, s.tx, groupID, limit)
}

func (s *Session) RecordReminderMessage(ctx context.Context, occurrenceID int64, kind ReminderKind, messageID string) error {
	return s.repo.RecordReminderMessage(ctx, s.tx, &ReminderMessage{OccurrenceID: occurrenceID, Kind: kind, MessageID: messageID})
}

package occurrence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grug/internal/storage"
	"grug/internal/trigger"
	logx "grug/pkg/logx"
)

// monday is 2024-01-08 09:00 UTC.
var monday = time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db   *storage.DB
	repo *Repository

	mu      sync.Mutex
	changes []storage.Change
	now     time.Time
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "grug.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db))

	f := &fixture{db: db, now: now}
	f.repo = New(WithClock(f.clock))
	db.OnCommit(func(ch []storage.Change) {
		f.mu.Lock()
		f.changes = append(f.changes, ch...)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *fixture) takeChanges() []storage.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.changes
	f.changes = nil
	return out
}

func (f *fixture) tx(t *testing.T, fn func(tx *storage.Tx) error) {
	t.Helper()
	require.NoError(t, f.db.WithTx(context.Background(), fn))
}

func (f *fixture) event(t *testing.T, e Event) *Event {
	t.Helper()
	ctx := context.Background()
	f.tx(t, func(tx *storage.Tx) error {
		g := &Group{Name: "table one"}
		if err := f.repo.CreateGroup(ctx, tx, g); err != nil {
			return err
		}
		e.GroupID = g.ID
		return f.repo.CreateEvent(ctx, tx, &e)
	})
	f.takeChanges()
	return &e
}

func sundayGame() Event {
	return Event{
		Name: "Sunday game",
		Rule: trigger.Rule{Cron: "0 17 * * 0"},
		Food: ReminderSettings{Track: true, DaysBefore: 3, TimeOfDay: "11:00"},
	}
}

func countOccurrences(t *testing.T, db *storage.DB, eventID int64) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM event_occurrences WHERE event_id = ?`, eventID).Scan(&n))
	return n
}

func TestGetOrCreateNextOccurrence(t *testing.T) {
	f := newFixture(t, monday)
	ctx := context.Background()
	e := f.event(t, sundayGame())

	var first *EventOccurrence
	f.tx(t, func(tx *storage.Tx) error {
		var err error
		first, err = f.repo.GetOrCreateNextOccurrence(ctx, tx, e.ID)
		return err
	})
	assert.Equal(t, "2024-01-14", first.Date)
	assert.Equal(t, "17:00", first.Time)
	require.NotNil(t, first.FoodReminder)
	assert.Equal(t, time.Date(2024, 1, 11, 11, 0, 0, 0, time.UTC), *first.FoodReminder)
	assert.Nil(t, first.AttendanceReminder)
	assert.Equal(t, []storage.Change{{Entity: EntityOccurrence, ID: first.ID, Op: storage.OpCreated}}, f.takeChanges())

	var again *EventOccurrence
	f.tx(t, func(tx *storage.Tx) error {
		var err error
		again, err = f.repo.GetOrCreateNextOccurrence(ctx, tx, e.ID)
		return err
	})
	assert.Equal(t, first.ID, again.ID)
	assert.Empty(t, f.takeChanges())
	assert.Equal(t, 1, countOccurrences(t, f.db, e.ID))
}

func TestGetOrCreateNextOccurrenceAdvancesAfterStart(t *testing.T) {
	f := newFixture(t, monday)
	ctx := context.Background()
	e := f.event(t, sundayGame())

	var first, next *EventOccurrence
	f.tx(t, func(tx *storage.Tx) error {
		var err error
		first, err = f.repo.GetOrCreateNextOccurrence(ctx, tx, e.ID)
		return err
	})

	// The manager job fires exactly at the start instant.
	f.setNow(time.Date(2024, 1, 14, 17, 0, 0, 0, time.UTC))
	f.tx(t, func(tx *storage.Tx) error {
		var err error
		next, err = f.repo.GetOrCreateNextOccurrence(ctx, tx, e.ID)
		return err
	})
	assert.NotEqual(t, first.ID, next.ID)
	assert.Equal(t, "2024-01-21", next.Date)
}

func TestGetOrCreateNextOccurrenceConcurrent(t *testing.T) {
	f := newFixture(t, monday)
	e := f.event(t, sundayGame())

	const workers = 8
	ids := make([]int64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.db.WithTx(context.Background(), func(tx *storage.Tx) error {
				o, err := f.repo.GetOrCreateNextOccurrence(context.Background(), tx, e.ID)
				if err == nil {
					ids[i] = o.ID
				}
				return err
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, countOccurrences(t, f.db, e.ID))
}

func TestGetOrCreateNextOccurrenceSkipsStartedDate(t *testing.T) {
	// 17:30 on a Sunday; the rule's next fire is 18:00 the same day, but a
	// row for that date already exists at 17:00 and has started.
	f := newFixture(t, time.Date(2024, 1, 14, 17, 30, 0, 0, time.UTC))
	ctx := context.Background()
	ev := sundayGame()
	ev.Rule = trigger.Rule{Cron: "0 18 * * 0"}
	e := f.event(t, ev)

	var existing, got *EventOccurrence
	f.tx(t, func(tx *storage.Tx) error {
		var err error
		existing, err = f.repo.CreateOccurrence(ctx, tx, e.ID, time.Date(2024, 1, 14, 17, 0, 0, 0, time.UTC))
		return err
	})
	f.takeChanges()

	f.tx(t, func(tx *storage.Tx) error {
		var err error
		got, err = f.repo.GetOrCreateNextOccurrence(ctx, tx, e.ID)
		return err
	})
	assert.NotEqual(t, existing.ID, got.ID)
	assert.Equal(t, "2024-01-21", got.Date)
	assert.Equal(t, "18:00", got.Time)
	assert.Equal(t, 2, countOccurrences(t, f.db, e.ID))
	assert.Equal(t, []storage.Change{{Entity: EntityOccurrence, ID: got.ID, Op: storage.OpCreated}}, f.takeChanges())
}

func TestGetOrCreateNextOccurrenceSeveralTimesADay(t *testing.T) {
	f := newFixture(t, time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()
	ev := sundayGame()
	ev.Rule = trigger.Rule{Cron: "0 9,17 * * *"}
	e := f.event(t, ev)

	next := func() *EventOccurrence {
		var o *EventOccurrence
		f.tx(t, func(tx *storage.Tx) error {
			var err error
			o, err = f.repo.GetOrCreateNextOccurrence(ctx, tx, e.ID)
			return err
		})
		return o
	}

	first := next()
	assert.Equal(t, "2024-01-08", first.Date)
	assert.Equal(t, "09:00", first.Time)

	// The morning session has started; 17:00 shares its date, so the next
	// occurrence is tomorrow morning.
	now := time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)
	f.setNow(now)
	second := next()
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "2024-01-09", second.Date)
	assert.Equal(t, "09:00", second.Time)
	start, err := second.Start()
	require.NoError(t, err)
	assert.True(t, start.After(now))
}

func TestGetOrCreateNextOccurrenceNoSchedule(t *testing.T) {
	f := newFixture(t, monday)
	ctx := context.Background()

	oneShot := sundayGame()
	oneShot.Rule = trigger.Rule{}
	e := f.event(t, oneShot)

	ended := sundayGame()
	ended.Rule = trigger.Rule{Interval: &trigger.Interval{
		Start: time.Date(2023, 11, 5, 17, 0, 0, 0, time.UTC),
		End:   "2023-12-31",
		Every: 1,
		Unit:  trigger.Weeks,
	}}
	e2 := f.event(t, ended)

	for _, id := range []int64{e.ID, e2.ID} {
		id := id
		err := f.db.WithTx(ctx, func(tx *storage.Tx) error {
			_, err := f.repo.GetOrCreateNextOccurrence(ctx, tx, id)
			return err
		})
		assert.ErrorIs(t, err, ErrNoSchedule)
	}

	err := f.db.WithTx(ctx, func(tx *storage.Tx) error {
		_, err := f.repo.GetOrCreateNextOccurrence(ctx, tx, 9999)
		return err
	})
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestCreateEventRejectsBadRule(t *testing.T) {
	f := newFixture(t, monday)
	ctx := context.Background()

	err := f.db.WithTx(ctx, func(tx *storage.Tx) error {
		g := &Group{Name: "g"}
		if err := f.repo.CreateGroup(ctx, tx, g); err != nil {
			return err
		}
		e := sundayGame()
		e.GroupID = g.ID
		e.Rule = trigger.Rule{Cron: "0 17 * *"}
		return f.repo.CreateEvent(ctx, tx, &e)
	})
	var re *trigger.RuleError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Empty(t, f.takeChanges())

	var n int
	require.NoError(t, f.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n))
	assert.Zero(t, n)

	err = f.db.WithTx(ctx, func(tx *storage.Tx) error {
		e := sundayGame()
		e.GroupID = 1
		e.Food.TimeOfDay = "noon"
		return f.repo.CreateEvent(ctx, tx, &e)
	})
	assert.Error(t, err)
}

func TestDeleteEventReportsCascade(t *testing.T) {
	f := newFixture(t, monday)
	ctx := context.Background()
	e := f.event(t, sundayGame())

	var occ *EventOccurrence
	f.tx(t, func(tx *storage.Tx) error {
		var err error
		occ, err = f.repo.GetOrCreateNextOccurrence(ctx, tx, e.ID)
		return err
	})
	f.takeChanges()

	f.tx(t, func(tx *storage.Tx) error { return f.repo.DeleteEvent(ctx, tx, e.ID) })
	assert.Equal(t, []storage.Change{
		{Entity: EntityOccurrence, ID: occ.ID, Op: storage.OpDeleted},
		{Entity: EntityEvent, ID: e.ID, Op: storage.OpDeleted},
	}, f.takeChanges())
	assert.Zero(t, countOccurrences(t, f.db, e.ID))

	err := f.db.WithTx(ctx, func(tx *storage.Tx) error { return f.repo.DeleteEvent(ctx, tx, e.ID) })
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestRefreshReminders(t *testing.T) {
	f := newFixture(t, monday)
	ctx := context.Background()
	e := f.event(t, sundayGame())

	var occ *EventOccurrence
	f.tx(t, func(tx *storage.Tx) error {
		var err error
		occ, err = f.repo.GetOrCreateNextOccurrence(ctx, tx, e.ID)
		return err
	})
	f.takeChanges()

	e.Food.Track = false
	e.Attendance = ReminderSettings{Track: true, DaysBefore: 1, TimeOfDay: "18:30"}
	var changed int
	f.tx(t, func(tx *storage.Tx) error {
		if err := f.repo.UpdateEvent(ctx, tx, e); err != nil {
			return err
		}
		var err error
		changed, err = f.repo.RefreshReminders(ctx, tx, e)
		return err
	})
	assert.Equal(t, 1, changed)
	assert.ElementsMatch(t, []storage.Change{
		{Entity: EntityEvent, ID: e.ID, Op: storage.OpUpdated},
		{Entity: EntityOccurrence, ID: occ.ID, Op: storage.OpUpdated},
	}, f.takeChanges())

	f.tx(t, func(tx *storage.Tx) error {
		got, err := f.repo.GetOccurrence(ctx, tx, occ.ID)
		if err != nil {
			return err
		}
		assert.Nil(t, got.FoodReminder)
		require.NotNil(t, got.AttendanceReminder)
		assert.Equal(t, time.Date(2024, 1, 13, 18, 30, 0, 0, time.UTC), *got.AttendanceReminder)
		assert.Equal(t, "2024-01-14", got.Date, "dates of materialized occurrences never move")
		return nil
	})

	// Nothing changed: no rows, no changes.
	f.tx(t, func(tx *storage.Tx) error {
		var err error
		changed, err = f.repo.RefreshReminders(ctx, tx, e)
		return err
	})
	assert.Zero(t, changed)
	assert.Empty(t, f.takeChanges())
}

func TestFoodAndAttendance(t *testing.T) {
	f := newFixture(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	e := f.event(t, sundayGame())

	var (
		alice, bob = &User{Username: "alice", FriendlyName: "Alice"}, &User{Username: "bob"}
		o1, o2     *EventOccurrence
	)
	f.tx(t, func(tx *storage.Tx) error {
		for _, u := range []*User{alice, bob} {
			if err := f.repo.CreateUser(ctx, tx, u); err != nil {
				return err
			}
		}
		var err error
		if o1, err = f.repo.CreateOccurrence(ctx, tx, e.ID, time.Date(2024, 1, 7, 17, 0, 0, 0, time.UTC)); err != nil {
			return err
		}
		if o2, err = f.repo.CreateOccurrence(ctx, tx, e.ID, time.Date(2024, 1, 14, 17, 0, 0, 0, time.UTC)); err != nil {
			return err
		}
		if err := f.repo.AssignFood(ctx, tx, o1.ID, &bob.ID); err != nil {
			return err
		}
		if err := f.repo.AssignFood(ctx, tx, o2.ID, &alice.ID); err != nil {
			return err
		}
		if err := f.repo.SetRSVP(ctx, tx, o2.ID, alice.ID, true); err != nil {
			return err
		}
		if err := f.repo.SetRSVP(ctx, tx, o2.ID, alice.ID, true); err != nil {
			return err
		}
		return f.repo.SetRSVP(ctx, tx, o2.ID, bob.ID, true)
	})

	f.setNow(time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC))
	f.tx(t, func(tx *storage.Tx) error {
		s := f.repo.Bind(tx)
		bringers, err := s.LastFoodBringers(ctx, e.GroupID, 5)
		require.NoError(t, err)
		require.Len(t, bringers, 2)
		assert.Equal(t, "Alice", bringers[0].DisplayName())
		assert.Equal(t, "bob", bringers[1].DisplayName())

		require.NoError(t, f.repo.SetRSVP(ctx, tx, o2.ID, bob.ID, false))
		who, err := s.Attendees(ctx, o2.ID)
		require.NoError(t, err)
		require.Len(t, who, 1)
		assert.Equal(t, alice.ID, who[0].ID)

		require.NoError(t, s.RecordReminderMessage(ctx, o2.ID, Food, "msg-1"))
		msgs, err := f.repo.ReminderMessages(ctx, tx, o2.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, Food, msgs[0].Kind)
		return nil
	})
}

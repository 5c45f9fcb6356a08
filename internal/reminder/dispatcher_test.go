package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grug/internal/metrics"
	"grug/internal/notify"
	"grug/internal/occurrence"
	"grug/internal/storage"
	"grug/internal/task/engine"
	"grug/internal/task/jobstore"
	"grug/internal/trigger"
	logx "grug/pkg/logx"
)

var monday = time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu    sync.Mutex
	ready bool
	err   error
	sent  []occurrence.ReminderKind
}

func (f *fakeNotifier) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeNotifier) SendFoodReminder(ctx context.Context, occ *occurrence.EventOccurrence, s *occurrence.Session) error {
	return f.deliver(ctx, occ, occurrence.Food, s)
}

func (f *fakeNotifier) SendAttendanceReminder(ctx context.Context, occ *occurrence.EventOccurrence, s *occurrence.Session) error {
	return f.deliver(ctx, occ, occurrence.Attendance, s)
}

func (f *fakeNotifier) deliver(ctx context.Context, occ *occurrence.EventOccurrence, kind occurrence.ReminderKind, s *occurrence.Session) error {
	f.mu.Lock()
	f.sent = append(f.sent, kind)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return s.RecordReminderMessage(ctx, occ.ID, kind, "msg-1")
}

func (f *fakeNotifier) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type outcomeSink struct {
	metrics.NoopSink
	mu       sync.Mutex
	outcomes []string
}

func (s *outcomeSink) ReminderOutcome(kind, outcome string) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, kind+":"+outcome)
	s.mu.Unlock()
}

func (s *outcomeSink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) == 0 {
		return ""
	}
	return s.outcomes[len(s.outcomes)-1]
}

type fixture struct {
	db    *storage.DB
	repo  *occurrence.Repository
	n     *fakeNotifier
	sink  *outcomeSink
	d     *Dispatcher
	occID int64

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "grug.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, occurrence.Migrate(ctx, db))

	f := &fixture{db: db, now: monday, n: &fakeNotifier{ready: true}, sink: &outcomeSink{}}
	f.repo = occurrence.New(occurrence.WithClock(f.clock))
	f.d = New(db, f.repo, f.n, Config{ReadyInterval: time.Millisecond, ReadyAttempts: 2}, WithMetrics(f.sink))

	require.NoError(t, db.WithTx(ctx, func(tx *storage.Tx) error {
		g := &occurrence.Group{Name: "table one"}
		if err := f.repo.CreateGroup(ctx, tx, g); err != nil {
			return err
		}
		e := &occurrence.Event{GroupID: g.ID, Name: "Sunday game", Rule: trigger.Rule{Cron: "0 17 * * 0"},
			Food: occurrence.ReminderSettings{Track: true, DaysBefore: 3, TimeOfDay: "11:00"}}
		if err := f.repo.CreateEvent(ctx, tx, e); err != nil {
			return err
		}
		occ, err := f.repo.GetOrCreateNextOccurrence(ctx, tx, e.ID)
		if err != nil {
			return err
		}
		f.occID = occ.ID
		return nil
	}))
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

func (f *fixture) messages(t *testing.T) []occurrence.ReminderMessage {
	t.Helper()
	var out []occurrence.ReminderMessage
	require.NoError(t, f.db.WithTx(context.Background(), func(tx *storage.Tx) error {
		var err error
		out, err = f.repo.ReminderMessages(context.Background(), tx, f.occID)
		return err
	}))
	return out
}

func TestSendFoodReminder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.SendFoodReminder(context.Background(), f.occID))
	assert.Equal(t, 1, f.n.calls())
	assert.Equal(t, "food:sent", f.sink.last())

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-1", msgs[0].MessageID)
}

func TestMissingOccurrenceIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.SendFoodReminder(context.Background(), 999))
	assert.Zero(t, f.n.calls())
	assert.Equal(t, "food:not_found", f.sink.last())
}

func TestStaleFireIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.setNow(time.Date(2024, 1, 14, 17, 30, 0, 0, time.UTC))
	require.NoError(t, f.d.SendFoodReminder(context.Background(), f.occID))
	assert.Zero(t, f.n.calls())
	assert.Equal(t, "food:stale", f.sink.last())
}

func TestDisabledTrackingIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.SendAttendanceReminder(context.Background(), f.occID))
	assert.Zero(t, f.n.calls())
	assert.Equal(t, "attendance:disabled", f.sink.last())
}

func TestNotifierNotReadyFails(t *testing.T) {
	f := newFixture(t)
	f.n.ready = false
	err := f.d.SendFoodReminder(context.Background(), f.occID)
	assert.ErrorIs(t, err, notify.ErrNotReady)
	assert.Zero(t, f.n.calls())
	assert.Equal(t, "food:not_ready", f.sink.last())
}

func TestNotifierErrorIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.n.err = errors.New("channel gone")
	require.NoError(t, f.d.SendFoodReminder(context.Background(), f.occID))
	assert.Equal(t, 1, f.n.calls())
	assert.Equal(t, "food:notifier_error", f.sink.last())
	assert.Empty(t, f.messages(t))
}

func TestRegisteredTasks(t *testing.T) {
	f := newFixture(t)
	reg := jobstore.NewRegistry()
	require.NoError(t, f.d.Register(reg))
	assert.Equal(t, []string{"reminder.attendance", "reminder.food"}, reg.Names())

	fn, ok := reg.Lookup("reminder.food")
	require.True(t, ok)
	require.NoError(t, fn(context.Background(), json.RawMessage(`{"occurrence_id":1}`)))
	assert.Equal(t, 1, f.n.calls())

	err := fn(context.Background(), json.RawMessage(`{"occurrence":1}`))
	assert.True(t, engine.IsNoRetry(err))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	f.d.SetRate(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, f.d.SendFoodReminder(ctx, f.occID))
	// The single token is spent; the next send cannot get one in time.
	assert.Error(t, f.d.SendFoodReminder(ctx, f.occID))
	assert.Equal(t, 1, f.n.calls())
}

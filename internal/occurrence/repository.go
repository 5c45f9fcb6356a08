package occurrence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"grug/internal/storage"
	"grug/internal/trigger"
	logx "grug/pkg/logx"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate creates the domain tables.
func Migrate(ctx context.Context, db *storage.DB) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	return db.Migrate(ctx, sub)
}

// Repository implements event and occurrence persistence. It holds no
// connection; every method runs on the given transaction.
type Repository struct {
	now       func() time.Time
	defaultTZ string
	log       logx.Logger
}

type Option func(*Repository)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// WithDefaultTimezone applies to groups and events saved without one.
func WithDefaultTimezone(tz string) Option {
	return func(r *Repository) { r.defaultTZ = strings.TrimSpace(tz) }
}

func WithLogger(log logx.Logger) Option {
	return func(r *Repository) { r.log = log }
}

func New(opts ...Option) *Repository {
	r := &Repository{now: time.Now, defaultTZ: "UTC"}
	for _, opt := range opts {
		opt(r)
	}
	if r.defaultTZ == "" {
		r.defaultTZ = "UTC"
	}
	r.log = r.log.With(logx.String("comp", "occurrence"))
	return r
}

// Now is the repository clock.
func (r *Repository) Now() time.Time { return r.now() }

// Bind returns a Session over tx.
func (r *Repository) Bind(tx *storage.Tx) *Session { return &Session{repo: r, tx: tx} }

// ---- groups & users ----

func (r *Repository) CreateGroup(ctx context.Context, tx *storage.Tx, g *Group) error {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return errors.New("group name is required")
	}
	if g.Timezone == "" {
		g.Timezone = r.defaultTZ
	}
	if _, err := time.LoadLocation(g.Timezone); err != nil {
		return fmt.Errorf("group timezone: %w", err)
	}
	g.CreatedAt = r.now().UTC()
	err := tx.QueryRowContext(ctx,
		`INSERT INTO community_groups (name, timezone, notify_channel, created_at) VALUES (?, ?, ?, ?) RETURNING id`,
		g.Name, g.Timezone, g.NotifyChannel, storage.Millis(g.CreatedAt),
	).Scan(&g.ID)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (r *Repository) GetGroup(ctx context.Context, tx *storage.Tx, id int64) (*Group, error) {
	var (
		g  Group
		ca int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, name, timezone, notify_channel, created_at FROM community_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.Timezone, &g.NotifyChannel, &ca)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	g.CreatedAt = storage.FromMillis(ca)
	return &g, nil
}

func (r *Repository) CreateUser(ctx context.Context, tx *storage.Tx, u *User) error {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return errors.New("username is required")
	}
	u.CreatedAt = r.now().UTC()
	err := tx.QueryRowContext(ctx,
		`INSERT INTO users (username, friendly_name, created_at) VALUES (?, ?, ?) RETURNING id`,
		u.Username, u.FriendlyName, storage.Millis(u.CreatedAt),
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *Repository) GetUser(ctx context.Context, tx *storage.Tx, id int64) (*User, error) {
	var (
		u  User
		ca int64
	)
	err := tx.QueryRowContext(ctx, `SELECT id, username, friendly_name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.FriendlyName, &ca)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = storage.FromMillis(ca)
	return &u, nil
}

// ---- events ----

const eventColumns = `id, group_id, name, description, timezone, rule,
	track_food, food_reminder_days_before, food_reminder_time,
	track_attendance, attendance_reminder_days_before, attendance_reminder_time,
	created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var (
		e      Event
		rule   string
		ca, ua int64
	)
	err := row.Scan(&e.ID, &e.GroupID, &e.Name, &e.Description, &e.Timezone, &rule,
		&e.Food.Track, &e.Food.DaysBefore, &e.Food.TimeOfDay,
		&e.Attendance.Track, &e.Attendance.DaysBefore, &e.Attendance.TimeOfDay,
		&ca, &ua)
	if err != nil {
		return nil, err
	}
	if rule != "" {
		if err := json.Unmarshal([]byte(rule), &e.Rule); err != nil {
			return nil, fmt.Errorf("event %d: decode rule: %w", e.ID, err)
		}
	}
	e.CreatedAt = storage.FromMillis(ca)
	e.UpdatedAt = storage.FromMillis(ua)
	return &e, nil
}

func encodeRule(rule trigger.Rule) (string, error) {
	if rule.IsZero() {
		return "", nil
	}
	rule.Timezone = ""
	b, err := json.Marshal(rule)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// validateEvent normalizes e and rejects it before any write.
func (r *Repository) validateEvent(e *Event) error {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return errors.New("event name is required")
	}
	if e.GroupID <= 0 {
		return errors.New("event group is required")
	}
	e.Timezone = strings.TrimSpace(e.Timezone)
	if e.Timezone == "" {
		e.Timezone = r.defaultTZ
	}
	if _, err := time.LoadLocation(e.Timezone); err != nil {
		return fmt.Errorf("event timezone: %w", err)
	}
	if err := trigger.Validate(e.Recurrence()); err != nil {
		return err
	}
	for _, kind := range Kinds {
		rs := e.Reminder(kind)
		if rs.DaysBefore < 0 {
			return fmt.Errorf("%s reminder days before must be >= 0", kind)
		}
		if rs.Track || rs.TimeOfDay != "" {
			if _, _, err := trigger.ParseClock(rs.TimeOfDay); err != nil {
				return fmt.Errorf("%s reminder: %w", kind, err)
			}
		}
	}
	return nil
}

// CreateEvent validates and inserts e. A *trigger.RuleError is returned
// for an invalid rule.
func (r *Repository) CreateEvent(ctx context.Context, tx *storage.Tx, e *Event) error {
	if err := r.validateEvent(e); err != nil {
		return err
	}
	rule, err := encodeRule(e.Rule)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (group_id, name, description, timezone, rule,
			track_food, food_reminder_days_before, food_reminder_time,
			track_attendance, attendance_reminder_days_before, attendance_reminder_time,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		e.GroupID, e.Name, e.Description, e.Timezone, rule,
		e.Food.Track, e.Food.DaysBefore, e.Food.TimeOfDay,
		e.Attendance.Track, e.Attendance.DaysBefore, e.Attendance.TimeOfDay,
		storage.Millis(now), storage.Millis(now),
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	tx.Record(storage.Change{Entity: EntityEvent, ID: e.ID, Op: storage.OpCreated})
	return nil
}

// UpdateEvent rewrites every mutable column of e.
func (r *Repository) UpdateEvent(ctx context.Context, tx *storage.Tx, e *Event) error {
	if err := r.validateEvent(e); err != nil {
		return err
	}
	rule, err := encodeRule(e.Rule)
	if err != nil {
		return err
	}
	e.UpdatedAt = r.now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE events SET group_id = ?, name = ?, description = ?, timezone = ?, rule = ?,
			track_food = ?, food_reminder_days_before = ?, food_reminder_time = ?,
			track_attendance = ?, attendance_reminder_days_before = ?, attendance_reminder_time = ?,
			updated_at = ?
		WHERE id = ?`,
		e.GroupID, e.Name, e.Description, e.Timezone, rule,
		e.Food.Track, e.Food.DaysBefore, e.Food.TimeOfDay,
		e.Attendance.Track, e.Attendance.DaysBefore, e.Attendance.TimeOfDay,
		storage.Millis(e.UpdatedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrEventNotFound, e.ID)
	}
	tx.Record(storage.Change{Entity: EntityEvent, ID: e.ID, Op: storage.OpUpdated})
	return nil
}

// DeleteEvent removes the event; its occurrences go with it and each is
// reported as deleted.
func (r *Repository) DeleteEvent(ctx context.Context, tx *storage.Tx, id int64) error {
	ids, err := r.occurrenceIDs(ctx, tx, id)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	for _, oid := range ids {
		tx.Record(storage.Change{Entity: EntityOccurrence, ID: oid, Op: storage.OpDeleted})
	}
	tx.Record(storage.Change{Entity: EntityEvent, ID: id, Op: storage.OpDeleted})
	return nil
}

func (r *Repository) GetEvent(ctx context.Context, tx *storage.Tx, id int64) (*Event, error) {
	e, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	return e, err
}

func (r *Repository) ListEvents(ctx context.Context, tx *storage.Tx) ([]*Event, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- occurrences ----

const occurrenceColumns = `id, event_id, event_date, event_time, food_reminder, attendance_reminder,
	user_assigned_food_id, created_at, updated_at`

func scanOccurrence(row interface{ Scan(...any) error }) (*EventOccurrence, error) {
	var (
		o            EventOccurrence
		food, attend sql.NullInt64
		foodUser     sql.NullInt64
		ca, ua       int64
	)
	if err := row.Scan(&o.ID, &o.EventID, &o.Date, &o.Time, &food, &attend, &foodUser, &ca, &ua); err != nil {
		return nil, err
	}
	o.FoodReminder = storage.TimePtr(food)
	o.AttendanceReminder = storage.TimePtr(attend)
	o.FoodUserID = storage.Int64Ptr(foodUser)
	o.CreatedAt = storage.FromMillis(ca)
	o.UpdatedAt = storage.FromMillis(ua)
	return &o, nil
}

func (r *Repository) queryOccurrences(ctx context.Context, tx *storage.Tx, e *Event, query string, args ...any) ([]*EventOccurrence, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*EventOccurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		o.Event = e
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *Repository) occurrenceIDs(ctx context.Context, tx *storage.Tx, eventID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM event_occurrences WHERE event_id = ? ORDER BY id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetOccurrence loads an occurrence together with its event.
func (r *Repository) GetOccurrence(ctx context.Context, tx *storage.Tx, id int64) (*EventOccurrence, error) {
	o, err := scanOccurrence(tx.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM event_occurrences WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrOccurrenceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if o.Event, err = r.GetEvent(ctx, tx, o.EventID); err != nil {
		return nil, err
	}
	return o, nil
}

// FutureOccurrences returns the event's occurrences starting after now,
// earliest first. Rows dated today are loaded and filtered by start instant.
func (r *Repository) FutureOccurrences(ctx context.Context, tx *storage.Tx, e *Event) ([]*EventOccurrence, error) {
	now := r.now()
	today := now.In(e.Location()).Format(dateLayout)
	all, err := r.queryOccurrences(ctx, tx, e,
		`SELECT `+occurrenceColumns+` FROM event_occurrences
		WHERE event_id = ? AND event_date >= ?
		ORDER BY event_date, event_time`, e.ID, today)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, o := range all {
		start, err := o.Start()
		if err != nil {
			return nil, fmt.Errorf("occurrence %d: %w", o.ID, err)
		}
		if start.After(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

// CreateOccurrence materializes an occurrence at start, e.g. for one-shot
// events. It fails with a unique violation if the date is taken.
func (r *Repository) CreateOccurrence(ctx context.Context, tx *storage.Tx, eventID int64, start time.Time) (*EventOccurrence, error) {
	e, err := r.GetEvent(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	return r.insertOccurrence(ctx, tx, e, start)
}

func (r *Repository) insertOccurrence(ctx context.Context, tx *storage.Tx, e *Event, start time.Time) (*EventOccurrence, error) {
	local := start.In(e.Location())
	now := r.now().UTC()
	o := &EventOccurrence{
		EventID:   e.ID,
		Date:      local.Format(dateLayout),
		Time:      local.Format(clockLayout),
		CreatedAt: now,
		UpdatedAt: now,
		Event:     e,
	}
	for _, kind := range Kinds {
		at, err := e.reminderAt(kind, local)
		if err != nil {
			return nil, err
		}
		o.setReminder(kind, at)
	}
	err := tx.QueryRowContext(ctx,
		`INSERT INTO event_occurrences (event_id, event_date, event_time, food_reminder, attendance_reminder, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		o.EventID, o.Date, o.Time, storage.NullMillis(o.FoodReminder), storage.NullMillis(o.AttendanceReminder),
		storage.Millis(now), storage.Millis(now),
	).Scan(&o.ID)
	if err != nil {
		return nil, fmt.Errorf("insert occurrence: %w", err)
	}
	tx.Record(storage.Change{Entity: EntityOccurrence, ID: o.ID, Op: storage.OpCreated})
	return o, nil
}

// GetOrCreateNextOccurrence returns the earliest occurrence starting after
// now, materializing it from the event rule when none exists. ErrNoSchedule
// is returned when the event has no rule or the rule is exhausted.
//
// A concurrent insert of the same (event, date) is resolved by re-reading
// the winner's row.
func (r *Repository) GetOrCreateNextOccurrence(ctx context.Context, tx *storage.Tx, eventID int64) (*EventOccurrence, error) {
	e, err := r.GetEvent(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	future, err := r.FutureOccurrences(ctx, tx, e)
	if err != nil {
		return nil, err
	}
	if len(future) > 0 {
		return future[0], nil
	}

	rule := e.Recurrence()
	if rule.IsZero() {
		return nil, ErrNoSchedule
	}
	next, err := r.nextFreeStart(ctx, tx, e, rule)
	if err != nil {
		return nil, err
	}

	var occ *EventOccurrence
	err = tx.Savepoint(ctx, func() error {
		var err error
		occ, err = r.insertOccurrence(ctx, tx, e, next)
		return err
	})
	if err == nil {
		r.log.Debug("occurrence created", logx.Int64("event_id", e.ID), logx.Int64("occurrence_id", occ.ID), logx.String("date", occ.Date), logx.String("time", occ.Time))
		return occ, nil
	}
	if !tx.Dialect().IsUniqueViolation(err) {
		return nil, err
	}

	date := next.In(e.Location()).Format(dateLayout)
	r.log.Info("occurrence already exists; using stored row", logx.Int64("event_id", e.ID), logx.String("date", date))
	found, qerr := r.queryOccurrences(ctx, tx, e,
		`SELECT `+occurrenceColumns+` FROM event_occurrences WHERE event_id = ? AND event_date = ?`, e.ID, date)
	if qerr != nil {
		return nil, qerr
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("occurrence for event %d on %s vanished after conflict: %w", e.ID, date, err)
	}
	return found[0], nil
}

// maxTakenDays bounds the search for a date without a stored occurrence.
const maxTakenDays = 31

// nextFreeStart returns the rule's next fire time on a date that has no
// occurrence yet. Only one occurrence exists per date, so a rule firing
// several times a day skips to the next day once that day's row has
// started.
func (r *Repository) nextFreeStart(ctx context.Context, tx *storage.Tx, e *Event, rule trigger.Rule) (time.Time, error) {
	loc := e.Location()
	ref := r.now()
	for i := 0; i < maxTakenDays; i++ {
		next, ok := trigger.NextFireTime(rule, ref)
		if !ok {
			return time.Time{}, ErrNoSchedule
		}
		local := next.In(loc)
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM event_occurrences WHERE event_id = ? AND event_date = ?`,
			e.ID, local.Format(dateLayout),
		).Scan(&n); err != nil {
			return time.Time{}, err
		}
		if n == 0 {
			return next, nil
		}
		// Last instant of that local day.
		y, m, d := local.Date()
		ref = time.Date(y, m, d+1, 0, 0, 0, 0, loc).Add(-time.Nanosecond)
	}
	return time.Time{}, fmt.Errorf("event %d: no free date in %d days: %w", e.ID, maxTakenDays, ErrNoSchedule)
}

// RefreshReminders recomputes the reminder instants of the event's future
// occurrences from its current settings and returns how many rows changed.
// Dates and times of existing occurrences are left alone.
func (r *Repository) RefreshReminders(ctx context.Context, tx *storage.Tx, e *Event) (int, error) {
	future, err := r.FutureOccurrences(ctx, tx, e)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, o := range future {
		start, err := o.Start()
		if err != nil {
			return changed, err
		}
		dirty := false
		for _, kind := range Kinds {
			at, err := e.reminderAt(kind, start)
			if err != nil {
				return changed, err
			}
			if !sameInstant(at, o.ReminderAt(kind)) {
				o.setReminder(kind, at)
				dirty = true
			}
		}
		if !dirty {
			continue
		}
		o.UpdatedAt = r.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE event_occurrences SET food_reminder = ?, attendance_reminder = ?, updated_at = ? WHERE id = ?`,
			storage.NullMillis(o.FoodReminder), storage.NullMillis(o.AttendanceReminder), storage.Millis(o.UpdatedAt), o.ID,
		); err != nil {
			return changed, fmt.Errorf("update occurrence %d: %w", o.ID, err)
		}
		tx.Record(storage.Change{Entity: EntityOccurrence, ID: o.ID, Op: storage.OpUpdated})
		changed++
	}
	return changed, nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UnixMilli() == b.UnixMilli()
}

func (r *Repository) DeleteOccurrence(ctx context.Context, tx *storage.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM event_occurrences WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete occurrence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrOccurrenceNotFound, id)
	}
	tx.Record(storage.Change{Entity: EntityOccurrence, ID: id, Op: storage.OpDeleted})
	return nil
}

// ---- food & attendance ----

// AssignFood sets (or clears, with nil) who brings food.
func (r *Repository) AssignFood(ctx context.Context, tx *storage.Tx, occurrenceID int64, userID *int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE event_occurrences SET user_assigned_food_id = ?, updated_at = ? WHERE id = ?`,
		storage.NullInt64(userID), storage.Millis(r.now()), occurrenceID)
	if err != nil {
		return fmt.Errorf("assign food: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrOccurrenceNotFound, occurrenceID)
	}
	tx.Record(storage.Change{Entity: EntityOccurrence, ID: occurrenceID, Op: storage.OpUpdated})
	return nil
}

// SetRSVP adds or removes a user from the attendee set.
func (r *Repository) SetRSVP(ctx context.Context, tx *storage.Tx, occurrenceID, userID int64, attending bool) error {
	if !attending {
		_, err := tx.ExecContext(ctx, `DELETE FROM occurrence_attendees WHERE occurrence_id = ? AND user_id = ?`, occurrenceID, userID)
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO occurrence_attendees (occurrence_id, user_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (occurrence_id, user_id) DO NOTHING`,
		occurrenceID, userID, storage.Millis(r.now()))
	if err != nil {
		return fmt.Errorf("rsvp: %w", err)
	}
	return nil
}

func scanUsers(rows *sql.Rows) ([]User, error) {
	defer rows.Close()
	var out []User
	for rows.Next() {
		var (
			u  User
			ca int64
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.FriendlyName, &ca); err != nil {
			return nil, err
		}
		u.CreatedAt = storage.FromMillis(ca)
		out = append(out, u)
	}
	return out, rows.Err()
}

// Attendees lists users who RSVP'd yes, in RSVP order.
func (r *Repository) Attendees(ctx context.Context, tx *storage.Tx, occurrenceID int64) ([]User, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT u.id, u.username, u.friendly_name, u.created_at
		FROM occurrence_attendees a JOIN users u ON u.id = a.user_id
		WHERE a.occurrence_id = ?
		ORDER BY a.created_at, u.id`, occurrenceID)
	if err != nil {
		return nil, err
	}
	return scanUsers(rows)
}

// LastFoodBringers lists distinct users who brought food to the group's
// past occurrences, most recent first.
func (r *Repository) LastFoodBringers(ctx context.Context, tx *storage.Tx, groupID int64, limit int) ([]User, error) {
	g, err := r.GetGroup(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		loc = time.UTC
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT u.id, u.username, u.friendly_name, u.created_at
		FROM event_occurrences o
		JOIN events e ON e.id = o.event_id
		JOIN users u ON u.id = o.user_assigned_food_id
		WHERE e.group_id = ? AND o.event_date <= ?
		GROUP BY u.id, u.username, u.friendly_name, u.created_at
		ORDER BY MAX(o.event_date) DESC, u.id
		LIMIT ?`, groupID, r.now().In(loc).Format(dateLayout), limit)
	if err != nil {
		return nil, err
	}
	return scanUsers(rows)
}

func (r *Repository) RecordReminderMessage(ctx context.Context, tx *storage.Tx, m *ReminderMessage) error {
	if m.MessageID == "" {
		return errors.New("message id is required")
	}
	m.CreatedAt = r.now().UTC()
	err := tx.QueryRowContext(ctx,
		`INSERT INTO reminder_messages (occurrence_id, kind, message_id, created_at) VALUES (?, ?, ?, ?) RETURNING id`,
		m.OccurrenceID, string(m.Kind), m.MessageID, storage.Millis(m.CreatedAt),
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert reminder message: %w", err)
	}
	return nil
}

// ReminderMessages lists recorded messages for an occurrence, oldest first.
func (r *Repository) ReminderMessages(ctx context.Context, tx *storage.Tx, occurrenceID int64) ([]ReminderMessage, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, occurrence_id, kind, message_id, created_at FROM reminder_messages WHERE occurrence_id = ? ORDER BY id`,
		occurrenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReminderMessage
	for rows.Next() {
		var (
			m    ReminderMessage
			kind string
			ca   int64
		)
		if err := rows.Scan(&m.ID, &m.OccurrenceID, &kind, &m.MessageID, &ca); err != nil {
			return nil, err
		}
		m.Kind = ReminderKind(kind)
		m.CreatedAt = storage.FromMillis(ca)
		out = append(out, m)
	}
	return out, rows.Err()
}

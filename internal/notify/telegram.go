package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"grug/internal/occurrence"
	logx "grug/pkg/logx"
)

type TelegramConfig struct {
	Token       string
	PollTimeout time.Duration
	// AlertChatID receives log alerts. 0 disables SendAlert.
	AlertChatID int64
	// Offline skips the getMe call on construction (tests).
	Offline bool
}

// Telegram sends reminders to a group's notify_channel, read as a chat id.
// It is ready while its long-poll loop runs.
type Telegram struct {
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger

	ready atomic.Bool
	// verify checks the token against the API; readiness waits for it.
	verify    func() error
	retryBase time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	t := &Telegram{
		cfg:       cfg,
		bot:       b,
		log:       log.With(logx.String("comp", "notify"), logx.String("driver", "telegram")),
		retryBase: time.Second,
	}
	t.verify = func() error {
		_, err := b.Raw("getMe", nil)
		return err
	}
	return t, nil
}

// Start runs the poll loop until ctx ends or Stop is called.
func (t *Telegram) Start(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.stopped = make(chan struct{})
	stopped := t.stopped
	t.mu.Unlock()

	go func() {
		<-rctx.Done()
		t.ready.Store(false)
		t.bot.Stop()
	}()
	go t.awaitReady(rctx)
	go func() {
		defer close(stopped)
		t.log.Info("polling started")
		t.bot.Start() // blocks until Stop
		t.ready.Store(false)
		t.log.Info("polling stopped")
	}()
}

// awaitReady marks the bot ready once the API accepts its token, retrying
// with backoff until ctx ends.
func (t *Telegram) awaitReady(ctx context.Context) {
	backoff := t.retryBase
	for {
		err := t.verify()
		if err == nil {
			if ctx.Err() == nil {
				t.ready.Store(true)
				t.log.Info("bot verified; ready")
			}
			return
		}
		t.log.Warn("telegram api not reachable", logx.Duration("retry_in", backoff), logx.Err(err))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, time.Minute)
	}
}

// Stop ends polling; it waits at most until ctx is done.
func (t *Telegram) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, stopped := t.cancel, t.stopped
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Telegram) Ready() bool { return t.ready.Load() }

func (t *Telegram) SendFoodReminder(ctx context.Context, occ *occurrence.EventOccurrence, s *occurrence.Session) error {
	text, err := renderFood(ctx, occ, s)
	if err != nil {
		return err
	}
	return t.deliver(ctx, occ, occurrence.Food, text, s)
}

func (t *Telegram) SendAttendanceReminder(ctx context.Context, occ *occurrence.EventOccurrence, s *occurrence.Session) error {
	text, err := renderAttendance(ctx, occ, s)
	if err != nil {
		return err
	}
	return t.deliver(ctx, occ, occurrence.Attendance, text, s)
}

func (t *Telegram) deliver(ctx context.Context, occ *occurrence.EventOccurrence, kind occurrence.ReminderKind, text string, s *occurrence.Session) error {
	g, err := s.Group(ctx, occ.Event.GroupID)
	if err != nil {
		return err
	}
	chatID, err := ParseChatID(g.NotifyChannel)
	if err != nil {
		return fmt.Errorf("group %d: %w", g.ID, err)
	}
	msg, err := t.bot.Send(tele.ChatID(chatID), text)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	t.log.Debug("reminder sent", logx.String("kind", string(kind)), logx.Int64("occurrence_id", occ.ID), logx.Int64("chat_id", chatID), logx.Int("message_id", msg.ID))
	return s.RecordReminderMessage(ctx, occ.ID, kind, strconv.Itoa(msg.ID))
}

// SendAlert implements logx.AlertSender.
func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	if t.cfg.AlertChatID == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(tele.ChatID(t.cfg.AlertChatID), text)
	return err
}

// ParseChatID reads a notify_channel value as a telegram chat id.
func ParseChatID(channel string) (int64, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return 0, errors.New("notify channel is empty")
	}
	id, err := strconv.ParseInt(channel, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("notify channel %q is not a chat id", channel)
	}
	return id, nil
}

var _ logx.AlertSender = (*Telegram)(nil)

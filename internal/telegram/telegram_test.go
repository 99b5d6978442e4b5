package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailwatch/internal/config"
	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/internal/deadletter"
	"github.com/mixelka/mailwatch/internal/mailbox"
	"github.com/mixelka/mailwatch/internal/orchestrator"
	"github.com/mixelka/mailwatch/internal/parser"
	appmodels "github.com/mixelka/mailwatch/pkg/models"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeOrchestrator struct {
	states  map[string]*appmodels.AccountState
	scanErr error
	scans   []string
}

func newFakeOrchestrator(names ...string) *fakeOrchestrator {
	o := &fakeOrchestrator{states: make(map[string]*appmodels.AccountState)}
	for _, n := range names {
		o.states[n] = &appmodels.AccountState{Name: n, Connected: true}
	}
	return o
}

func (o *fakeOrchestrator) States() []appmodels.AccountState {
	var out []appmodels.AccountState
	for _, n := range []string{"home", "work"} {
		if s, ok := o.states[n]; ok {
			out = append(out, *s)
		}
	}
	return out
}

func (o *fakeOrchestrator) Queue() []appmodels.QueueStatus { return nil }

func (o *fakeOrchestrator) PausedCount() int {
	n := 0
	for _, s := range o.states {
		if s.Paused {
			n++
		}
	}
	return n
}

func (o *fakeOrchestrator) Pause(name string) bool  { return o.setPaused(name, true) }
func (o *fakeOrchestrator) Resume(name string) bool { return o.setPaused(name, false) }

func (o *fakeOrchestrator) setPaused(name string, paused bool) bool {
	s, ok := o.states[name]
	if ok {
		s.Paused = paused
	}
	return ok
}

func (o *fakeOrchestrator) Reconnect(ctx context.Context, name string) bool {
	_, ok := o.states[name]
	return ok
}

func (o *fakeOrchestrator) TriggerProcessing(ctx context.Context, name, folder string) (bool, error) {
	s, ok := o.states[name]
	if !ok {
		return false, orchestrator.ErrUnknownAccount
	}
	if s.Paused {
		return false, nil
	}
	o.scans = append(o.scans, name+":"+folder)
	return true, o.scanErr
}

type fakeRetrier struct {
	queue  *deadletter.Queue
	result bool
}

func (r *fakeRetrier) RetryNow(ctx context.Context, id string) (bool, error) {
	if r.result {
		return true, r.queue.Resolve(ctx, id)
	}
	return false, nil
}

func newTestBot(t *testing.T, orch Orchestrator) (*Bot, *deadletter.Queue, *fakeRetrier) {
	t.Helper()
	db, err := database.New(database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	q := deadletter.NewQueue(db, discard)
	retrier := &fakeRetrier{queue: q}
	b := newBot(BotDeps{
		Config:       &config.Config{TelegramAdminChatID: 1},
		Orchestrator: orch,
		DeadLetters:  q,
		Retrier:      retrier,
		Logger:       discard,
	})
	return b, q, retrier
}

func recordFailure(t *testing.T, q *deadletter.Queue, uid uint32) *deadletter.Entry {
	t.Helper()
	e, err := q.RecordFailure(context.Background(), deadletter.Failure{
		MessageID:   "msg-" + string(rune('a'+uid)),
		AccountName: "work",
		Folder:      "INBOX",
		UID:         uid,
		Err:         errors.New("failed to forward message: Bad Request"),
	})
	require.NoError(t, err)
	return e
}

func TestStatusCommand(t *testing.T) {
	orch := newFakeOrchestrator("work", "home")
	orch.states["home"].Paused = true
	b, q, _ := newTestBot(t, orch)
	recordFailure(t, q, 1)

	r := b.runCommand(context.Background(), "/status@mailwatch_bot")
	assert.Contains(t, r.text, "Ящики (2, на паузе 1)")
	assert.Contains(t, r.text, "ожидают: 1")
	require.NotNil(t, r.keyboard)
	assert.Len(t, r.keyboard.InlineKeyboard, 2)
}

func TestPauseResumeCommands(t *testing.T) {
	orch := newFakeOrchestrator("work")
	b, _, _ := newTestBot(t, orch)
	ctx := context.Background()

	r := b.runCommand(ctx, "/pause work")
	assert.Contains(t, r.text, "на паузе")
	assert.True(t, orch.states["work"].Paused)

	r = b.runCommand(ctx, "/resume work")
	assert.Contains(t, r.text, "возобновлена")
	assert.False(t, orch.states["work"].Paused)

	r = b.runCommand(ctx, "/pause nope")
	assert.Contains(t, r.text, "не найден")

	r = b.runCommand(ctx, "/pause")
	assert.Contains(t, r.text, "Использование")
}

func TestScanCommand(t *testing.T) {
	orch := newFakeOrchestrator("work")
	b, _, _ := newTestBot(t, orch)
	ctx := context.Background()

	r := b.runCommand(ctx, "/scan work Spam")
	assert.Contains(t, r.text, "завершена")
	assert.Equal(t, []string{"work:Spam"}, orch.scans)

	orch.scanErr = errors.New("failed to search unseen messages: <timeout>")
	r = b.runCommand(ctx, "/scan work")
	assert.Contains(t, r.text, "&lt;timeout&gt;")

	orch.states["work"].Paused = true
	r = b.runCommand(ctx, "/scan work")
	assert.Contains(t, r.text, "на паузе")

	r = b.runCommand(ctx, "/scan ghost")
	assert.Contains(t, r.text, "не найден")
}

func TestDeadLettersCommand(t *testing.T) {
	b, q, _ := newTestBot(t, newFakeOrchestrator("work"))
	ctx := context.Background()

	r := b.runCommand(ctx, "/dlq")
	assert.Equal(t, "Очередь ошибок пуста", r.text)
	assert.Empty(t, r.entries)

	e := recordFailure(t, q, 3)
	recordFailure(t, q, 4)
	require.NoError(t, q.Skip(ctx, e.ID))

	r = b.runCommand(ctx, "/dlq")
	require.Len(t, r.entries, 1)
	assert.Equal(t, uint32(4), r.entries[0].UID)
}

func TestDeadLetterCallbacks(t *testing.T) {
	b, q, retrier := newTestBot(t, newFakeOrchestrator("work"))
	ctx := context.Background()

	e := recordFailure(t, q, 5)

	res := b.runCallback(ctx, appmodels.CallbackData{Action: appmodels.CallbackRetry, EntryID: e.ID})
	assert.Contains(t, res.answer, "запланирована")
	require.NotNil(t, res.entry)

	retrier.result = true
	res = b.runCallback(ctx, appmodels.CallbackData{Action: appmodels.CallbackRetry, EntryID: e.ID})
	assert.Equal(t, "Письмо обработано", res.answer)
	require.NotNil(t, res.entry)
	assert.Equal(t, deadletter.StatusSuccess, res.entry.State.Status())

	res = b.runCallback(ctx, appmodels.CallbackData{Action: appmodels.CallbackSkip, EntryID: e.ID})
	assert.Equal(t, "Запись уже закрыта", res.answer)

	other := recordFailure(t, q, 6)
	res = b.runCallback(ctx, appmodels.CallbackData{Action: appmodels.CallbackSkip, EntryID: other.ID})
	assert.Equal(t, "Пропущено", res.answer)
	assert.Equal(t, deadletter.StatusSkipped, res.entry.State.Status())

	res = b.runCallback(ctx, appmodels.CallbackData{Action: appmodels.CallbackDismiss, EntryID: other.ID})
	assert.True(t, res.deleted)
	_, err := q.Get(ctx, other.ID)
	assert.ErrorIs(t, err, deadletter.ErrNotFound)

	res = b.runCallback(ctx, appmodels.CallbackData{Action: appmodels.CallbackSkip, EntryID: "missing"})
	assert.Equal(t, "Запись не найдена", res.answer)
	assert.Nil(t, res.entry)
}

func TestAccountCallbacks(t *testing.T) {
	orch := newFakeOrchestrator("work")
	b, _, _ := newTestBot(t, orch)
	ctx := context.Background()

	res := b.runCallback(ctx, appmodels.CallbackData{Action: appmodels.CallbackPause, Account: "work"})
	assert.True(t, res.status)
	assert.True(t, orch.states["work"].Paused)

	res = b.runCallback(ctx, appmodels.CallbackData{Action: appmodels.CallbackResume, Account: "work"})
	assert.True(t, res.status)
	assert.False(t, orch.states["work"].Paused)

	res = b.runCallback(ctx, appmodels.CallbackData{Action: appmodels.CallbackPause, Account: "ghost"})
	assert.False(t, res.status)

	res = b.runCallback(ctx, appmodels.CallbackData{Action: "zz"})
	assert.Equal(t, "Неизвестное действие", res.answer)
}

// fakeAPI is a minimal Bot API server recording sent messages
type fakeAPI struct {
	mu   sync.Mutex
	sent []map[string]string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"test","username":"test_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		f.mu.Lock()
		f.sent = append(f.sent, map[string]string{
			"chat_id":           r.FormValue("chat_id"),
			"message_thread_id": r.FormValue("message_thread_id"),
			"text":              r.FormValue("text"),
			"parse_mode":        r.FormValue("parse_mode"),
		})
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{
				"message_id": 7,
				"date":       0,
				"chat":       map[string]any{"id": -100, "type": "supergroup"},
			},
		})
	default:
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	}
}

func TestForwardMail(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	b, err := NewBot(BotDeps{
		Config:  &config.Config{TelegramToken: "123:test", TelegramAdminChatID: 1},
		Logger:  discard,
		Options: []bot.Option{bot.WithServerURL(srv.URL)},
	})
	require.NoError(t, err)

	account := config.Account{Name: "work", Email: "me@example.com", ChatID: -100, TopicID: 12}
	msg := &mailbox.Message{UID: 1, Subject: "Sign in", From: mailbox.Address{Address: "no-reply@example.com"}}

	err = b.ForwardMail(context.Background(), account, "INBOX", msg, parser.Content{Text: "Your code: 1234"})
	require.NoError(t, err)

	b.NotifyAccountError(account, errors.New("authentication failed"))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.sent, 2)
	assert.Equal(t, "-100", api.sent[0]["chat_id"])
	assert.Equal(t, "12", api.sent[0]["message_thread_id"])
	assert.Equal(t, "HTML", api.sent[0]["parse_mode"])
	assert.Contains(t, api.sent[0]["text"], "<b>Тема:</b> Sign in")
	assert.Contains(t, api.sent[1]["text"], "authentication failed")
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/mailwatch/internal/deadletter"
	"github.com/mixelka/mailwatch/internal/formatter"
	appmodels "github.com/mixelka/mailwatch/pkg/models"
)

const (
	notifyTimeout = 10 * time.Second
	dlqListLimit  = 10
)

// reply is the answer to an operator command
type reply struct {
	text     string
	keyboard *models.InlineKeyboardMarkup
	// entries are sent as separate messages with their own buttons
	entries []*deadletter.Entry
}

// handleCommand handles every operator command
func (b *Bot) handleCommand(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.authorized(ctx, msg) {
		return
	}

	r := b.runCommand(ctx, msg.Text)

	if _, err := b.sendMessageWithKeyboard(ctx, msg.Chat.ID, msg.MessageThreadID, r.text, r.keyboard); err != nil {
		b.logger.Error("failed to send reply", "error", err)
		return
	}

	for _, e := range r.entries {
		text := b.formatter.FormatDeadLetter(e)
		keyboard := formatter.BuildDeadLetterKeyboard(e)
		if _, err := b.sendMessageWithKeyboard(ctx, msg.Chat.ID, msg.MessageThreadID, text, keyboard); err != nil {
			b.logger.Error("failed to send dead letter", "id", e.ID, "error", err)
		}
	}
}

// runCommand executes a command line and builds the reply
func (b *Bot) runCommand(ctx context.Context, text string) reply {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return reply{text: helpText}
	}
	// commands in groups arrive as /status@botname
	cmd, _, _ := strings.Cut(parts[0], "@")
	args := parts[1:]

	b.logger.Info("operator command", "command", cmd, "args", args)

	switch cmd {
	case "/status":
		return b.statusReply(ctx)

	case "/pause", "/resume":
		if len(args) != 1 {
			return reply{text: fmt.Sprintf("Использование: <code>%s имя</code>", cmd)}
		}
		name := args[0]
		if cmd == "/pause" {
			if !b.orchestrator.Pause(name) {
				return reply{text: unknownAccount(name)}
			}
			return reply{text: fmt.Sprintf("Ящик <b>%s</b> на паузе", escape(name))}
		}
		if !b.orchestrator.Resume(name) {
			return reply{text: unknownAccount(name)}
		}
		return reply{text: fmt.Sprintf("Обработка ящика <b>%s</b> возобновлена", escape(name))}

	case "/reconnect":
		if len(args) != 1 {
			return reply{text: "Использование: <code>/reconnect имя</code>"}
		}
		if !b.orchestrator.Reconnect(ctx, args[0]) {
			return reply{text: fmt.Sprintf("Не удалось переподключить ящик <b>%s</b>", escape(args[0]))}
		}
		return reply{text: fmt.Sprintf("Ящик <b>%s</b> переподключен", escape(args[0]))}

	case "/scan":
		if len(args) < 1 || len(args) > 2 {
			return reply{text: "Использование: <code>/scan имя [папка]</code>"}
		}
		var folder string
		if len(args) == 2 {
			folder = args[1]
		}
		return b.scanReply(ctx, args[0], folder)

	case "/dlq":
		return b.deadLettersReply(ctx)

	default:
		return reply{text: helpText}
	}
}

func (b *Bot) statusReply(ctx context.Context) reply {
	stats, err := b.deadLetters.Stats(ctx)
	if err != nil {
		b.logger.Error("failed to get dead letter stats", "error", err)
	}

	states := b.orchestrator.States()
	r := reply{text: b.formatter.FormatStatus(formatter.Status{
		Accounts:    states,
		Queue:       b.orchestrator.Queue(),
		Paused:      b.orchestrator.PausedCount(),
		DeadLetters: stats,
		Now:         time.Now(),
	})}
	if len(states) > 0 {
		r.keyboard = formatter.BuildAccountKeyboard(states)
	}
	return r
}

func (b *Bot) scanReply(ctx context.Context, name, folder string) reply {
	ok, err := b.orchestrator.TriggerProcessing(ctx, name, folder)
	switch {
	case !ok && err != nil:
		return reply{text: unknownAccount(name)}
	case !ok:
		return reply{text: fmt.Sprintf("Ящик <b>%s</b> на паузе", escape(name))}
	case err != nil:
		return reply{text: fmt.Sprintf("Проверка завершилась с ошибкой:\n<code>%s</code>", escape(err.Error()))}
	default:
		return reply{text: fmt.Sprintf("Проверка ящика <b>%s</b> завершена", escape(name))}
	}
}

func (b *Bot) deadLettersReply(ctx context.Context) reply {
	entries, err := b.deadLetters.List(ctx, deadletter.Filter{UnresolvedOnly: true, Limit: dlqListLimit})
	if err != nil {
		b.logger.Error("failed to list dead letters", "error", err)
		return reply{text: "Ошибка получения очереди"}
	}
	return reply{text: b.formatter.FormatDeadLetters(entries), entries: entries}
}

// callbackResult is what a button press changed
type callbackResult struct {
	answer string
	alert  bool
	// entry is the refreshed dead letter to redraw, if any
	entry *deadletter.Entry
	// deleted removes the message the button was on
	deleted bool
	// status redraws the status message
	status bool
}

// handleCallback handles inline button callbacks
func (b *Bot) handleCallback(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	callback := update.CallbackQuery
	if callback == nil {
		return
	}

	msg := callback.Message.Message
	if msg == nil || msg.Chat.ID != b.config.TelegramAdminChatID {
		b.answerCallback(ctx, callback.ID, "Нет доступа", false)
		return
	}

	data, err := formatter.DecodeCallback(callback.Data)
	if err != nil {
		b.logger.Error("failed to decode callback", "error", err, "data", callback.Data)
		b.answerCallback(ctx, callback.ID, "Ошибка", false)
		return
	}

	res := b.runCallback(ctx, data)
	b.answerCallback(ctx, callback.ID, res.answer, res.alert)

	switch {
	case res.deleted:
		if err := b.deleteMessage(ctx, msg.Chat.ID, msg.ID); err != nil {
			b.logger.Warn("failed to delete message", "error", err)
		}
	case res.entry != nil:
		text := b.formatter.FormatDeadLetter(res.entry)
		if err := b.editMessage(ctx, msg.Chat.ID, msg.ID, text, formatter.BuildDeadLetterKeyboard(res.entry)); err != nil {
			b.logger.Warn("failed to update dead letter message", "error", err)
		}
	case res.status:
		r := b.statusReply(ctx)
		if err := b.editMessage(ctx, msg.Chat.ID, msg.ID, r.text, r.keyboard); err != nil {
			b.logger.Warn("failed to update status message", "error", err)
		}
	}
}

// runCallback applies a button press
func (b *Bot) runCallback(ctx context.Context, data appmodels.CallbackData) callbackResult {
	switch data.Action {
	case appmodels.CallbackRetry:
		ok, err := b.retrier.RetryNow(ctx, data.EntryID)
		if err != nil {
			res := entryError(err)
			res.entry = b.refresh(ctx, data.EntryID)
			return res
		}
		res := callbackResult{answer: "Повтор не удался, следующая попытка запланирована", entry: b.refresh(ctx, data.EntryID)}
		if ok {
			res.answer = "Письмо обработано"
		}
		return res

	case appmodels.CallbackSkip:
		if err := b.deadLetters.Skip(ctx, data.EntryID); err != nil {
			res := entryError(err)
			res.entry = b.refresh(ctx, data.EntryID)
			return res
		}
		return callbackResult{answer: "Пропущено", entry: b.refresh(ctx, data.EntryID)}

	case appmodels.CallbackDismiss:
		if err := b.deadLetters.Dismiss(ctx, data.EntryID); err != nil {
			return entryError(err)
		}
		return callbackResult{answer: "Удалено", deleted: true}

	case appmodels.CallbackPause:
		if !b.orchestrator.Pause(data.Account) {
			return callbackResult{answer: "Ящик не найден"}
		}
		return callbackResult{answer: "Пауза", status: true}

	case appmodels.CallbackResume:
		if !b.orchestrator.Resume(data.Account) {
			return callbackResult{answer: "Ящик не найден"}
		}
		return callbackResult{answer: "Возобновлено", status: true}

	default:
		return callbackResult{answer: "Неизвестное действие"}
	}
}

// refresh reloads an entry for redrawing; nil if it is gone
func (b *Bot) refresh(ctx context.Context, id string) *deadletter.Entry {
	e, err := b.deadLetters.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, deadletter.ErrNotFound) {
			b.logger.Warn("failed to reload dead letter", "id", id, "error", err)
		}
		return nil
	}
	return e
}

func entryError(err error) callbackResult {
	switch {
	case errors.Is(err, deadletter.ErrResolved):
		return callbackResult{answer: "Запись уже закрыта"}
	case errors.Is(err, deadletter.ErrNotFound):
		return callbackResult{answer: "Запись не найдена"}
	default:
		return callbackResult{answer: "Ошибка: " + err.Error(), alert: true}
	}
}

func unknownAccount(name string) string {
	return fmt.Sprintf("Ящик <b>%s</b> не найден", escape(name))
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

package telegram

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/mailwatch/internal/config"
	"github.com/mixelka/mailwatch/internal/deadletter"
	"github.com/mixelka/mailwatch/internal/formatter"
	appmodels "github.com/mixelka/mailwatch/pkg/models"
)

// Orchestrator is the account control surface the bot drives
type Orchestrator interface {
	States() []appmodels.AccountState
	Queue() []appmodels.QueueStatus
	PausedCount() int
	Pause(name string) bool
	Resume(name string) bool
	Reconnect(ctx context.Context, name string) bool
	TriggerProcessing(ctx context.Context, name, folder string) (bool, error)
}

// DeadLetters is the dead-letter store as seen by the operator
type DeadLetters interface {
	Stats(ctx context.Context) (map[deadletter.Status]int, error)
	List(ctx context.Context, f deadletter.Filter) ([]*deadletter.Entry, error)
	Get(ctx context.Context, id string) (*deadletter.Entry, error)
	Skip(ctx context.Context, id string) error
	Dismiss(ctx context.Context, id string) error
}

// Retrier runs a dead-letter retry on demand
type Retrier interface {
	RetryNow(ctx context.Context, id string) (bool, error)
}

// Bot represents the Telegram bot
type Bot struct {
	bot          *bot.Bot
	orchestrator Orchestrator
	deadLetters  DeadLetters
	retrier      Retrier
	formatter    *formatter.TelegramFormatter
	logger       *slog.Logger
	config       *config.Config
}

// BotDeps dependencies for creating a bot
type BotDeps struct {
	Config       *config.Config
	Orchestrator Orchestrator
	DeadLetters  DeadLetters
	Retrier      Retrier
	Formatter    *formatter.TelegramFormatter
	Logger       *slog.Logger
	Options      []bot.Option
}

// NewBot creates a new Telegram bot
func NewBot(deps BotDeps) (*Bot, error) {
	b := newBot(deps)

	opts := append([]bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
	}, deps.Options...)

	tgBot, err := bot.New(deps.Config.TelegramToken, opts...)
	if err != nil {
		return nil, err
	}

	b.bot = tgBot
	b.registerHandlers()

	return b, nil
}

func newBot(deps BotDeps) *Bot {
	f := deps.Formatter
	if f == nil {
		f = formatter.NewTelegramFormatter()
	}
	return &Bot{
		orchestrator: deps.Orchestrator,
		deadLetters:  deps.DeadLetters,
		retrier:      deps.Retrier,
		formatter:    f,
		logger:       deps.Logger.With("component", "telegram_bot"),
		config:       deps.Config,
	}
}

// SetOperators wires the control surface after construction. The bot is
// created first because the processor forwards through it.
func (b *Bot) SetOperators(orch Orchestrator, dlq DeadLetters, retrier Retrier) {
	b.orchestrator = orch
	b.deadLetters = dlq
	b.retrier = retrier
}

// registerHandlers registers command handlers
func (b *Bot) registerHandlers() {
	for _, cmd := range []string{"/status", "/pause", "/resume", "/reconnect", "/scan", "/dlq"} {
		b.bot.RegisterHandler(bot.HandlerTypeMessageText, cmd, bot.MatchTypePrefix, b.handleCommand)
	}
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, b.handleHelp)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypePrefix, b.handleHelp)
	b.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, b.handleCallback)
}

// Start polls for updates until ctx is done
func (b *Bot) Start(ctx context.Context) {
	b.logger.Info("starting telegram bot")
	b.bot.Start(ctx)
	b.logger.Info("telegram bot stopped")
}

// defaultHandler handles unknown messages
func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	if update.Message.Text != "" && update.Message.Text[0] == '/' {
		b.logger.Debug("unknown command", "text", update.Message.Text)
	}
}

const helpText = `<b>Mail Watch</b>

Бот пересылает новые письма из IMAP ящиков в Telegram топики.

<b>Команды:</b>
/status - состояние ящиков и очереди ошибок
/pause имя - приостановить обработку ящика
/resume имя - возобновить обработку
/reconnect имя - переподключить ящик
/scan имя [папка] - проверить почту сейчас
/dlq - письма, которые не удалось обработать

<b>Важно:</b>
- Команды доступны только в чате администратора
- Ящики настраиваются в файле аккаунтов`

// handleHelp handles /start and /help
func (b *Bot) handleHelp(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.authorized(ctx, msg) {
		return
	}
	b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, helpText)
}

package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/mixelka/mailwatch/internal/config"
	"github.com/mixelka/mailwatch/internal/deadletter"
	"github.com/mixelka/mailwatch/internal/mailbox"
	"github.com/mixelka/mailwatch/internal/parser"
	"github.com/mixelka/mailwatch/pkg/models"
)

const dateLayout = "02.01.2006 15:04"

// TelegramFormatter renders mail and service messages as Telegram HTML
type TelegramFormatter struct {
	maxLength int
}

// NewTelegramFormatter creates a new Telegram formatter
func NewTelegramFormatter() *TelegramFormatter {
	return &TelegramFormatter{
		maxLength: 4000, // Leave room for markup
	}
}

// FormatMail formats a forwarded message
func (f *TelegramFormatter) FormatMail(account config.Account, folder string, msg *mailbox.Message, content parser.Content) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("<b>Ящик:</b> %s", f.escapeHTML(account.Email)))
	if folder != "" && folder != "INBOX" {
		sb.WriteString(fmt.Sprintf(" / %s", f.escapeHTML(folder)))
	}
	sb.WriteString("\n")

	from := f.escapeHTML(msg.From.Address)
	if msg.From.Name != "" {
		from = fmt.Sprintf("%s &lt;%s&gt;", f.escapeHTML(msg.From.Name), f.escapeHTML(msg.From.Address))
	}
	sb.WriteString(fmt.Sprintf("<b>От:</b> %s\n", from))
	sb.WriteString(fmt.Sprintf("<b>Тема:</b> %s\n", f.escapeHTML(msg.Subject)))
	if !msg.Date.IsZero() {
		sb.WriteString(fmt.Sprintf("<b>Дата:</b> %s\n", msg.Date.Format(dateLayout)))
	}
	sb.WriteString("\n")

	if len(content.Codes) > 0 {
		sb.WriteString("<b>Коды:</b>\n")
		for _, code := range content.Codes {
			sb.WriteString(fmt.Sprintf("<code>%s</code> ", f.escapeHTML(code.Value)))
		}
		sb.WriteString("\n\n")
	}

	if content.Text != "" {
		sb.WriteString("<b>Сообщение:</b>\n")
		body := f.truncate(f.escapeHTML(content.Text), f.maxLength-sb.Len()-50)
		sb.WriteString(body)
	}

	return sb.String()
}

// FormatAccountError formats a connection failure notice
func (f *TelegramFormatter) FormatAccountError(account config.Account, err error) string {
	return fmt.Sprintf("⚠️ <b>Ошибка подключения</b>\n\n<b>Ящик:</b> %s (%s)\n<b>Ошибка:</b> <code>%s</code>",
		f.escapeHTML(account.Email),
		f.escapeHTML(account.Name),
		f.escapeHTML(clip(err.Error(), 500)),
	)
}

// Status is everything the status message shows
type Status struct {
	Accounts    []models.AccountState
	Queue       []models.QueueStatus
	Paused      int
	DeadLetters map[deadletter.Status]int
	Now         time.Time
}

// FormatStatus formats the /status reply
func (f *TelegramFormatter) FormatStatus(s Status) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("<b>Ящики (%d, на паузе %d):</b>\n", len(s.Accounts), s.Paused))
	if len(s.Accounts) == 0 {
		sb.WriteString("нет\n")
	}
	for _, a := range s.Accounts {
		sb.WriteString(fmt.Sprintf("%s <code>%s</code>", stateIcon(a), f.escapeHTML(a.Name)))
		mode := "опрос"
		if a.IdleSupported {
			mode = "IDLE"
		}
		sb.WriteString(fmt.Sprintf(" · %s", mode))
		if a.LastScan != nil {
			sb.WriteString(fmt.Sprintf(" · проверен %s назад", formatAge(s.Now.Sub(*a.LastScan))))
		}
		if a.ErrorCount > 0 {
			sb.WriteString(fmt.Sprintf(" · ошибок: %d", a.ErrorCount))
		}
		sb.WriteString("\n")
	}

	if len(s.Queue) > 0 {
		sb.WriteString(fmt.Sprintf("\n<b>В обработке (%d):</b>\n", len(s.Queue)))
		for _, q := range s.Queue {
			sb.WriteString(fmt.Sprintf("%s / %s", f.escapeHTML(q.AccountName), f.escapeHTML(q.Folder)))
			if q.PendingCount > 0 {
				sb.WriteString(fmt.Sprintf(" · писем: %d", q.PendingCount))
			}
			sb.WriteString(fmt.Sprintf(" · %s\n", formatAge(s.Now.Sub(q.StartedAt))))
		}
	}

	sb.WriteString("\n<b>Очередь ошибок:</b>\n")
	sb.WriteString(fmt.Sprintf("ожидают: %d · повтор: %d · исчерпаны: %d · успешно: %d · пропущены: %d",
		s.DeadLetters[deadletter.StatusPending],
		s.DeadLetters[deadletter.StatusRetrying],
		s.DeadLetters[deadletter.StatusExhausted],
		s.DeadLetters[deadletter.StatusSuccess],
		s.DeadLetters[deadletter.StatusSkipped],
	))

	return sb.String()
}

// FormatDeadLetter formats one dead-letter entry
func (f *TelegramFormatter) FormatDeadLetter(e *deadletter.Entry) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("<b>Ошибка обработки</b> · %s\n", statusLabel(e.State.Status())))
	sb.WriteString(fmt.Sprintf("<b>Ящик:</b> %s / %s\n", f.escapeHTML(e.AccountName), f.escapeHTML(e.Folder)))
	sb.WriteString(fmt.Sprintf("<b>Письмо:</b> <code>%s</code> (UID %d)\n", f.escapeHTML(e.MessageID), e.UID))
	sb.WriteString(fmt.Sprintf("<b>Попыток:</b> %d\n", e.Attempts))
	sb.WriteString(fmt.Sprintf("<b>Создано:</b> %s\n", e.CreatedAt.Format(dateLayout)))
	if p, ok := e.State.(deadletter.Pending); ok && p.NextRetryAt != nil {
		sb.WriteString(fmt.Sprintf("<b>Следующая попытка:</b> %s\n", p.NextRetryAt.Format(dateLayout)))
	}
	if at := e.ResolvedAt(); at != nil {
		sb.WriteString(fmt.Sprintf("<b>Закрыто:</b> %s\n", at.Format(dateLayout)))
	}
	sb.WriteString(fmt.Sprintf("<b>Ошибка:</b> <code>%s</code>", f.escapeHTML(clip(e.Error, 500))))

	return sb.String()
}

// FormatDeadLetters formats the /dlq summary line list
func (f *TelegramFormatter) FormatDeadLetters(entries []*deadletter.Entry) string {
	if len(entries) == 0 {
		return "Очередь ошибок пуста"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<b>Необработанные письма (%d):</b>\n", len(entries)))
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf("\n• %s / %s · UID %d · попыток %d · %s",
			f.escapeHTML(e.AccountName),
			f.escapeHTML(e.Folder),
			e.UID,
			e.Attempts,
			statusLabel(e.State.Status()),
		))
	}
	return sb.String()
}

// escapeHTML escapes HTML special characters for Telegram
func (f *TelegramFormatter) escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate truncates text to maxLen characters
func (f *TelegramFormatter) truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	// never cut an entity in half
	cut := string(runes[:maxLen])
	if i := strings.LastIndex(cut, "&"); i >= 0 && !strings.Contains(cut[i:], ";") {
		cut = cut[:i]
	}
	return cut + "\n\n<i>... (сообщение обрезано)</i>"
}

// clip shortens plain text that ends up inside a tag
func clip(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

func stateIcon(s models.AccountState) string {
	switch {
	case s.Paused:
		return "⏸"
	case s.Connected:
		return "🟢"
	default:
		return "🔴"
	}
}

func statusLabel(s deadletter.Status) string {
	switch s {
	case deadletter.StatusPending:
		return "ожидает"
	case deadletter.StatusRetrying:
		return "повтор"
	case deadletter.StatusExhausted:
		return "исчерпано"
	case deadletter.StatusSuccess:
		return "успешно"
	case deadletter.StatusSkipped:
		return "пропущено"
	default:
		return string(s)
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d с", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%d мин", int(d.Minutes()))
	default:
		return fmt.Sprintf("%d ч", int(d.Hours()))
	}
}

package telegram

import (
	"context"
	"fmt"

	"github.com/mixelka/mailwatch/internal/config"
	"github.com/mixelka/mailwatch/internal/mailbox"
	"github.com/mixelka/mailwatch/internal/parser"
)

// ForwardMail sends a parsed message to the account's chat and topic
func (b *Bot) ForwardMail(ctx context.Context, account config.Account, folder string, msg *mailbox.Message, content parser.Content) error {
	text := b.formatter.FormatMail(account, folder, msg, content)

	tgMsg, err := b.sendMessage(ctx, account.ChatID, account.TopicID, text)
	if err != nil {
		return fmt.Errorf("failed to send to telegram: %w", err)
	}

	b.logger.Debug("mail sent to telegram",
		"account", account.Name,
		"telegram_msg_id", tgMsg.ID,
		"codes_detected", len(content.Codes),
	)
	return nil
}

// NotifyAccountError reports a connection failure in the account's topic
func (b *Bot) NotifyAccountError(account config.Account, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	text := b.formatter.FormatAccountError(account, err)
	if _, sendErr := b.sendMessage(ctx, account.ChatID, account.TopicID, text); sendErr != nil {
		b.logger.Error("failed to send error notification", "account", account.Name, "error", sendErr)
	}
}

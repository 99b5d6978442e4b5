package telegram

import (
	"context"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// authorized reports whether msg may run operator commands: it must come from
// the admin chat, and in groups from one of its administrators
func (b *Bot) authorized(ctx context.Context, msg *models.Message) bool {
	if msg == nil || msg.Chat.ID != b.config.TelegramAdminChatID {
		if msg != nil {
			b.logger.Warn("command from foreign chat ignored", "chat_id", msg.Chat.ID)
		}
		return false
	}
	if msg.Chat.Type == "private" || msg.From == nil {
		return true
	}

	isAdmin, err := b.isUserAdmin(ctx, msg.Chat.ID, msg.From.ID)
	if err != nil {
		b.logger.Error("failed to check admin status", "error", err)
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Ошибка проверки прав")
		return false
	}
	if !isAdmin {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Только администраторы могут управлять ящиками")
		return false
	}
	return true
}

// isUserAdmin checks if a user is an admin in the chat
func (b *Bot) isUserAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	// Use separate context with timeout to avoid blocking
	apiCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	member, err := b.bot.GetChatMember(apiCtx, &bot.GetChatMemberParams{
		ChatID: chatID,
		UserID: userID,
	})
	if err != nil {
		return false, err
	}

	b.logger.Debug("member type", "user_id", userID, "type", member.Type)
	switch member.Type {
	case models.ChatMemberTypeOwner, models.ChatMemberTypeAdministrator:
		return true, nil
	default:
		return false, nil
	}
}

// sendMessage sends an HTML message to a topic; topic 0 is the main thread
func (b *Bot) sendMessage(ctx context.Context, chatID int64, topicID int, text string) (*models.Message, error) {
	return b.sendMessageWithKeyboard(ctx, chatID, topicID, text, nil)
}

// sendMessageWithKeyboard sends a message with an optional inline keyboard
func (b *Bot) sendMessageWithKeyboard(ctx context.Context, chatID int64, topicID int, text string, keyboard *models.InlineKeyboardMarkup) (*models.Message, error) {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}

	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}
	if topicID != 0 {
		params.MessageThreadID = topicID
	}

	return b.bot.SendMessage(ctx, params)
}

// editMessage replaces the text and keyboard of a message
func (b *Bot) editMessage(ctx context.Context, chatID int64, msgID int, text string, keyboard *models.InlineKeyboardMarkup) error {
	params := &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: msgID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}
	_, err := b.bot.EditMessageText(ctx, params)
	return err
}

// deleteMessage deletes a message
func (b *Bot) deleteMessage(ctx context.Context, chatID int64, msgID int) error {
	_, err := b.bot.DeleteMessage(ctx, &bot.DeleteMessageParams{
		ChatID:    chatID,
		MessageID: msgID,
	})
	return err
}

// answerCallback answers a callback query
func (b *Bot) answerCallback(ctx context.Context, callbackID, text string, showAlert bool) error {
	_, err := b.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       showAlert,
	})
	return err
}

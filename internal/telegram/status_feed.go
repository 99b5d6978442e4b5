package telegram

import (
	"context"
	"strings"
	"time"
)

const statusRefreshInterval = 5 * time.Second

// RunStatusFeed keeps one status message in the admin chat up to date. It
// redraws at most once per refresh interval after a change signal and returns
// when ctx is done.
func (b *Bot) RunStatusFeed(ctx context.Context, changes <-chan struct{}) {
	chatID := b.config.TelegramAdminChatID
	if chatID == 0 {
		b.logger.Warn("status feed needs TELEGRAM_ADMIN_CHAT_ID, not starting")
		return
	}

	ticker := time.NewTicker(statusRefreshInterval)
	defer ticker.Stop()

	var msgID int
	dirty := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			dirty = true
		case <-ticker.C:
			if !dirty {
				continue
			}
			r := b.statusReply(ctx)

			if msgID == 0 {
				msg, err := b.sendMessageWithKeyboard(ctx, chatID, 0, r.text, r.keyboard)
				if err != nil {
					b.logger.Warn("failed to send status message", "error", err)
					continue
				}
				msgID = msg.ID
				dirty = false
				continue
			}

			err := b.editMessage(ctx, chatID, msgID, r.text, r.keyboard)
			if err != nil && !strings.Contains(err.Error(), "message is not modified") {
				b.logger.Warn("failed to update status message", "error", err)
				if strings.Contains(err.Error(), "message to edit not found") {
					msgID = 0
				}
				continue
			}
			dirty = false
		}
	}
}

package formatter

import (
	"encoding/json"

	"github.com/go-telegram/bot/models"

	"github.com/mixelka/mailwatch/internal/deadletter"
	appmodels "github.com/mixelka/mailwatch/pkg/models"
)

// BuildDeadLetterKeyboard creates the action buttons of a dead-letter entry.
// Resolved entries only offer removal.
func BuildDeadLetterKeyboard(e *deadletter.Entry) *models.InlineKeyboardMarkup {
	var row []models.InlineKeyboardButton

	if _, ok := e.State.(deadletter.Pending); ok {
		row = append(row, models.InlineKeyboardButton{
			Text: "Повторить",
			CallbackData: EncodeCallback(appmodels.CallbackData{
				Action:  appmodels.CallbackRetry,
				EntryID: e.ID,
			}),
		})
	}
	if !e.Resolved() {
		row = append(row, models.InlineKeyboardButton{
			Text: "Пропустить",
			CallbackData: EncodeCallback(appmodels.CallbackData{
				Action:  appmodels.CallbackSkip,
				EntryID: e.ID,
			}),
		})
	}
	row = append(row, models.InlineKeyboardButton{
		Text: "Удалить",
		CallbackData: EncodeCallback(appmodels.CallbackData{
			Action:  appmodels.CallbackDismiss,
			EntryID: e.ID,
		}),
	})

	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{row},
	}
}

// BuildAccountKeyboard creates the pause/resume buttons, one row per account
func BuildAccountKeyboard(states []appmodels.AccountState) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(states))
	for _, s := range states {
		btn := models.InlineKeyboardButton{
			Text: "⏸ " + s.Name,
			CallbackData: EncodeCallback(appmodels.CallbackData{
				Action:  appmodels.CallbackPause,
				Account: s.Name,
			}),
		}
		if s.Paused {
			btn = models.InlineKeyboardButton{
				Text: "▶️ " + s.Name,
				CallbackData: EncodeCallback(appmodels.CallbackData{
					Action:  appmodels.CallbackResume,
					Account: s.Name,
				}),
			}
		}
		rows = append(rows, []models.InlineKeyboardButton{btn})
	}
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: rows,
	}
}

// EncodeCallback encodes callback data to string
func EncodeCallback(data appmodels.CallbackData) string {
	b, _ := json.Marshal(data)
	return string(b)
}

// DecodeCallback decodes callback data from string
func DecodeCallback(data string) (appmodels.CallbackData, error) {
	var cb appmodels.CallbackData
	err := json.Unmarshal([]byte(data), &cb)
	return cb, err
}

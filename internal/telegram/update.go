package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/multi-ai-tgbot-go/internal/models"
)

// ConvertUpdate maps a Telegram update onto the router's update shape.
// Updates other than messages and button presses become UpdateUnknown.
func ConvertUpdate(update *tgbotapi.Update) *models.Update {
	out := &models.Update{ID: update.UpdateID, Kind: models.UpdateUnknown}

	if cb := update.CallbackQuery; cb != nil && cb.From != nil {
		out.Kind = models.UpdateCallback
		out.Callback = &models.Callback{
			ID:     cb.ID,
			UserID: cb.From.ID,
			ChatID: cb.From.ID,
			Action: cb.Data,
		}
		if cb.Message != nil && cb.Message.Chat != nil {
			out.Callback.ChatID = cb.Message.Chat.ID
			out.Callback.MessageID = cb.Message.MessageID
		}
		return out
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return out
	}

	out.Kind = models.UpdateMessage
	out.Message = &models.IncomingMessage{
		MessageID:    msg.MessageID,
		ChatID:       msg.Chat.ID,
		UserID:       msg.From.ID,
		Username:     msg.From.UserName,
		LanguageCode: msg.From.LanguageCode,
		Text:         msg.Text,
		IsPrivate:    msg.Chat.IsPrivate(),
	}
	if len(msg.Photo) > 0 {
		out.Message.Photo = &models.Photo{
			FileID:  largestPhoto(msg.Photo).FileID,
			Caption: msg.Caption,
		}
	}
	return out
}

// largestPhoto picks the biggest of the sizes Telegram offers
func largestPhoto(sizes []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := sizes[0]
	for _, size := range sizes[1:] {
		if size.Width*size.Height > best.Width*best.Height {
			best = size
		}
	}
	return best
}

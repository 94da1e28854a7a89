package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/multi-ai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	platformName = "telegram"

	// photos sent to vision backends are capped well below provider limits
	maxFileBytes = 20 << 20
)

// Messenger sends everything the router produces through the Bot API
type Messenger struct {
	bot        *tgbotapi.BotAPI
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewMessenger wraps an authorized bot
func NewMessenger(bot *tgbotapi.BotAPI, logger *logrus.Logger) *Messenger {
	return &Messenger{
		bot:        bot,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

// NewBot authorizes token against the Bot API. An empty endpoint means the public one.
func NewBot(token, endpoint string, debug bool) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 90 * time.Second})
	if err != nil {
		return nil, platformError(err)
	}
	bot.Debug = debug
	return bot, nil
}

func (m *Messenger) SendMessage(ctx context.Context, chatID int64, text string, opts models.SendOptions) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = opts.ParseMode
	msg.ReplyToMessageID = opts.ReplyTo
	if len(opts.Keyboard) > 0 {
		msg.ReplyMarkup = inlineKeyboard(opts.Keyboard)
	}

	sent, err := m.bot.Send(msg)
	if err != nil {
		return 0, platformError(err)
	}
	return sent.MessageID, nil
}

func (m *Messenger) EditMessage(ctx context.Context, chatID int64, messageID int, text string, opts models.SendOptions) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = opts.ParseMode
	if len(opts.Keyboard) > 0 {
		markup := inlineKeyboard(opts.Keyboard)
		edit.ReplyMarkup = &markup
	}

	_, err := m.bot.Send(edit)
	if err != nil && !isNotModified(err) {
		return platformError(err)
	}
	return nil
}

func (m *Messenger) SendPhoto(ctx context.Context, chatID int64, photo models.PhotoSource, caption string) error {
	var file tgbotapi.RequestFileData
	switch {
	case photo.URL != "":
		file = tgbotapi.FileURL(photo.URL)
	case len(photo.Data) > 0:
		file = tgbotapi.FileBytes{Name: "image.png", Bytes: photo.Data}
	default:
		return fmt.Errorf("photo has neither url nor data")
	}

	msg := tgbotapi.NewPhoto(chatID, file)
	msg.Caption = truncate(caption, 1024)
	if _, err := m.bot.Send(msg); err != nil {
		return platformError(err)
	}
	return nil
}

func (m *Messenger) SendChatAction(ctx context.Context, chatID int64, action string) error {
	if _, err := m.bot.Request(tgbotapi.NewChatAction(chatID, action)); err != nil {
		return platformError(err)
	}
	return nil
}

func (m *Messenger) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if _, err := m.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return platformError(err)
	}
	return nil
}

// SetCommandMenu sets the command list shown in one chat
func (m *Messenger) SetCommandMenu(ctx context.Context, chatID int64, commands []models.CommandInfo) error {
	cfg := tgbotapi.NewSetMyCommandsWithScope(tgbotapi.NewBotCommandScopeChat(chatID), botCommands(commands)...)
	if _, err := m.bot.Request(cfg); err != nil {
		return platformError(err)
	}
	return nil
}

// SetDefaultCommands sets the menu every chat sees for one client language.
// An empty languageCode sets the fallback menu.
func (m *Messenger) SetDefaultCommands(ctx context.Context, languageCode string, commands []models.CommandInfo) error {
	scope := tgbotapi.NewBotCommandScopeDefault()
	var cfg tgbotapi.SetMyCommandsConfig
	if languageCode == "" {
		cfg = tgbotapi.NewSetMyCommandsWithScope(scope, botCommands(commands)...)
	} else {
		cfg = tgbotapi.NewSetMyCommandsWithScopeAndLanguage(scope, languageCode, botCommands(commands)...)
	}
	if _, err := m.bot.Request(cfg); err != nil {
		return platformError(err)
	}
	return nil
}

// FetchFile downloads an uploaded file and reports its MIME type
func (m *Messenger) FetchFile(ctx context.Context, fileID string) ([]byte, string, error) {
	fileURL, err := m.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, "", platformError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", &models.UpstreamError{Backend: platformName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, "", &models.UpstreamError{Backend: platformName, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxFileBytes {
		return nil, "", fmt.Errorf("file exceeds %d bytes", maxFileBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	mimeType = strings.TrimSpace(mimeType)
	// the file endpoint often answers application/octet-stream
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// SetWebhook registers url with the secret token Telegram echoes on every delivery
func (m *Messenger) SetWebhook(url, secret string) error {
	params := tgbotapi.Params{}
	params["url"] = url
	params.AddNonEmpty("secret_token", secret)
	params["allowed_updates"] = `["message","callback_query"]`
	if _, err := m.bot.MakeRequest("setWebhook", params); err != nil {
		return platformError(err)
	}
	return nil
}

// DeleteWebhook switches the bot back to long polling
func (m *Messenger) DeleteWebhook(dropPending bool) error {
	if _, err := m.bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: dropPending}); err != nil {
		return platformError(err)
	}
	return nil
}

func inlineKeyboard(keyboard models.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(keyboard))
	for _, row := range keyboard {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func botCommands(commands []models.CommandInfo) []tgbotapi.BotCommand {
	out := make([]tgbotapi.BotCommand, 0, len(commands))
	for _, c := range commands {
		out = append(out, tgbotapi.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func isNotModified(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "message is not modified")
}

// platformError turns a Bot API rejection into an UpstreamError
func platformError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &models.UpstreamError{
			Backend:    platformName,
			StatusCode: apiErr.Code,
			Status:     strconv.Itoa(apiErr.Code),
			Body:       apiErr.Message,
		}
	}
	return &models.UpstreamError{Backend: platformName, Err: err}
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/multi-ai-tgbot-go/internal/i18n"
	"github.com/multi-ai-tgbot-go/internal/middleware"
	"github.com/multi-ai-tgbot-go/internal/models"
	"github.com/multi-ai-tgbot-go/internal/services/ai"
	"github.com/multi-ai-tgbot-go/internal/services/conversation"
	"github.com/multi-ai-tgbot-go/internal/services/storage"
	"github.com/multi-ai-tgbot-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	ChatID    int64
	MessageID int
	Text      string
	Opts      models.SendOptions
}

type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	failHTML bool
	reject   string
	sent     []sentMessage
	edits    []sentMessage
	photos   []models.PhotoSource
	actions  []string
	answered []string
	menus    [][]models.CommandInfo
}

func (f *fakeMessenger) SendMessage(ctx context.Context, chatID int64, text string, opts models.SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHTML && opts.ParseMode == models.ParseModeHTML {
		return 0, errors.New("Bad Request: can't parse entities")
	}
	if f.reject != "" && strings.Contains(text, f.reject) {
		return 0, errors.New("Forbidden: bot was blocked")
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{ChatID: chatID, MessageID: f.nextID, Text: text, Opts: opts})
	return f.nextID, nil
}

func (f *fakeMessenger) EditMessage(ctx context.Context, chatID int64, messageID int, text string, opts models.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHTML && opts.ParseMode == models.ParseModeHTML {
		return errors.New("Bad Request: can't parse entities")
	}
	f.edits = append(f.edits, sentMessage{ChatID: chatID, MessageID: messageID, Text: text, Opts: opts})
	return nil
}

func (f *fakeMessenger) SendPhoto(ctx context.Context, chatID int64, photo models.PhotoSource, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, photo)
	return nil
}

func (f *fakeMessenger) SendChatAction(ctx context.Context, chatID int64, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeMessenger) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, callbackID)
	return nil
}

func (f *fakeMessenger) SetCommandMenu(ctx context.Context, chatID int64, commands []models.CommandInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menus = append(f.menus, commands)
	return nil
}

func (f *fakeMessenger) FetchFile(ctx context.Context, fileID string) ([]byte, string, error) {
	return []byte("jpeg"), "image/jpeg", nil
}

func (f *fakeMessenger) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Text)
	}
	return out
}

type fakeBackend struct {
	name       string
	models     []string
	configured bool
	reply      string
	err        error

	mu       sync.Mutex
	calls    int
	messages []models.Message
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) GenerateReply(ctx context.Context, messages []models.Message, model string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.messages = messages
	if !b.configured {
		return "", &models.ConfigurationError{Backend: b.name, Missing: "api key"}
	}
	return b.reply, b.err
}

func (b *fakeBackend) IsValidModel(model string) bool {
	for _, m := range b.models {
		if m == model {
			return true
		}
	}
	return false
}

func (b *fakeBackend) DefaultModel() string      { return b.models[0] }
func (b *fakeBackend) AvailableModels() []string { return b.models }
func (b *fakeBackend) IsConfigured() bool        { return b.configured }

type fakeVisionBackend struct {
	*fakeBackend
	prompt string
}

func (b *fakeVisionBackend) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt, model string) (string, error) {
	b.prompt = prompt
	return b.reply, b.err
}

type fakeStreamingBackend struct {
	*fakeBackend
	fragments []string
}

func (b *fakeStreamingBackend) StreamReply(ctx context.Context, messages []models.Message, model string, onDelta func(string)) (string, error) {
	var full strings.Builder
	for _, f := range b.fragments {
		full.WriteString(f)
		onDelta(f)
	}
	return strings.TrimSpace(full.String()), b.err
}

type fakeImageBackend struct {
	options []string
	prompt  string
	option  string
}

func (b *fakeImageBackend) Name() string          { return "dalle" }
func (b *fakeImageBackend) IsConfigured() bool    { return true }
func (b *fakeImageBackend) Options() []string     { return b.options }
func (b *fakeImageBackend) DefaultOption() string { return b.options[0] }
func (b *fakeImageBackend) IsOption(option string) bool {
	for _, o := range b.options {
		if o == option {
			return true
		}
	}
	return false
}

func (b *fakeImageBackend) Generate(ctx context.Context, prompt, option string) (*ai.GeneratedImage, error) {
	b.prompt, b.option = prompt, option
	return &ai.GeneratedImage{URL: "https://img.example/1.png"}, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(userID int64) bool { return false }
func (denyLimiter) Reset(userID int64)      {}

type fixture struct {
	router    *Router
	messenger *fakeMessenger
	conv      *conversation.Manager
	loc       *i18n.Localizer
	openai    *fakeBackend
	claude    *fakeBackend
	images    *fakeImageBackend
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()

	cfg := &config.Config{
		Context: config.ContextConfig{SystemPrompt: "Be brief."},
		Reply:   config.ReplyConfig{MaxLength: 4096, StreamMinDelta: 1},
		I18n:    config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en", "zh", "de"}},
	}
	if mutate != nil {
		mutate(cfg)
	}

	loc, err := i18n.NewLocalizer(&cfg.I18n)
	require.NoError(t, err)

	f := &fixture{
		messenger: &fakeMessenger{},
		loc:       loc,
		openai:    &fakeBackend{name: "openai", models: []string{"gpt-4o-mini", "gpt-4"}, configured: true, reply: "Hello there"},
		claude:    &fakeBackend{name: "claude", models: []string{"claude-3-haiku"}},
		images:    &fakeImageBackend{options: []string{"1024x1024", "512x512"}},
	}
	resolver := ai.NewResolver(logger.Discard(), f.openai, f.claude)
	f.conv = conversation.NewManager(storage.NewMemoryStore(time.Minute), loc, resolver, config.TTLConfig{}, logger.Discard())
	f.router = NewRouter(cfg, f.messenger, f.conv, resolver,
		map[string]ai.ImageBackend{"img": f.images},
		loc, nil, middleware.NewMetrics(), logger.Discard())
	return f
}

func (f *fixture) en(key string, params map[string]string) string {
	return f.loc.Translate(key, "en", params)
}

func textUpdate(userID int64, text string) *models.Update {
	return &models.Update{
		ID:   1,
		Kind: models.UpdateMessage,
		Message: &models.IncomingMessage{
			MessageID: 10,
			ChatID:    userID,
			UserID:    userID,
			Text:      text,
			IsPrivate: true,
		},
	}
}

func callbackUpdate(userID int64, action string) *models.Update {
	return &models.Update{
		ID:   2,
		Kind: models.UpdateCallback,
		Callback: &models.Callback{
			ID:     "cb-1",
			UserID: userID,
			ChatID: userID,
			Action: action,
		},
	}
}

func TestWhitelistRejectsWithoutCallingBackend(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Whitelist = []string{"1"} })

	f.router.HandleUpdate(context.Background(), textUpdate(2, "hello"))

	assert.Equal(t, []string{f.en(i18n.MsgUnauthorized, nil)}, f.messenger.texts())
	assert.Zero(t, f.openai.calls)
}

func TestWhitelistRejectsCallbacks(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Whitelist = []string{"1"} })
	ctx := context.Background()

	f.router.HandleUpdate(ctx, callbackUpdate(2, "model_gpt-4"))

	assert.Equal(t, []string{f.en(i18n.MsgUnauthorized, nil)}, f.messenger.texts())
	assert.Equal(t, []string{"cb-1"}, f.messenger.answered)
	model, err := f.conv.GetModel(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", model)
}

func TestEmptyWhitelistAdmitsEveryone(t *testing.T) {
	f := newFixture(t, nil)
	assert.True(t, f.router.IsWhitelisted(42))
}

func TestFreeTextRepliesAndRemembers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.router.HandleUpdate(ctx, textUpdate(1, "hi"))

	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, "Hello there", f.messenger.sent[0].Text)
	assert.Equal(t, models.ParseModeHTML, f.messenger.sent[0].Opts.ParseMode)
	assert.Contains(t, f.messenger.actions, models.ActionTyping)

	history, ok, err := f.conv.GetContext(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "User: hi\nAssistant: Hello there", history)

	// the second turn carries the first one as context
	f.router.HandleUpdate(ctx, textUpdate(1, "again"))
	require.Len(t, f.openai.messages, 2)
	assert.Equal(t, models.RoleSystem, f.openai.messages[0].Role)
	assert.Equal(t, "User: hi\nAssistant: Hello there\nUser: again", f.openai.messages[1].Content)
}

func TestModelCallbackSwitchesAndClearsContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.conv.AppendContext(ctx, 1, "User: a\nAssistant: b"))

	f.router.HandleUpdate(ctx, callbackUpdate(1, "model_gpt-4"))

	model, err := f.conv.GetModel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", model)

	_, ok, err := f.conv.GetContext(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{f.en(i18n.MsgModelChanged, map[string]string{"model": "gpt-4"})}, f.messenger.texts())
	assert.Equal(t, []string{"cb-1"}, f.messenger.answered)
}

func TestModelCallbackRejectsUnknownModel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.router.HandleUpdate(ctx, callbackUpdate(1, "model_nope"))

	model, err := f.conv.GetModel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", model)
	assert.Equal(t, []string{f.en(i18n.MsgModelInvalid, map[string]string{"models": "gpt-4o-mini, gpt-4"})}, f.messenger.texts())
	assert.Equal(t, []string{"cb-1"}, f.messenger.answered)
}

func TestLanguageCallback(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.router.HandleUpdate(ctx, callbackUpdate(1, "lang_de"))

	assert.Equal(t, "de", f.conv.GetLanguage(ctx, 1))
	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, f.loc.Translate(i18n.MsgLanguageChanged, "de", map[string]string{
		"language": f.loc.Translate(i18n.MsgLanguageName, "de", nil),
	}), f.messenger.sent[0].Text)

	require.Len(t, f.messenger.menus, 1)
	assert.Equal(t, f.loc.Translate("cmd_help", "de", nil), f.messenger.menus[0][5].Description)
}

func TestLanguageCallbackRejectsUnsupported(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.router.HandleUpdate(ctx, callbackUpdate(1, "lang_xx"))

	assert.Equal(t, "en", f.conv.GetLanguage(ctx, 1))
	assert.Equal(t, []string{f.en(i18n.MsgLanguageInvalid, map[string]string{"languages": "en, zh, de"})}, f.messenger.texts())
	assert.Empty(t, f.messenger.menus)
}

func TestUnconfiguredBackendSendsOneError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.conv.SetModel(ctx, 1, "claude-3-haiku"))

	f.router.HandleUpdate(ctx, textUpdate(1, "hi"))

	assert.Equal(t, []string{f.en(i18n.MsgNotConfigured, map[string]string{"backend": "claude"})}, f.messenger.texts())
	_, ok, _ := f.conv.GetContext(ctx, 1)
	assert.False(t, ok)
}

func TestUpstreamErrorIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.openai.err = &models.UpstreamError{Backend: "openai", StatusCode: 401, Status: "Unauthorized", Body: "bad key"}

	f.router.HandleUpdate(context.Background(), textUpdate(1, "hi"))

	texts := f.messenger.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "bad key")
}

func TestEmptyReplyIsAnError(t *testing.T) {
	f := newFixture(t, nil)
	f.openai.reply = "   "

	f.router.HandleUpdate(context.Background(), textUpdate(1, "hi"))

	texts := f.messenger.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "no completion")
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t, nil)

	f.router.HandleUpdate(context.Background(), textUpdate(1, "/foo bar"))

	assert.Equal(t, []string{f.en(i18n.MsgCommandNotFound, map[string]string{"command": "foo"})}, f.messenger.texts())
	assert.Zero(t, f.openai.calls)
}

func TestCommandWithBotSuffix(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.conv.AppendContext(ctx, 1, "User: a\nAssistant: b"))

	f.router.HandleUpdate(ctx, textUpdate(1, "/new@my_bot"))

	assert.Equal(t, []string{f.en(i18n.MsgContextCleared, nil)}, f.messenger.texts())
	_, ok, _ := f.conv.GetContext(ctx, 1)
	assert.False(t, ok)
}

func TestHelpFollowsRegistryOrder(t *testing.T) {
	f := newFixture(t, nil)

	f.router.HandleUpdate(context.Background(), textUpdate(1, "/help"))

	texts := f.messenger.texts()
	require.Len(t, texts, 1)
	var order []int
	for _, name := range []string{"/start", "/language", "/switchmodel", "/new", "/history", "/help", "/img", "/flux"} {
		i := strings.Index(texts[0], name+" - ")
		require.GreaterOrEqual(t, i, 0, name)
		order = append(order, i)
	}
	assert.IsIncreasing(t, order)
}

func TestStartSetsCommandMenu(t *testing.T) {
	f := newFixture(t, nil)

	f.router.HandleUpdate(context.Background(), textUpdate(1, "/start"))

	assert.Equal(t, []string{f.en(i18n.MsgWelcome, nil)}, f.messenger.texts())
	require.Len(t, f.messenger.menus, 1)
	assert.Len(t, f.messenger.menus[0], 8)
	assert.Equal(t, "start", f.messenger.menus[0][0].Name)
}

func TestSwitchModelKeyboard(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.conv.SetModel(ctx, 1, "gpt-4"))

	f.router.HandleUpdate(ctx, textUpdate(1, "/switchmodel"))

	require.Len(t, f.messenger.sent, 1)
	keyboard := f.messenger.sent[0].Opts.Keyboard
	// only configured backends are offered
	require.Len(t, keyboard, 2)
	assert.Equal(t, models.Button{Text: "gpt-4o-mini", Data: "model_gpt-4o-mini"}, keyboard[0][0])
	assert.Equal(t, models.Button{Text: "✅ gpt-4", Data: "model_gpt-4"}, keyboard[1][0])
}

func TestLanguageKeyboard(t *testing.T) {
	f := newFixture(t, nil)

	f.router.HandleUpdate(context.Background(), textUpdate(1, "/language"))

	require.Len(t, f.messenger.sent, 1)
	keyboard := f.messenger.sent[0].Opts.Keyboard
	require.Len(t, keyboard, 2)
	assert.Equal(t, "lang_en", keyboard[0][0].Data)
	assert.True(t, strings.HasPrefix(keyboard[0][0].Text, "✅ "))
	assert.Equal(t, "lang_de", keyboard[1][0].Data)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.router.HandleUpdate(ctx, textUpdate(1, "/history"))
	assert.Equal(t, []string{f.en(i18n.MsgNoHistory, nil)}, f.messenger.texts())

	require.NoError(t, f.conv.AppendContext(ctx, 1, "User: a\nAssistant: b"))
	f.router.HandleUpdate(ctx, textUpdate(1, "/history"))
	texts := f.messenger.texts()
	require.Len(t, texts, 2)
	assert.Equal(t, f.en(i18n.MsgHistoryHeader, nil)+"\n\nUser: a\nAssistant: b", texts[1])
}

func TestChunksFallBackToPlainText(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Reply.MaxLength = 30 })
	f.messenger.failHTML = true
	f.openai.reply = strings.Repeat("line of **text**\n", 6)

	f.router.HandleUpdate(context.Background(), textUpdate(1, "hi"))

	require.Greater(t, len(f.messenger.sent), 1)
	for _, m := range f.messenger.sent {
		assert.Equal(t, models.ParseModeNone, m.Opts.ParseMode)
		assert.LessOrEqual(t, len(m.Text), 30)
		assert.Contains(t, m.Text, "line of **text**")
	}
}

func TestStreamingEditsPlaceholder(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Reply.Stream = true })
	streaming := &fakeStreamingBackend{
		fakeBackend: &fakeBackend{name: "openai", models: []string{"gpt-4o-mini"}, configured: true},
		fragments:   []string{"Hel", "lo ", "**world**"},
	}
	f.router.resolver = ai.NewResolver(logger.Discard(), streaming)
	ctx := context.Background()

	f.router.HandleUpdate(ctx, textUpdate(1, "hi"))

	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, f.en(i18n.MsgProcessing, nil), f.messenger.sent[0].Text)

	require.NotEmpty(t, f.messenger.edits)
	final := f.messenger.edits[len(f.messenger.edits)-1]
	assert.Equal(t, f.messenger.sent[0].MessageID, final.MessageID)
	assert.Equal(t, models.ParseModeHTML, final.Opts.ParseMode)
	assert.Equal(t, "Hello <b>world</b>", final.Text)

	history, _, _ := f.conv.GetContext(ctx, 1)
	assert.Equal(t, "User: hi\nAssistant: Hello **world**", history)
}

func TestStreamingErrorReplacesPlaceholder(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Reply.Stream = true })
	streaming := &fakeStreamingBackend{
		fakeBackend: &fakeBackend{name: "openai", models: []string{"gpt-4o-mini"}, configured: true, err: errors.New("stream broke")},
	}
	f.router.resolver = ai.NewResolver(logger.Discard(), streaming)

	f.router.HandleUpdate(context.Background(), textUpdate(1, "hi"))

	require.Len(t, f.messenger.sent, 1)
	require.Len(t, f.messenger.edits, 1)
	assert.Contains(t, f.messenger.edits[0].Text, "stream broke")
}

func TestPhotoWithoutVisionBackend(t *testing.T) {
	f := newFixture(t, nil)
	update := textUpdate(1, "")
	update.Message.Photo = &models.Photo{FileID: "file-1", Caption: "what is this"}

	f.router.HandleUpdate(context.Background(), update)

	assert.Equal(t, []string{f.en(i18n.MsgVisionUnsupported, map[string]string{"model": "gpt-4o-mini"})}, f.messenger.texts())
}

func TestPhotoWithVisionBackend(t *testing.T) {
	f := newFixture(t, nil)
	vision := &fakeVisionBackend{fakeBackend: &fakeBackend{name: "openai", models: []string{"gpt-4o"}, configured: true, reply: "A cat"}}
	f.router.resolver = ai.NewResolver(logger.Discard(), vision)
	ctx := context.Background()
	require.NoError(t, f.conv.SetModel(ctx, 1, "gpt-4o"))

	update := textUpdate(1, "")
	update.Message.Photo = &models.Photo{FileID: "file-1", Caption: "what is this"}
	f.router.HandleUpdate(ctx, update)

	assert.Equal(t, "what is this", vision.prompt)
	assert.Equal(t, []string{"A cat"}, f.messenger.texts())
}

func TestImageCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.router.HandleUpdate(ctx, textUpdate(1, "/img 512x512 a red fox"))

	assert.Equal(t, "a red fox", f.images.prompt)
	assert.Equal(t, "512x512", f.images.option)
	require.Len(t, f.messenger.photos, 1)
	assert.Equal(t, "https://img.example/1.png", f.messenger.photos[0].URL)
}

func TestImageCommandValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.router.HandleUpdate(ctx, textUpdate(1, "/img"))
	f.router.HandleUpdate(ctx, textUpdate(1, "/img 123x45 a fox"))

	assert.Equal(t, []string{
		f.en(i18n.MsgImagePrompt, map[string]string{"command": "img"}),
		f.en(i18n.MsgImageInvalidSize, map[string]string{"sizes": "1024x1024, 512x512"}),
	}, f.messenger.texts())
	assert.Empty(t, f.messenger.photos)
}

func TestImageCommandWithoutBackend(t *testing.T) {
	f := newFixture(t, nil)

	f.router.HandleUpdate(context.Background(), textUpdate(1, "/flux a fox"))

	assert.Equal(t, []string{f.en(i18n.MsgCommandNotFound, map[string]string{"command": "flux"})}, f.messenger.texts())
}

func TestRateLimitedUser(t *testing.T) {
	f := newFixture(t, nil)
	f.router.rateLimiter = denyLimiter{}

	f.router.HandleUpdate(context.Background(), textUpdate(1, "hi"))

	assert.Equal(t, []string{f.en(i18n.MsgRateLimitExceeded, nil)}, f.messenger.texts())
	assert.Zero(t, f.openai.calls)
}

func TestParseImageArgs(t *testing.T) {
	flux := &fakeImageBackend{options: []string{"1:1", "16:9"}}

	option, prompt, invalid := parseImageArgs(flux, "flux", []string{"16:9", "a", "city"})
	assert.Equal(t, "16:9", option)
	assert.Equal(t, "a city", prompt)
	assert.False(t, invalid)

	option, prompt, invalid = parseImageArgs(flux, "flux", []string{"a", "city"})
	assert.Equal(t, "1:1", option)
	assert.Equal(t, "a city", prompt)
	assert.False(t, invalid)

	_, _, invalid = parseImageArgs(flux, "flux", []string{"7:5", "a", "city"})
	assert.True(t, invalid)
}

func TestDeliveryFailureIsReported(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Reply.MaxLength = 30 })
	f.messenger.reject = "second"
	f.openai.reply = "first part of the reply\nsecond part of the reply"
	ctx := context.Background()

	f.router.HandleUpdate(ctx, textUpdate(1, "hi"))

	assert.Equal(t, []string{
		"first part of the reply",
		f.en(i18n.MsgError, map[string]string{"error": "Forbidden: bot was blocked"}),
	}, f.messenger.texts())
	_, ok, err := f.conv.GetContext(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestImageAnalysisDeliveryFailureIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.messenger.reject = "cat"
	vision := &fakeVisionBackend{fakeBackend: &fakeBackend{name: "openai", models: []string{"gpt-4o"}, configured: true, reply: "A cat"}}
	f.router.resolver = ai.NewResolver(logger.Discard(), vision)
	ctx := context.Background()
	require.NoError(t, f.conv.SetModel(ctx, 1, "gpt-4o"))

	update := textUpdate(1, "")
	update.Message.Photo = &models.Photo{FileID: "file-1"}
	f.router.HandleUpdate(ctx, update)

	assert.Equal(t, []string{f.en(i18n.MsgError, map[string]string{"error": "Forbidden: bot was blocked"})}, f.messenger.texts())
	_, ok, _ := f.conv.GetContext(ctx, 1)
	assert.False(t, ok)
}

func TestFreeTextDiscoversStoredModel(t *testing.T) {
	var generated int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			fmt.Fprint(w, `{"models":[{"name":"models/gemini-1.5-pro-002","supportedGenerationMethods":["generateContent"]}]}`)
		case "/models/gemini-1.5-pro-002:generateContent":
			atomic.AddInt32(&generated, 1)
			fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Hi from Gemini"}]}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newFixture(t, nil)
	gemini := ai.NewGeminiBackend(&config.BackendConfig{APIKey: "k", BaseURL: srv.URL}, logger.Discard())
	f.router.resolver = ai.NewResolver(logger.Discard(), f.openai, gemini)
	ctx := context.Background()
	// stored while an earlier discovery had succeeded
	require.NoError(t, f.conv.SetModel(ctx, 1, "gemini-1.5-pro-002"))

	f.router.HandleUpdate(ctx, textUpdate(1, "hi"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&generated))
	assert.Equal(t, []string{"Hi from Gemini"}, f.messenger.texts())
	assert.Zero(t, f.openai.calls)
}

func TestUnknownCallbackActionIsReported(t *testing.T) {
	f := newFixture(t, nil)

	f.router.HandleUpdate(context.Background(), callbackUpdate(1, "bogus"))

	assert.Equal(t, []string{f.en(i18n.MsgError, map[string]string{"error": `invalid button: "bogus"`})}, f.messenger.texts())
	assert.Equal(t, []string{"cb-1"}, f.messenger.answered)
}

func TestStreamingThrottleCountsCharacters(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Reply.Stream = true
		cfg.Reply.StreamMinDelta = 4
	})
	streaming := &fakeStreamingBackend{
		fakeBackend: &fakeBackend{name: "openai", models: []string{"gpt-4o-mini"}, configured: true},
		fragments:   []string{"你", "好", "世", "界", "吗"},
	}
	f.router.resolver = ai.NewResolver(logger.Discard(), streaming)

	f.router.HandleUpdate(context.Background(), textUpdate(1, "hi"))

	// one preview after four characters, then the final render
	require.Len(t, f.messenger.edits, 2)
	assert.Equal(t, "你好世界", f.messenger.edits[0].Text)
	assert.Equal(t, "你好世界吗", f.messenger.edits[1].Text)
}

func TestCodeBlockSurvivesChunking(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Reply.MaxLength = 60 })
	var reply strings.Builder
	reply.WriteString("Here you go:\n```go\n")
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&reply, "fmt.Println(%d)\n", i)
	}
	reply.WriteString("```")
	f.openai.reply = reply.String()

	f.router.HandleUpdate(context.Background(), textUpdate(1, "hi"))

	require.Greater(t, len(f.messenger.sent), 1)
	for _, m := range f.messenger.sent[1:] {
		assert.Equal(t, models.ParseModeHTML, m.Opts.ParseMode)
		assert.True(t, strings.HasPrefix(m.Text, `<pre><code class="language-go">`), m.Text)
		assert.NotContains(t, m.Text, "```")
	}
}

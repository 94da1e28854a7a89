package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/multi-ai-tgbot-go/internal/i18n"
	"github.com/multi-ai-tgbot-go/internal/middleware"
	"github.com/multi-ai-tgbot-go/internal/models"
	"github.com/multi-ai-tgbot-go/internal/services/ai"
	"github.com/multi-ai-tgbot-go/internal/services/conversation"
	"github.com/multi-ai-tgbot-go/pkg/logger"
	"github.com/sirupsen/logrus"
)

const (
	callbackLanguagePrefix = "lang_"
	callbackModelPrefix    = "model_"

	defaultVisionPrompt = "Describe this image."
)

// Messenger is the chat platform as seen by the router
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts models.SendOptions) (int, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, opts models.SendOptions) error
	SendPhoto(ctx context.Context, chatID int64, photo models.PhotoSource, caption string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	SetCommandMenu(ctx context.Context, chatID int64, commands []models.CommandInfo) error
	FetchFile(ctx context.Context, fileID string) ([]byte, string, error)
}

// Translator resolves messages and normalizes locale names
type Translator interface {
	i18n.Translator
	Normalize(locale string) string
}

// Recorder receives per-update metrics
type Recorder interface {
	RecordUpdateReceived(kind string)
	RecordMessageProcessed(status string)
	RecordCommandExecuted(command string)
	RecordBackendRequest(backend, model, status string, duration time.Duration)
	RecordImageRequest(backend, status string)
	RecordRateLimitExceeded()
}

// Request is one inbound message being handled
type Request struct {
	Message  *models.IncomingMessage
	Language string
	Log      *logrus.Entry
}

// Router classifies updates and runs the matching flow. Every failure that
// belongs to a user ends in a localized reply; nothing propagates.
type Router struct {
	cfg          *config.Config
	messenger    Messenger
	conversation *conversation.Manager
	resolver     *ai.Resolver
	images       map[string]ai.ImageBackend
	translator   Translator
	rateLimiter  middleware.RateLimiter
	metrics      Recorder
	whitelist    map[string]bool
	commands     []*Command
	commandIndex map[string]*Command
	logger       *logrus.Logger
}

// NewRouter creates the update router. images is keyed by the command
// that drives each image backend.
func NewRouter(
	cfg *config.Config,
	messenger Messenger,
	conv *conversation.Manager,
	resolver *ai.Resolver,
	images map[string]ai.ImageBackend,
	translator Translator,
	rateLimiter middleware.RateLimiter,
	metrics Recorder,
	logger *logrus.Logger,
) *Router {
	r := &Router{
		cfg:          cfg,
		messenger:    messenger,
		conversation: conv,
		resolver:     resolver,
		images:       images,
		translator:   translator,
		rateLimiter:  rateLimiter,
		metrics:      metrics,
		whitelist:    make(map[string]bool),
		logger:       logger,
	}
	for _, id := range cfg.Whitelist {
		r.whitelist[strings.TrimSpace(id)] = true
	}

	r.commands = defaultCommands()
	r.commandIndex = make(map[string]*Command, len(r.commands))
	for _, cmd := range r.commands {
		r.commandIndex[cmd.Name] = cmd
	}

	return r
}

// HandleUpdate runs one inbound update to completion
func (r *Router) HandleUpdate(ctx context.Context, update *models.Update) {
	switch update.Kind {
	case models.UpdateCallback:
		r.metrics.RecordUpdateReceived("callback")
		r.handleCallback(ctx, update.ID, update.Callback)
	case models.UpdateMessage:
		r.metrics.RecordUpdateReceived("message")
		r.handleMessage(ctx, update.ID, update.Message)
	default:
		r.metrics.RecordUpdateReceived("ignored")
		r.logger.WithField("update_id", update.ID).Debug("Ignoring update without message or callback")
	}
}

// IsWhitelisted reports whether userID may use the bot. An empty whitelist admits everyone.
func (r *Router) IsWhitelisted(userID int64) bool {
	if len(r.whitelist) == 0 {
		return true
	}
	return r.whitelist[strconv.FormatInt(userID, 10)]
}

func (r *Router) handleCallback(ctx context.Context, updateID int, cb *models.Callback) {
	log := logger.ForUpdate(r.logger, updateID, cb.ChatID, cb.UserID).WithField("action", cb.Action)
	log.Debug("Processing callback")

	// the platform keeps a spinner on the button until it is answered
	defer func() {
		if err := r.messenger.AnswerCallback(ctx, cb.ID, ""); err != nil {
			log.WithError(err).Warn("Failed to answer callback")
		}
	}()

	lang := r.conversation.GetLanguage(ctx, cb.UserID)
	if !r.IsWhitelisted(cb.UserID) {
		r.send(ctx, cb.ChatID, r.t(i18n.MsgUnauthorized, lang, nil), log)
		return
	}

	switch {
	case strings.HasPrefix(cb.Action, callbackLanguagePrefix):
		r.selectLanguage(ctx, cb, strings.TrimPrefix(cb.Action, callbackLanguagePrefix), log)
	case strings.HasPrefix(cb.Action, callbackModelPrefix):
		r.selectModel(ctx, cb, lang, strings.TrimPrefix(cb.Action, callbackModelPrefix), log)
	default:
		log.Warn("Unknown callback action")
		r.replyError(ctx, cb.ChatID, 0, lang, &models.ValidationError{Field: "button", Value: cb.Action}, log)
	}
}

func (r *Router) selectLanguage(ctx context.Context, cb *models.Callback, locale string, log *logrus.Entry) {
	if err := r.conversation.SetLanguage(ctx, cb.UserID, locale); err != nil {
		lang := r.conversation.GetLanguage(ctx, cb.UserID)
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			r.send(ctx, cb.ChatID, r.t(i18n.MsgLanguageInvalid, lang, map[string]string{
				"languages": strings.Join(r.translator.Languages(), ", "),
			}), log)
			return
		}
		log.WithError(err).Error("Failed to store language")
		r.replyError(ctx, cb.ChatID, 0, lang, err, log)
		return
	}

	lang := r.translator.Normalize(locale)
	r.send(ctx, cb.ChatID, r.t(i18n.MsgLanguageChanged, lang, map[string]string{
		"language": r.t(i18n.MsgLanguageName, lang, nil),
	}), log)

	if err := r.messenger.SetCommandMenu(ctx, cb.ChatID, r.Commands(lang)); err != nil {
		log.WithError(err).Warn("Failed to refresh command menu")
	}
	log.WithField("language", lang).Info("Language changed")
}

func (r *Router) selectModel(ctx context.Context, cb *models.Callback, lang, model string, log *logrus.Entry) {
	r.resolver.Refresh(ctx)
	if !r.resolver.IsValidModel(model) {
		r.send(ctx, cb.ChatID, r.t(i18n.MsgModelInvalid, lang, map[string]string{
			"models": strings.Join(r.configuredModels(), ", "),
		}), log)
		return
	}

	if err := r.conversation.SetModel(ctx, cb.UserID, model); err != nil {
		log.WithError(err).Error("Failed to store model")
		r.replyError(ctx, cb.ChatID, 0, lang, err, log)
		return
	}
	// a new model starts from a clean context
	if err := r.conversation.ClearContext(ctx, cb.UserID); err != nil {
		log.WithError(err).Warn("Failed to clear context after model switch")
	}

	r.send(ctx, cb.ChatID, r.t(i18n.MsgModelChanged, lang, map[string]string{"model": model}), log)
	log.WithField("model", model).Info("Model changed")
}

func (r *Router) handleMessage(ctx context.Context, updateID int, msg *models.IncomingMessage) {
	log := logger.ForUpdate(r.logger, updateID, msg.ChatID, msg.UserID)
	req := &Request{
		Message:  msg,
		Language: r.conversation.GetLanguage(ctx, msg.UserID),
		Log:      log,
	}

	if !r.IsWhitelisted(msg.UserID) {
		log.Warn("Rejected user outside whitelist")
		r.metrics.RecordMessageProcessed("unauthorized")
		r.send(ctx, msg.ChatID, r.t(i18n.MsgUnauthorized, req.Language, nil), log)
		return
	}

	if msg.Photo != nil {
		r.handlePhoto(ctx, req)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		r.dispatchCommand(ctx, req, text)
		return
	}
	r.handleText(ctx, req, text)
}

func (r *Router) dispatchCommand(ctx context.Context, req *Request, text string) {
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	args := fields[1:]

	req.Log = req.Log.WithField("command", name)
	req.Log.Debug("Processing command")

	err := r.ExecuteCommand(ctx, req, name, args)
	if err == nil {
		r.metrics.RecordMessageProcessed("success")
		return
	}

	var nf *models.NotFoundError
	if errors.As(err, &nf) {
		r.metrics.RecordMessageProcessed("unknown_command")
		r.send(ctx, req.Message.ChatID, r.t(i18n.MsgCommandNotFound, req.Language, map[string]string{"command": name}), req.Log)
		return
	}

	r.metrics.RecordMessageProcessed("error")
	req.Log.WithError(err).Error("Command failed")
	r.replyError(ctx, req.Message.ChatID, 0, req.Language, err, req.Log)
}

// ExecuteCommand runs a registered command. Unknown names yield a NotFoundError.
func (r *Router) ExecuteCommand(ctx context.Context, req *Request, name string, args []string) error {
	cmd, ok := r.commandIndex[name]
	if !ok {
		return &models.NotFoundError{Kind: "command", Name: name}
	}
	r.metrics.RecordCommandExecuted(name)
	return cmd.Handler(ctx, r, req, args)
}

func (r *Router) handleText(ctx context.Context, req *Request, text string) {
	msg := req.Message
	if !r.allow(ctx, req) {
		return
	}

	model, err := r.conversation.GetModel(ctx, msg.UserID)
	if err != nil {
		req.Log.WithError(err).Warn("Failed to load model, using default")
		model = r.resolver.DefaultModel(ctx)
	}
	backend := r.resolver.Resolve(ctx, model)
	log := req.Log.WithFields(logrus.Fields{"backend": backend.Name(), "model": model})

	history, _, err := r.conversation.GetContext(ctx, msg.UserID)
	if err != nil {
		log.WithError(err).Warn("Failed to load context")
	}
	messages := ai.BuildMessages(backend.Name(), model, r.cfg.Context.SystemPrompt, history, text)

	if err := r.messenger.SendChatAction(ctx, msg.ChatID, models.ActionTyping); err != nil {
		log.WithError(err).Debug("Failed to send typing action")
	}

	start := time.Now()
	var reply string
	var placeholder int
	sb, streaming := backend.(ai.StreamingBackend)
	streaming = streaming && r.cfg.Reply.Stream && backend.IsConfigured()
	if streaming {
		reply, placeholder, err = r.streamReply(ctx, msg.ChatID, req.Language, sb, messages, model, log)
	} else {
		reply, err = backend.GenerateReply(ctx, messages, model)
	}
	if err == nil && strings.TrimSpace(reply) == "" {
		err = &models.EmptyCompletionError{Backend: backend.Name(), Model: model}
	}
	if err != nil {
		r.recordBackend(backend.Name(), model, "error", start)
		r.metrics.RecordMessageProcessed("error")
		log.WithError(err).Error("Failed to generate reply")
		r.replyError(ctx, msg.ChatID, placeholder, req.Language, err, log)
		return
	}
	r.recordBackend(backend.Name(), model, "success", start)

	if streaming {
		err = r.finishStream(ctx, msg.ChatID, placeholder, reply, log)
	} else {
		err = r.deliver(ctx, msg.ChatID, reply, log)
	}
	if err != nil {
		r.metrics.RecordMessageProcessed("delivery_error")
		log.WithError(err).Error("Failed to deliver reply")
		r.replyError(ctx, msg.ChatID, 0, req.Language, err, log)
		return
	}

	r.remember(ctx, req, text, reply, log)
	r.metrics.RecordMessageProcessed("success")
}

func (r *Router) handlePhoto(ctx context.Context, req *Request) {
	msg := req.Message
	if !r.allow(ctx, req) {
		return
	}

	model, err := r.conversation.GetModel(ctx, msg.UserID)
	if err != nil {
		req.Log.WithError(err).Warn("Failed to load model, using default")
		model = r.resolver.DefaultModel(ctx)
	}
	vb, ok := r.resolver.Vision(ctx, model)
	if !ok {
		r.metrics.RecordMessageProcessed("vision_unsupported")
		r.send(ctx, msg.ChatID, r.t(i18n.MsgVisionUnsupported, req.Language, map[string]string{"model": model}), req.Log)
		return
	}
	log := req.Log.WithFields(logrus.Fields{"backend": vb.Name(), "model": model})

	prompt := strings.TrimSpace(msg.Photo.Caption)
	if prompt == "" {
		prompt = defaultVisionPrompt
	}

	if err := r.messenger.SendChatAction(ctx, msg.ChatID, models.ActionTyping); err != nil {
		log.WithError(err).Debug("Failed to send typing action")
	}

	data, mimeType, err := r.messenger.FetchFile(ctx, msg.Photo.FileID)
	if err != nil {
		r.metrics.RecordMessageProcessed("error")
		log.WithError(err).Error("Failed to download photo")
		r.replyError(ctx, msg.ChatID, 0, req.Language, err, log)
		return
	}

	start := time.Now()
	reply, err := vb.AnalyzeImage(ctx, data, mimeType, prompt, model)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = &models.EmptyCompletionError{Backend: vb.Name(), Model: model}
	}
	if err != nil {
		r.recordBackend(vb.Name(), model, "error", start)
		r.metrics.RecordMessageProcessed("error")
		log.WithError(err).Error("Failed to analyze image")
		r.replyError(ctx, msg.ChatID, 0, req.Language, err, log)
		return
	}
	r.recordBackend(vb.Name(), model, "success", start)

	if err := r.deliver(ctx, msg.ChatID, reply, log); err != nil {
		r.metrics.RecordMessageProcessed("delivery_error")
		log.WithError(err).Error("Failed to deliver image analysis")
		r.replyError(ctx, msg.ChatID, 0, req.Language, err, log)
		return
	}
	r.remember(ctx, req, "[image] "+prompt, reply, log)
	r.metrics.RecordMessageProcessed("success")
}

// allow applies the per-user rate limit and tells the user when it trips
func (r *Router) allow(ctx context.Context, req *Request) bool {
	if r.rateLimiter == nil || r.rateLimiter.Allow(req.Message.UserID) {
		return true
	}
	r.metrics.RecordRateLimitExceeded()
	r.metrics.RecordMessageProcessed("rate_limited")
	r.send(ctx, req.Message.ChatID, r.t(i18n.MsgRateLimitExceeded, req.Language, nil), req.Log)
	return false
}

func (r *Router) remember(ctx context.Context, req *Request, userText, reply string, log *logrus.Entry) {
	turn := conversation.FormatTurn(userText, reply)
	if err := r.conversation.AppendContext(ctx, req.Message.UserID, turn); err != nil {
		log.WithError(err).Warn("Failed to store context")
	}
}

func (r *Router) recordBackend(backend, model, status string, start time.Time) {
	r.metrics.RecordBackendRequest(backend, model, status, time.Since(start))
}

// replyError turns err into the user's one localized error reply. When
// editID is set the placeholder message is replaced instead.
func (r *Router) replyError(ctx context.Context, chatID int64, editID int, lang string, err error, log *logrus.Entry) {
	text := r.errorText(lang, err)

	if editID != 0 {
		if editErr := r.messenger.EditMessage(ctx, chatID, editID, text, models.SendOptions{}); editErr == nil {
			return
		}
	}
	r.send(ctx, chatID, text, log)
}

func (r *Router) errorText(lang string, err error) string {
	var cerr *models.ConfigurationError
	if errors.As(err, &cerr) {
		return r.t(i18n.MsgNotConfigured, lang, map[string]string{"backend": cerr.Backend})
	}
	var nf *models.NotFoundError
	if errors.As(err, &nf) {
		return r.t(i18n.MsgCommandNotFound, lang, map[string]string{"command": nf.Name})
	}
	return r.t(i18n.MsgError, lang, map[string]string{"error": err.Error()})
}

// send delivers a short plain text notice; failures are only logged
func (r *Router) send(ctx context.Context, chatID int64, text string, log *logrus.Entry) {
	if _, err := r.messenger.SendMessage(ctx, chatID, text, models.SendOptions{}); err != nil {
		log.WithError(err).Error("Failed to send message")
	}
}

func (r *Router) t(key, lang string, params map[string]string) string {
	return r.translator.Translate(key, lang, params)
}

// configuredModels lists the models of configured backends, in priority order
func (r *Router) configuredModels() []string {
	var out []string
	for _, b := range r.resolver.Configured() {
		out = append(out, b.AvailableModels()...)
	}
	return out
}

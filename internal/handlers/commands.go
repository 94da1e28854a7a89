package handlers

import (
	"context"
	"regexp"
	"strings"

	"github.com/multi-ai-tgbot-go/internal/i18n"
	"github.com/multi-ai-tgbot-go/internal/models"
	"github.com/multi-ai-tgbot-go/internal/services/ai"
	"github.com/sirupsen/logrus"
)

// platform limit on callback data
const maxCallbackData = 64

// CommandHandler runs one slash command
type CommandHandler func(ctx context.Context, r *Router, req *Request, args []string) error

// Command is a registered slash command
type Command struct {
	Name    string
	Handler CommandHandler
}

var (
	sizePattern  = regexp.MustCompile(`^\d+x\d+$`)
	ratioPattern = regexp.MustCompile(`^\d+:\d+$`)
)

// defaultCommands is the registry; its order is the order of /help and the menu
func defaultCommands() []*Command {
	return []*Command{
		{Name: "start", Handler: handleStart},
		{Name: "language", Handler: handleLanguage},
		{Name: "switchmodel", Handler: handleSwitchModel},
		{Name: "new", Handler: handleNew},
		{Name: "history", Handler: handleHistory},
		{Name: "help", Handler: handleHelp},
		{Name: "img", Handler: imageCommand("img")},
		{Name: "flux", Handler: imageCommand("flux")},
	}
}

// Commands returns the localized command menu for lang
func (r *Router) Commands(lang string) []models.CommandInfo {
	return CommandMenu(r.translator, lang)
}

// CommandMenu lists every registered command with its description in lang
func CommandMenu(translator i18n.Translator, lang string) []models.CommandInfo {
	commands := defaultCommands()
	out := make([]models.CommandInfo, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, models.CommandInfo{
			Name:        cmd.Name,
			Description: translator.Translate(i18n.CommandDescriptionKey(cmd.Name), lang, nil),
		})
	}
	return out
}

func handleStart(ctx context.Context, r *Router, req *Request, args []string) error {
	msg := req.Message
	if err := r.messenger.SetCommandMenu(ctx, msg.ChatID, r.Commands(req.Language)); err != nil {
		req.Log.WithError(err).Warn("Failed to set command menu")
	}
	_, err := r.messenger.SendMessage(ctx, msg.ChatID, r.t(i18n.MsgWelcome, req.Language, nil), models.SendOptions{})
	return err
}

func handleHelp(ctx context.Context, r *Router, req *Request, args []string) error {
	var b strings.Builder
	b.WriteString(r.t(i18n.MsgHelpHeader, req.Language, nil))
	b.WriteString("\n")
	for _, info := range r.Commands(req.Language) {
		b.WriteString("\n/")
		b.WriteString(info.Name)
		b.WriteString(" - ")
		b.WriteString(info.Description)
	}
	_, err := r.messenger.SendMessage(ctx, req.Message.ChatID, b.String(), models.SendOptions{})
	return err
}

func handleLanguage(ctx context.Context, r *Router, req *Request, args []string) error {
	_, err := r.messenger.SendMessage(ctx, req.Message.ChatID,
		r.t(i18n.MsgChooseLanguage, req.Language, nil),
		models.SendOptions{Keyboard: r.languageKeyboard(req.Language)})
	return err
}

// languageKeyboard lists each language under its own name, two per row
func (r *Router) languageKeyboard(current string) models.Keyboard {
	var keyboard models.Keyboard
	var row []models.Button
	for _, lang := range r.translator.Languages() {
		label := r.t(i18n.MsgLanguageName, lang, nil)
		if lang == current {
			label = "✅ " + label
		}
		row = append(row, models.Button{Text: label, Data: callbackLanguagePrefix + lang})
		if len(row) == 2 {
			keyboard = append(keyboard, row)
			row = nil
		}
	}
	if len(row) > 0 {
		keyboard = append(keyboard, row)
	}
	return keyboard
}

func handleSwitchModel(ctx context.Context, r *Router, req *Request, args []string) error {
	msg := req.Message
	r.resolver.Refresh(ctx)

	current, err := r.conversation.GetModel(ctx, msg.UserID)
	if err != nil {
		req.Log.WithError(err).Warn("Failed to load model, using default")
		current = r.resolver.DefaultModel(ctx)
	}

	keyboard := modelKeyboard(r.configuredModels(), current, req.Log)
	if len(keyboard) == 0 {
		_, err := r.messenger.SendMessage(ctx, msg.ChatID, r.t(i18n.MsgNoModels, req.Language, nil), models.SendOptions{})
		return err
	}

	_, err = r.messenger.SendMessage(ctx, msg.ChatID,
		r.t(i18n.MsgChooseModel, req.Language, map[string]string{"model": current}),
		models.SendOptions{Keyboard: keyboard})
	return err
}

// modelKeyboard puts one model per row and marks the current one
func modelKeyboard(names []string, current string, log *logrus.Entry) models.Keyboard {
	var keyboard models.Keyboard
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		data := callbackModelPrefix + name
		if len(data) > maxCallbackData {
			log.WithField("model", name).Warn("Model name too long for a keyboard button")
			continue
		}
		label := name
		if name == current {
			label = "✅ " + name
		}
		keyboard = append(keyboard, []models.Button{{Text: label, Data: data}})
	}
	return keyboard
}

func handleNew(ctx context.Context, r *Router, req *Request, args []string) error {
	msg := req.Message
	if err := r.conversation.ClearContext(ctx, msg.UserID); err != nil {
		return err
	}
	_, err := r.messenger.SendMessage(ctx, msg.ChatID, r.t(i18n.MsgContextCleared, req.Language, nil), models.SendOptions{})
	return err
}

func handleHistory(ctx context.Context, r *Router, req *Request, args []string) error {
	msg := req.Message
	history, ok, err := r.conversation.GetContext(ctx, msg.UserID)
	if err != nil {
		return err
	}
	if !ok || strings.TrimSpace(history) == "" {
		_, err := r.messenger.SendMessage(ctx, msg.ChatID, r.t(i18n.MsgNoHistory, req.Language, nil), models.SendOptions{})
		return err
	}
	return r.deliverPlain(ctx, msg.ChatID, r.t(i18n.MsgHistoryHeader, req.Language, nil)+"\n\n"+history)
}

// imageCommand serves /img [size] prompt and /flux [ratio] prompt
func imageCommand(command string) CommandHandler {
	return func(ctx context.Context, r *Router, req *Request, args []string) error {
		return handleImage(ctx, r, req, command, args)
	}
}

func handleImage(ctx context.Context, r *Router, req *Request, command string, args []string) error {
	msg := req.Message
	backend, ok := r.images[command]
	if !ok || backend == nil {
		return &models.NotFoundError{Kind: "command", Name: command}
	}
	if !backend.IsConfigured() {
		return &models.ConfigurationError{Backend: backend.Name(), Missing: "api key"}
	}

	option, prompt, invalid := parseImageArgs(backend, command, args)
	if invalid {
		key, param := i18n.MsgImageInvalidSize, "sizes"
		if command == "flux" {
			key, param = i18n.MsgImageInvalidRatio, "ratios"
		}
		_, err := r.messenger.SendMessage(ctx, msg.ChatID,
			r.t(key, req.Language, map[string]string{param: strings.Join(backend.Options(), ", ")}),
			models.SendOptions{})
		return err
	}
	if prompt == "" {
		_, err := r.messenger.SendMessage(ctx, msg.ChatID,
			r.t(i18n.MsgImagePrompt, req.Language, map[string]string{"command": command}),
			models.SendOptions{})
		return err
	}

	if !r.allow(ctx, req) {
		return nil
	}

	log := req.Log.WithFields(logrus.Fields{"backend": backend.Name(), "option": option})
	r.send(ctx, msg.ChatID, r.t(i18n.MsgGeneratingImage, req.Language, nil), log)
	if err := r.messenger.SendChatAction(ctx, msg.ChatID, models.ActionUploadPhoto); err != nil {
		log.WithError(err).Debug("Failed to send upload action")
	}

	image, err := backend.Generate(ctx, prompt, option)
	if err != nil {
		r.metrics.RecordImageRequest(backend.Name(), "error")
		return err
	}
	r.metrics.RecordImageRequest(backend.Name(), "success")

	return r.messenger.SendPhoto(ctx, msg.ChatID, models.PhotoSource{URL: image.URL, Data: image.Data}, prompt)
}

// parseImageArgs splits an optional leading size or ratio from the prompt.
// invalid is set when the first word has the option's shape but is not offered.
func parseImageArgs(backend ai.ImageBackend, command string, args []string) (option, prompt string, invalid bool) {
	option = backend.DefaultOption()
	if len(args) == 0 {
		return option, "", false
	}

	shape := sizePattern
	if command == "flux" {
		shape = ratioPattern
	}
	first := strings.ToLower(args[0])
	switch {
	case backend.IsOption(first):
		return first, strings.Join(args[1:], " "), false
	case shape.MatchString(first):
		return "", "", true
	default:
		return option, strings.Join(args, " "), false
	}
}

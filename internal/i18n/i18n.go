package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFiles embed.FS

// DefaultLanguage is the locale every lookup falls back to
const DefaultLanguage = "en"

// Translator resolves message keys to localized strings
type Translator interface {
	Translate(key, locale string, params map[string]string) string
	Supported(locale string) bool
	Languages() []string
}

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	languages       []string
	localizers      map[string]*i18n.Localizer
}

var aliases = map[string]string{
	"zh-hant": "zh-TW",
	"zh-tw":   "zh-TW",
	"zh-hk":   "zh-TW",
	"zh-hans": "zh",
	"zh-cn":   "zh",
}

// NewLocalizer creates a new localizer over the embedded locale tables
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	defaultLang := cfg.DefaultLanguage
	if defaultLang == "" {
		defaultLang = DefaultLanguage
	}
	tag, err := language.Parse(defaultLang)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %s: %w", defaultLang, err)
	}

	bundle := i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{defaultLang}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range languages {
		name := path.Join("locales", lang+".json")
		data, err := localeFiles.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, name); err != nil {
			return nil, fmt.Errorf("failed to parse language file %s: %w", lang, err)
		}
		localizers[lang] = i18n.NewLocalizer(bundle, lang, defaultLang)
	}
	if _, ok := localizers[defaultLang]; !ok {
		return nil, fmt.Errorf("default language %s is not in the language list", defaultLang)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: defaultLang,
		languages:       languages,
		localizers:      localizers,
	}, nil
}

// Normalize maps locale aliases such as zh-Hant onto the supported tag
func (l *Localizer) Normalize(locale string) string {
	if alias, ok := aliases[strings.ToLower(locale)]; ok {
		return alias
	}
	for _, lang := range l.languages {
		if strings.EqualFold(lang, locale) {
			return lang
		}
	}
	return locale
}

// Supported reports whether locale is one of the configured languages
func (l *Localizer) Supported(locale string) bool {
	_, ok := l.localizers[l.Normalize(locale)]
	return ok
}

// Languages returns the configured languages in menu order
func (l *Localizer) Languages() []string {
	return append([]string(nil), l.languages...)
}

// Translate returns the message for key in locale, falling back to the default
// language and then to the key itself. {name} placeholders are replaced literally.
func (l *Localizer) Translate(key, locale string, params map[string]string) string {
	text, ok := l.lookup(key, l.Normalize(locale))
	if !ok {
		text, ok = l.lookup(key, l.defaultLanguage)
	}
	if !ok {
		text = key
	}
	return substitute(text, params)
}

func (l *Localizer) lookup(key, locale string) (string, bool) {
	localizer, exists := l.localizers[locale]
	if !exists {
		return "", false
	}
	msg, err := localizer.Localize(&i18n.LocalizeConfig{MessageID: key})
	if err != nil || msg == "" {
		return "", false
	}
	return msg, true
}

func substitute(text string, params map[string]string) string {
	if len(params) == 0 {
		return text
	}
	pairs := make([]string, 0, len(params)*2)
	for name, value := range params {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Message IDs
const (
	MsgWelcome           = "welcome"
	MsgHelpHeader        = "help_header"
	MsgCommandNotFound   = "command_not_found"
	MsgUnauthorized      = "unauthorized"
	MsgError             = "error"
	MsgNotConfigured     = "not_configured"
	MsgChooseLanguage    = "choose_language"
	MsgLanguageChanged   = "language_changed"
	MsgLanguageInvalid   = "language_invalid"
	MsgChooseModel       = "choose_model"
	MsgModelChanged      = "model_changed"
	MsgModelInvalid      = "model_invalid"
	MsgNoModels          = "no_models"
	MsgContextCleared    = "context_cleared"
	MsgNoHistory         = "no_history"
	MsgHistoryHeader     = "history_header"
	MsgVisionUnsupported = "vision_unsupported"
	MsgImagePrompt       = "image_prompt_required"
	MsgImageInvalidSize  = "image_invalid_size"
	MsgImageInvalidRatio = "image_invalid_ratio"
	MsgGeneratingImage   = "generating_image"
	MsgRateLimitExceeded = "rate_limit_exceeded"
	MsgProcessing        = "processing"
	MsgLanguageName      = "language_name"
)

// CommandDescriptionKey is the message ID of a command's menu description
func CommandDescriptionKey(command string) string {
	return "cmd_" + command
}

package conversation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/multi-ai-tgbot-go/internal/i18n"
	"github.com/multi-ai-tgbot-go/internal/models"
	"github.com/multi-ai-tgbot-go/internal/services/storage"
	"github.com/sirupsen/logrus"
)

// Languages is the closed locale set a preference may take
type Languages interface {
	Supported(locale string) bool
	Normalize(locale string) string
	Languages() []string
}

// DefaultModeler yields the model a user gets when nothing is stored
type DefaultModeler interface {
	DefaultModel(ctx context.Context) string
}

// Manager maps a user to language, selected model and rolling context.
// Each of the three lives under its own key with its own TTL.
type Manager struct {
	store     storage.KeyValueStore
	languages Languages
	models    DefaultModeler
	ttl       config.TTLConfig
	logger    *logrus.Logger
}

func NewManager(store storage.KeyValueStore, languages Languages, models DefaultModeler, ttl config.TTLConfig, logger *logrus.Logger) *Manager {
	return &Manager{
		store:     store,
		languages: languages,
		models:    models,
		ttl:       ttl,
		logger:    logger,
	}
}

func languageKey(userID int64) string { return "language:" + strconv.FormatInt(userID, 10) }
func modelKey(userID int64) string    { return "model:" + strconv.FormatInt(userID, 10) }
func contextKey(userID int64) string  { return "context:" + strconv.FormatInt(userID, 10) }

// GetLanguage returns the stored locale or the default one.
// Store errors count as no preference.
func (m *Manager) GetLanguage(ctx context.Context, userID int64) string {
	lang, found, err := m.store.Get(ctx, languageKey(userID))
	if err != nil {
		m.logger.WithError(err).WithField("user_id", userID).Warn("Failed to read language preference")
		return i18n.DefaultLanguage
	}
	if !found || lang == "" {
		return i18n.DefaultLanguage
	}
	return lang
}

// SetLanguage persists locale when it is one of the supported languages
func (m *Manager) SetLanguage(ctx context.Context, userID int64, locale string) error {
	if !m.languages.Supported(locale) {
		return &models.ValidationError{Field: "language", Value: locale, Valid: m.languages.Languages()}
	}
	return m.store.Set(ctx, languageKey(userID), m.languages.Normalize(locale), m.ttl.Language)
}

// GetModel returns the selected model or the configured default
func (m *Manager) GetModel(ctx context.Context, userID int64) (string, error) {
	model, found, err := m.store.Get(ctx, modelKey(userID))
	if err != nil {
		return "", fmt.Errorf("failed to read model preference: %w", err)
	}
	if !found || model == "" {
		return m.models.DefaultModel(ctx), nil
	}
	return model, nil
}

// SetModel stores model as is; callers validate it against the backends
func (m *Manager) SetModel(ctx context.Context, userID int64, model string) error {
	return m.store.Set(ctx, modelKey(userID), model, m.ttl.Model)
}

// GetPreference assembles the three per-user values
func (m *Manager) GetPreference(ctx context.Context, userID int64) (*models.UserPreference, error) {
	model, err := m.GetModel(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.UserPreference{
		UserID:        userID,
		Language:      m.GetLanguage(ctx, userID),
		SelectedModel: model,
	}, nil
}

// GetContext returns the rolling context; found is false when none is stored
func (m *Manager) GetContext(ctx context.Context, userID int64) (string, bool, error) {
	value, found, err := m.store.Get(ctx, contextKey(userID))
	if err != nil {
		return "", false, fmt.Errorf("failed to read context: %w", err)
	}
	return value, found && value != "", nil
}

// AppendContext joins turn onto the stored context with a newline and
// rewrites the whole value with a fresh TTL. Concurrent appends for one
// user are last-write-wins.
func (m *Manager) AppendContext(ctx context.Context, userID int64, turn string) error {
	existing, found, err := m.GetContext(ctx, userID)
	if err != nil {
		return err
	}
	value := turn
	if found {
		value = existing + "\n" + turn
	}
	return m.store.Set(ctx, contextKey(userID), value, m.ttl.Context)
}

// ClearContext deletes the context key; deleting a missing key is not an error
func (m *Manager) ClearContext(ctx context.Context, userID int64) error {
	return m.store.Del(ctx, contextKey(userID))
}

// FormatTurn renders one exchange the way it is kept in the context
func FormatTurn(userText, reply string) string {
	return "User: " + userText + "\nAssistant: " + strings.TrimSpace(reply)
}

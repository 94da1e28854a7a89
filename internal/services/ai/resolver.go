package ai

import (
	"context"
	"strings"

	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/multi-ai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Resolver maps a model name onto the backend that serves it.
// Backends are checked in a fixed priority order: OpenAI, Gemini, Groq, Claude, Azure.
type Resolver struct {
	backends []ModelBackend
	fallback ModelBackend
	logger   *logrus.Logger
}

// NewBackends constructs every provider adapter in priority order.
// Unconfigured ones are kept so a stored model still resolves to them.
func NewBackends(cfg *config.BackendsConfig, logger *logrus.Logger) []ModelBackend {
	return []ModelBackend{
		NewOpenAIBackend(&cfg.OpenAI, logger),
		NewGeminiBackend(&cfg.Gemini, logger),
		NewGroqBackend(&cfg.Groq, logger),
		NewClaudeBackend(&cfg.Claude, logger),
		NewAzureBackend(&cfg.Azure, logger),
	}
}

// NewResolver keeps backends in the given order. The OpenAI backend is the
// fallback; without one the first backend is.
func NewResolver(logger *logrus.Logger, backends ...ModelBackend) *Resolver {
	r := &Resolver{backends: backends, logger: logger}
	for _, b := range backends {
		if b.Name() == BackendOpenAI {
			r.fallback = b
			break
		}
	}
	if r.fallback == nil && len(backends) > 0 {
		r.fallback = backends[0]
	}

	for _, b := range backends {
		logger.WithFields(logrus.Fields{
			"backend":    b.Name(),
			"configured": b.IsConfigured(),
			"models":     len(b.AvailableModels()),
		}).Info("Model backend loaded")
	}
	return r
}

// Resolve returns the first backend listing model. A model no catalog knows
// yet triggers discovery before falling back to OpenAI with a warning.
func (r *Resolver) Resolve(ctx context.Context, model string) ModelBackend {
	if b := r.lookup(model); b != nil {
		return b
	}
	r.Refresh(ctx)
	if b := r.lookup(model); b != nil {
		return b
	}
	r.logger.WithField("model", model).Warn("No backend lists model, falling back to OpenAI")
	return r.fallback
}

func (r *Resolver) lookup(model string) ModelBackend {
	for _, b := range r.backends {
		if b.IsValidModel(model) {
			return b
		}
	}
	return nil
}

// DefaultModel is the default of the first configured backend. A backend
// whose catalog is still empty gets one discovery attempt first.
func (r *Resolver) DefaultModel(ctx context.Context) string {
	for _, b := range r.backends {
		if !b.IsConfigured() {
			continue
		}
		model := b.DefaultModel()
		if model == "" {
			if cb, ok := b.(CatalogBackend); ok {
				if err := cb.EnsureCatalog(ctx); err != nil {
					r.logger.WithError(err).WithField("backend", b.Name()).Warn("Model catalog discovery failed")
				}
				model = b.DefaultModel()
			}
		}
		if model != "" {
			return model
		}
	}
	if r.fallback == nil {
		return ""
	}
	return r.fallback.DefaultModel()
}

// IsValidModel reports whether any backend lists model
func (r *Resolver) IsValidModel(model string) bool {
	return r.lookup(model) != nil
}

// Configured returns the backends that have credentials, in priority order
func (r *Resolver) Configured() []ModelBackend {
	var out []ModelBackend
	for _, b := range r.backends {
		if b.IsConfigured() {
			out = append(out, b)
		}
	}
	return out
}

// AllModels lists every model of every backend, in priority order
func (r *Resolver) AllModels() []string {
	var out []string
	for _, b := range r.backends {
		out = append(out, b.AvailableModels()...)
	}
	return out
}

// Refresh runs catalog discovery on configured backends that need it.
// Discovery failures are logged; the static lists stay usable.
func (r *Resolver) Refresh(ctx context.Context) {
	for _, b := range r.Configured() {
		cb, ok := b.(CatalogBackend)
		if !ok {
			continue
		}
		if err := cb.EnsureCatalog(ctx); err != nil {
			r.logger.WithError(err).WithField("backend", b.Name()).Warn("Model catalog refresh failed")
		}
	}
}

// Vision returns the configured vision backend serving model, if any.
// Unknown models get one catalog refresh before giving up.
func (r *Resolver) Vision(ctx context.Context, model string) (VisionBackend, bool) {
	if vb, ok := r.vision(model); ok {
		return vb, true
	}
	if r.IsValidModel(model) {
		return nil, false
	}
	r.Refresh(ctx)
	return r.vision(model)
}

func (r *Resolver) vision(model string) (VisionBackend, bool) {
	for _, b := range r.Configured() {
		vb, ok := b.(VisionBackend)
		if ok && vb.IsValidModel(model) {
			return vb, true
		}
	}
	return nil, false
}

// IsGeminiFamily reports whether the backend or model cannot take a system turn
func IsGeminiFamily(backend, model string) bool {
	if backend == BackendGemini {
		return true
	}
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "gemini") || strings.HasPrefix(m, "gemma")
}

// BuildMessages assembles the sequence sent to a backend. The stored context
// and the new text form a single user turn. Gemini family models get the
// system prompt folded into that turn instead of a system message.
func BuildMessages(backend, model, systemPrompt, history, text string) []models.Message {
	user := text
	if history != "" {
		user = history + "\nUser: " + text
	}

	if systemPrompt == "" {
		return []models.Message{{Role: models.RoleUser, Content: user}}
	}
	if IsGeminiFamily(backend, model) {
		return []models.Message{{Role: models.RoleUser, Content: systemPrompt + "\n\n" + user}}
	}
	return []models.Message{
		{Role: models.RoleSystem, Content: systemPrompt},
		{Role: models.RoleUser, Content: user},
	}
}

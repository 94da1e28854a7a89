package ai

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/multi-ai-tgbot-go/internal/models"
)

// Backend names, also used as metric labels
const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
	BackendGroq   = "groq"
	BackendClaude = "claude"
	BackendAzure  = "azure"
)

const defaultTimeout = 120 * time.Second

// ModelBackend is the capability every provider adapter implements
type ModelBackend interface {
	Name() string
	// GenerateReply sends messages to the completion endpoint and returns the
	// trimmed text of the first choice. An empty model means DefaultModel.
	GenerateReply(ctx context.Context, messages []models.Message, model string) (string, error)
	IsValidModel(model string) bool
	DefaultModel() string
	AvailableModels() []string
	IsConfigured() bool
}

// StreamingBackend delivers a reply as a finite sequence of fragments.
// onDelta receives each fragment in order; the full text is returned at the end.
type StreamingBackend interface {
	ModelBackend
	StreamReply(ctx context.Context, messages []models.Message, model string, onDelta func(fragment string)) (string, error)
}

// VisionBackend answers a prompt about an attached image
type VisionBackend interface {
	ModelBackend
	AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt, model string) (string, error)
}

// CatalogBackend discovers its model list with a separate call.
// EnsureCatalog is idempotent and safe for concurrent use.
type CatalogBackend interface {
	ModelBackend
	EnsureCatalog(ctx context.Context) error
}

// catalog holds the ordered model list of one backend
type catalog struct {
	mu           sync.RWMutex
	name         string
	models       []string
	defaultModel string
}

func newCatalog(name string, available []string, defaultModel string) *catalog {
	return &catalog{
		name:         name,
		models:       append([]string(nil), available...),
		defaultModel: defaultModel,
	}
}

func (c *catalog) Name() string {
	return c.name
}

func (c *catalog) IsValidModel(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.models {
		if m == model {
			return true
		}
	}
	return false
}

// DefaultModel returns the configured override or the first available model
func (c *catalog) DefaultModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.defaultModel != "" {
		return c.defaultModel
	}
	if len(c.models) > 0 {
		return c.models[0]
	}
	return ""
}

func (c *catalog) AvailableModels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.models...)
}

func (c *catalog) replace(available []string) {
	c.mu.Lock()
	c.models = append([]string(nil), available...)
	c.mu.Unlock()
}

func (c *catalog) pick(model string) string {
	if model != "" {
		return model
	}
	return c.DefaultModel()
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// missing names the setting that keeps a backend unconfigured
func missing(apiKey string, available []string) string {
	if apiKey == "" {
		return "api key"
	}
	if len(available) == 0 {
		return "models"
	}
	return ""
}

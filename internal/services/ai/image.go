package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/multi-ai-tgbot-go/internal/models"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// Image backend names
const (
	ImageDalle = "dalle"
	ImageFlux  = "flux"
)

// GeneratedImage carries either a URL or the raw bytes of one image
type GeneratedImage struct {
	URL  string
	Data []byte
}

// ImageBackend turns a prompt into an image. Options are the sizes or
// aspect ratios a caller may pick from.
type ImageBackend interface {
	Name() string
	IsConfigured() bool
	Options() []string
	DefaultOption() string
	IsOption(option string) bool
	Generate(ctx context.Context, prompt, option string) (*GeneratedImage, error)
}

var dalleSizes = []string{
	openai.CreateImageSize256x256,
	openai.CreateImageSize512x512,
	openai.CreateImageSize1024x1024,
	openai.CreateImageSize1792x1024,
	openai.CreateImageSize1024x1792,
}

var fluxRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4"}

var fluxRatioSizes = map[string]string{
	"1:1":  "1024x1024",
	"16:9": "1344x768",
	"9:16": "768x1344",
	"4:3":  "1152x864",
	"3:4":  "864x1152",
}

// OpenAIImageBackend generates images through an OpenAI compatible
// images endpoint. Flux providers expose the same endpoint.
type OpenAIImageBackend struct {
	name          string
	client        *openai.Client
	apiKey        string
	model         string
	options       []string
	defaultOption string
	sizeFor       func(option string) string
	logger        *logrus.Logger
}

func newImageClient(cfg *config.ImageBackendConfig) *openai.Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = newHTTPClient(0)
	return openai.NewClientWithConfig(clientConfig)
}

func NewDalleBackend(cfg *config.ImageBackendConfig, logger *logrus.Logger) *OpenAIImageBackend {
	return &OpenAIImageBackend{
		name:          ImageDalle,
		client:        newImageClient(cfg),
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		options:       dalleSizes,
		defaultOption: openai.CreateImageSize1024x1024,
		sizeFor:       func(option string) string { return option },
		logger:        logger,
	}
}

func NewFluxBackend(cfg *config.ImageBackendConfig, logger *logrus.Logger) *OpenAIImageBackend {
	return &OpenAIImageBackend{
		name:          ImageFlux,
		client:        newImageClient(cfg),
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		options:       fluxRatios,
		defaultOption: "1:1",
		sizeFor:       func(option string) string { return fluxRatioSizes[option] },
		logger:        logger,
	}
}

func (b *OpenAIImageBackend) Name() string {
	return b.name
}

func (b *OpenAIImageBackend) IsConfigured() bool {
	return b.apiKey != ""
}

func (b *OpenAIImageBackend) Options() []string {
	return append([]string(nil), b.options...)
}

func (b *OpenAIImageBackend) DefaultOption() string {
	return b.defaultOption
}

// IsOption reports whether option is one of the accepted sizes or ratios
func (b *OpenAIImageBackend) IsOption(option string) bool {
	for _, o := range b.options {
		if o == option {
			return true
		}
	}
	return false
}

// Generate creates one image. An empty option means the default.
func (b *OpenAIImageBackend) Generate(ctx context.Context, prompt, option string) (*GeneratedImage, error) {
	if !b.IsConfigured() {
		return nil, &models.ConfigurationError{Backend: b.name, Missing: "api key"}
	}
	if option == "" {
		option = b.defaultOption
	}
	if !b.IsOption(option) {
		field := "size"
		if b.name == ImageFlux {
			field = "ratio"
		}
		return nil, &models.ValidationError{Field: field, Value: option, Valid: b.Options()}
	}

	resp, err := b.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          b.model,
		N:              1,
		Size:           b.sizeFor(option),
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, openAIError(b.name, b.logger, err)
	}
	if len(resp.Data) == 0 {
		return nil, &models.EmptyCompletionError{Backend: b.name, Model: b.model}
	}

	img := resp.Data[0]
	if img.URL != "" {
		return &GeneratedImage{URL: img.URL}, nil
	}
	data, err := base64.StdEncoding.DecodeString(img.B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return &GeneratedImage{Data: data}, nil
}

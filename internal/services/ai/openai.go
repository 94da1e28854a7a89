package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/multi-ai-tgbot-go/internal/models"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// chatClient speaks the OpenAI chat completions protocol. The OpenAI,
// Groq and Azure backends differ only in how the client is configured.
type chatClient struct {
	backend   string
	client    *openai.Client
	maxTokens int
	logger    *logrus.Logger
}

func (c *chatClient) request(messages []models.Message, model string) openai.ChatCompletionRequest {
	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return openai.ChatCompletionRequest{
		Model:     model,
		Messages:  chatMessages,
		MaxTokens: c.maxTokens,
	}
}

func (c *chatClient) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", c.upstreamError(err)
	}

	c.logger.WithFields(logrus.Fields{
		"backend":  c.backend,
		"model":    req.Model,
		"choices":  len(resp.Choices),
		"duration": time.Since(start).String(),
	}).Debug("Chat completion finished")

	if len(resp.Choices) == 0 {
		return "", &models.EmptyCompletionError{Backend: c.backend, Model: req.Model}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *chatClient) stream(ctx context.Context, req openai.ChatCompletionRequest, onDelta func(string)) (string, error) {
	req.Stream = true
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", c.upstreamError(err)
	}
	defer stream.Close()

	var full strings.Builder
	received := false
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", c.upstreamError(err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		received = true
		fragment := chunk.Choices[0].Delta.Content
		if fragment == "" {
			continue
		}
		full.WriteString(fragment)
		if onDelta != nil {
			onDelta(fragment)
		}
	}

	if !received {
		return "", &models.EmptyCompletionError{Backend: c.backend, Model: req.Model}
	}
	return strings.TrimSpace(full.String()), nil
}

func (c *chatClient) analyze(ctx context.Context, image []byte, mimeType, prompt, model string) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))
	req := openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: c.maxTokens,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
			},
		}},
	}
	return c.complete(ctx, req)
}

func (c *chatClient) upstreamError(err error) error {
	return openAIError(c.backend, c.logger, err)
}

// openAIError converts a go-openai failure into an UpstreamError
func openAIError(backend string, logger *logrus.Logger, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		logger.WithFields(logrus.Fields{
			"backend": backend,
			"status":  apiErr.HTTPStatusCode,
			"body":    apiErr.Message,
		}).Error("Backend request failed")
		return &models.UpstreamError{
			Backend:    backend,
			StatusCode: apiErr.HTTPStatusCode,
			Status:     http.StatusText(apiErr.HTTPStatusCode),
			Body:       apiErr.Message,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		logger.WithFields(logrus.Fields{
			"backend": backend,
			"status":  reqErr.HTTPStatusCode,
		}).WithError(reqErr.Err).Error("Backend request failed")
		return &models.UpstreamError{
			Backend:    backend,
			StatusCode: reqErr.HTTPStatusCode,
			Status:     http.StatusText(reqErr.HTTPStatusCode),
			Err:        reqErr.Err,
		}
	}
	logger.WithError(err).WithField("backend", backend).Error("Backend request failed")
	return &models.UpstreamError{Backend: backend, Err: err}
}

// OpenAIBackend serves any OpenAI compatible endpoint
type OpenAIBackend struct {
	*catalog
	chat   *chatClient
	apiKey string
}

// NewOpenAIBackend creates the OpenAI compatible backend. It is the only
// backend whose default model may be overridden by configuration.
func NewOpenAIBackend(cfg *config.BackendConfig, logger *logrus.Logger) *OpenAIBackend {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = newHTTPClient(cfg.Timeout)

	logger.WithFields(logrus.Fields{
		"baseURL": clientConfig.BaseURL,
		"models":  len(cfg.Models),
	}).Debug("Loading OpenAI backend")

	return &OpenAIBackend{
		catalog: newCatalog(BackendOpenAI, cfg.Models, cfg.DefaultModel),
		chat: &chatClient{
			backend:   BackendOpenAI,
			client:    openai.NewClientWithConfig(clientConfig),
			maxTokens: cfg.MaxTokens,
			logger:    logger,
		},
		apiKey: cfg.APIKey,
	}
}

func (b *OpenAIBackend) IsConfigured() bool {
	return b.apiKey != "" && len(b.AvailableModels()) > 0
}

func (b *OpenAIBackend) GenerateReply(ctx context.Context, messages []models.Message, model string) (string, error) {
	if !b.IsConfigured() {
		return "", &models.ConfigurationError{Backend: BackendOpenAI, Missing: missing(b.apiKey, b.AvailableModels())}
	}
	return b.chat.complete(ctx, b.chat.request(messages, b.pick(model)))
}

func (b *OpenAIBackend) StreamReply(ctx context.Context, messages []models.Message, model string, onDelta func(string)) (string, error) {
	if !b.IsConfigured() {
		return "", &models.ConfigurationError{Backend: BackendOpenAI, Missing: missing(b.apiKey, b.AvailableModels())}
	}
	return b.chat.stream(ctx, b.chat.request(messages, b.pick(model)), onDelta)
}

func (b *OpenAIBackend) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt, model string) (string, error) {
	if !b.IsConfigured() {
		return "", &models.ConfigurationError{Backend: BackendOpenAI, Missing: missing(b.apiKey, b.AvailableModels())}
	}
	return b.chat.analyze(ctx, image, mimeType, prompt, b.pick(model))
}

// GroqBackend serves Groq's OpenAI compatible endpoint
type GroqBackend struct {
	*catalog
	chat   *chatClient
	apiKey string
}

func NewGroqBackend(cfg *config.BackendConfig, logger *logrus.Logger) *GroqBackend {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	clientConfig.HTTPClient = newHTTPClient(cfg.Timeout)

	return &GroqBackend{
		catalog: newCatalog(BackendGroq, cfg.Models, ""),
		chat: &chatClient{
			backend:   BackendGroq,
			client:    openai.NewClientWithConfig(clientConfig),
			maxTokens: cfg.MaxTokens,
			logger:    logger,
		},
		apiKey: cfg.APIKey,
	}
}

func (b *GroqBackend) IsConfigured() bool {
	return b.apiKey != "" && len(b.AvailableModels()) > 0
}

func (b *GroqBackend) GenerateReply(ctx context.Context, messages []models.Message, model string) (string, error) {
	if !b.IsConfigured() {
		return "", &models.ConfigurationError{Backend: BackendGroq, Missing: missing(b.apiKey, b.AvailableModels())}
	}
	return b.chat.complete(ctx, b.chat.request(messages, b.pick(model)))
}

func (b *GroqBackend) StreamReply(ctx context.Context, messages []models.Message, model string, onDelta func(string)) (string, error) {
	if !b.IsConfigured() {
		return "", &models.ConfigurationError{Backend: BackendGroq, Missing: missing(b.apiKey, b.AvailableModels())}
	}
	return b.chat.stream(ctx, b.chat.request(messages, b.pick(model)), onDelta)
}

// AzureBackend serves Azure OpenAI deployments. Model names map onto
// deployment names through the configured table, falling back to the model name.
type AzureBackend struct {
	*catalog
	chat     *chatClient
	apiKey   string
	endpoint string
}

func NewAzureBackend(cfg *config.AzureConfig, logger *logrus.Logger) *AzureBackend {
	clientConfig := openai.DefaultAzureConfig(cfg.APIKey, strings.TrimSuffix(cfg.BaseURL, "/"))
	if cfg.APIVersion != "" {
		clientConfig.APIVersion = cfg.APIVersion
	}
	deployments := cfg.Deployments
	clientConfig.AzureModelMapperFunc = func(model string) string {
		if deployment, ok := deployments[model]; ok && deployment != "" {
			return deployment
		}
		return model
	}
	clientConfig.HTTPClient = newHTTPClient(cfg.Timeout)

	return &AzureBackend{
		catalog: newCatalog(BackendAzure, cfg.Models, ""),
		chat: &chatClient{
			backend:   BackendAzure,
			client:    openai.NewClientWithConfig(clientConfig),
			maxTokens: cfg.MaxTokens,
			logger:    logger,
		},
		apiKey:   cfg.APIKey,
		endpoint: cfg.BaseURL,
	}
}

func (b *AzureBackend) IsConfigured() bool {
	return b.apiKey != "" && b.endpoint != "" && len(b.AvailableModels()) > 0
}

func (b *AzureBackend) missingSetting() string {
	if b.endpoint == "" && b.apiKey != "" {
		return "endpoint"
	}
	return missing(b.apiKey, b.AvailableModels())
}

func (b *AzureBackend) GenerateReply(ctx context.Context, messages []models.Message, model string) (string, error) {
	if !b.IsConfigured() {
		return "", &models.ConfigurationError{Backend: BackendAzure, Missing: b.missingSetting()}
	}
	return b.chat.complete(ctx, b.chat.request(messages, b.pick(model)))
}

func (b *AzureBackend) StreamReply(ctx context.Context, messages []models.Message, model string, onDelta func(string)) (string, error) {
	if !b.IsConfigured() {
		return "", &models.ConfigurationError{Backend: BackendAzure, Missing: b.missingSetting()}
	}
	return b.chat.stream(ctx, b.chat.request(messages, b.pick(model)), onDelta)
}

package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/multi-ai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	claudeAPIVersion       = "2023-06-01"
	claudeDefaultMaxTokens = 4096
)

type claudeBlock struct {
	Type   string             `json:"type"`
	Text   string             `json:"text,omitempty"`
	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeMessage struct {
	Role    string        `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeResponse struct {
	Content []claudeBlock `json:"content"`
}

type claudeErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ClaudeBackend talks to the Anthropic Messages API. System messages move
// to the top level system field.
type ClaudeBackend struct {
	*catalog
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClaudeBackend(cfg *config.BackendConfig, logger *logrus.Logger) *ClaudeBackend {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = claudeDefaultMaxTokens
	}
	return &ClaudeBackend{
		catalog:    newCatalog(BackendClaude, cfg.Models, ""),
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		maxTokens:  maxTokens,
		httpClient: newHTTPClient(cfg.Timeout),
		logger:     logger,
	}
}

func (b *ClaudeBackend) IsConfigured() bool {
	return b.apiKey != "" && len(b.AvailableModels()) > 0
}

func (b *ClaudeBackend) GenerateReply(ctx context.Context, messages []models.Message, model string) (string, error) {
	if !b.IsConfigured() {
		return "", &models.ConfigurationError{Backend: BackendClaude, Missing: missing(b.apiKey, b.AvailableModels())}
	}

	req := claudeRequest{Model: b.pick(model), MaxTokens: b.maxTokens}
	var system []string
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		req.Messages = append(req.Messages, claudeMessage{
			Role:    msg.Role,
			Content: []claudeBlock{{Type: "text", Text: msg.Content}},
		})
	}
	req.System = strings.Join(system, "\n\n")

	return b.send(ctx, req)
}

func (b *ClaudeBackend) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt, model string) (string, error) {
	if !b.IsConfigured() {
		return "", &models.ConfigurationError{Backend: BackendClaude, Missing: missing(b.apiKey, b.AvailableModels())}
	}
	req := claudeRequest{
		Model:     b.pick(model),
		MaxTokens: b.maxTokens,
		Messages: []claudeMessage{{
			Role: models.RoleUser,
			Content: []claudeBlock{
				{Type: "image", Source: &claudeImageSource{
					Type:      "base64",
					MediaType: mimeType,
					Data:      base64.StdEncoding.EncodeToString(image),
				}},
				{Type: "text", Text: prompt},
			},
		}},
	}
	return b.send(ctx, req)
}

func (b *ClaudeBackend) send(ctx context.Context, payload claudeRequest) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", claudeAPIVersion)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", &models.UpstreamError{Backend: BackendClaude, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := string(body)
		var parsed claudeErrorBody
		if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
			errBody = parsed.Error.Message
		}
		b.logger.WithFields(logrus.Fields{
			"backend": BackendClaude,
			"status":  resp.StatusCode,
			"body":    string(body),
		}).Error("Backend request failed")
		return "", &models.UpstreamError{
			Backend:    BackendClaude,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       errBody,
		}
	}

	var result claudeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if len(result.Content) == 0 {
		return "", &models.EmptyCompletionError{Backend: BackendClaude, Model: payload.Model}
	}
	return strings.TrimSpace(text.String()), nil
}

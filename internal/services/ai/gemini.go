package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/multi-ai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type geminiModelList struct {
	Models []struct {
		Name                       string   `json:"name"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
	NextPageToken string `json:"nextPageToken"`
}

// GeminiBackend talks to the Generative Language REST API. Its catalog is
// discovered lazily; the configured models serve until discovery succeeds.
type GeminiBackend struct {
	*catalog
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	logger     *logrus.Logger

	discoverMu sync.Mutex
	discovered bool
	maxRetries uint64
}

func NewGeminiBackend(cfg *config.BackendConfig, logger *logrus.Logger) *GeminiBackend {
	return &GeminiBackend{
		catalog:    newCatalog(BackendGemini, cfg.Models, ""),
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		maxTokens:  cfg.MaxTokens,
		httpClient: newHTTPClient(cfg.Timeout),
		logger:     logger,
		maxRetries: 3,
	}
}

// IsConfigured only needs the key; the model list can come from discovery
func (b *GeminiBackend) IsConfigured() bool {
	return b.apiKey != ""
}

// EnsureCatalog fetches the model list once. Failures are retried with
// exponential backoff and leave the current list in place.
func (b *GeminiBackend) EnsureCatalog(ctx context.Context) error {
	if !b.IsConfigured() {
		return &models.ConfigurationError{Backend: BackendGemini, Missing: "api key"}
	}

	b.discoverMu.Lock()
	defer b.discoverMu.Unlock()
	if b.discovered {
		return nil
	}

	var found []string
	op := func() error {
		list, err := b.listModels(ctx)
		if err != nil {
			var upstream *models.UpstreamError
			if errors.As(err, &upstream) && upstream.StatusCode >= 400 && upstream.StatusCode < 500 && upstream.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		found = list
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxElapsedTime = 30 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, b.maxRetries), ctx)

	if err := backoff.Retry(op, bo); err != nil {
		b.logger.WithError(err).Warn("Gemini model discovery failed, keeping configured models")
		return fmt.Errorf("gemini model discovery failed: %w", err)
	}
	if len(found) == 0 {
		return fmt.Errorf("gemini model discovery returned no generateContent models")
	}

	b.replace(found)
	b.discovered = true
	b.logger.WithField("models", len(found)).Info("Gemini model catalog discovered")
	return nil
}

func (b *GeminiBackend) listModels(ctx context.Context) ([]string, error) {
	var names []string
	pageToken := ""
	for {
		query := url.Values{"pageSize": {"100"}}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		body, err := b.do(ctx, http.MethodGet, b.baseURL+"/models?"+query.Encode(), nil)
		if err != nil {
			return nil, err
		}

		var list geminiModelList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("failed to parse model list: %w", err)
		}
		for _, m := range list.Models {
			if !supportsGenerateContent(m.SupportedGenerationMethods) {
				continue
			}
			names = append(names, strings.TrimPrefix(m.Name, "models/"))
		}
		if list.NextPageToken == "" {
			return names, nil
		}
		pageToken = list.NextPageToken
	}
}

func supportsGenerateContent(methods []string) bool {
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}
	return false
}

func (b *GeminiBackend) GenerateReply(ctx context.Context, messages []models.Message, model string) (string, error) {
	if !b.IsConfigured() {
		return "", &models.ConfigurationError{Backend: BackendGemini, Missing: "api key"}
	}
	model = b.pick(model)
	if model == "" {
		if err := b.EnsureCatalog(ctx); err != nil {
			return "", err
		}
		model = b.DefaultModel()
	}
	return b.generate(ctx, model, geminiContents(messages))
}

func (b *GeminiBackend) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt, model string) (string, error) {
	if !b.IsConfigured() {
		return "", &models.ConfigurationError{Backend: BackendGemini, Missing: "api key"}
	}
	contents := []geminiContent{{
		Role: "user",
		Parts: []geminiPart{
			{Text: prompt},
			{InlineData: &geminiInlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
		},
	}}
	return b.generate(ctx, b.pick(model), contents)
}

func (b *GeminiBackend) generate(ctx context.Context, model string, contents []geminiContent) (string, error) {
	req := geminiRequest{Contents: contents}
	if b.maxTokens > 0 {
		req.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: b.maxTokens}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", b.baseURL, model)
	body, err := b.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return "", err
	}

	var result geminiResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(result.Candidates) == 0 {
		return "", &models.EmptyCompletionError{Backend: BackendGemini, Model: model}
	}

	var text strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return strings.TrimSpace(text.String()), nil
}

func (b *GeminiBackend) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &models.UpstreamError{Backend: BackendGemini, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logger.WithFields(logrus.Fields{
			"backend": BackendGemini,
			"status":  resp.StatusCode,
			"body":    string(body),
		}).Error("Backend request failed")
		return nil, &models.UpstreamError{
			Backend:    BackendGemini,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}
	return body, nil
}

// geminiContents maps chat messages onto Gemini turns. The protocol has no
// system role, so system text is folded into the first user turn and the
// assistant role becomes "model".
func geminiContents(messages []models.Message) []geminiContent {
	var system []string
	contents := make([]geminiContent, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, msg.Content)
		case models.RoleAssistant:
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}
	if len(system) == 0 {
		return contents
	}

	preamble := strings.Join(system, "\n\n")
	for i := range contents {
		if contents[i].Role == "user" {
			contents[i].Parts[0].Text = preamble + "\n\n" + contents[i].Parts[0].Text
			return contents
		}
	}
	return append([]geminiContent{{Role: "user", Parts: []geminiPart{{Text: preamble}}}}, contents...)
}

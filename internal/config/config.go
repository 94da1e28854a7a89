package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	Whitelist  []string         `mapstructure:"whitelist"`
	Backends   BackendsConfig   `mapstructure:"backends"`
	Images     ImagesConfig     `mapstructure:"images"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Context    ContextConfig    `mapstructure:"context"`
	Reply      ReplyConfig      `mapstructure:"reply"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Token         string        `mapstructure:"token"`
	Webhook       WebhookConfig `mapstructure:"webhook"`
	UpdateTimeout int           `mapstructure:"update_timeout"`
}

type WebhookConfig struct {
	URL    string `mapstructure:"url"`
	Path   string `mapstructure:"path"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`
}

// Enabled reports whether updates arrive by webhook instead of long polling
func (w WebhookConfig) Enabled() bool {
	return w.URL != ""
}

type BackendsConfig struct {
	OpenAI BackendConfig `mapstructure:"openai"`
	Gemini BackendConfig `mapstructure:"gemini"`
	Groq   BackendConfig `mapstructure:"groq"`
	Claude BackendConfig `mapstructure:"claude"`
	Azure  AzureConfig   `mapstructure:"azure"`
}

type BackendConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Models       []string      `mapstructure:"models"`
	DefaultModel string        `mapstructure:"default_model"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type AzureConfig struct {
	BackendConfig `mapstructure:",squash"`
	APIVersion    string            `mapstructure:"api_version"`
	Deployments   map[string]string `mapstructure:"deployments"`
}

type ImagesConfig struct {
	Dalle ImageBackendConfig `mapstructure:"dalle"`
	Flux  ImageBackendConfig `mapstructure:"flux"`
}

type ImageBackendConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Memory MemoryConfig `mapstructure:"memory"`
	TTL    TTLConfig    `mapstructure:"ttl"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MemoryConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type TTLConfig struct {
	Language time.Duration `mapstructure:"language"`
	Model    time.Duration `mapstructure:"model"`
	Context  time.Duration `mapstructure:"context"`
	Dedup    time.Duration `mapstructure:"dedup"`
}

type ContextConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
}

type ReplyConfig struct {
	MaxLength      int  `mapstructure:"max_length"`
	Stream         bool `mapstructure:"stream"`
	StreamMinDelta int  `mapstructure:"stream_min_delta"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
}

// SetDefaults registers every default value on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("whitelist", []string{})
	v.SetDefault("bot.webhook.path", "/webhook")
	v.SetDefault("bot.webhook.port", 8080)
	v.SetDefault("bot.update_timeout", 60)

	v.SetDefault("backends.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("backends.openai.models", []string{"gpt-4o-mini", "gpt-4o", "gpt-4"})
	v.SetDefault("backends.gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("backends.gemini.models", []string{"gemini-1.5-flash", "gemini-1.5-pro"})
	v.SetDefault("backends.groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("backends.groq.models", []string{"llama-3.1-70b-versatile", "mixtral-8x7b-32768", "gemma2-9b-it"})
	v.SetDefault("backends.claude.base_url", "https://api.anthropic.com/v1")
	v.SetDefault("backends.claude.models", []string{"claude-3-5-sonnet-20240620", "claude-3-haiku-20240307"})
	v.SetDefault("backends.claude.max_tokens", 4096)
	v.SetDefault("backends.azure.api_version", "2024-02-01")
	v.SetDefault("backends.azure.models", []string{"gpt-4o-azure"})

	v.SetDefault("images.dalle.base_url", "https://api.openai.com/v1")
	v.SetDefault("images.dalle.model", "dall-e-3")
	v.SetDefault("images.flux.model", "black-forest-labs/FLUX.1-schnell")

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.memory.cleanup_interval", 10*time.Minute)
	v.SetDefault("storage.ttl.language", 365*24*time.Hour)
	v.SetDefault("storage.ttl.model", 365*24*time.Hour)
	v.SetDefault("storage.ttl.context", 30*24*time.Hour)
	v.SetDefault("storage.ttl.dedup", 10*time.Minute)

	v.SetDefault("context.system_prompt", "You are a helpful assistant.")
	v.SetDefault("reply.max_length", 4096)
	v.SetDefault("reply.stream_min_delta", 80)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 20)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en", "zh", "zh-TW", "es", "ja", "de", "fr", "ru"})
}

// LoadConfig loads configuration from file and environment variables.
// An empty configPath loads defaults and environment only.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// WHITELIST from the environment is one comma separated string
	config.Whitelist = splitList(strings.Join(config.Whitelist, ","))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("bot.token", "BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("whitelist", "WHITELIST")
	_ = v.BindEnv("bot.webhook.url", "WEBHOOK_URL")
	_ = v.BindEnv("bot.webhook.secret", "WEBHOOK_SECRET")
	_ = v.BindEnv("backends.openai.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("backends.openai.base_url", "OPENAI_BASE_URL")
	_ = v.BindEnv("backends.openai.default_model", "DEFAULT_MODEL")
	_ = v.BindEnv("backends.gemini.api_key", "GEMINI_API_KEY")
	_ = v.BindEnv("backends.groq.api_key", "GROQ_API_KEY")
	_ = v.BindEnv("backends.claude.api_key", "CLAUDE_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("backends.azure.api_key", "AZURE_API_KEY")
	_ = v.BindEnv("backends.azure.base_url", "AZURE_ENDPOINT")
	_ = v.BindEnv("images.dalle.api_key", "DALLE_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("images.flux.api_key", "FLUX_API_KEY")
	_ = v.BindEnv("images.flux.base_url", "FLUX_BASE_URL")
	_ = v.BindEnv("storage.type", "STORAGE_TYPE")
	_ = v.BindEnv("storage.redis.url", "REDIS_URL")
	_ = v.BindEnv("storage.redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return fmt.Errorf("bot token is required")
	}
	switch cfg.Storage.Type {
	case "redis":
		if cfg.Storage.Redis.URL == "" && cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("redis storage requires storage.redis.url or storage.redis.addr")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if cfg.Reply.MaxLength <= 0 {
		return fmt.Errorf("reply.max_length must be positive")
	}
	return nil
}

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/multi-ai-tgbot-go/pkg/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loader reads the .env file and configuration once a subcommand runs
type loader struct {
	configPath string
	envFile    string
}

func (l *loader) load() (*config.Config, *logrus.Logger, error) {
	if err := godotenv.Load(l.envFile); err != nil {
		// It's okay if .env doesn't exist
		fmt.Fprintf(os.Stderr, "Warning: .env file not loaded: %v\n", err)
	}

	cfg, err := config.LoadConfig(l.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func newRootCmd() *cobra.Command {
	l := &loader{}
	cmd := &cobra.Command{
		Use:          "multi-ai-bot",
		Short:        "Telegram gateway to OpenAI, Gemini, Groq, Claude and Azure chat models",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&l.configPath, "config", "", "Path to configuration file (optional)")
	cmd.PersistentFlags().StringVar(&l.envFile, "env", ".env", "Path to .env file")

	cmd.AddCommand(newServeCmd(l))
	cmd.AddCommand(newWebhookCmd(l))
	cmd.AddCommand(newCommandsCmd(l))

	return cmd
}

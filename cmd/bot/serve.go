package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/multi-ai-tgbot-go/internal/handlers"
	"github.com/multi-ai-tgbot-go/internal/i18n"
	"github.com/multi-ai-tgbot-go/internal/middleware"
	"github.com/multi-ai-tgbot-go/internal/server"
	"github.com/multi-ai-tgbot-go/internal/services/ai"
	"github.com/multi-ai-tgbot-go/internal/services/conversation"
	"github.com/multi-ai-tgbot-go/internal/services/storage"
	"github.com/multi-ai-tgbot-go/internal/telegram"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(l *loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot by webhook when bot.webhook.url is set, otherwise by long polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := l.load()
			if err != nil {
				return err
			}
			return serve(cfg, log)
		},
	}
}

func serve(cfg *config.Config, log *logrus.Logger) error {
	log.Info("Starting Telegram Bot...")

	bot, err := telegram.NewBot(cfg.Bot.Token, "", cfg.Logging.Level == "debug")
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	metrics := middleware.NewMetrics()

	store, err := storage.NewManager(cfg, metrics, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		return fmt.Errorf("failed to initialize i18n: %w", err)
	}

	resolver := ai.NewResolver(log, ai.NewBackends(&cfg.Backends, log)...)
	conv := conversation.NewManager(store, localizer, resolver, cfg.Storage.TTL, log)
	images := map[string]ai.ImageBackend{
		"img":  ai.NewDalleBackend(&cfg.Images.Dalle, log),
		"flux": ai.NewFluxBackend(&cfg.Images.Flux, log),
	}

	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, log)
	defer rateLimiter.Close()

	messenger := telegram.NewMessenger(bot, log)
	router := handlers.NewRouter(cfg, messenger, conv, resolver, images, localizer, rateLimiter, metrics, log)
	srv := server.NewServer(cfg, router, store, metrics, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// discovery is slow; the static lists serve until it lands
	go resolver.Refresh(ctx)

	var metricsServer *http.Server
	if cfg.Monitoring.Metrics.Enabled && (!cfg.Bot.Webhook.Enabled() || !srv.SharesMetricsPort()) {
		metricsServer = middleware.NewMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path)
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	if cfg.Bot.Webhook.Enabled() {
		endpoint := webhookEndpoint(cfg.Bot.Webhook)
		if err := messenger.SetWebhook(endpoint, cfg.Bot.Webhook.Secret); err != nil {
			return fmt.Errorf("failed to set webhook: %w", err)
		}
		log.WithField("url", endpoint).Info("Webhook set")
		go func() { errCh <- srv.ListenAndServe() }()
	} else {
		// getUpdates is refused while a webhook is registered
		if err := messenger.DeleteWebhook(false); err != nil {
			log.WithError(err).Warn("Failed to delete webhook")
		}
		go func() {
			srv.Poll(ctx, bot)
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("Update server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to shut down update server")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Failed to shut down metrics server")
		}
	}

	log.Info("Bot stopped")
	return nil
}

// webhookEndpoint joins the public base URL with the webhook path
func webhookEndpoint(w config.WebhookConfig) string {
	base := strings.TrimRight(w.URL, "/")
	if w.Path == "" || strings.HasSuffix(base, w.Path) {
		return base
	}
	return base + "/" + strings.TrimLeft(w.Path, "/")
}

package main

import (
	"fmt"

	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/multi-ai-tgbot-go/internal/handlers"
	"github.com/multi-ai-tgbot-go/internal/i18n"
	"github.com/multi-ai-tgbot-go/internal/telegram"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
)

func newMessenger(cfg *config.Config, log *logrus.Logger) (*telegram.Messenger, error) {
	bot, err := telegram.NewBot(cfg.Bot.Token, "", cfg.Logging.Level == "debug")
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return telegram.NewMessenger(bot, log), nil
}

func newWebhookCmd(l *loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the Telegram webhook registration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Register bot.webhook.url with Telegram",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := l.load()
			if err != nil {
				return err
			}
			if !cfg.Bot.Webhook.Enabled() {
				return fmt.Errorf("bot.webhook.url is not set")
			}
			messenger, err := newMessenger(cfg, log)
			if err != nil {
				return err
			}
			endpoint := webhookEndpoint(cfg.Bot.Webhook)
			if err := messenger.SetWebhook(endpoint, cfg.Bot.Webhook.Secret); err != nil {
				return err
			}
			log.WithField("url", endpoint).Info("Webhook set")
			return nil
		},
	})

	var dropPending bool
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the webhook so the bot can long poll",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := l.load()
			if err != nil {
				return err
			}
			messenger, err := newMessenger(cfg, log)
			if err != nil {
				return err
			}
			if err := messenger.DeleteWebhook(dropPending); err != nil {
				return err
			}
			log.Info("Webhook deleted")
			return nil
		},
	}
	deleteCmd.Flags().BoolVar(&dropPending, "drop-pending", false, "Discard updates queued while the webhook was set")
	cmd.AddCommand(deleteCmd)

	return cmd
}

func newCommandsCmd(l *loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Manage the command menu",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Publish the localized command menu for every configured language",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := l.load()
			if err != nil {
				return err
			}
			localizer, err := i18n.NewLocalizer(&cfg.I18n)
			if err != nil {
				return fmt.Errorf("failed to initialize i18n: %w", err)
			}
			messenger, err := newMessenger(cfg, log)
			if err != nil {
				return err
			}
			return syncCommands(cmd, messenger, localizer, cfg.I18n.DefaultLanguage, log)
		},
	})

	return cmd
}

// syncCommands sets the fallback menu in the default language and one menu
// per language Telegram can address by a two-letter code
func syncCommands(cmd *cobra.Command, messenger *telegram.Messenger, localizer *i18n.Localizer, defaultLang string, log *logrus.Logger) error {
	ctx := cmd.Context()
	if err := messenger.SetDefaultCommands(ctx, "", handlers.CommandMenu(localizer, defaultLang)); err != nil {
		return err
	}

	synced := map[string]string{}
	for _, lang := range localizer.Languages() {
		tag, err := language.Parse(lang)
		if err != nil {
			log.WithError(err).WithField("language", lang).Warn("Skipping unparsable language")
			continue
		}
		base, _ := tag.Base()
		code := base.String()
		// zh and zh-TW share one client code; the first configured wins
		if prev, ok := synced[code]; ok {
			log.WithFields(logrus.Fields{"language": lang, "code": code, "kept": prev}).Info("Skipping language sharing a client code")
			continue
		}
		if err := messenger.SetDefaultCommands(ctx, code, handlers.CommandMenu(localizer, lang)); err != nil {
			return err
		}
		synced[code] = lang
		log.WithFields(logrus.Fields{"language": lang, "code": code}).Info("Command menu synced")
	}
	return nil
}

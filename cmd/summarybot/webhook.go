package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/summarybot/internal/config"
	"github.com/stupiduntilnot/summarybot/internal/db"
	"github.com/stupiduntilnot/summarybot/internal/webhook"
)

func newWebhookCmd(opts *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "webhook",
		Short: "Serve the Telegram webhook, health and debug endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger, "webhook")
			if err != nil {
				return err
			}

			srv := webhook.NewServer(webhook.Options{
				Secret:     cfg.Webhook.Secret,
				Handler:    a.router,
				ConfigView: cfg.Redacted,
				Logger:     logger,
			})

			if cfg.Webhook.PublicBaseURL != "" {
				url := webhook.URL(cfg.Webhook.PublicBaseURL, cfg.Webhook.Secret)
				if err := a.tg.SetWebhook(url, cfg.Webhook.Secret, cfg.Telegram.DropPending); err != nil {
					a.shutdown(context.Background())
					return err
				}
				a.journal.Record(db.EventWebhookSet, map[string]any{"base_url": cfg.Webhook.PublicBaseURL})
				logger.WithField("base_url", cfg.Webhook.PublicBaseURL).Info("webhook registered")
			} else {
				logger.Warn("PUBLIC_BASE_URL is empty; webhook is not registered automatically")
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Listen(fmt.Sprintf(":%d", cfg.Webhook.Port))
			}()

			var serveErr error
			select {
			case <-cmd.Context().Done():
				logger.Info("shutting down webhook server")
			case serveErr = <-errCh:
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.WithError(err).Warn("webhook server shutdown failed")
			}
			a.shutdown(ctx)
			return serveErr
		},
	}
}

func newSetWebhookCmd(opts *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "set-webhook",
		Short: "Register PUBLIC_BASE_URL/webhook/<secret> with Telegram",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Webhook.PublicBaseURL == "" {
				return errors.New("PUBLIC_BASE_URL is required to set the webhook")
			}
			tg, err := newTelegramClient(cfg, logger)
			if err != nil {
				return err
			}
			url := webhook.URL(cfg.Webhook.PublicBaseURL, cfg.Webhook.Secret)
			if err := tg.SetWebhook(url, cfg.Webhook.Secret, cfg.Telegram.DropPending); err != nil {
				return err
			}
			logger.WithField("base_url", cfg.Webhook.PublicBaseURL).Info("webhook registered")
			return nil
		},
	}
}

func newDeleteWebhookCmd(opts *config.Options) *cobra.Command {
	var dropPending bool
	cmd := &cobra.Command{
		Use:   "delete-webhook",
		Short: "Remove the webhook so the bot can poll again",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			tg, err := newTelegramClient(cfg, logger)
			if err != nil {
				return err
			}
			if err := tg.DeleteWebhook(dropPending); err != nil {
				return err
			}
			logger.Info("webhook deleted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dropPending, "drop-pending", false, "Also drop updates queued on Telegram's side.")
	return cmd
}

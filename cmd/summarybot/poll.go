package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/summarybot/internal/bot"
	"github.com/stupiduntilnot/summarybot/internal/config"
	"github.com/stupiduntilnot/summarybot/internal/control"
)

const shutdownGrace = 30 * time.Second

func newPollCmd(opts *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Receive updates with getUpdates long polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger, "poll")
			if err != nil {
				return err
			}

			// getUpdates is refused while a webhook is registered.
			if err := a.tg.DeleteWebhook(false); err != nil {
				logger.WithError(err).Warn("failed to delete webhook before polling")
			}

			poller := bot.NewPoller(a.tg, a.router, bot.PollerOptions{
				Timeout:     cfg.Telegram.PollTimeout,
				Sleep:       time.Duration(cfg.Telegram.SleepSeconds) * time.Second,
				DropPending: cfg.Telegram.DropPending,
				Breaker:     control.NewCircuitBreaker(5, 30*time.Second),
				Journal:     a.journal,
				Logger:      logger,
			})
			runErr := poller.Run(cmd.Context())

			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			a.shutdown(ctx)
			return runErr
		},
	}
}

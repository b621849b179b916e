package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/summarybot/internal/config"
	"github.com/stupiduntilnot/summarybot/internal/logging"
)

func newRootCmd() *cobra.Command {
	opts := &config.Options{}
	cmd := &cobra.Command{
		Use:          "summarybot",
		Short:        "Telegram bot that summarizes recent chat history via SMAIPL",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "Config file path (optional).")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "Dotenv file loaded before reading the environment.")

	cmd.AddCommand(newPollCmd(opts))
	cmd.AddCommand(newWebhookCmd(opts))
	cmd.AddCommand(newSetWebhookCmd(opts))
	cmd.AddCommand(newDeleteWebhookCmd(opts))
	cmd.AddCommand(newEventsCmd())
	return cmd
}

// loadConfig reads the configuration and builds the process logger.
func loadConfig(opts *config.Options) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(*opts)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}
	return cfg, logger, nil
}

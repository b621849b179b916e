package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stupiduntilnot/summarybot/internal/bot"
	"github.com/stupiduntilnot/summarybot/internal/config"
	"github.com/stupiduntilnot/summarybot/internal/control"
	"github.com/stupiduntilnot/summarybot/internal/db"
	"github.com/stupiduntilnot/summarybot/internal/dummy"
	"github.com/stupiduntilnot/summarybot/internal/history"
	"github.com/stupiduntilnot/summarybot/internal/smaipl"
	"github.com/stupiduntilnot/summarybot/internal/summary"
	"github.com/stupiduntilnot/summarybot/internal/telegram"
)

// journal is the event sink shared by the pipeline, router and poller.
type journal interface {
	Record(eventType string, payload map[string]any)
}

// app holds everything a serving mode needs.
type app struct {
	cfg        config.Config
	logger     *logrus.Logger
	tg         *telegram.Client
	journal    journal
	router     *bot.Router
	database   *sql.DB
	cancelBase context.CancelFunc
}

func newApp(cfg config.Config, logger *logrus.Logger, mode string) (*app, error) {
	tg, err := newTelegramClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, tg: tg, journal: db.NopJournal{}}
	if cfg.DB.Path != "" {
		database, err := db.OpenDB(cfg.DB.Path)
		if err != nil {
			return nil, err
		}
		if err := db.InitSchema(database); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to init schema: %w", err)
		}
		a.database = database
		a.journal = db.NewJournal(database, logger, map[string]any{
			"mode":     mode,
			"pid":      os.Getpid(),
			"provider": cfg.SMAIPL.Provider,
			"schema":   cfg.SMAIPL.Schema,
			"bot":      tg.Username(),
		})
	}

	backend, err := newBackend(cfg, logger)
	if err != nil {
		a.closeDB()
		return nil, err
	}

	store := history.NewStore(cfg.History.Limit, cfg.Bot.CommandPrefix, cfg.Bot.DefaultAuthor)
	pipelineOpts := summary.Options{
		LastN:         cfg.Summary.LastN,
		FallbackLines: cfg.Summary.FallbackLines,
		Retry: control.RetryPolicy{
			MaxAttempts: cfg.SMAIPL.MaxAttempts,
			BaseDelay:   cfg.SMAIPL.RetryBase(),
			MaxDelay:    cfg.SMAIPL.RetryMax(),
		},
		Breaker: control.NewCircuitBreaker(cfg.SMAIPL.BreakerThreshold, cfg.SMAIPL.BreakerCooldown()),
		Journal: a.journal,
		Logger:  logger,
	}
	if pusher := smaipl.NewPusher(cfg.SMAIPL.PushURL, cfg.SMAIPL.PushBearer, 30*time.Second); pusher != nil {
		pipelineOpts.Pusher = pusher
	}
	pipeline := summary.NewPipeline(store, backend, pipelineOpts)

	base, cancel := context.WithCancel(context.Background())
	a.cancelBase = cancel
	a.router = bot.NewRouter(tg, store, pipeline, bot.RouterOptions{
		Commands: bot.Commands{
			Prefix:  cfg.Bot.CommandPrefix,
			Summary: cfg.Bot.SummaryCommand,
			Clear:   cfg.Bot.ClearCommand,
			Ping:    cfg.Bot.PingCommand,
		},
		BotUsername:   tg.Username(),
		DefaultAuthor: cfg.Bot.DefaultAuthor,
		Delivery:      cfg.Summary.Delivery,
		MaxParts:      cfg.Summary.MaxParts,
		Journal:       a.journal,
		Logger:        logger,
		BaseContext:   base,
	})

	logger.WithFields(logrus.Fields{
		"mode":     mode,
		"bot":      tg.Username(),
		"provider": cfg.SMAIPL.Provider,
		"schema":   cfg.SMAIPL.Schema,
		"endpoint": cfg.SMAIPL.Endpoint(),
		"history":  cfg.History.Limit,
		"last_n":   cfg.Summary.LastN,
	}).Info("summarybot running")
	return a, nil
}

// shutdown waits for in-flight summaries until ctx expires, then cancels
// whatever is left and closes the journal.
func (a *app) shutdown(ctx context.Context) {
	if err := a.router.Wait(ctx); err != nil {
		a.logger.WithError(err).Warn("in-flight summaries did not finish before shutdown")
	}
	a.cancelBase()
	a.journal.Record(db.EventProcessStopped, map[string]any{"pid": os.Getpid()})
	a.closeDB()
	a.logger.Info("summarybot stopped")
}

func (a *app) closeDB() {
	if a.database != nil {
		a.database.Close()
	}
}

func newTelegramClient(cfg config.Config, logger logrus.FieldLogger) (*telegram.Client, error) {
	timeout := time.Duration(cfg.Telegram.PollTimeout+20) * time.Second
	client, err := telegram.NewClient(cfg.Telegram.Token, cfg.Telegram.APIEndpoint, timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram client: %w", err)
	}
	return client, nil
}

func newBackend(cfg config.Config, logger logrus.FieldLogger) (summary.Backend, error) {
	switch cfg.SMAIPL.Provider {
	case "dummy":
		return dummy.NewBackend(cfg.Dummy.Script)
	case "http":
		return smaipl.NewClient(smaipl.Options{
			Endpoint: cfg.SMAIPL.Endpoint(),
			Payload: smaipl.PayloadOptions{
				Schema:       smaipl.Schema(cfg.SMAIPL.Schema),
				Model:        cfg.SMAIPL.Model,
				Temperature:  float32(cfg.SMAIPL.Temperature),
				SystemPrompt: cfg.SMAIPL.SystemPrompt,
				BotID:        cfg.SMAIPL.BotID,
			},
			Auth:       smaipl.AuthMode(cfg.SMAIPL.Auth),
			AuthHeader: cfg.SMAIPL.AuthHeader,
			APIKey:     cfg.SMAIPL.APIKey,
			Timeout:    cfg.SMAIPL.Timeout(),
			Rules:      smaipl.ParseRules(cfg.SMAIPL.ResponseFields),
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("unsupported SMAIPL provider: %s", cfg.SMAIPL.Provider)
	}
}

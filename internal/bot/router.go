// Package bot wires chat updates to the history buffer and the summary
// pipeline.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	cmdpkg "github.com/stupiduntilnot/summarybot/internal/commander"
	"github.com/stupiduntilnot/summarybot/internal/db"
	"github.com/stupiduntilnot/summarybot/internal/history"
	"github.com/stupiduntilnot/summarybot/internal/summary"
	"github.com/stupiduntilnot/summarybot/internal/telegram"
)

const (
	preparingNotice = "Готовлю summary..."
	clearedNotice   = "История чата очищена."
	pongReply       = "pong"
	failureNotice   = "Ошибка при генерации summary. Попробуйте позже."
)

// Sender is the push side of commander.Commander.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Summarizer is the summary pipeline as seen by the router.
type Summarizer interface {
	Summarize(ctx context.Context, chatID int64, meta map[string]any) (summary.Result, error)
	SummarizeEntries(ctx context.Context, chatID int64, entries []history.Entry, meta map[string]any) (summary.Result, error)
}

// Journal records router events.
type Journal interface {
	Record(eventType string, payload map[string]any)
}

// Commands names the bot commands, prefix included.
type Commands struct {
	Prefix  string
	Summary string
	Clear   string
	Ping    string
}

// DefaultCommands returns the stock command set.
func DefaultCommands() Commands {
	return Commands{Prefix: "/", Summary: "/summary", Clear: "/clear", Ping: "/ping"}
}

type RouterOptions struct {
	Commands      Commands
	// BotUsername is this bot's username. Commands addressed to another bot
	// ("/clear@other_bot") are ignored. Empty accepts any suffix.
	BotUsername   string
	DefaultAuthor string
	Delivery      string
	MaxParts      int
	MessageLimit  int
	Journal       Journal
	Logger        logrus.FieldLogger
	// BaseContext is the parent of every background command. It should
	// outlive individual webhook requests.
	BaseContext context.Context
}

// Router handles one update at a time. Plain messages are recorded before
// Handle returns, so history order matches arrival order; commands that talk
// to the backend run in the background.
type Router struct {
	sender        Sender
	store         *history.Store
	summarizer    Summarizer
	commands      Commands
	botUsername   string
	defaultAuthor string
	delivery      string
	maxParts      int
	limit         int
	journal       Journal
	logger        logrus.FieldLogger
	base          context.Context
	wg            sync.WaitGroup
}

func NewRouter(sender Sender, store *history.Store, s Summarizer, opts RouterOptions) *Router {
	if opts.Commands.Prefix == "" {
		opts.Commands = DefaultCommands()
	}
	if opts.DefaultAuthor == "" {
		opts.DefaultAuthor = "user"
	}
	if opts.Delivery == "" {
		opts.Delivery = summary.DeliverySplit
	}
	if opts.MaxParts <= 0 {
		opts.MaxParts = 5
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = telegram.MaxMessageLength
	}
	if opts.Journal == nil {
		opts.Journal = db.NopJournal{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	return &Router{
		sender:        sender,
		store:         store,
		summarizer:    s,
		commands:      opts.Commands,
		botUsername:   strings.TrimPrefix(opts.BotUsername, "@"),
		defaultAuthor: opts.DefaultAuthor,
		delivery:      opts.Delivery,
		maxParts:      opts.MaxParts,
		limit:         opts.MessageLimit,
		journal:       opts.Journal,
		logger:        opts.Logger,
		base:          opts.BaseContext,
	}
}

// Handle processes an update. It never fails: problems are logged and, where
// it makes sense, reported to the chat.
func (r *Router) Handle(ctx context.Context, update cmdpkg.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	log := r.logger.WithFields(logrus.Fields{"chat_id": msg.Chat.ID, "update_id": update.UpdateID})

	if !history.IsCommand(text, r.commands.Prefix) {
		r.store.Record(msg.Chat.ID, msg.Author, msg.Text)
		return
	}

	name, target := splitCommand(text)
	if !r.addressedToMe(target) {
		log.WithField("target", target).Debug("ignoring command for another bot")
		return
	}
	switch name {
	case "/start", "/help":
		r.reply(ctx, log, msg.Chat.ID, r.usage())
	case strings.ToLower(r.commands.Ping):
		r.reply(ctx, log, msg.Chat.ID, pongReply)
	case strings.ToLower(r.commands.Clear):
		r.store.Clear(msg.Chat.ID)
		r.journal.Record(db.EventHistoryCleared, map[string]any{"chat_id": msg.Chat.ID})
		log.Info("history cleared")
		r.reply(ctx, log, msg.Chat.ID, clearedNotice)
	case strings.ToLower(r.commands.Summary):
		m := *msg
		r.goSafe(log, func(ctx context.Context) { r.summarize(ctx, log, &m) })
	default:
		log.WithField("command", name).Debug("ignoring unknown command")
	}
}

// Wait blocks until background commands finish or ctx is done.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) goSafe(log logrus.FieldLogger, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				log.WithField("panic", fmt.Sprint(p)).Errorf("command handler panicked\n%s", debug.Stack())
			}
		}()
		fn(r.base)
	}()
}

func (r *Router) summarize(ctx context.Context, log logrus.FieldLogger, msg *cmdpkg.Message) {
	chatID := msg.Chat.ID
	meta := map[string]any{"telegram_message_id": msg.MessageID}

	r.reply(ctx, log, chatID, preparingNotice)

	var (
		res summary.Result
		err error
	)
	if quoted := quotedEntry(msg, r.defaultAuthor); quoted != nil {
		res, err = r.summarizer.SummarizeEntries(ctx, chatID, []history.Entry{*quoted}, meta)
	} else {
		res, err = r.summarizer.Summarize(ctx, chatID, meta)
	}

	switch {
	case errors.Is(err, summary.ErrNoHistory):
		r.reply(ctx, log, chatID, summary.NoHistoryNotice)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.WithError(err).Warn("summary abandoned")
		return
	case err != nil:
		log.WithError(err).Error("summary failed")
		r.reply(ctx, log, chatID, failureNotice)
		return
	}

	log = log.WithField("run_id", res.RunID)
	for _, part := range summary.Fit(res.Text, r.limit, r.delivery, r.maxParts) {
		if !r.reply(ctx, log, chatID, part) {
			return
		}
	}
}

func (r *Router) reply(ctx context.Context, log logrus.FieldLogger, chatID int64, text string) bool {
	if err := r.sender.SendMessage(ctx, chatID, text); err != nil {
		log.WithError(err).Warn("failed to send reply")
		return false
	}
	return true
}

func (r *Router) usage() string {
	return "Привет! Я Summary Bot.\n\n" +
		"Я запоминаю последние сообщения этого чата.\n" +
		r.commands.Summary + " — краткое содержание последних сообщений. " +
		"Если отправить команду ответом на сообщение, я суммаризирую именно его.\n" +
		r.commands.Clear + " — очистить историю чата.\n" +
		r.commands.Ping + " — проверить, что бот на связи."
}

// quotedEntry returns the message a command replies to, if it has text.
func quotedEntry(msg *cmdpkg.Message, defaultAuthor string) *history.Entry {
	q := msg.ReplyTo
	if q == nil {
		return nil
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil
	}
	author := strings.TrimSpace(q.Author)
	if author == "" {
		author = defaultAuthor
	}
	return &history.Entry{Author: author, Text: text}
}

func (r *Router) addressedToMe(target string) bool {
	return target == "" || r.botUsername == "" || strings.EqualFold(target, r.botUsername)
}

// splitCommand splits "/cmd@bot_name args" into the lowercased "/cmd" and
// "bot_name".
func splitCommand(text string) (name, target string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	name = fields[0]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name, target = name[:i], name[i+1:]
	}
	return strings.ToLower(name), target
}

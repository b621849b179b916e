package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	cmdpkg "github.com/stupiduntilnot/summarybot/internal/commander"
)

// MaxMessageLength is the Bot API limit for one text message, in UTF-16
// code units.
const MaxMessageLength = 4096

type Update = cmdpkg.Update
type Message = cmdpkg.Message
type Chat = cmdpkg.Chat

// Client is a Telegram Bot API client implementing commander.Commander.
type Client struct {
	bot    *tgbotapi.BotAPI
	logger logrus.FieldLogger
}

var _ cmdpkg.Commander = (*Client)(nil)

// NewClient connects to the Bot API. endpoint is a format string with two
// verbs (token, method); empty means the public Telegram API. The constructor
// calls getMe, so an invalid token fails here.
func NewClient(token, endpoint string, requestTimeout time.Duration, logger logrus.FieldLogger) (*Client, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := tgbotapi.SetLogger(logger.WithField("component", "tgbotapi")); err != nil {
		logger.WithError(err).Debug("telegram library logger not replaced")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: requestTimeout})
	if err != nil {
		return nil, fmt.Errorf("telegram getMe failed: %w", err)
	}
	logger.WithField("bot", bot.Self.UserName).Info("telegram bot authorized")
	return &Client{bot: bot, logger: logger}, nil
}

// Username returns the bot's own username as reported by getMe.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// GetUpdates long-polls for updates. Only message updates are returned; the
// caller still advances its offset past every update_id it saw, so other
// kinds are reported with a nil Message.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	cfg := tgbotapi.NewUpdate(int(offset))
	cfg.Timeout = timeout
	cfg.AllowedUpdates = []string{"message"}

	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	done := make(chan result, 1)
	go func() {
		updates, err := c.bot.GetUpdates(cfg)
		done <- result{updates, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("telegram getUpdates request failed: %w", r.err)
		}
		out := make([]Update, 0, len(r.updates))
		for _, u := range r.updates {
			out = append(out, convertUpdate(u))
		}
		return out, nil
	}
}

// SendMessage sends a plain text message to the given chat. Callers split
// long texts beforehand; anything over the limit is cut here as a last
// resort.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, clampUTF16(text, MaxMessageLength))
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram sendMessage failed: %w", err)
	}
	return nil
}

// SetWebhook registers url as the bot's webhook. A non-empty secret is sent
// as secret_token so Telegram echoes it in X-Telegram-Bot-Api-Secret-Token.
func (c *Client) SetWebhook(url, secret string, dropPending bool) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("url", url)
	params.AddNonEmpty("secret_token", secret)
	params.AddBool("drop_pending_updates", dropPending)
	params.AddNonEmpty("allowed_updates", `["message"]`)
	if _, err := c.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("telegram setWebhook failed: %w", err)
	}
	return nil
}

// DeleteWebhook removes the webhook so getUpdates can be used again.
func (c *Client) DeleteWebhook(dropPending bool) error {
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: dropPending}); err != nil {
		return fmt.Errorf("telegram deleteWebhook failed: %w", err)
	}
	return nil
}

// ParseUpdate decodes a webhook request body.
func ParseUpdate(body []byte) (Update, error) {
	var u tgbotapi.Update
	if err := json.Unmarshal(body, &u); err != nil {
		return Update{}, fmt.Errorf("failed to parse update: %w", err)
	}
	return convertUpdate(u), nil
}

func convertUpdate(u tgbotapi.Update) Update {
	return Update{UpdateID: int64(u.UpdateID), Message: convertMessage(u.Message)}
}

func convertMessage(m *tgbotapi.Message) *Message {
	if m == nil || m.Chat == nil {
		return nil
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	out := &Message{
		MessageID: int64(m.MessageID),
		Chat:      Chat{ID: m.Chat.ID},
		Author:    authorName(m),
		Text:      text,
		Date:      int64(m.Date),
	}
	if m.ReplyToMessage != nil {
		out.ReplyTo = convertMessage(m.ReplyToMessage)
	}
	return out
}

// authorName prefers @username, then the display name. Messages posted on
// behalf of a chat use the chat title. Empty means unknown.
func authorName(m *tgbotapi.Message) string {
	if m.From != nil {
		if m.From.UserName != "" {
			return "@" + m.From.UserName
		}
		if name := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName); name != "" {
			return name
		}
	}
	if m.SenderChat != nil {
		return strings.TrimSpace(m.SenderChat.Title)
	}
	return ""
}

func clampUTF16(s string, limit int) string {
	n := 0
	for i, r := range s {
		w := 1
		if r >= 0x10000 {
			w = 2
		}
		if n+w > limit {
			return s[:i]
		}
		n += w
	}
	return s
}

// Package webhook serves the Telegram webhook endpoint plus health and
// config introspection routes.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	cmdpkg "github.com/stupiduntilnot/summarybot/internal/commander"
	"github.com/stupiduntilnot/summarybot/internal/telegram"
)

// SecretHeader carries the secret_token registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Handler consumes parsed updates.
type Handler interface {
	Handle(ctx context.Context, update cmdpkg.Update)
}

type Options struct {
	// Secret guards POST /webhook/:secret. Empty disables both checks.
	Secret string
	// Handler may be nil, in which case the webhook answers 503.
	Handler Handler
	// ConfigView returns the masked configuration for /debug/config.
	ConfigView func() map[string]any
	Logger     logrus.FieldLogger
}

// Server is the HTTP side of webhook mode.
type Server struct {
	app     *fiber.App
	secret  string
	handler Handler
	config  func() map[string]any
	logger  logrus.FieldLogger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ConfigView == nil {
		opts.ConfigView = func() map[string]any { return map[string]any{} }
	}
	s := &Server{
		secret:  opts.Secret,
		handler: opts.Handler,
		config:  opts.ConfigView,
		logger:  opts.Logger,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "summarybot",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
		ReadTimeout:           30 * time.Second,
	})
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger)

	s.app.Get("/health", s.health)
	s.app.Get("/debug/config", s.debugConfig)
	s.app.Post("/webhook/:secret", s.webhook)
	return s
}

// App exposes the fiber app, mainly for app.Test in tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen blocks serving addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.logger.WithField("addr", addr).Info("webhook server listening")
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) debugConfig(c *fiber.Ctx) error {
	return c.JSON(s.config())
}

func (s *Server) webhook(c *fiber.Ctx) error {
	if s.handler == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "telegram handler is not initialised")
	}
	if s.secret != "" {
		if !secretsEqual(c.Params("secret"), s.secret) {
			return fiber.NewError(fiber.StatusForbidden, "invalid webhook secret")
		}
		// Telegram only sends the header when a secret_token was registered.
		if header := c.Get(SecretHeader); header != "" && !secretsEqual(header, s.secret) {
			return fiber.NewError(fiber.StatusForbidden, "invalid secret token header")
		}
	}

	update, err := telegram.ParseUpdate(c.Body())
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid update payload")
	}
	s.handler.Handle(c.UserContext(), update)
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}
	// Route pattern, not the raw path: the raw path contains the secret.
	entry := s.logger.WithFields(logrus.Fields{
		"method":      c.Method(),
		"route":       c.Route().Path,
		"status":      status,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if status >= fiber.StatusBadRequest {
		entry.Warn("http request rejected")
	} else {
		entry.Debug("http request")
	}
	return err
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}

func secretsEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// URL builds the public webhook URL for the given base URL.
func URL(publicBaseURL, secret string) string {
	seg := secret
	if seg == "" {
		seg = "telegram"
	}
	return strings.TrimRight(publicBaseURL, "/") + "/webhook/" + url.PathEscape(seg)
}
